// Package larkstream is a client for the Lark/Feishu long-connection event
// stream. It negotiates an endpoint with the app credentials, keeps a
// WebSocket open, reassembles fragmented pushes and hands each complete
// event to the registered handlers.
//
// Example:
//
//	c, err := larkstream.New(appID, appSecret,
//	    larkstream.WithHandler(func(ctx context.Context, e larkstream.Event) {
//	        log.Printf("%s %s", e.EventKind, e.Payload)
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	return c.Start(ctx)
package larkstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"larkstream/internal/adapter/endpoint"
	"larkstream/internal/adapter/wsclient"
	"larkstream/internal/domain"
	"larkstream/internal/infra/metrics"
	"larkstream/internal/usecase/eventbus"
	"larkstream/internal/usecase/stream"
)

type (
	// Event is delivered to handlers.
	Event = domain.Event
	// EventType identifies an Event.
	EventType = domain.EventType
	// Frame is one protocol frame, as accepted by Send.
	Frame = domain.Frame
	// State is the connection state.
	State = domain.State
	// Settings are the reconnect and keepalive parameters.
	Settings = domain.ConnectionSettings
	// Status is a point-in-time view of the connection.
	Status = wsclient.Status
	// Handler receives events. It runs on its own goroutine.
	Handler = domain.EventHandler
)

// Event types.
const (
	EventReceived        = domain.EventReceived
	EventStateChanged    = domain.EventStateChanged
	EventConfigUpdated   = domain.EventConfigUpdated
	EventFragmentEvicted = domain.EventFragmentEvicted
)

// Connection states.
const (
	StateIdle         = domain.StateIdle
	StateNegotiating  = domain.StateNegotiating
	StateConnecting   = domain.StateConnecting
	StateConnected    = domain.StateConnected
	StateReconnecting = domain.StateReconnecting
	StateClosed       = domain.StateClosed
)

// Errors returned by Start and Send; match with errors.Is.
var (
	ErrClientError        = domain.ErrClientError
	ErrServerError        = domain.ErrServerError
	ErrConnectivity       = domain.ErrConnectivity
	ErrReconnectExhausted = domain.ErrReconnectExhausted
	ErrNotConnected       = domain.ErrNotConnected
	ErrAlreadyStarted     = domain.ErrAlreadyStarted
	ErrClosed             = domain.ErrClosed
	ErrInvalidInput       = domain.ErrInvalidInput
)

// Client is a long-connection event stream client.
type Client struct {
	appID            string
	appSecret        string
	baseURL          string
	logger           *slog.Logger
	httpClient       *http.Client
	autoReconnect    bool
	handlers         []Handler
	lifecycle        []Handler
	settings         Settings
	fragments        stream.ReassemblerConfig
	maxInFlight      int64
	negotiateTimeout time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	maxMessageSize   int64
	breaker          endpoint.BreakerConfig
	metricsEnabled   bool

	metrics *metrics.Metrics
	bus     *eventbus.Bus
	conn    *wsclient.Client
}

// New creates a client for the given app credentials. Nothing touches the
// network until Start.
func New(appID, appSecret string, opts ...Option) (*Client, error) {
	if appID == "" || appSecret == "" {
		return nil, fmt.Errorf("%w: app id and app secret are required", ErrInvalidInput)
	}
	c := &Client{
		appID:         appID,
		appSecret:     appSecret,
		baseURL:       endpoint.DefaultBaseURL,
		logger:        slog.Default(),
		autoReconnect: true,
		maxInFlight:   eventbus.DefaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.metricsEnabled {
		c.metrics = metrics.New()
	}

	busOpts := []eventbus.Option{eventbus.WithMaxInFlight(c.maxInFlight)}
	if c.metrics != nil {
		busOpts = append(busOpts, eventbus.WithObserver(c.metrics))
	}
	c.bus = eventbus.New(c.logger, busOpts...)
	for _, h := range c.handlers {
		c.bus.Subscribe(EventReceived, h)
	}
	for _, h := range c.lifecycle {
		for _, t := range []EventType{EventStateChanged, EventConfigUpdated, EventFragmentEvicted} {
			c.bus.Subscribe(t, h)
		}
	}

	negotiator := endpoint.NewBreakerNegotiator(
		endpoint.New(endpoint.Config{
			BaseURL:   c.baseURL,
			AppID:     c.appID,
			AppSecret: c.appSecret,
			Timeout:   c.negotiateTimeout,
		}, c.httpClient, c.logger),
		c.breaker,
		c.logger,
	)

	wsOpts := []wsclient.Option{wsclient.WithMetrics(c.metrics)}
	if c.httpClient != nil {
		wsOpts = append(wsOpts, wsclient.WithHTTPClient(c.httpClient))
	}
	c.conn = wsclient.New(wsclient.Config{
		AutoReconnect:    c.autoReconnect,
		Settings:         c.settings,
		HandshakeTimeout: c.handshakeTimeout,
		WriteTimeout:     c.writeTimeout,
		MaxMessageSize:   c.maxMessageSize,
		Fragments:        c.fragments,
	}, negotiator, c.bus, c.logger, wsOpts...)

	return c, nil
}

// Start connects and serves the event stream. It blocks until Close is
// called or ctx is cancelled (returning nil), or the connection fails
// terminally (client error, reconnects exhausted, or auto-reconnect
// disabled). Start may be called once; after Close it returns ErrClosed.
func (c *Client) Start(ctx context.Context) error {
	return c.conn.Run(ctx)
}

// Close stops the connection and waits for running handlers to return.
func (c *Client) Close() {
	c.conn.Close()
	c.bus.Close()
}

// Subscribe registers h for events of type t after construction. It returns
// an unsubscribe function.
func (c *Client) Subscribe(t EventType, h Handler) func() {
	return c.bus.Subscribe(t, h)
}

// State returns the current connection state.
func (c *Client) State() State { return c.conn.State() }

// Status returns a snapshot of the connection.
func (c *Client) Status() Status { return c.conn.Status() }

// Send queues a frame on the current connection.
func (c *Client) Send(ctx context.Context, f *Frame) error {
	return c.conn.Send(ctx, f)
}

// MetricsHandler serves Prometheus metrics. It responds 404 unless
// WithMetrics was given.
func (c *Client) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// Events returns the client's event bus, for wiring status endpoints.
func (c *Client) Events() domain.EventBus { return c.bus }
