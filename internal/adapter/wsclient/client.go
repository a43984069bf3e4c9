// Package wsclient is the connection manager: it negotiates an endpoint,
// holds one WebSocket connection at a time, runs the sender, reader and
// keepalive loops on it, and reconnects according to the live policy.
package wsclient

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"larkstream/internal/domain"
	"larkstream/internal/infra/metrics"
	"larkstream/internal/usecase/stream"
)

// Defaults for a zero Config.
const (
	DefaultReconnectCount    = -1
	DefaultReconnectInterval = 2 * time.Minute
	DefaultReconnectNonce    = 30 * time.Second
	DefaultPingInterval      = 2 * time.Minute
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxMessageSize    = 4 << 20
)

// DefaultSettings returns the connection settings used until the server
// pushes its own.
func DefaultSettings() domain.ConnectionSettings {
	return domain.ConnectionSettings{
		ReconnectCount:    DefaultReconnectCount,
		ReconnectInterval: DefaultReconnectInterval,
		ReconnectNonce:    DefaultReconnectNonce,
		PingInterval:      DefaultPingInterval,
	}
}

// Config configures a Client.
type Config struct {
	// AutoReconnect enables the reconnect policy. When false the first
	// connection failure ends Run.
	AutoReconnect bool
	// Settings are the initial reconnect and keepalive parameters. Server
	// values from negotiation and pong frames override them.
	Settings         domain.ConnectionSettings
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxMessageSize bounds one inbound WebSocket message.
	MaxMessageSize int64
	Fragments      stream.ReassemblerConfig
}

func (c Config) withDefaults() Config {
	if c.Settings == (domain.ConnectionSettings{}) {
		c.Settings = DefaultSettings()
	}
	if c.Settings.PingInterval <= 0 {
		c.Settings.PingInterval = DefaultPingInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// Status is a point-in-time view of the client.
type Status struct {
	State             domain.State
	ConnID            string
	ServiceID         int32
	Settings          domain.ConnectionSettings
	ReconnectAttempts int
	ConnectedAt       time.Time
	LastError         string
	PendingFragments  int
	OutboxDepth       int
}

// Client owns one logical persistent connection.
type Client struct {
	cfg         Config
	negotiator  domain.Negotiator
	dispatcher  domain.Dispatcher
	reassembler *stream.Reassembler
	handler     *stream.Handler
	httpClient  *http.Client
	metrics     *metrics.Metrics
	logger      *slog.Logger

	settingsMu sync.RWMutex
	settings   domain.ConnectionSettings

	mu          sync.Mutex
	state       domain.State
	connID      string
	serviceID   int32
	out         *outbox
	connectedAt time.Time
	lastErr     error
	attempts    int

	started   atomic.Bool
	shutdown  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client. Nothing happens on the network until Run.
func New(cfg Config, negotiator domain.Negotiator, dispatcher domain.Dispatcher, logger *slog.Logger, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:        cfg,
		negotiator: negotiator,
		dispatcher: dispatcher,
		logger:     logger,
		settings:   cfg.Settings,
		state:      domain.StateIdle,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.reassembler = stream.NewReassembler(cfg.Fragments, logger, stream.WithEvictionHook(c.onEvict))
	c.handler = stream.NewHandler(c.reassembler, c, logger)
	return c
}

// Run connects and serves until Close is called, ctx is cancelled, or the
// connection fails permanently. It returns nil on a requested shutdown,
// the terminal error otherwise (a client error, or an error wrapping
// domain.ErrReconnectExhausted). Run may be called once.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return domain.ErrAlreadyStarted
	}
	defer close(c.done)

	select {
	case <-c.shutdown:
		c.setState(domain.StateClosed, nil)
		return domain.ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := c.loop(ctx)
	if err != nil {
		c.logger.Error("connection closed permanently", "error", err, "code", string(domain.ErrorCodeOf(err)))
	}
	c.setState(domain.StateClosed, err)
	return err
}

func (c *Client) loop(ctx context.Context) error {
	attempts := 0
	for {
		if attempts > 0 {
			delay := reconnectDelay(c.Settings(), attempts)
			c.setState(domain.StateReconnecting, nil)
			c.metrics.ReconnectAttempt()
			c.logger.Info("reconnecting", "attempt", attempts, "delay", delay)
			if !sleep(ctx, delay) {
				return nil
			}
		}

		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempts = 0
		}
		c.recordError(err)

		if !c.cfg.AutoReconnect || !domain.IsRetryableError(err) {
			return err
		}
		if !attemptsLeft(c.Settings(), attempts) {
			return fmt.Errorf("%w after %d attempts: %w", domain.ErrReconnectExhausted, attempts, err)
		}
		attempts++
		c.mu.Lock()
		c.attempts = attempts
		c.mu.Unlock()
		c.logger.Warn("connection lost", "error", err, "next_attempt", attempts)
	}
}

// connect runs one negotiate-dial-serve cycle. connected reports whether
// the WebSocket was established.
func (c *Client) connect(ctx context.Context) (connected bool, err error) {
	c.setState(domain.StateNegotiating, nil)
	ep, err := c.negotiator.Negotiate(ctx)
	c.metrics.Negotiation(err)
	if err != nil {
		return false, err
	}
	if ep.ClientConfig != nil {
		c.ApplyClientConfig(*ep.ClientConfig)
	}
	c.setState(domain.StateConnecting, nil)
	return c.serve(ctx, ep.URL)
}

// Close stops the client and waits for Run to return. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.shutdown) })
	if c.started.Load() {
		<-c.done
	}
}

// Send queues f for the current connection. It never blocks on the
// network and returns domain.ErrNotConnected between connections.
func (c *Client) Send(ctx context.Context, f *domain.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f == nil {
		return domain.NewDomainError("Client.Send", domain.ErrInvalidInput, "nil frame")
	}
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil || !out.push(f) {
		return domain.ErrNotConnected
	}
	c.metrics.SetOutboxDepth(out.len())
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Settings returns a snapshot of the live connection settings.
func (c *Client) Settings() domain.ConnectionSettings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.settings
}

// ApplyClientConfig merges a server-pushed configuration into the live
// settings. The keepalive and reconnect loops pick it up on their next
// iteration.
func (c *Client) ApplyClientConfig(cfg domain.ClientConfig) {
	c.settingsMu.Lock()
	old := c.settings
	c.settings = old.Apply(cfg)
	updated := c.settings
	c.settingsMu.Unlock()

	if updated == old {
		return
	}
	c.logger.Info("connection settings updated",
		"reconnect_count", updated.ReconnectCount,
		"reconnect_interval", updated.ReconnectInterval,
		"reconnect_nonce", updated.ReconnectNonce,
		"ping_interval", updated.PingInterval,
	)
	detail, _ := json.Marshal(cfg)
	c.publish(domain.EventConfigUpdated, detail)
}

// Status returns a point-in-time view for status reporting.
func (c *Client) Status() Status {
	settings := c.Settings()
	c.mu.Lock()
	st := Status{
		State:             c.state,
		ConnID:            c.connID,
		ServiceID:         c.serviceID,
		Settings:          settings,
		ReconnectAttempts: c.attempts,
		ConnectedAt:       c.connectedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	out := c.out
	c.mu.Unlock()

	st.PendingFragments = c.reassembler.Pending()
	if out != nil {
		st.OutboxDepth = out.len()
	}
	return st
}

func (c *Client) setState(s domain.State, cause error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	connID := c.connID
	c.mu.Unlock()
	if prev == s {
		return
	}

	c.metrics.SetState(s)
	c.logger.Info("connection state changed", "from", prev.String(), "to", s.String(), "conn_id", connID)

	detail := stateDetail{From: prev.String(), To: s.String()}
	if cause != nil {
		detail.Error = cause.Error()
	}
	raw, _ := json.Marshal(detail)
	c.publish(domain.EventStateChanged, raw)
}

type stateDetail struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) onEvict(e stream.Eviction) {
	c.metrics.FragmentEvicted(e.Reason)
	raw, _ := json.Marshal(map[string]any{
		"message_id": e.MessageID,
		"trace_id":   e.TraceID,
		"service":    e.Service,
		"reason":     e.Reason,
		"received":   e.Received,
		"sum":        e.Sum,
		"age_ms":     e.Age.Milliseconds(),
	})
	c.publish(domain.EventFragmentEvicted, raw)
}

// publish sends a lifecycle event. Lifecycle events are best effort.
func (c *Client) publish(t domain.EventType, detail json.RawMessage) {
	if c.dispatcher == nil {
		return
	}
	c.mu.Lock()
	connID := c.connID
	c.mu.Unlock()
	_ = c.dispatcher.Dispatch(context.Background(), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		ConnID:    connID,
		Detail:    detail,
	})
}

// parseEndpointURL extracts the connection and service ids from the
// negotiated URL's query string.
func parseEndpointURL(raw string) (connID string, serviceID int32, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, err
	}
	q := u.Query()
	connID = q.Get("device_id")
	if connID == "" {
		connID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if s := q.Get("service_id"); s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return "", 0, fmt.Errorf("service_id %q: %w", s, err)
		}
		serviceID = int32(n)
	}
	return connID, serviceID, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ stream.ConfigSink = (*Client)(nil)
