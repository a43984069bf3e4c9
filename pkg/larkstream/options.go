package larkstream

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the platform origin used for endpoint negotiation, e.g.
// "https://open.larksuite.com".
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithAutoReconnect enables or disables automatic reconnection. Enabled by
// default.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) { c.autoReconnect = enabled }
}

// WithHandler registers a handler for every received event. It may be
// given more than once.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handlers = append(c.handlers, h) }
}

// WithLifecycleHandler registers a handler for connection lifecycle
// events (state changes, config updates, fragment evictions).
func WithLifecycleHandler(h Handler) Option {
	return func(c *Client) { c.lifecycle = append(c.lifecycle, h) }
}

// WithHTTPClient sets the HTTP client used for negotiation and the
// WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFragmentTTL sets how long an incomplete fragmented message is kept.
func WithFragmentTTL(ttl time.Duration) Option {
	return func(c *Client) { c.fragments.TTL = ttl }
}

// WithMaxPendingMessages caps the number of incomplete messages buffered.
func WithMaxPendingMessages(n int) Option {
	return func(c *Client) { c.fragments.MaxPending = n }
}

// WithSettings sets the initial reconnect and keepalive settings. Values
// pushed by the server replace them at runtime.
func WithSettings(s Settings) Option {
	return func(c *Client) { c.settings = s }
}

// WithMaxInFlight caps concurrently running handlers. Events arriving
// while the cap is reached are nacked and redelivered by the platform.
func WithMaxInFlight(n int64) Option {
	return func(c *Client) { c.maxInFlight = n }
}

// WithNegotiationTimeout bounds a single endpoint negotiation request.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(c *Client) { c.negotiateTimeout = d }
}

// WithBreaker sets the negotiation circuit breaker: after maxFailures
// consecutive server-side failures, negotiation fails fast for cooldown.
func WithBreaker(maxFailures uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		c.breaker.MaxFailures = maxFailures
		c.breaker.Timeout = cooldown
	}
}

// WithMetrics enables Prometheus metrics, served by MetricsHandler.
func WithMetrics() Option {
	return func(c *Client) { c.metricsEnabled = true }
}

// WithHandshakeTimeout bounds the WebSocket upgrade.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithWriteTimeout bounds writing a single frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithMaxMessageSize bounds a single inbound WebSocket message.
func WithMaxMessageSize(n int64) Option {
	return func(c *Client) { c.maxMessageSize = n }
}
