package domain

import (
	"context"
	"time"
)

// ClientConfig is the server-provided connection configuration, delivered by
// endpoint negotiation and by pong control frames. Values are seconds.
type ClientConfig struct {
	ReconnectCount    int `json:"ReconnectCount"`
	ReconnectInterval int `json:"ReconnectInterval"`
	ReconnectNonce    int `json:"ReconnectNonce"`
	PingInterval      int `json:"PingInterval"`
}

// ConnectionSettings is the live, mutable connection configuration shared by
// the keepalive and reconnect loops.
type ConnectionSettings struct {
	// ReconnectCount is the maximum number of automatic reconnect attempts
	// per outage. Negative means unlimited.
	ReconnectCount int
	// ReconnectInterval is the fixed delay between attempts. Zero means the
	// delay is drawn from [0, ReconnectNonce).
	ReconnectInterval time.Duration
	// ReconnectNonce is the jitter window.
	ReconnectNonce time.Duration
	// PingInterval is the delay between client keepalives.
	PingInterval time.Duration
}

// MaxServerInterval bounds the intervals a server may push. Larger values
// are ignored like zero ones.
const MaxServerInterval = 24 * time.Hour

// Apply merges a server ClientConfig into s. Zero, negative or out-of-range
// server intervals leave the corresponding setting untouched. ReconnectCount
// is applied whenever it is non-zero, since negative means unlimited.
func (s ConnectionSettings) Apply(c ClientConfig) ConnectionSettings {
	if c.ReconnectCount != 0 {
		s.ReconnectCount = c.ReconnectCount
	}
	if d, ok := serverSeconds(c.ReconnectInterval); ok {
		s.ReconnectInterval = d
	}
	if d, ok := serverSeconds(c.ReconnectNonce); ok {
		s.ReconnectNonce = d
	}
	if d, ok := serverSeconds(c.PingInterval); ok {
		s.PingInterval = d
	}
	return s
}

func serverSeconds(n int) (time.Duration, bool) {
	if n <= 0 || int64(n) > int64(MaxServerInterval/time.Second) {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Endpoint is the result of a successful endpoint negotiation.
type Endpoint struct {
	URL          string
	ClientConfig *ClientConfig // nil when the server sent none
}

// Negotiator trades long-lived credentials for a signed connection URL.
type Negotiator interface {
	Negotiate(ctx context.Context) (*Endpoint, error)
}

// State is the connection manager's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
