package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"larkstream/internal/domain"
)

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the negotiation circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive retryable failures before the
	// circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval clears failure counts periodically while closed.
	Interval time.Duration
}

// BreakerNegotiator wraps a Negotiator with a circuit breaker so an
// unlimited reconnect policy does not hammer a failing endpoint service.
// An open circuit is reported as a server error, which the connection
// manager treats as retryable after its usual delay.
type BreakerNegotiator struct {
	inner   domain.Negotiator
	breaker *gobreaker.CircuitBreaker[*domain.Endpoint]
}

// NewBreakerNegotiator wraps inner. Zero config values take defaults.
func NewBreakerNegotiator(inner domain.Negotiator, cfg BreakerConfig, logger *slog.Logger) *BreakerNegotiator {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.Endpoint](gobreaker.Settings{
		Name:        "endpoint",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Client errors mean the endpoint service is healthy and said no.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrClientError)
		},
	})
	return &BreakerNegotiator{inner: inner, breaker: cb}
}

// Negotiate implements domain.Negotiator.
func (b *BreakerNegotiator) Negotiate(ctx context.Context) (*domain.Endpoint, error) {
	ep, err := b.breaker.Execute(func() (*domain.Endpoint, error) {
		return b.inner.Negotiate(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: endpoint circuit open: %w", domain.ErrServerError, err)
	}
	return ep, err
}

// State returns the breaker state for monitoring.
func (b *BreakerNegotiator) State() gobreaker.State { return b.breaker.State() }

// Counts returns the breaker counters.
func (b *BreakerNegotiator) Counts() gobreaker.Counts { return b.breaker.Counts() }

var _ domain.Negotiator = (*BreakerNegotiator)(nil)
