package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateApp(cfg, ve)
	validateConnection(cfg, ve)
	validateFragments(cfg, ve)
	validateNegotiation(cfg, ve)
	validateDispatch(cfg, ve)
	validateStatus(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateApp(cfg *Config, ve *ValidationError) {
	if cfg.App.AppID == "" {
		ve.Add("app.app_id is required (or set LARKSTREAM_APP_ID)")
	}
	if cfg.App.AppSecret == "" {
		ve.Add("app.app_secret is required (or set LARKSTREAM_APP_SECRET)")
	} else if strings.HasPrefix(cfg.App.AppSecret, "enc:") {
		ve.Add("app.app_secret is encrypted but LARKSTREAM_CONFIG_KEY is not set")
	}

	u, err := url.Parse(cfg.App.BaseURL)
	switch {
	case cfg.App.BaseURL == "":
		ve.Add("app.base_url must not be empty")
	case err != nil:
		ve.Add("app.base_url: %v", err)
	case u.Scheme != "http" && u.Scheme != "https":
		ve.Add("app.base_url scheme must be http or https, got %q", u.Scheme)
	case u.Host == "":
		ve.Add("app.base_url must include a host")
	}
}

func validateConnection(cfg *Config, ve *ValidationError) {
	c := cfg.Connection
	if c.ReconnectInterval < 0 {
		ve.Add("connection.reconnect_interval must be >= 0")
	}
	if c.ReconnectNonce < 0 {
		ve.Add("connection.reconnect_nonce must be >= 0")
	}
	if c.PingInterval <= 0 {
		ve.Add("connection.ping_interval must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		ve.Add("connection.handshake_timeout must be > 0")
	}
	if c.WriteTimeout <= 0 {
		ve.Add("connection.write_timeout must be > 0")
	}
	if c.MaxMessageSize <= 0 {
		ve.Add("connection.max_message_size must be > 0")
	}
}

func validateFragments(cfg *Config, ve *ValidationError) {
	if cfg.Fragments.TTL <= 0 {
		ve.Add("fragments.ttl must be > 0")
	}
	if cfg.Fragments.MaxPending <= 0 {
		ve.Add("fragments.max_pending must be > 0")
	}
}

func validateNegotiation(cfg *Config, ve *ValidationError) {
	n := cfg.Negotiation
	if n.Timeout <= 0 {
		ve.Add("negotiation.timeout must be > 0")
	}
	if n.Breaker.MaxFailures == 0 {
		ve.Add("negotiation.breaker.max_failures must be > 0")
	}
	if n.Breaker.Timeout <= 0 {
		ve.Add("negotiation.breaker.timeout must be > 0")
	}
}

func validateDispatch(cfg *Config, ve *ValidationError) {
	if cfg.Dispatch.MaxInFlight <= 0 {
		ve.Add("dispatch.max_in_flight must be > 0")
	}
}

func validateStatus(cfg *Config, ve *ValidationError) {
	s := cfg.Status
	if !s.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("status.addr %q: %v", s.Addr, err)
	}
	if s.RequestsPerMin <= 0 {
		ve.Add("status.requests_per_min must be > 0")
	}
	if s.Burst <= 0 {
		ve.Add("status.burst must be > 0")
	}
	for _, p := range s.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("status.trusted_proxies: %q is not an IP address", p)
		}
	}
}

var (
	validLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats   = map[string]bool{"text": true, "json": true}
	validExporters = map[string]bool{"noop": true, "stdout": true, "": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (noop, stdout)", cfg.Tracer.Exporter)
	}
}
