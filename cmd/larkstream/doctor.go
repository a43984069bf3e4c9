package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"larkstream/internal/adapter/endpoint"
	"larkstream/internal/domain"
	"larkstream/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
	StatusSkip CheckStatus = "SKIP"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 10 * time.Second

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer) error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)
	if cfg == nil {
		// Keep going with what the environment provides so the remaining
		// checks can still say something useful.
		cfg = config.Defaults()
		config.ApplyEnvOverrides(cfg)
	}

	checks := []Check{
		{Name: "Config", Fn: checkConfig(cfgPath, cfgErr)},
		{Name: "Credentials", Fn: checkCredentials},
		{Name: "Endpoint negotiation", Fn: checkNegotiation(nil)},
		{Name: "Status address", Fn: checkStatusAddr},
	}
	return report(w, cfg, checks)
}

func report(w io.Writer, cfg *config.Config, checks []Check) error {
	fmt.Fprintln(w, "larkstream doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func checkConfig(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		_, statErr := os.Stat(cfgPath)
		missing := errors.Is(statErr, os.ErrNotExist)

		if cfgErr != nil {
			var ve *config.ValidationError
			if errors.As(cfgErr, &ve) {
				return CheckResult{
					Status:  StatusFail,
					Message: fmt.Sprintf("%d validation error(s): %s", len(ve.Errors), strings.Join(ve.Errors, "; ")),
					Fix:     "Edit " + cfgPath + " or set the matching LARKSTREAM_* variables",
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot load %s: %v", cfgPath, cfgErr),
				Fix:     "Check the YAML syntax and that the file is not group/world writable",
			}
		}
		if missing {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found; using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "loaded " + cfgPath}
	}
}

func checkCredentials(cfg *config.Config) CheckResult {
	switch {
	case cfg.App.AppID == "" || cfg.App.AppSecret == "":
		return CheckResult{
			Status:  StatusFail,
			Message: "app_id and app_secret are required",
			Fix:     "Set app.app_id/app.app_secret or LARKSTREAM_APP_ID/LARKSTREAM_APP_SECRET",
		}
	case strings.HasPrefix(cfg.App.AppSecret, "enc:"):
		return CheckResult{
			Status:  StatusFail,
			Message: "app_secret is encrypted and cannot be decrypted",
			Fix:     "Set LARKSTREAM_CONFIG_KEY to the passphrase used with 'larkstream encrypt'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "app " + cfg.App.AppID}
}

// checkNegotiation performs one real negotiation. newNegotiator is
// replaceable in tests; nil uses the HTTP negotiator.
func checkNegotiation(newNegotiator func(*config.Config) domain.Negotiator) func(*config.Config) CheckResult {
	if newNegotiator == nil {
		newNegotiator = func(cfg *config.Config) domain.Negotiator {
			return endpoint.New(endpoint.Config{
				BaseURL:   cfg.App.BaseURL,
				AppID:     cfg.App.AppID,
				AppSecret: cfg.App.AppSecret,
				Timeout:   cfg.Negotiation.Timeout,
			}, nil, slog.New(slog.DiscardHandler))
		}
	}
	return func(cfg *config.Config) CheckResult {
		if cfg.App.AppID == "" || cfg.App.AppSecret == "" || strings.HasPrefix(cfg.App.AppSecret, "enc:") {
			return CheckResult{Status: StatusSkip, Message: "no usable credentials"}
		}

		ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
		defer cancel()
		ep, err := newNegotiator(cfg).Negotiate(ctx)

		switch {
		case err == nil:
			host := ep.URL
			if u, perr := url.Parse(ep.URL); perr == nil {
				host = u.Host
			}
			return CheckResult{Status: StatusPass, Message: "endpoint " + host}
		case errors.Is(err, domain.ErrClientError):
			return CheckResult{
				Status:  StatusFail,
				Message: err.Error(),
				Fix:     "Check the credentials and that the app has long-connection event delivery enabled",
			}
		case errors.Is(err, domain.ErrConnectivity):
			return CheckResult{
				Status:  StatusFail,
				Message: err.Error(),
				Fix:     "Check network access to " + cfg.App.BaseURL,
			}
		default:
			return CheckResult{
				Status:  StatusWarn,
				Message: err.Error(),
				Fix:     "The platform reported a server-side problem; the client will retry at runtime",
			}
		}
	}
}

func checkStatusAddr(cfg *config.Config) CheckResult {
	if !cfg.Status.Enabled {
		return CheckResult{Status: StatusSkip, Message: "status server disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Status.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Status.Addr, err),
			Fix:     "Choose a free status.addr or set LARKSTREAM_STATUS_ADDR",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: "can listen on " + cfg.Status.Addr}
}
