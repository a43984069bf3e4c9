package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"larkstream/internal/domain"
	"larkstream/internal/infra/config"
)

type fakeNegotiator struct {
	ep  *domain.Endpoint
	err error
}

func (f fakeNegotiator) Negotiate(context.Context) (*domain.Endpoint, error) { return f.ep, f.err }

func withCredentials() *config.Config {
	cfg := config.Defaults()
	cfg.App.AppID = "cli_doc"
	cfg.App.AppSecret = "secret"
	return cfg
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "larkstream.yaml")
	if err := os.WriteFile(present, []byte("app: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if r := checkConfig(present, nil)(nil); r.Status != StatusPass {
		t.Errorf("valid config: got %s: %s", r.Status, r.Message)
	}
	if r := checkConfig(filepath.Join(dir, "missing.yaml"), nil)(nil); r.Status != StatusWarn {
		t.Errorf("missing config: got %s", r.Status)
	}

	ve := &config.ValidationError{Errors: []string{"app.app_id is required", "fragments.ttl must be > 0"}}
	r := checkConfig(present, ve)(nil)
	if r.Status != StatusFail || !strings.Contains(r.Message, "2 validation error(s)") {
		t.Errorf("validation error: got %s: %s", r.Status, r.Message)
	}
	if r.Fix == "" {
		t.Error("expected a fix suggestion")
	}

	r = checkConfig(present, errors.New("parse config: boom"))(nil)
	if r.Status != StatusFail || !strings.Contains(r.Message, "boom") {
		t.Errorf("parse error: got %s: %s", r.Status, r.Message)
	}
}

func TestCheckCredentials(t *testing.T) {
	if r := checkCredentials(withCredentials()); r.Status != StatusPass {
		t.Errorf("got %s", r.Status)
	}
	if r := checkCredentials(config.Defaults()); r.Status != StatusFail {
		t.Errorf("missing credentials: got %s", r.Status)
	}
	cfg := withCredentials()
	cfg.App.AppSecret = "enc:aa:bb"
	if r := checkCredentials(cfg); r.Status != StatusFail || !strings.Contains(r.Fix, "LARKSTREAM_CONFIG_KEY") {
		t.Errorf("encrypted secret: got %s (%s)", r.Status, r.Fix)
	}
}

func TestCheckNegotiation(t *testing.T) {
	tests := []struct {
		name string
		neg  fakeNegotiator
		want CheckStatus
	}{
		{"ok", fakeNegotiator{ep: &domain.Endpoint{URL: "wss://msg.example/ws?device_id=d"}}, StatusPass},
		{"rejected", fakeNegotiator{err: domain.NewClientError(514, "auth failed")}, StatusFail},
		{"offline", fakeNegotiator{err: domain.ErrConnectivity}, StatusFail},
		{"busy", fakeNegotiator{err: domain.NewServerError(1, "system busy")}, StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := checkNegotiation(func(*config.Config) domain.Negotiator { return tt.neg })
			r := check(withCredentials())
			if r.Status != tt.want {
				t.Errorf("got %s (%s), want %s", r.Status, r.Message, tt.want)
			}
		})
	}

	r := checkNegotiation(nil)(config.Defaults())
	if r.Status != StatusSkip {
		t.Errorf("no credentials: got %s", r.Status)
	}

	r = checkNegotiation(func(*config.Config) domain.Negotiator {
		return fakeNegotiator{ep: &domain.Endpoint{URL: "wss://msg.example/ws"}}
	})(withCredentials())
	if r.Message != "endpoint msg.example" {
		t.Errorf("message = %q", r.Message)
	}
}

func TestCheckStatusAddr(t *testing.T) {
	cfg := withCredentials()
	if r := checkStatusAddr(cfg); r.Status != StatusSkip {
		t.Errorf("disabled: got %s", r.Status)
	}

	cfg.Status.Enabled = true
	cfg.Status.Addr = "127.0.0.1:0"
	if r := checkStatusAddr(cfg); r.Status != StatusPass {
		t.Errorf("free port: got %s: %s", r.Status, r.Message)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	cfg.Status.Addr = ln.Addr().String()
	if r := checkStatusAddr(cfg); r.Status != StatusFail {
		t.Errorf("busy port: got %s", r.Status)
	}
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	checks := []Check{
		{Name: "a", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusPass, Message: "fine"} }},
		{Name: "b", Fn: func(*config.Config) CheckResult {
			return CheckResult{Status: StatusFail, Message: "broken", Fix: "mend it"}
		}},
		{Name: "c", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusSkip, Message: "n/a"} }},
	}
	err := report(&buf, config.Defaults(), checks)
	if err == nil || err.Error() != "1 check(s) failed" {
		t.Errorf("err = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"[PASS] a: fine", "[FAIL] b: broken", "Fix: mend it", "[SKIP] c: n/a", "1 passed, 0 warnings, 1 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
