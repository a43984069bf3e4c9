//go:build integration

package integration

import (
	"log/slog"
	"os"
	"testing"

	"larkstream/internal/adapter/endpoint"
)

func TestLive_Negotiate(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoCredentials(t, cfg)

	ctx := NewTestContext(t, cfg.TestTimeout)
	n := endpoint.New(endpoint.Config{
		BaseURL:   cfg.BaseURL,
		AppID:     cfg.AppID,
		AppSecret: cfg.AppSecret,
	}, nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ep, err := n.Negotiate(ctx)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if ep.URL == "" {
		t.Fatal("empty endpoint URL")
	}
	t.Logf("endpoint: %s (client config: %+v)", ep.URL, ep.ClientConfig)
}
