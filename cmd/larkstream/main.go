package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"larkstream/internal/adapter/httpapi"
	"larkstream/internal/domain"
	"larkstream/internal/infra/config"
	"larkstream/internal/infra/logger"
	"larkstream/internal/infra/middleware"
	"larkstream/internal/infra/tracer"
	"larkstream/pkg/larkstream"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "run"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "run":
		err = run()
	case "encrypt":
		err = runEncrypt(os.Args[2:], os.Stdin, os.Stdout, os.Getenv)
	case "doctor":
		err = runDoctor(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'larkstream --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`larkstream - receive Lark/Feishu push events over a long connection

USAGE:
    larkstream [COMMAND] [FLAGS]

COMMANDS:
    run         Connect and print received events as JSON lines (default)
    encrypt     Encrypt a secret for use as an enc: config value
                Reads the secret from the argument or stdin
    doctor      Check configuration and endpoint reachability

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./larkstream.yaml)

CONFIGURATION:
    Config file: ./larkstream.yaml
    Environment: LARKSTREAM_* variables override config
    Secrets:     app_secret may be "enc:..." when LARKSTREAM_CONFIG_KEY is set

EXAMPLES:
    LARKSTREAM_APP_ID=cli_x LARKSTREAM_APP_SECRET=... larkstream
    larkstream --config /etc/larkstream.yaml | jq .event_kind
    LARKSTREAM_CONFIG_KEY=k larkstream encrypt my-app-secret
    larkstream doctor`)
}

// configPath returns the --config flag value, $LARKSTREAM_CONFIG, or the
// default file name.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "larkstream.yaml"
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	opts := clientOptions(cfg, log)
	opts = append(opts, larkstream.WithHandler(printEvents(os.Stdout, log)))
	client, err := larkstream.New(cfg.App.AppID, cfg.App.AppSecret, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Status.Enabled {
		srv := httpapi.New(httpapi.Config{
			Addr: cfg.Status.Addr,
			RateLimit: middleware.RateLimitConfig{
				RequestsPerMin: cfg.Status.RequestsPerMin,
				BurstSize:      cfg.Status.Burst,
				TrustedProxies: cfg.Status.TrustedProxies,
			},
		}, client, client.Events(), client.MetricsHandler(), log)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("status server stopped", "error", err)
			}
		}()
	}

	log.Info("larkstream starting",
		"app_id", cfg.App.AppID,
		"base_url", cfg.App.BaseURL,
		"auto_reconnect", cfg.Connection.AutoReconnect,
		"status", cfg.Status.Enabled,
	)
	if err := client.Start(ctx); err != nil {
		return err
	}
	log.Info("larkstream stopped")
	return nil
}

// clientOptions maps the file configuration onto client options.
func clientOptions(cfg *config.Config, log *slog.Logger) []larkstream.Option {
	c := cfg.Connection
	opts := []larkstream.Option{
		larkstream.WithBaseURL(cfg.App.BaseURL),
		larkstream.WithLogger(log),
		larkstream.WithAutoReconnect(c.AutoReconnect),
		larkstream.WithSettings(larkstream.Settings{
			ReconnectCount:    c.ReconnectCount,
			ReconnectInterval: c.ReconnectInterval,
			ReconnectNonce:    c.ReconnectNonce,
			PingInterval:      c.PingInterval,
		}),
		larkstream.WithHandshakeTimeout(c.HandshakeTimeout),
		larkstream.WithWriteTimeout(c.WriteTimeout),
		larkstream.WithMaxMessageSize(c.MaxMessageSize),
		larkstream.WithFragmentTTL(cfg.Fragments.TTL),
		larkstream.WithMaxPendingMessages(cfg.Fragments.MaxPending),
		larkstream.WithNegotiationTimeout(cfg.Negotiation.Timeout),
		larkstream.WithBreaker(cfg.Negotiation.Breaker.MaxFailures, cfg.Negotiation.Breaker.Timeout),
		larkstream.WithMaxInFlight(cfg.Dispatch.MaxInFlight),
	}
	if cfg.Status.Enabled {
		opts = append(opts, larkstream.WithMetrics())
	}
	return opts
}

// printedEvent is one line of `run` output.
type printedEvent struct {
	MessageID string          `json:"message_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventKind string          `json:"event_kind,omitempty"`
	FrameType string          `json:"frame_type"`
	Payload   json.RawMessage `json:"payload"`
}

// printEvents writes each received event to w as one JSON line. Payloads
// that are not JSON are emitted as JSON strings.
func printEvents(w io.Writer, log *slog.Logger) larkstream.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(_ context.Context, e larkstream.Event) {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			payload, _ = json.Marshal(string(e.Payload))
		}
		line := printedEvent{
			MessageID: e.MessageID,
			TraceID:   e.TraceID,
			EventID:   e.EventID,
			EventKind: e.EventKind,
			FrameType: e.FrameType,
			Payload:   payload,
		}

		mu.Lock()
		err := enc.Encode(line)
		mu.Unlock()
		if err != nil && !errors.Is(err, os.ErrClosed) {
			log.Warn("write event", "message_id", e.MessageID, "error", err)
		}
	}
}
