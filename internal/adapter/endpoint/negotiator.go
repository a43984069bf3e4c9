// Package endpoint implements endpoint negotiation: the HTTP exchange that
// trades application credentials for a signed WebSocket URL.
package endpoint

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"larkstream/internal/domain"
	"larkstream/internal/infra/tracer"
)

// Path is appended to the platform base URL.
const Path = "/callback/ws/endpoint"

// DefaultBaseURL is the public platform domain.
const DefaultBaseURL = "https://open.feishu.cn"

// Response codes from the endpoint service.
const (
	CodeOK              = 0
	CodeSystemBusy      = 1
	CodeInternalError   = 1000040343
	CodeForbidden       = 403
	CodeAuthFailed      = 514
	CodeExceedConnLimit = 1000040350
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20
)

// Config configures a Negotiator.
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string
	// Timeout bounds one negotiation round trip. Zero means 15s.
	Timeout time.Duration
}

type request struct {
	AppID     string `json:"AppID"`
	AppSecret string `json:"AppSecret"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		URL          string               `json:"URL"`
		ClientConfig *domain.ClientConfig `json:"ClientConfig"`
	} `json:"data"`
}

// Negotiator performs endpoint negotiation over HTTP. It never retries;
// retry decisions belong to the connection manager.
type Negotiator struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Negotiator. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Negotiator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Negotiator{cfg: cfg, client: client, logger: logger}
}

// Negotiate implements domain.Negotiator.
//
// Transport failures wrap domain.ErrConnectivity. A non-200 HTTP status, a
// busy or internal-error code, and a success envelope without a URL are
// server errors. Every other non-zero code is a client error.
func (n *Negotiator) Negotiate(ctx context.Context) (*domain.Endpoint, error) {
	const op = "Negotiator.Negotiate"

	requestID := ulid.MustNew(ulid.Now(), rand.Reader).String()
	ctx, span := tracer.StartClientSpan(ctx, "endpoint.negotiate")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("request_id", requestID),
		tracer.StringAttr("app_id", n.cfg.AppID),
	)

	ep, err := n.negotiate(ctx, requestID)
	if err != nil {
		tracer.RecordError(span, err)
		var ne *domain.NegotiationError
		if errors.As(err, &ne) {
			span.SetAttributes(tracer.IntAttr("code", ne.Code))
		}
		return nil, domain.WrapOp(op, err)
	}
	tracer.SetOK(span)
	return ep, nil
}

func (n *Negotiator) negotiate(ctx context.Context, requestID string) (*domain.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(request{AppID: n.cfg.AppID, AppSecret: n.cfg.AppSecret})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.BaseURL+Path, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewDomainError("build request", domain.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "zh")
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrConnectivity, err)
	}

	n.logger.Debug("endpoint negotiation response",
		"status", resp.StatusCode,
		"request_id", requestID,
		"elapsed", time.Since(start),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewServerError(resp.StatusCode, truncate(string(raw), 200))
	}

	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.NewServerError(resp.StatusCode, "malformed response: "+err.Error())
	}

	switch env.Code {
	case CodeOK:
	case CodeSystemBusy, CodeInternalError:
		return nil, domain.NewServerError(env.Code, env.Msg)
	default:
		return nil, domain.NewClientError(env.Code, env.Msg)
	}

	if env.Data == nil || env.Data.URL == "" {
		return nil, &domain.NegotiationError{
			Code: env.Code,
			Msg:  domain.ErrNoEndpoint.Error(),
			Err:  fmt.Errorf("%w: %w", domain.ErrServerError, domain.ErrNoEndpoint),
		}
	}
	return &domain.Endpoint{URL: env.Data.URL, ClientConfig: env.Data.ClientConfig}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.Negotiator = (*Negotiator)(nil)
