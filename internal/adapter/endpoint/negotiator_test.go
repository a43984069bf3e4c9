package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larkstream/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEndpointServer(t *testing.T, handler http.HandlerFunc) *Negotiator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", AppID: "cli_a", AppSecret: "s3cret"}, nil, testLogger())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNegotiate_Success(t *testing.T) {
	n := newEndpointServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, Path, r.URL.Path)
		assert.Equal(t, "zh", r.Header.Get("locale"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"AppID": "cli_a", "AppSecret": "s3cret"}, body)

		writeJSON(w, map[string]any{
			"code": 0,
			"msg":  "ok",
			"data": map[string]any{
				"URL": "wss://example.test/ws?device_id=d1&service_id=42",
				"ClientConfig": map[string]int{
					"ReconnectCount":    3,
					"ReconnectInterval": 120,
					"ReconnectNonce":    30,
					"PingInterval":      90,
				},
			},
		})
	})

	ep, err := n.Negotiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/ws?device_id=d1&service_id=42", ep.URL)
	require.NotNil(t, ep.ClientConfig)
	assert.Equal(t, domain.ClientConfig{ReconnectCount: 3, ReconnectInterval: 120, ReconnectNonce: 30, PingInterval: 90}, *ep.ClientConfig)
}

func TestNegotiate_NoClientConfig(t *testing.T) {
	n := newEndpointServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"URL": "wss://x"}})
	})

	ep, err := n.Negotiate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ep.ClientConfig)
}

func TestNegotiate_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"system busy", CodeSystemBusy, domain.ErrServerError},
		{"internal error", CodeInternalError, domain.ErrServerError},
		{"forbidden", CodeForbidden, domain.ErrClientError},
		{"auth failed", CodeAuthFailed, domain.ErrClientError},
		{"connection limit", CodeExceedConnLimit, domain.ErrClientError},
		{"unknown", 99991663, domain.ErrClientError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newEndpointServer(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, map[string]any{"code": tt.code, "msg": "nope"})
			})

			ep, err := n.Negotiate(context.Background())
			assert.Nil(t, ep)
			require.ErrorIs(t, err, tt.want)

			var ne *domain.NegotiationError
			require.True(t, errors.As(err, &ne))
			assert.Equal(t, tt.code, ne.Code)
			assert.Equal(t, "nope", ne.Msg)
			assert.Equal(t, tt.want == domain.ErrServerError, domain.IsRetryableError(err))
		})
	}
}

func TestNegotiate_EmptyURL(t *testing.T) {
	for name, body := range map[string]any{
		"empty url": map[string]any{"code": 0, "data": map[string]any{"URL": ""}},
		"no data":   map[string]any{"code": 0},
	} {
		t.Run(name, func(t *testing.T) {
			n := newEndpointServer(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, body)
			})
			_, err := n.Negotiate(context.Background())
			assert.ErrorIs(t, err, domain.ErrServerError)
			assert.ErrorIs(t, err, domain.ErrNoEndpoint)
		})
	}
}

func TestNegotiate_HTTPStatus(t *testing.T) {
	n := newEndpointServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := n.Negotiate(context.Background())
	require.ErrorIs(t, err, domain.ErrServerError)
	var ne *domain.NegotiationError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusBadGateway, ne.Code)
}

func TestNegotiate_MalformedBody(t *testing.T) {
	n := newEndpointServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	_, err := n.Negotiate(context.Background())
	assert.ErrorIs(t, err, domain.ErrServerError)
}

func TestNegotiate_Connectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	n := New(Config{BaseURL: url}, nil, testLogger())
	_, err := n.Negotiate(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectivity)
	assert.True(t, domain.IsRetryableError(err))
}

func TestNegotiate_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	n := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil, testLogger())
	start := time.Now()
	_, err := n.Negotiate(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectivity)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNew_Defaults(t *testing.T) {
	n := New(Config{}, nil, testLogger())
	assert.Equal(t, DefaultBaseURL, n.cfg.BaseURL)
	assert.Equal(t, defaultTimeout, n.cfg.Timeout)
	assert.NotNil(t, n.client)
}
