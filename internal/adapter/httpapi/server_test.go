package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"larkstream/internal/adapter/wsclient"
	"larkstream/internal/domain"
	"larkstream/internal/infra/metrics"
	"larkstream/internal/infra/middleware"
	"larkstream/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSource struct {
	mu sync.Mutex
	st wsclient.Status
}

func (s *stubSource) Status() wsclient.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *stubSource) set(st wsclient.Status) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func connectedStatus() wsclient.Status {
	return wsclient.Status{
		State:             domain.StateConnected,
		ConnID:            "d1",
		ServiceID:         7,
		ConnectedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ReconnectAttempts: 0,
		PendingFragments:  2,
		OutboxDepth:       1,
		Settings: domain.ConnectionSettings{
			ReconnectCount:    -1,
			ReconnectInterval: 2 * time.Minute,
			ReconnectNonce:    30 * time.Second,
			PingInterval:      90 * time.Second,
		},
	}
}

func newTestServer(t *testing.T, cfg Config, src StatusSource, bus domain.EventBus) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, src, bus, metrics.New().Handler(), testLogger())
	ts := httptest.NewServer(s.Handler(t.Context()))
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	src := &stubSource{st: connectedStatus()}
	_, ts := newTestServer(t, Config{}, src, nil)

	var resp StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/status", &resp))

	assert.Equal(t, "connected", resp.State)
	assert.Equal(t, "d1", resp.ConnID)
	assert.Equal(t, int32(7), resp.ServiceID)
	require.NotNil(t, resp.ConnectedAt)
	assert.True(t, resp.ConnectedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, 2, resp.PendingFragments)
	assert.Equal(t, 1, resp.OutboxDepth)
	assert.Equal(t, SettingsResponse{
		ReconnectCount:    -1,
		ReconnectInterval: "2m0s",
		ReconnectNonce:    "30s",
		PingInterval:      "1m30s",
	}, resp.Settings)
}

func TestStatus_Reconnecting(t *testing.T) {
	st := connectedStatus()
	st.State = domain.StateReconnecting
	st.ReconnectAttempts = 3
	st.LastError = "connectivity failure: read: EOF"
	_, ts := newTestServer(t, Config{}, &stubSource{st: st}, nil)

	var resp StatusResponse
	getJSON(t, ts.URL+"/status", &resp)
	assert.Equal(t, "reconnecting", resp.State)
	assert.Equal(t, 3, resp.ReconnectAttempts)
	assert.Nil(t, resp.ConnectedAt, "connected_at only while connected")
	assert.Contains(t, resp.LastError, "EOF")
}

func TestHealthAndReady(t *testing.T) {
	src := &stubSource{st: wsclient.Status{State: domain.StateNegotiating}}
	_, ts := newTestServer(t, Config{}, src, nil)

	var h healthResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &h))
	assert.Equal(t, "negotiating", h.State)

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/readyz", &h))
	assert.Equal(t, "unavailable", h.Status)

	src.set(connectedStatus())
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/readyz", &h))
	assert.Equal(t, "ok", h.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{}, &stubSource{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSecurityHeadersAndMethods(t *testing.T) {
	_, ts := newTestServer(t, Config{}, &stubSource{}, nil)

	resp, err := http.Post(ts.URL+"/status", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(ts.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no bus, no event feed")
}

func TestRateLimited(t *testing.T) {
	cfg := Config{RateLimit: middleware.RateLimitConfig{RequestsPerMin: 60, BurstSize: 1}}
	_, ts := newTestServer(t, cfg, &stubSource{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestEventsFeed(t *testing.T) {
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)
	s, ts := newTestServer(t, Config{}, &stubSource{}, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		n := 0
		s.watchers.Range(func(_, _ any) bool { n++; return true })
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	var ev domain.Event
	bus.Publish(ctx, domain.Event{Type: domain.EventStateChanged, Detail: json.RawMessage(`{"to":"connected"}`)})
	require.NoError(t, wsjson.Read(ctx, ws, &ev))
	assert.Equal(t, domain.EventStateChanged, ev.Type)
	assert.JSONEq(t, `{"to":"connected"}`, string(ev.Detail))

	bus.Publish(ctx, domain.Event{Type: domain.EventReceived, Payload: []byte("secret")})
	time.Sleep(20 * time.Millisecond)
	bus.Publish(ctx, domain.Event{Type: domain.EventFragmentEvicted})
	require.NoError(t, wsjson.Read(ctx, ws, &ev))
	assert.Equal(t, domain.EventFragmentEvicted, ev.Type, "data events are not forwarded")
}

type subscribeCounter struct {
	domain.EventBus
	mu     sync.Mutex
	active int
}

func (b *subscribeCounter) SubscribeAll(domain.EventHandler) func() {
	b.mu.Lock()
	b.active++
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}
}

func (b *subscribeCounter) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func TestHandler_EventsSubscriptionFollowsContext(t *testing.T) {
	bus := &subscribeCounter{}
	s := New(Config{}, &stubSource{}, bus, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.Handler(ctx)
	assert.Equal(t, 1, bus.subscribers())

	cancel()
	require.Eventually(t, func() bool { return bus.subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)
	s := New(Config{Addr: "127.0.0.1:0"}, &stubSource{st: connectedStatus()}, bus, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.BoundAddr() != "" }, 2*time.Second, 5*time.Millisecond)

	var h healthResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.BoundAddr() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&h) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "connected", h.State)

	resp, err := http.Get("http://" + s.BoundAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "metrics disabled")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartBadAddr(t *testing.T) {
	s := New(Config{Addr: "256.0.0.1:bad"}, &stubSource{}, nil, nil, testLogger())
	assert.Error(t, s.Start(context.Background()))
}
