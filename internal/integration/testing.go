// Package integration holds a fake push platform and helpers for tests that
// run the whole client stack against it.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"larkstream/internal/adapter/endpoint"
	"larkstream/internal/adapter/pbframe"
	"larkstream/internal/domain"
)

// Config holds live-test configuration from the environment.
type Config struct {
	AppID       string
	AppSecret   string
	BaseURL     string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads live-test configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		AppID:       os.Getenv("LARKSTREAM_TEST_APP_ID"),
		AppSecret:   os.Getenv("LARKSTREAM_TEST_APP_SECRET"),
		BaseURL:     os.Getenv("LARKSTREAM_TEST_BASE_URL"),
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoCredentials skips the test unless live credentials are set.
func SkipIfNoCredentials(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.AppID == "" || cfg.AppSecret == "" {
		t.Skip("Skipping live test: LARKSTREAM_TEST_APP_ID/LARKSTREAM_TEST_APP_SECRET not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Platform fakes the endpoint service and the push WebSocket.
type Platform struct {
	// NegotiateCode is returned in the endpoint response body.
	NegotiateCode int
	// ClientConfig, when set, is returned by negotiation.
	ClientConfig *domain.ClientConfig
	// Messages are written to every new connection in order.
	Messages []*domain.Frame
	// DropAfterSend closes each connection once Messages are written.
	DropAfterSend bool
	// RejectStatus, when non-zero, fails every upgrade with a 500 and this
	// value in the handshake-status header.
	RejectStatus int
	// Pong, when set, is sent back as the config of every pong.
	Pong *domain.ClientConfig

	Acks  chan *domain.Frame
	Pings chan *domain.Frame

	srv          *httptest.Server
	negotiations atomic.Int32
	dials        atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

// NewPlatform starts a platform that accepts every negotiation.
func NewPlatform(t *testing.T) *Platform {
	t.Helper()
	p := &Platform{
		Acks:  make(chan *domain.Frame, 64),
		Pings: make(chan *domain.Frame, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+endpoint.Path, p.handleNegotiate)
	mux.HandleFunc("GET /ws", p.handleWS)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// URL is the base URL to negotiate against.
func (p *Platform) URL() string { return p.srv.URL }

// Negotiations counts endpoint requests served.
func (p *Platform) Negotiations() int { return int(p.negotiations.Load()) }

// Dials counts WebSocket upgrade attempts.
func (p *Platform) Dials() int { return int(p.dials.Load()) }

// DropAll closes every open connection with a going-away status.
func (p *Platform) DropAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "maintenance")
	}
}

func (p *Platform) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	n := p.negotiations.Add(1)
	body := map[string]any{"code": p.NegotiateCode, "msg": "msg"}
	if p.NegotiateCode == endpoint.CodeOK {
		data := map[string]any{
			"URL": "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/ws?device_id=dev-" + strconv.Itoa(int(n)) + "&service_id=7",
		}
		if p.ClientConfig != nil {
			data["ClientConfig"] = p.ClientConfig
		}
		body["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (p *Platform) handleWS(w http.ResponseWriter, r *http.Request) {
	p.dials.Add(1)
	if p.RejectStatus != 0 {
		w.Header().Set(domain.HeaderHandshakeStatus, strconv.Itoa(p.RejectStatus))
		w.Header().Set(domain.HeaderHandshakeMsg, "rejected")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()

	ctx := r.Context()
	for _, f := range p.Messages {
		if err := conn.Write(ctx, websocket.MessageBinary, pbframe.Encode(f)); err != nil {
			return
		}
	}
	if p.DropAfterSend {
		// Give the client a moment to read before the close frame.
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close(websocket.StatusGoingAway, "rebalance")
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := pbframe.Decode(data)
		if err != nil {
			continue
		}
		switch f.Method {
		case domain.MethodData:
			p.Acks <- f
		case domain.MethodControl:
			select {
			case p.Pings <- f:
			default:
			}
			if p.Pong != nil {
				if err := conn.Write(ctx, websocket.MessageBinary, pbframe.Encode(pongFrame(f.Service, p.Pong))); err != nil {
					return
				}
			}
		}
	}
}

func pongFrame(service int32, cfg *domain.ClientConfig) *domain.Frame {
	payload, _ := json.Marshal(cfg)
	f := &domain.Frame{Method: domain.MethodControl, Service: service, Payload: payload}
	f.Headers.Set(domain.HeaderType, domain.TypePong)
	return f
}

// DataFragment builds one fragment of an event message.
func DataFragment(id string, sum, seq int, payload string) *domain.Frame {
	f := &domain.Frame{Method: domain.MethodData, Service: 7, Payload: []byte(payload)}
	f.Headers.Set(domain.HeaderType, domain.TypeEvent)
	f.Headers.Set(domain.HeaderMessageID, id)
	f.Headers.Set(domain.HeaderTraceID, "trace-"+id)
	f.Headers.Set(domain.HeaderSum, strconv.Itoa(sum))
	f.Headers.Set(domain.HeaderSeq, strconv.Itoa(seq))
	return f
}
