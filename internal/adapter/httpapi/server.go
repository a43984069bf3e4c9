// Package httpapi serves the optional local status endpoints: health,
// readiness, a JSON status snapshot, Prometheus metrics and a WebSocket
// feed of connection lifecycle events.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"larkstream/internal/adapter/wsclient"
	"larkstream/internal/domain"
	"larkstream/internal/infra/middleware"
)

const (
	watcherBuffer   = 64
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
)

// StatusSource reports the connection manager's current status.
type StatusSource interface {
	Status() wsclient.Status
}

// Config configures the status server.
type Config struct {
	Addr      string
	RateLimit middleware.RateLimitConfig
}

// watcher is one /events subscriber.
type watcher struct {
	id     uint64
	ws     *websocket.Conn
	sendCh chan domain.Event
}

// Server exposes status endpoints over HTTP.
type Server struct {
	cfg      Config
	source   StatusSource
	bus      domain.EventBus
	metrics  http.Handler
	logger   *slog.Logger
	started  time.Time
	watchers sync.Map // id -> *watcher
	nextID   atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// New creates a status server. bus may be nil, in which case /events is
// not served; metricsHandler may be nil, in which case /metrics is 404.
func New(cfg Config, source StatusSource, bus domain.EventBus, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}
	return &Server{
		cfg:     cfg,
		source:  source,
		bus:     bus,
		metrics: metricsHandler,
		logger:  logger,
		started: time.Now(),
	}
}

// Handler returns the routed and wrapped handler. The rate limiter's
// sweeper and the /events bus subscription live until ctx is done.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", s.metrics)
	if s.bus != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
		context.AfterFunc(ctx, s.bus.SubscribeAll(s.fanOut))
	}

	mws := []func(http.Handler) http.Handler{
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
	}
	if s.cfg.RateLimit.RequestsPerMin > 0 {
		mws = append(mws, middleware.RateLimit(ctx, s.cfg.RateLimit))
	}
	return middleware.Chain(mux, mws...)
}

// Start listens on cfg.Addr and serves until ctx is cancelled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status listen: %w", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv := &http.Server{
		Handler:           s.Handler(hctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("status server started", "addr", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = s.Stop(context.Background()) })
	defer stop()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status serve: %w", err)
	}
	return nil
}

// Stop closes every event watcher and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.watchers.Range(func(key, value any) bool {
		w := value.(*watcher)
		_ = w.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.watchers.Delete(key)
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// fanOut forwards lifecycle events to /events watchers. Data events are
// not forwarded; their payloads belong to the application.
func (s *Server) fanOut(_ context.Context, e domain.Event) {
	if e.Type == domain.EventReceived {
		return
	}
	s.watchers.Range(func(_, value any) bool {
		w := value.(*watcher)
		select {
		case w.sendCh <- e:
		default:
			s.logger.Warn("status: dropped event for slow watcher", "watcher", w.id, "event", string(e.Type))
		}
		return true
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("status: websocket accept failed", "error", err)
		return
	}

	wt := &watcher{
		id:     s.nextID.Add(1),
		ws:     ws,
		sendCh: make(chan domain.Event, watcherBuffer),
	}
	s.watchers.Store(wt.id, wt)
	defer s.watchers.Delete(wt.id)
	s.logger.Debug("status: watcher connected", "watcher", wt.id)

	// Watchers never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-wt.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, e)
			cancel()
			if err != nil {
				s.logger.Debug("status: watcher write failed", "watcher", wt.id, "error", err)
				return
			}
		}
	}
}
