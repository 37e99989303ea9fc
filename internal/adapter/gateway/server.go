// Package gateway exposes the extractor and the agent router over HTTP,
// plus a websocket stream of bus events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
	"archive-agent/internal/infra/middleware"
	"archive-agent/internal/infra/tracer"
	"archive-agent/internal/security"
	"archive-agent/internal/usecase/archive"
	"archive-agent/internal/usecase/multiagent"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the gateway serves.
type Deps struct {
	Extractor *archive.Extractor
	Broker    *multiagent.Broker
	Sandbox   *security.Sandbox // nil leaves paths unrestricted
	Bus       domain.EventBus   // nil disables the events stream

	Storage         string        // offload backend name, for status
	Version         string        // reported by status
	Retries         int           // default dispatch retries
	HealthThreshold time.Duration // default heartbeat expiry for health checks
}

// Counters tracks gateway-level totals for status and metrics.
type Counters struct {
	HTTPRequests    atomic.Int64
	HTTPErrors      atomic.Int64
	Extractions     atomic.Int64
	EventsForwarded atomic.Int64
	EventsDropped   atomic.Int64
}

// clientConn tracks a single events stream connection.
type clientConn struct {
	name      string
	types     map[domain.EventType]bool // empty = every type
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() { cc.closeOnce.Do(func() { close(cc.done) }) }

func (cc *clientConn) wants(t domain.EventType) bool {
	return len(cc.types) == 0 || cc.types[t]
}

// Server is the HTTP gateway.
type Server struct {
	cfg     config.GatewayConfig
	deps    Deps
	auth    *TokenAuth
	logger  *slog.Logger
	router  chi.Router
	started time.Time
	metrics Counters

	ctx    context.Context // scopes the rate limiter sweeper
	cancel context.CancelFunc

	clients  sync.Map // connID (uint64) -> *clientConn
	nextID   atomic.Uint64
	unsubAll func()

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer builds the gateway and its routes. When deps.Bus is set the
// server subscribes to every event until Stop.
func NewServer(cfg config.GatewayConfig, deps Deps, logger *slog.Logger) *Server {
	if deps.HealthThreshold <= 0 {
		deps.HealthThreshold = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		auth:    NewTokenAuth(cfg.Auth.Tokens),
		logger:  logger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.router = s.routes()
	if deps.Bus != nil {
		s.unsubAll = deps.Bus.SubscribeAll(s.forward)
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(tracer.HTTPMiddleware("gateway"))
	r.Use(s.count)
	r.Use(middleware.RateLimit(s.ctx, s.cfg.RateLimit.RequestsPerMinute, s.cfg.RateLimit.Burst))

	r.Get("/healthz", s.handleHealthz)
	// The events stream authenticates from the query string because
	// browsers cannot set headers on websocket upgrades.
	r.Get("/api/v1/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(s.auth.Tokens()))

		r.Get("/metrics", s.handleMetrics)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", s.handleStatus)

			r.Route("/archives", func(r chi.Router) {
				r.Post("/detect", s.handleDetect)
				r.Post("/list", s.handleList)
				r.Post("/extract", s.handleExtract)
			})

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", s.handleListAgents)
				r.Get("/{name}", s.handleGetAgent)
				r.Get("/{name}/health", s.handleAgentHealth)
				r.Post("/{name}/heartbeat", s.handleHeartbeat)
			})

			r.Post("/requests", s.handleDispatch)
			r.Get("/audit", s.handleAudit)
			r.Get("/traces", s.handleTraces)
		})
	})
	return r
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Counters returns the live gateway counters.
func (s *Server) Counters() *Counters { return &s.metrics }

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String(), "auth", !s.auth.Open())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every events stream and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.HTTPRequests.Add(1)
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() >= http.StatusBadRequest {
			s.metrics.HTTPErrors.Add(1)
		}
	})
}

// forward fans a bus event out to every interested stream client. Slow
// clients lose events rather than blocking the bus.
func (s *Server) forward(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if !cc.wants(event.Type) {
			return true
		}
		select {
		case cc.sendCh <- frame:
			s.metrics.EventsForwarded.Add(1)
		default:
			s.metrics.EventsDropped.Add(1)
			s.logger.Warn("gateway: dropped event for slow client", "client", cc.name, "event", string(event.Type))
		}
		return true
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		middleware.WriteError(w, http.StatusNotFound, domain.CodeNotFound, "event stream disabled")
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = requestToken(r)
	}
	name, err := s.auth.Authenticate(token)
	if err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, domain.CodeAuthInvalid, domain.ErrAuthInvalid.Error())
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		name:   name,
		types:  eventFilter(r.URL.Query().Get("types")),
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	cc.sendCh <- Frame{Type: FrameTypeReady}
	connID := s.nextID.Add(1)
	s.clients.Store(connID, cc)
	s.logger.Info("events client connected", "conn_id", connID, "client", name)

	// The stream is write-only; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	s.writeLoop(ctx, cc)

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("events client disconnected", "conn_id", connID)
}

func (s *Server) writeLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func eventFilter(raw string) map[domain.EventType]bool {
	if raw == "" {
		return nil
	}
	out := make(map[domain.EventType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[domain.EventType(t)] = true
		}
	}
	return out
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, tok, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
