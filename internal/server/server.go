package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/whookdev/chatrelay/internal/config"
	"github.com/whookdev/chatrelay/internal/state"
	"github.com/whookdev/chatrelay/internal/tunnel"
)

// Relay is the chat completion forwarder, usable both as an HTTP handler
// and directly by the tunnel.
type Relay interface {
	http.Handler
	tunnel.Forwarder
}

type Server struct {
	cfg        *config.Config
	relay      Relay
	state      state.Storage
	httpServer *http.Server
	wsServer   *http.Server
	upgrader   websocket.Upgrader
	tunnels    map[string]*tunnel.Connection
	tunnelsMux sync.RWMutex
	logger     *slog.Logger
}

func New(cfg *config.Config, rl Relay, store state.Storage, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if rl == nil {
		return nil, fmt.Errorf("relay cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("state storage cannot be nil")
	}
	logger = logger.With("component", "server")

	s := &Server{
		cfg:     cfg,
		relay:   rl,
		state:   store,
		logger:  logger,
		tunnels: make(map[string]*tunnel.Connection),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				//TODO: check against a configured list of UI origins
				return true
			},
		},
	}

	routes, err := s.routes()
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     routes,
		ReadTimeout: 15 * time.Second,
		// Upstream completions can take far longer than a typical handler.
		WriteTimeout: writeTimeout(cfg.UpstreamTimeout),
		IdleTimeout:  60 * time.Second,
	}

	s.wsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort),
		Handler:      s.wsRoutes(),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	return s, nil
}

// writeTimeout leaves headroom over the upstream bound. An unbounded
// upstream gets an unbounded write.
func writeTimeout(upstream time.Duration) time.Duration {
	if upstream <= 0 {
		return 0
	}
	return upstream + 15*time.Second
}

// Handler returns the main HTTP router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// WSHandler returns the tunnel router.
func (s *Server) WSHandler() http.Handler {
	return s.wsServer.Handler
}

func (s *Server) routes() (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// Every method reaches the relay so it can answer 405 itself.
	r.Handle("/api/chat", s.relay)
	r.Handle("/api/chat/completions", s.relay)

	r.Route("/api/state", func(r chi.Router) {
		r.Use(requireCredential)
		r.Get("/{key}", s.handleGetState)
		r.Put("/{key}", s.handlePutState)
	})

	if s.cfg.IsDevelopment() {
		proxy, err := newDevProxy(s.cfg.UpstreamURL, s.logger)
		if err != nil {
			return nil, err
		}
		r.Handle(s.cfg.DevChatPrefix, proxy)
		r.Handle(s.cfg.DevChatPrefix+"/*", proxy)
		s.logger.Info("development rewrite enabled",
			"prefix", s.cfg.DevChatPrefix,
			"upstream", s.cfg.UpstreamURL)
	}

	return r, nil
}

func (s *Server) wsRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/tunnel", s.handleTunnelConnection)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tunnels": s.ActiveTunnels(),
	})
}

func (s *Server) handleTunnelConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	tunnelConn := tunnel.NewConnection(conn, s.relay, s.logger)

	s.tunnelsMux.Lock()
	s.tunnels[tunnelConn.ID()] = tunnelConn
	s.tunnelsMux.Unlock()

	defer func() {
		s.tunnelsMux.Lock()
		delete(s.tunnels, tunnelConn.ID())
		s.tunnelsMux.Unlock()
	}()

	s.logger.Info("tunnel connection established", "connection_id", tunnelConn.ID())

	if err := tunnelConn.Handle(r.Context()); err != nil {
		s.logger.Error("tunnel connection error",
			"error", err,
			"connection_id", tunnelConn.ID(),
		)
	}
}

// ActiveTunnels returns the number of open tunnel connections.
func (s *Server) ActiveTunnels() int {
	s.tunnelsMux.RLock()
	defer s.tunnelsMux.RUnlock()
	return len(s.tunnels)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info("handled request",
			"request_id", chimiddleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) Start(ctx context.Context) error {
	baseContext := func(net.Listener) context.Context { return ctx }
	s.httpServer.BaseContext = baseContext
	s.wsServer.BaseContext = baseContext

	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	go func() {
		s.logger.Info("starting WebSocket server", "address", s.wsServer.Addr)
		if err := s.wsServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down HTTP server: %w", err)
	}

	if err := s.wsServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down WebSocket server: %w", err)
	}

	return nil
}
