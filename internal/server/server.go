// Package server exposes the pairing core over the network: the device
// WebSocket at /ws and the operator JSON API under /api.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/signcast/host/internal/auth"
	"github.com/signcast/host/internal/telemetry"
)

// New creates a Server. It does not listen until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Lifecycle == nil {
		return nil, errors.New("server: lifecycle is required")
	}
	if cfg.Operators == nil {
		return nil, errors.New("server: operator token verifier is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg: cfg,
		lc:  cfg.Lifecycle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Displays load their page from anywhere and hold no credentials
			// on this socket, so any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*Client]struct{}),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.Middleware)
	}
	if s.cfg.Tracer != nil {
		r.Use(telemetry.Middleware(s.cfg.Tracer))
	}

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.With(s.verifyRateLimit).Post("/verify-device", s.handleVerifyDevice)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.cfg.Operators))
			r.Post("/update-device-name", s.handleUpdateDeviceName)
			r.Post("/send-command", s.handleSendCommand)
			r.Post("/forget-device", s.handleForgetDevice)
			r.Get("/devices", s.handleDevices)
		})
	})
	return r
}

// ClientCount returns the number of open device sockets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) addClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
