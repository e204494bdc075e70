package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

// Server is the HTTP surface: the WebSocket upgrade endpoint, a health
// probe, and the read-only room-info endpoints the dashboard consumes.
type Server struct {
	cfg      *Config
	log      *slog.Logger
	registry *Registry
	auth     TokenValidator
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewServer(ctx context.Context, cfg *Config, log *slog.Logger, registry *Registry, auth TokenValidator) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		auth:     auth,
		limiter:  NewRateLimiter(ctx, cfg.RateLimitPerIP),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /rooms/{id}", s.handleRoomInfo)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) ListenAndServe() error {
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13}
		s.log.Info("TLS enabled", "cert", s.cfg.TLSCert)
		return s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	s.log.Info("TLS disabled")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("shutdown", "err", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "signaling",
		"ws":      "/ws",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"rooms":        s.registry.RoomCount(),
		"participants": s.registry.ParticipantCount(),
	})
}

// handleRoomInfo is the read-only surface the dashboard polls: room id
// and current participant count. Never mutates.
func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	room, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":       room.ID,
		"participants": room.ParticipantCount(),
	})
}

// handleWS authenticates, upgrades, and hands the socket to a client.
// Auth failure rejects before any participant state exists.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !s.limiter.Allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	roomParam := r.URL.Query().Get("room")

	userID, err := s.authenticate(r.Context(), token)
	if err != nil {
		s.log.Info("connection rejected", "ip", ip, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "ip", ip, "err", err)
		return
	}

	client := NewClient(s.cfg, s.log, s.registry, conn, ip, roomParam)
	client.Authenticated(userID)

	go client.WritePump()
	go client.ReadPump()
}

// authenticate applies the configured policy: disabled mode ignores
// tokens, optional mode validates only presented ones, required mode
// demands one. The gateway call is bounded and cancellable.
func (s *Server) authenticate(ctx context.Context, token string) (string, error) {
	switch s.cfg.AuthMode {
	case AuthModeDisabled:
		return "", nil
	case AuthModeOptional:
		if token == "" {
			return "", nil
		}
	case AuthModeRequired:
		if token == "" {
			return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
		}
	}

	// A presented token with no validator behind it always fails closed.
	if s.auth == nil {
		return "", fmt.Errorf("%w: no validator configured", ErrUnauthorized)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	id, err := s.auth.Validate(ctx, token)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
