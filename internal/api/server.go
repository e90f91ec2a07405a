// Package api exposes the market ledger over HTTP JSON and streams ledger events
// over a websocket. Callers identify themselves with the X-User header.
package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/ledger"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

// EventLog serves recently persisted events. marketID 0 means all markets.
type EventLog interface {
	RecentEvents(marketID uint64, k int) ([]models.Event, error)
}

// Config holds the HTTP server configuration.
type Config struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	DefaultBatchSize  int
	DistributeWorkers int // markets /api/admin/distribute pays out at once
}

// Deps are the components the API serves. Events and Hub may be nil.
type Deps struct {
	Ledger *ledger.Ledger
	Access *access.Registry
	Vault  *vault.Vault
	Escrow string
	Events EventLog
	Hub    *Hub
	Now    func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	httpServer   *http.Server
	ledger       *ledger.Ledger
	access       *access.Registry
	vault        *vault.Vault
	escrow       string
	events       EventLog
	now          func() time.Time
	defaultBatch int
	workers      int
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = ledger.DefaultProgressBatchSize
	}
	s := &Server{
		ledger:       deps.Ledger,
		access:       deps.Access,
		vault:        deps.Vault,
		escrow:       vault.Normalize(deps.Escrow),
		events:       deps.Events,
		now:          deps.Now,
		defaultBatch: cfg.DefaultBatchSize,
		workers:      cfg.DistributeWorkers,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Markets.
	mux.HandleFunc("POST /api/markets", s.handleCreateMarket)
	mux.HandleFunc("GET /api/markets", s.handleListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", s.handleGetMarket)
	mux.HandleFunc("POST /api/markets/{id}/stake", s.handleStake)
	mux.HandleFunc("POST /api/markets/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/markets/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/markets/{id}/refund", s.handleRefund)
	mux.HandleFunc("POST /api/markets/{id}/distribute", s.handleDistribute)
	mux.HandleFunc("GET /api/markets/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/markets/{id}/voters", s.handleVoters)

	// Users.
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/users/{user}", s.handleProfile)
	mux.HandleFunc("GET /api/users/{user}/votes", s.handleVotes)
	mux.HandleFunc("GET /api/users/{user}/markets", s.handleUserMarkets)
	mux.HandleFunc("GET /api/users/{user}/markets/{id}", s.handleUserMarket)

	// Value ledger.
	mux.HandleFunc("GET /api/accounts/{account}", s.handleAccount)
	mux.HandleFunc("POST /api/accounts/approve", s.handleApprove)

	// Administration.
	mux.HandleFunc("POST /api/admin/grants", s.handleGrant)
	mux.HandleFunc("DELETE /api/admin/grants", s.handleGrant)
	mux.HandleFunc("POST /api/admin/distribute", s.handleDistributeAll)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      logging(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens for HTTP requests. It blocks until the server fails or is shut down.
func (s *Server) Start() error {
	logger.Info("HTTP API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("HTTP API shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// logging logs method, path, status and duration of every request.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("%s %s %d %v caller=%q", r.Method, r.URL.Path, rw.statusCode, time.Since(start), r.Header.Get(CallerHeader))
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}
