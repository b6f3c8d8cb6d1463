// Package server exposes a running batch over local HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"medi/internal/batch"
	"medi/internal/db"
)

const (
	requestsPerSecond = 20
	shutdownTimeout   = 5 * time.Second
)

// SnapshotSource is satisfied by *batch.Scheduler.
type SnapshotSource interface {
	Snapshot() batch.Snapshot
}

// Server serves /health, /batch, /batches and /metrics.
type Server struct {
	source    SnapshotSource
	store     *db.Store
	mux       *http.ServeMux
	startedAt time.Time

	// Per-IP request count per one-second window.
	mu         sync.Mutex
	rates      map[string]int
	rateWindow int64
}

// New builds the server. store and metrics may be nil, which disables
// /batches and /metrics.
func New(source SnapshotSource, store *db.Store, metrics http.Handler) *Server {
	s := &Server{
		source:    source,
		store:     store,
		startedAt: time.Now(),
		rates:     make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /batch", s.limit(http.HandlerFunc(s.handleBatch)))
	if store != nil {
		mux.Handle("GET /batches", s.limit(http.HandlerFunc(s.handleBatches)))
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	uptimeSeconds := max(int(time.Since(s.startedAt).Seconds()), 0)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"uptime_seconds": uptimeSeconds,
		"stage":          snap.Stage,
		"queue_depth":    snap.QueueDepth(),
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

type batchSummary struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Passed     int    `json:"passed"`
	Warnings   int    `json:"warnings"`
	Failed     int    `json:"failed"`
	FailedJobs int    `json:"failed_jobs"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	batches, err := s.store.ListBatches(r.Context(), limit)
	if err != nil {
		slog.Error("server: list batches", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	out := make([]batchSummary, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchSummary{
			ID: b.ID, Source: b.Source, Status: b.Status,
			Total: b.Total, Passed: b.Passed, Warnings: b.Warnings, Failed: b.Failed, FailedJobs: b.FailedJobs,
			CreatedAt: b.CreatedAt, FinishedAt: b.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip == "" {
			ip = r.RemoteAddr
		}
		s.mu.Lock()
		now := time.Now().Unix()
		if s.rateWindow != now {
			clear(s.rates)
			s.rateWindow = now
		}
		s.rates[ip]++
		count := s.rates[ip]
		s.mu.Unlock()
		if count > requestsPerSecond {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
