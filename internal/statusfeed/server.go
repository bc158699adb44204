// Package statusfeed serves the sync status to local observers: a WebSocket
// stream of status events plus JSON endpoints for status, metrics and the
// recent log.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cnote.dev/go/cnote/internal/coordinator"
	"cnote.dev/go/cnote/internal/logging"
)

// Source is the coordinator surface the feed reads
type Source interface {
	Status() coordinator.Status
	Subscribe() (<-chan coordinator.Status, func())
	Metrics() *coordinator.Metrics
}

// Server exposes a Source over HTTP
type Server struct {
	src    Source
	logs   *logging.Buffer
	log    *slog.Logger
	hub    *Hub
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server for addr. logs may be nil.
func NewServer(addr string, src Source, logs *logging.Buffer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		src:  src,
		logs: logs,
		log:  logger.With("component", "statusfeed"),
		hub:  NewHub(logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Start binds the listener and serves until Stop or ctx is done
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	updates, unsubscribe := s.src.Subscribe()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.forward(ctx, updates)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Status server error", "error", err)
		}
	}()

	s.log.Info("Status feed listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and waits for its goroutines
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	s.server.Shutdown(ctx)
	cancel()
	s.wg.Wait()
}

func (s *Server) forward(ctx context.Context, updates <-chan coordinator.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			ev, err := NewEvent(EventStatus, st)
			if err != nil {
				s.log.Warn("Failed to encode status", "error", err)
				continue
			}
			s.hub.Broadcast(ev)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.jsonResponse(w, s.src.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.jsonResponse(w, s.src.Metrics().Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.logs == nil {
		s.errorResponse(w, http.StatusNotFound, "log buffer not enabled")
		return
	}

	q := r.URL.Query()
	opts := logging.QueryOpts{Level: q.Get("level")}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 5000 {
			opts.Limit = n
		}
	}

	entries := s.logs.Query(opts)
	s.jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   s.logs.Count(),
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
