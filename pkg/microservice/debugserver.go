// Package microservice exposes a small HTTP surface next to a running
// engine: a health probe and a read-only view of the cache.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/mutation"
	"github.com/rs/zerolog"
)

// Inspector is the part of the engine the debug server reads.
type Inspector interface {
	Snapshot() []cache.Entry
	InFlight() []mutation.Pending
}

// DebugServer serves /healthz, /debug/cache and /debug/mutations.
type DebugServer struct {
	logger     zerolog.Logger
	addr       string
	inspector  Inspector
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// EntryView is the JSON shape of one cache entry.
type EntryView struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	HasValue  bool      `json:"hasValue"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
	StaleAt   time.Time `json:"staleAt,omitempty"`
	Observers int       `json:"observers"`
	Error     string    `json:"error,omitempty"`
}

// NewDebugServer creates a server for inspector listening on addr.
func NewDebugServer(addr string, inspector Inspector, logger zerolog.Logger) *DebugServer {
	s := &DebugServer{
		logger:    logger.With().Str("component", "DebugServer").Logger(),
		addr:      addr,
		inspector: inspector,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", HealthzHandler)
	s.mux.HandleFunc("/debug/cache", s.cacheHandler)
	s.mux.HandleFunc("/debug/mutations", s.mutationsHandler)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens and serves in a background goroutine.
func (s *DebugServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("Debug server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Debug server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server, respecting ctx's deadline.
func (s *DebugServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down debug server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during debug server shutdown.")
		return err
	}
	return nil
}

// Addr returns the address the server is listening on.
func (s *DebugServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.addr
	}
	return s.actualAddr
}

// Handler returns the server's routes, for tests and embedding.
func (s *DebugServer) Handler() http.Handler {
	return s.mux
}

func (s *DebugServer) cacheHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := s.inspector.Snapshot()
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		v := EntryView{
			Key:       e.Key.String(),
			Kind:      string(e.Key.Kind()),
			Operation: string(e.Key.Operation()),
			Status:    string(e.Status),
			HasValue:  e.HasValue,
			FetchedAt: e.FetchedAt,
			StaleAt:   e.StaleAt,
			Observers: e.Observers,
		}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	writeJSON(w, views)
}

func (s *DebugServer) mutationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.inspector.InFlight())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
