// Package status exposes the operational status of the knowledge base over a
// small HTTP endpoint for monitoring.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/edgard/groupkb/internal/database"
)

const statusQueryTimeout = 10 * time.Second

// Report is the JSON document served on /status.
type Report struct {
	Status         string         `json:"status"`
	TotalGroups    int            `json:"total_groups"`
	ManagedGroups  int            `json:"managed_groups"`
	TotalTopics    int            `json:"total_topics"`
	ValidTopics    int            `json:"valid_topics"`
	OrphanedTopics int            `json:"orphaned_topics"`
	Managed        []ManagedGroup `json:"managed_groups_detail"`
}

// ManagedGroup is one managed group's ingest recency in the report.
type ManagedGroup struct {
	JID        string `json:"jid"`
	Name       string `json:"name,omitempty"`
	LastIngest string `json:"last_ingest,omitempty"`
}

// Server serves the knowledge-base status endpoint.
type Server struct {
	store  database.Store
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a status server listening on addr.
func NewServer(addr string, store database.Store, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger.With("component", "status_server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run starts the HTTP listener and blocks until the context is cancelled,
// then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Status server shutdown failed", "error", err)
			return err
		}
		s.logger.Info("Status server stopped gracefully.")
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusQueryTimeout)
	defer cancel()

	kb, err := s.store.KnowledgeBaseStatus(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to collect knowledge base status", "error", err)
		http.Error(w, "failed to collect status", http.StatusInternalServerError)
		return
	}

	managed := make([]ManagedGroup, 0, len(kb.ManagedList))
	for _, g := range kb.ManagedList {
		mg := ManagedGroup{JID: g.JID}
		if g.Name.Valid {
			mg.Name = g.Name.String
		}
		if g.LastIngest.Valid {
			mg.LastIngest = g.LastIngest.Time.UTC().Format(time.RFC3339)
		}
		managed = append(managed, mg)
	}

	report := Report{
		Status:         summarize(kb),
		TotalGroups:    kb.TotalGroups,
		ManagedGroups:  kb.ManagedGroups,
		TotalTopics:    kb.TotalTopics,
		ValidTopics:    kb.ValidTopics,
		OrphanedTopics: kb.OrphanedTopics,
		Managed:        managed,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode status report", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// summarize tags the report so dashboards can alert on a single field.
func summarize(kb *database.KnowledgeBaseStatus) string {
	switch {
	case kb.ManagedGroups == 0:
		return "no_managed_groups"
	case kb.TotalTopics == 0:
		return "no_topics"
	default:
		return "healthy"
	}
}
