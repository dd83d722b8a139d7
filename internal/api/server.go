// Package api exposes durable job and invoice state over HTTP so callers can
// resume or inspect runs after the fact.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/invoice"
	"github.com/scanvault/scanvault/internal/job"
	"github.com/scanvault/scanvault/internal/objectstore"
	"github.com/scanvault/scanvault/internal/repository"
)

const presignTTL = 5 * time.Minute

// Server exposes HTTP endpoints for job visibility.
type Server struct {
	cfg    *config.Config
	repo   *repository.JobRepository
	store  *objectstore.Store
	log    zerolog.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo *repository.JobRepository, store *objectstore.Store, log zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		repo:  repo,
		store: store,
		log:   log,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/jobs/", s.handleJobRoute)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(s.loggingMiddleware(mux)),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("address", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJobRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleJob(w, r, id)
		return
	}
	switch parts[1] {
	case "invoice":
		s.handleJobInvoice(w, r, id)
	case "pages":
		s.handleJobPages(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	j, err := s.getJob(w, r, id)
	if err != nil {
		return
	}
	respondJSON(w, http.StatusOK, j)
}

// handleJobInvoice runs extraction over the stored result payload so callers
// get either a validated invoice or the specific violated field.
func (s *Server) handleJobInvoice(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	j, err := s.getJob(w, r, id)
	if err != nil {
		return
	}
	if j.Status != job.StatusCompleted {
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status": string(j.Status),
		})
		return
	}
	inv, err := invoice.Extract(j.ResultPayload, j.ID)
	if err != nil {
		var invalid *invoice.InvalidError
		if errors.As(err, &invalid) {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": invalid.Error(),
				"field": invalid.Field,
			})
			return
		}
		http.Error(w, "extraction failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, inv)
}

func (s *Server) handleJobPages(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	j, err := s.getJob(w, r, id)
	if err != nil {
		return
	}
	urls := make([]string, 0, len(j.InputKeys))
	for _, key := range j.InputKeys {
		u, err := s.store.PresignPageURL(r.Context(), key, presignTTL)
		if err != nil {
			http.Error(w, "failed to generate url", http.StatusInternalServerError)
			return
		}
		urls = append(urls, u)
	}
	respondJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) (*job.Job, error) {
	j, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
		} else {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
		}
		return nil, err
	}
	return j, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
