// Package api is the thin HTTP surface over the campaign engine. It does
// request decoding, error mapping, and route wiring; every behavior lives
// in the layers below.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/broadcast"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/campaign"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/retrygov"
)

// Server routes HTTP traffic to the manager and the retry governor.
type Server struct {
	router   chi.Router
	manager  *campaign.Manager
	governor *retrygov.Governor
}

// NewServer wires the routes. governor and hub may be nil when retries or
// SSE are not exposed.
func NewServer(manager *campaign.Manager, governor *retrygov.Governor, hub *broadcast.Hub, allowedOrigins []string) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		manager:  manager,
		governor: governor,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
			AllowCredentials: true,
		}))
	}

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Route("/api/campaigns", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/start", s.lifecycle("start", manager.Start))
			r.Post("/force-start", s.lifecycle("force-start", manager.ForceStart))
			r.Post("/pause", s.lifecycle("pause", manager.Pause))
			r.Post("/resume", s.lifecycle("resume", manager.Resume))
			r.Post("/stop", s.lifecycle("stop", manager.Stop))
			r.Post("/retry", s.handleForceRetry)
			r.Get("/status", s.handleStatus)
			r.Get("/stats", s.handleStats)
			r.Delete("/", s.handleCleanup)
		})
	})
	if hub != nil {
		s.router.Get("/events", hub.ServeHTTP)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	OwnerID   string                `json:"owner_id"`
	SessionID string                `json:"session_id"`
	Name      string                `json:"name"`
	Template  string                `json:"template"`
	Contacts  []domain.Contact      `json:"contacts"`
	Config    domain.CampaignConfig `json:"config"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Errorf(domain.KindValidation, "invalid request body: %v", err))
		return
	}
	id, err := s.manager.Create(r.Context(), req.OwnerID, req.SessionID, req.Name, req.Template, req.Contacts, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("campaign created", "campaign_id", id, "name", req.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"campaign_id": id})
}

// lifecycle adapts a manager transition into a handler.
func (s *Server) lifecycle(op string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		logger.Info("campaign transition", "campaign_id", id, "op", op)
		writeJSON(w, http.StatusAccepted, map[string]string{"campaign_id": id})
	}
}

type forceRetryRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

func (s *Server) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	if s.governor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "retry governor disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	var req forceRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Errorf(domain.KindValidation, "invalid request body: %v", err))
		return
	}
	succeeded, err := s.governor.ForceRetry(r.Context(), id, req.MessageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"requested":   len(req.MessageIDs),
		"succeeded":   succeeded,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cleanup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var trans *campaign.TransitionError
	switch {
	case errors.As(err, &trans):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrCampaignNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrPolicyNotFound):
		status = http.StatusNotFound
	case domain.IsKind(err, domain.KindValidation):
		status = http.StatusBadRequest
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
