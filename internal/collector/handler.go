package collector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/marchenkov/audience-os/internal/repository"
)

// Handler handles HTTP requests for the collector service
type Handler struct {
	registry       *Registry
	identitiesRepo *repository.IdentitiesRepository
	loc            *time.Location
}

// NewHandler creates a new handler with the given registry
func NewHandler(registry *Registry, identitiesRepo *repository.IdentitiesRepository, loc *time.Location) *Handler {
	return &Handler{
		registry:       registry,
		identitiesRepo: identitiesRepo,
		loc:            loc,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// StartRun handles POST /api/v1/runs
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	if err := req.Validate(h.loc); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.registry.StartRun(req.DateTime(h.loc), req.CredentialIDs...)
	if err != nil {
		switch {
		case errors.Is(err, ErrRunInProgress):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrUnknownCredential):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	run, _ := h.registry.Get(id)
	respondJSON(w, http.StatusOK, RunResponse{
		RunID:     id.String(),
		Status:    string(run.State),
		Date:      run.Date,
		StartedAt: run.StartedAt,
	})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(runIDParam(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, run)
}

// CurrentRun handles GET /api/v1/runs/current
func (h *Handler) CurrentRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.registry.Current()
	if !ok {
		respondJSON(w, http.StatusOK, map[string]string{
			"status": "idle",
		})
		return
	}

	respondJSON(w, http.StatusOK, run)
}

// CancelRun handles DELETE /api/v1/runs/{id}
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(runIDParam(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	if err := h.registry.Cancel(id); err != nil {
		switch {
		case errors.Is(err, ErrRunNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrRunFinished):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "run cancelled",
	})
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.identitiesRepo.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// SearchIdentities handles GET /api/v1/identities/search
func (h *Handler) SearchIdentities(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("username")
	if term == "" {
		respondError(w, http.StatusBadRequest, "username query param is required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	identities, err := h.identitiesRepo.SearchByUsername(r.Context(), term, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, identities)
}

// NormalizeUsernames handles POST /api/v1/maintenance/normalize-usernames
func (h *Handler) NormalizeUsernames(w http.ResponseWriter, r *http.Request) {
	updated, err := h.identitiesRepo.NormalizeUsernames(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]int64{
		"updated": updated,
	})
}

// helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
