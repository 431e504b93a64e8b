package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobarin/dealreel/internal/db"
	"github.com/bobarin/dealreel/internal/events"
	"github.com/bobarin/dealreel/internal/metrics"
	"github.com/bobarin/dealreel/internal/models"
	"github.com/bobarin/dealreel/internal/progress"
	"github.com/bobarin/dealreel/internal/services"
	"github.com/bobarin/dealreel/internal/worker"
)

// RecordStore looks up persisted render jobs.
type RecordStore interface {
	GetRenderJob(ctx context.Context, id string) (*models.RenderJobRecord, error)
}

// HistoryAggregator summarizes finished jobs kept outside the process.
type HistoryAggregator interface {
	Aggregate(ctx context.Context) (metrics.AggregateMetrics, error)
}

// Deps wires the handler to the render pipeline. Records, History, Scripts and
// Hub are optional.
type Deps struct {
	Queue      *worker.RenderQueue
	Tracker    *progress.Tracker
	Aggregator *metrics.Aggregator
	Records    RecordStore
	History    HistoryAggregator
	Scripts    services.ScriptWriter
	Hub        *events.Hub
	OutputDir  string
}

type Handler struct {
	Deps
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		Deps:     deps,
		validate: validator.New(),
		log:      zap.S().Named("api"),
	}
}

// CreateRender handles POST /v1/renders
func (h *Handler) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		respondValidationError(w, err)
		return
	}

	job := h.Queue.Enqueue(models.RenderRequest{
		Script:      req.Script,
		Metrics:     req.Metrics,
		CompanyInfo: req.CompanyInfo,
		OutputPath:  h.outputPath(req.OutputPath),
	})

	respondJSON(w, http.StatusAccepted, job)
}

// outputPath keeps every render inside OutputDir. A requested path only
// contributes its file name, placed in a directory of its own so two requests
// for the same name never share a file.
func (h *Handler) outputPath(requested string) string {
	name := filepath.Base(requested)
	if requested == "" || name == "." || name == "/" || name == ".." {
		return filepath.Join(h.OutputDir, uuid.NewString()+".mp4")
	}
	if !strings.EqualFold(filepath.Ext(name), ".mp4") {
		name += ".mp4"
	}
	return filepath.Join(h.OutputDir, uuid.NewString(), name)
}

// ListRenders handles GET /v1/renders
func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Queue.GetAllJobs())
}

// GetRender handles GET /v1/renders/{id}
// Jobs still in the queue are served live; settled jobs come from the store.
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if job, ok := h.Queue.GetJobStatus(id); ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"source": "queue", "job": job})
		return
	}

	if h.Records == nil {
		respondError(w, http.StatusNotFound, "Render not found")
		return
	}

	rec, err := h.Records.GetRenderJob(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Render not found")
		return
	}
	if err != nil {
		h.log.Errorw("Failed to load render job", "job_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load render")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"source": "store", "record": rec})
}

// CancelRender handles DELETE /v1/renders/{id}
func (h *Handler) CancelRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !h.Queue.CancelJob(id) {
		if _, ok := h.Queue.GetJobStatus(id); ok {
			respondError(w, http.StatusConflict, "Render already started and cannot be cancelled")
			return
		}
		respondError(w, http.StatusNotFound, "Render not found in queue")
		return
	}

	respondJSON(w, http.StatusOK, models.CancelRenderResponse{ID: id, Cancelled: true})
}

// GetRenderProgress handles GET /v1/renders/{id}/progress
func (h *Handler) GetRenderProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, ok := h.Tracker.GetProgress(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Render is not being tracked")
		return
	}

	resp := map[string]interface{}{"progress": snap}
	if rec, ok := h.Tracker.GetError(id); ok {
		resp["error"] = rec
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetRenderMetrics handles GET /v1/renders/{id}/metrics
func (h *Handler) GetRenderMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := h.Aggregator.GetMetrics(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Render is not being tracked")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// GetAggregateMetrics handles GET /v1/metrics/aggregate
func (h *Handler) GetAggregateMetrics(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"live": h.Aggregator.GetAggregateMetrics()}

	if h.History != nil {
		agg, err := h.History.Aggregate(r.Context())
		if err != nil {
			h.log.Warnw("Failed to aggregate metrics history", "error", err)
		} else {
			resp["history"] = agg
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// GenerateScript handles POST /v1/scripts
func (h *Handler) GenerateScript(w http.ResponseWriter, r *http.Request) {
	if h.Scripts == nil {
		respondError(w, http.StatusServiceUnavailable, "Script generation is not configured")
		return
	}

	var req models.GenerateScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		respondValidationError(w, err)
		return
	}

	result, err := h.Scripts.GenerateScript(r.Context(), services.ScriptInput{
		Document: req.Document,
		Profile:  req.Profile,
	})
	if err != nil {
		h.log.Errorw("Script generation failed", "error", err)
		respondError(w, http.StatusBadGateway, "Failed to generate script")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// StreamEvents handles GET /v1/events?job_id=
// Without job_id the client receives every job's events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		respondError(w, http.StatusServiceUnavailable, "Event streaming is not enabled")
		return
	}
	h.Hub.ServeWS(w, r, r.URL.Query().Get("job_id"))
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"queue_depth": h.Queue.Len(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidationError(w http.ResponseWriter, err error) {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			fields[e.Namespace()] = e.Tag()
		}
	}
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":  "Validation failed",
		"fields": fields,
	})
}
