package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/delivery/http/response"
	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/usecase/crawl"
	"github.com/user/pt-crawler/internal/usecase/syncer"
)

// RunManager is the part of crawl.Manager served over HTTP.
type RunManager interface {
	Start(ctx context.Context, taskID string) (crawl.RunReport, error)
	Get(runID string) (crawl.RunReport, error)
	List() []crawl.RunReport
	Cancel(runID string) error
	Replay(ctx context.Context, taskID string) (syncer.ReplayReport, error)
	PendingCount(ctx context.Context, taskID string) (int, error)
	SessionSummary(ctx context.Context, taskID string) (*crawl.SessionSummary, error)
	Ping(ctx context.Context) error
}

var _ RunManager = (*crawl.Manager)(nil)

type Handler struct {
	runs   RunManager
	logger *zap.Logger
}

func NewHandler(runs RunManager, logger *zap.Logger) *Handler {
	return &Handler{runs: runs, logger: logger}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.runs.Ping(ctx); err != nil {
		h.logger.Error("health check failed for storage", zap.Error(err))
		response.JSON(w, h.logger, http.StatusServiceUnavailable, response.HealthResponse{Status: "unhealthy", Storage: "unhealthy"})
		return
	}
	response.JSON(w, h.logger, http.StatusOK, response.HealthResponse{Status: "ok", Storage: "healthy"})
}

func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	report, err := h.runs.Start(r.Context(), taskID)
	if err != nil {
		h.fail(w, "failed to start run", err, zap.String("task_id", taskID))
		return
	}
	w.Header().Set("Location", "/api/runs/"+report.RunID)
	response.JSON(w, h.logger, http.StatusAccepted, report)
}

func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.List()
	if taskID := r.URL.Query().Get("task"); taskID != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if run.TaskID == taskID {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	response.JSON(w, h.logger, http.StatusOK, response.RunListResponse{Runs: runs})
}

func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := h.runs.Get(chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, "failed to get run", err)
		return
	}
	response.JSON(w, h.logger, http.StatusOK, report)
}

func (h *Handler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.runs.Cancel(runID); err != nil {
		h.fail(w, "failed to cancel run", err, zap.String("run_id", runID))
		return
	}
	report, err := h.runs.Get(runID)
	if err != nil {
		h.fail(w, "failed to get run", err, zap.String("run_id", runID))
		return
	}
	response.JSON(w, h.logger, http.StatusAccepted, report)
}

func (h *Handler) HandleReplayPending(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	report, err := h.runs.Replay(r.Context(), taskID)
	if err != nil {
		h.fail(w, "failed to replay pending batches", err, zap.String("task_id", taskID))
		return
	}
	response.JSON(w, h.logger, http.StatusOK, report)
}

func (h *Handler) HandleGetPending(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	n, err := h.runs.PendingCount(r.Context(), taskID)
	if err != nil {
		h.fail(w, "failed to count pending batches", err, zap.String("task_id", taskID))
		return
	}
	response.JSON(w, h.logger, http.StatusOK, response.PendingResponse{TaskID: taskID, Pending: n})
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	sum, err := h.runs.SessionSummary(r.Context(), taskID)
	if err != nil {
		h.fail(w, "failed to read session", err, zap.String("task_id", taskID))
		return
	}
	response.JSON(w, h.logger, http.StatusOK, sum)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		response.Error(w, h.logger, http.StatusNotFound, "task not found")
	case errors.Is(err, crawl.ErrRunNotFound):
		response.Error(w, h.logger, http.StatusNotFound, err.Error())
	case errors.Is(err, crawl.ErrRunActive):
		response.Error(w, h.logger, http.StatusConflict, err.Error())
	case errors.Is(err, entity.ErrStorage):
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		response.Error(w, h.logger, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, entity.ErrInvalidTask):
		response.Error(w, h.logger, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		response.Error(w, h.logger, http.StatusInternalServerError, "internal server error")
	}
}
