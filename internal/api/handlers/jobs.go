package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/db"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/store"
)

type JobListResponse struct {
	Jobs  []models.Job `json:"jobs"`
	Fresh bool         `json:"fresh"`
	Count int          `json:"count"`
}

type JobHandler struct {
	engine   PrintEngine
	store    *store.Store
	printLog PrintLogReader
}

func NewJobHandler(engine PrintEngine, st *store.Store, printLog PrintLogReader) *JobHandler {
	return &JobHandler{
		engine:   engine,
		store:    st,
		printLog: printLog,
	}
}

// ListJobs serves the cached station queue. Fresh is false when the cache
// is older than its TTL, which happens while the backend is unreachable.
func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs, fresh := h.engine.CachedJobs()
	if jobs == nil {
		jobs = []models.Job{}
	}
	c.JSON(http.StatusOK, JobListResponse{
		Jobs:  jobs,
		Fresh: fresh,
		Count: len(jobs),
	})
}

func (h *JobHandler) ListFailedJobs(c *gin.Context) {
	failed := h.store.FailedJobs()
	if failed == nil {
		failed = []models.FailedJob{}
	}
	c.JSON(http.StatusOK, gin.H{
		"failed_jobs": failed,
		"count":       len(failed),
	})
}

func (h *JobHandler) RetryFailedJob(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.engine.RetryFailed(id); err != nil {
		switch {
		case errors.Is(err, core.ErrNoFailedJob):
			abort(c, http.StatusNotFound, "not_found", "No failed record for this job")
		case errors.Is(err, core.ErrNotRunning):
			abort(c, http.StatusConflict, "engine_stopped", "Print engine is not running")
		case errors.Is(err, core.ErrRetryPending):
			abort(c, http.StatusTooManyRequests, "retry_pending", "A retry is already queued")
		default:
			abort(c, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": "retry_scheduled"})
}

func (h *JobHandler) ListPrintLog(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50, 500)
	if !ok {
		return
	}

	entries, err := h.printLog.Recent(c.Request.Context(), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, "database_error", "Failed to read the print log")
		return
	}
	if entries == nil {
		entries = []*db.PrintLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.GET("/failed-jobs", h.ListFailedJobs)
	r.POST("/failed-jobs/:id/retry", h.RetryFailedJob)
	r.GET("/print-log", h.ListPrintLog)
}
