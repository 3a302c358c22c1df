package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dwellfi/provision-brain/internal/brain"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/http/response"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
	"github.com/dwellfi/provision-brain/internal/sse"
	"github.com/dwellfi/provision-brain/internal/store"
)

type JobHandler struct {
	brain    *brain.Brain
	store    *store.Store
	streamer *sse.Streamer
	log      *logger.Logger
}

func NewJobHandler(b *brain.Brain, st *store.Store, streamer *sse.Streamer, log *logger.Logger) *JobHandler {
	return &JobHandler{brain: b, store: st, streamer: streamer, log: log.With("component", "JobHandler")}
}

type startJobRequest struct {
	ControllerID string             `json:"controller_id" binding:"required"`
	VenueID      string             `json:"venue_id"`
	TenantID     string             `json:"tenant_id"`
	Units        []domain.UnitInput `json:"units" binding:"required"`
	Options      map[string]any     `json:"options"`
}

// Start admits a job for the workflow named in the path. The response is the
// freshly created job in VALIDATING; clients follow the event stream from
// there.
func (h *JobHandler) Start(c *gin.Context) {
	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, err := h.brain.StartJob(c.Request.Context(), brain.StartRequest{
		WorkflowName: c.Param("name"),
		ControllerID: req.ControllerID,
		VenueID:      req.VenueID,
		TenantID:     req.TenantID,
		UserID:       c.GetHeader("X-User-ID"),
		Units:        req.Units,
		Options:      req.Options,
	})
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "start_failed", err)
		return
	}
	response.RespondAccepted(c, job)
}

// DryRun runs the workflow's validation phase against the request without
// creating a job. Nothing is persisted; the response is the validation
// summary alone.
func (h *JobHandler) DryRun(c *gin.Context) {
	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	result, err := h.brain.DryRun(c.Request.Context(), brain.StartRequest{
		WorkflowName: c.Param("name"),
		ControllerID: req.ControllerID,
		VenueID:      req.VenueID,
		TenantID:     req.TenantID,
		UserID:       c.GetHeader("X-User-ID"),
		Units:        req.Units,
		Options:      req.Options,
	})
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "dry_run_failed", err)
		return
	}
	response.RespondOK(c, result)
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.store.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, domain.ErrJobNotFound) {
		response.RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "store_error", err)
		return
	}
	response.RespondOK(c, job)
}

func (h *JobHandler) Confirm(c *gin.Context) {
	job, err := h.brain.Confirm(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		response.RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, domain.ErrNotConfirmable), errors.Is(err, domain.ErrJobTerminal):
		response.RespondError(c, http.StatusConflict, "not_confirmable", err)
	case err != nil:
		response.RespondError(c, http.StatusInternalServerError, "confirm_failed", err)
	default:
		response.RespondOK(c, job)
	}
}

func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.brain.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		response.RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, domain.ErrJobTerminal):
		response.RespondError(c, http.StatusConflict, "already_terminal", err)
	case err != nil:
		response.RespondError(c, http.StatusInternalServerError, "cancel_failed", err)
	default:
		response.RespondOK(c, job)
	}
}

func (h *JobHandler) List(c *gin.Context) {
	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{
		Status:       domain.JobStatus(c.Query("status")),
		WorkflowName: c.Query("workflow"),
	})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "store_error", err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs, "count": len(jobs)})
}

// Events streams the job's event channel as SSE, opening with a snapshot of
// the current record so late subscribers are not blind.
func (h *JobHandler) Events(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		response.RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "store_error", err)
		return
	}

	sub, err := h.store.Subscribe(c.Request.Context(), store.EventsChannel(jobID))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "subscribe_failed", err)
		return
	}
	defer sub.Close()

	h.streamer.Stream(c, job, sub.C())
}
