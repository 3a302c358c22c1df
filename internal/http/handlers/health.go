package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/dwellfi/provision-brain/internal/http/response"
	"github.com/dwellfi/provision-brain/internal/tracker"
)

type HealthHandler struct {
	tracker *tracker.Tracker
}

func NewHealthHandler(tr *tracker.Tracker) *HealthHandler {
	return &HealthHandler{tracker: tr}
}

func (h *HealthHandler) Check(c *gin.Context) {
	response.RespondOK(c, gin.H{
		"status":             "ok",
		"pending_activities": h.tracker.Pending(),
	})
}
