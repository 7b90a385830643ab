package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/store"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type createOrUpdateScheduleRequest struct {
	WorkflowID   uuid.UUID `json:"workflow_id" binding:"required"`
	DeploymentID uuid.UUID `json:"deployment_id" binding:"required"`
	Key          string    `json:"key" binding:"required"`
	CronExpr     string    `json:"cron_expr" binding:"required"`
	Timezone     string    `json:"timezone"`
}

// CreateOrUpdateSchedule handles POST /schedules (§4.5's cron-driven firing
// source).
func (h *Handler) CreateOrUpdateSchedule(c *gin.Context) {
	var req createOrUpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid schedule request", err))
		return
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	sched, err := h.Schedules.CreateOrUpdate(c.Request.Context(), store.CreateOrUpdateScheduleInput{
		ProjectID:      projectIDFromContext(c),
		WorkflowID:     req.WorkflowID,
		DeploymentID:   req.DeploymentID,
		Key:            req.Key,
		CronExpression: req.CronExpr,
		Timezone:       tz,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// ListSchedules handles GET /workflows/:workflowId/schedules.
func (h *Handler) ListSchedules(c *gin.Context) {
	workflowID, err := uuid.Parse(c.Param("workflowId"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid workflow id", err))
		return
	}
	schedules, err := h.Schedules.ListForWorkflow(c.Request.Context(), projectIDFromContext(c), workflowID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}
