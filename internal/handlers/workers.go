package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type registerWorkerRequest struct {
	DeploymentID            uuid.UUID `json:"deployment_id" binding:"required"`
	Mode                    string    `json:"mode"`
	PushEndpointURL         string    `json:"push_endpoint_url"`
	MaxConcurrentExecutions int       `json:"max_concurrent_executions" binding:"required"`
}

// RegisterWorker handles POST /internal/workers/register.
func (h *Handler) RegisterWorker(c *gin.Context) {
	var req registerWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid register request", err))
		return
	}
	mode := models.WorkerModePush
	if req.Mode != "" {
		mode = models.WorkerMode(req.Mode)
	}
	worker, err := h.Workers.Register(c.Request.Context(), store.RegisterWorkerInput{
		ProjectID:               projectIDFromContext(c),
		DeploymentID:            req.DeploymentID,
		Mode:                    mode,
		PushEndpointURL:         req.PushEndpointURL,
		MaxConcurrentExecutions: req.MaxConcurrentExecutions,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, worker)
}

// WorkerOnline handles POST /internal/workers/:id/online.
func (h *Handler) WorkerOnline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid worker id", err))
		return
	}
	if err := h.Workers.MarkOnline(c.Request.Context(), projectIDFromContext(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// WorkerHeartbeat handles POST /internal/workers/:id/heartbeat.
func (h *Handler) WorkerHeartbeat(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid worker id", err))
		return
	}
	result, err := h.Workers.Heartbeat(c.Request.Context(), projectIDFromContext(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
