package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/store"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type registerEventTriggerRequest struct {
	WorkflowID          uuid.UUID `json:"workflow_id" binding:"required"`
	DeploymentID        uuid.UUID `json:"deployment_id" binding:"required"`
	EventTopic          string    `json:"event_topic" binding:"required"`
	BatchSize           int       `json:"batch_size"`
	BatchTimeoutSeconds *int      `json:"batch_timeout_seconds"`
	QueueName           string    `json:"queue_name"`
}

// RegisterEventTrigger handles POST /event-triggers (§4.5). A trigger fires
// a workflow execution once its batch fills or its batch timeout elapses,
// whichever comes first; a trigger with no batch timeout fires as soon as
// any event is pending.
func (h *Handler) RegisterEventTrigger(c *gin.Context) {
	var req registerEventTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid event trigger request", err))
		return
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	queueName := req.QueueName
	if queueName == "" {
		queueName = req.WorkflowID.String()
	}

	trigger, err := h.EventTriggers.Register(c.Request.Context(), store.RegisterEventTriggerInput{
		ProjectID:           projectIDFromContext(c),
		WorkflowID:          req.WorkflowID,
		DeploymentID:        req.DeploymentID,
		EventTopic:          req.EventTopic,
		BatchSize:           batchSize,
		BatchTimeoutSeconds: req.BatchTimeoutSeconds,
		QueueName:           queueName,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trigger)
}
