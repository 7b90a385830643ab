package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/services"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type submitExecutionRequest struct {
	WorkflowID         uuid.UUID       `json:"workflow_id" binding:"required"`
	DeploymentID       *uuid.UUID      `json:"deployment_id"`
	Payload            json.RawMessage `json:"payload" binding:"required"`
	QueueName          *string         `json:"queue_name"`
	ConcurrencyKey     *string         `json:"concurrency_key"`
	ConcurrencyLimit   *int            `json:"concurrency_limit"`
	ParentExecutionID  *uuid.UUID      `json:"parent_execution_id"`
	StepKey            *string         `json:"step_key"`
	WaitForSubworkflow bool            `json:"wait_for_subworkflow"`
	UserID             *uuid.UUID      `json:"user_id"`
	RunTimeoutSeconds  *int            `json:"run_timeout_seconds"`
	TraceParent        *string         `json:"traceparent"`
}

func (r submitExecutionRequest) toSubmitRequest(projectID uuid.UUID) services.SubmitRequest {
	return services.SubmitRequest{
		ProjectID:  projectID,
		WorkflowID: r.WorkflowID,
		Payload:    r.Payload,
		Options: models.SubmitOptions{
			DeploymentID:       r.DeploymentID,
			QueueName:          r.QueueName,
			ConcurrencyKey:     r.ConcurrencyKey,
			ConcurrencyLimit:   r.ConcurrencyLimit,
			ParentExecutionID:  r.ParentExecutionID,
			StepKey:            r.StepKey,
			WaitForSubworkflow: r.WaitForSubworkflow,
			UserID:             r.UserID,
			RunTimeoutSeconds:  r.RunTimeoutSeconds,
			TraceParent:        r.TraceParent,
		},
	}
}

// SubmitExecution handles POST /executions (§6).
func (h *Handler) SubmitExecution(c *gin.Context) {
	var req submitExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid submit request", err))
		return
	}

	projectID := projectIDFromContext(c)
	exec, err := h.Executions.Submit(c.Request.Context(), req.toSubmitRequest(projectID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

type submitBatchRequest struct {
	ParentExecutionID uuid.UUID                 `json:"parent_execution_id" binding:"required"`
	StepKey           string                    `json:"step_key" binding:"required"`
	Items             []submitExecutionRequest `json:"items" binding:"required,min=1"`
}

// SubmitBatch handles POST /executions/batch (§6), fanning out N child
// workflows that fold into one wait_steps row on the caller.
func (h *Handler) SubmitBatch(c *gin.Context) {
	var req submitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid batch submit request", err))
		return
	}

	projectID := projectIDFromContext(c)
	items := make([]services.SubmitRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, item.toSubmitRequest(projectID))
	}

	execs, err := h.Executions.SubmitBatch(c.Request.Context(), projectID, items, req.ParentExecutionID, req.StepKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"executions": execs})
}

// GetExecution handles GET /executions/:id.
func (h *Handler) GetExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	exec, err := h.Executions.Get(c.Request.Context(), projectIDFromContext(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

type cancelExecutionRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

// CancelExecution handles POST /executions/:id/cancel, cascading to
// descendants and ancestors per §4.1.
func (h *Handler) CancelExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	var req cancelExecutionRequest
	_ = c.ShouldBindJSON(&req)
	if req.CancelledBy == "" {
		req.CancelledBy = "user"
	}

	result, err := h.Executions.Cancel(c.Request.Context(), projectIDFromContext(c), id, req.CancelledBy)
	if err != nil {
		respondError(c, err)
		return
	}

	for _, target := range result.Targets {
		if target.PushEndpointURL != nil {
			go func(url string, execID uuid.UUID) {
				_, _ = h.Workers.PushCancel(c.Copy().Request.Context(), url, execID)
			}(*target.PushEndpointURL, target.ExecutionID)
		}
	}

	c.JSON(http.StatusOK, result.Execution)
}

// GetStepOutput handles GET /executions/:id/steps/:stepKey.
func (h *Handler) GetStepOutput(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	out, err := h.Executions.GetStepOutput(c.Request.Context(), projectIDFromContext(c), id, c.Param("stepKey"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetAllStepOutputs handles GET /executions/:id/steps.
func (h *Handler) GetAllStepOutputs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	out, err := h.Executions.GetAllStepOutputs(c.Request.Context(), projectIDFromContext(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": out})
}

// --- internal (worker-facing) endpoints ---

type completeRequest struct {
	WorkerID   uuid.UUID       `json:"worker_id" binding:"required"`
	Result     json.RawMessage `json:"result"`
	FinalState json.RawMessage `json:"final_state"`
}

// CompleteExecution handles POST /internal/executions/:id/complete.
func (h *Handler) CompleteExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid complete request", err))
		return
	}
	if err := h.Executions.Complete(c.Request.Context(), projectIDFromContext(c), id, req.WorkerID, req.Result, req.FinalState); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type failRequest struct {
	WorkerID   uuid.UUID       `json:"worker_id" binding:"required"`
	Error      string          `json:"error" binding:"required"`
	Retryable  bool            `json:"retryable"`
	MaxRetries int             `json:"max_retries"`
	FinalState json.RawMessage `json:"final_state"`
}

// FailExecution handles POST /internal/executions/:id/fail.
func (h *Handler) FailExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid fail request", err))
		return
	}
	willRetry, err := h.Executions.Fail(c.Request.Context(), projectIDFromContext(c), id, req.WorkerID, req.Error, req.Retryable, req.MaxRetries, req.FinalState)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"will_retry": willRetry})
}

type setWaitingRequest struct {
	StepKey   string     `json:"step_key" binding:"required"`
	WaitType  string     `json:"wait_type" binding:"required"`
	WaitUntil *time.Time `json:"wait_until"`
	WaitTopic *string    `json:"wait_topic"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// SetWaiting handles POST /internal/executions/:id/wait.
func (h *Handler) SetWaiting(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	var req setWaitingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid wait request", err))
		return
	}
	err = h.Executions.SetWaiting(c.Request.Context(), projectIDFromContext(c), id, req.StepKey, models.WaitType(req.WaitType), req.WaitUntil, req.WaitTopic, req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type confirmCancellationRequest struct {
	WorkerID uuid.UUID `json:"worker_id" binding:"required"`
}

// ConfirmCancellation handles POST /internal/executions/:id/confirm-cancellation.
func (h *Handler) ConfirmCancellation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	var req confirmCancellationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid confirm-cancellation request", err))
		return
	}
	if err := h.Executions.ConfirmCancellation(c.Request.Context(), projectIDFromContext(c), id, req.WorkerID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type storeStepOutputRequest struct {
	Outputs           json.RawMessage `json:"outputs"`
	Error             *string         `json:"error"`
	Success           *bool           `json:"success"`
	SourceExecutionID *uuid.UUID      `json:"source_execution_id"`
	OutputSchemaName  *string         `json:"output_schema_name"`
}

// StoreStepOutput handles POST /internal/executions/:id/steps/:stepKey.
func (h *Handler) StoreStepOutput(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid execution id", err))
		return
	}
	var req storeStepOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid step output request", err))
		return
	}
	err = h.Executions.StoreStepOutput(c.Request.Context(), projectIDFromContext(c), id, c.Param("stepKey"), req.Outputs, req.Error, req.Success, req.SourceExecutionID, req.OutputSchemaName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
