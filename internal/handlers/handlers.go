// Package handlers implements the HTTP API layer of the orchestrator (§6).
//
// Handlers validate requests, convert between wire JSON and internal
// models, and map service-layer errors to HTTP status codes. Business
// logic lives in internal/services; handlers never talk to the store
// directly.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polos-dev/orchestrator/internal/services"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

// Handler holds every service dependency needed to satisfy the external
// HTTP surface from §6.
type Handler struct {
	Executions    *services.Executions
	Dispatch      *services.Dispatch
	Workers       *services.Workers
	Events        *services.Events
	Schedules     *services.Schedules
	EventTriggers *services.EventTriggers
	Registry      *services.Registry
	log           *zap.Logger
}

func New(
	executions *services.Executions,
	dispatch *services.Dispatch,
	workers *services.Workers,
	events *services.Events,
	schedules *services.Schedules,
	triggers *services.EventTriggers,
	registry *services.Registry,
	log *zap.Logger,
) *Handler {
	return &Handler{
		Executions:    executions,
		Dispatch:      dispatch,
		Workers:       workers,
		Events:        events,
		Schedules:     schedules,
		EventTriggers: triggers,
		Registry:      registry,
		log:           log.Named("handlers"),
	}
}

// RegisterRoutes wires every endpoint from §6 under the given router group.
// Callers are expected to have already applied auth/project-scoping
// middleware per route prefix (see internal/server).
func (h *Handler) RegisterRoutes(api *gin.RouterGroup, internalAPI *gin.RouterGroup, approvals *gin.RouterGroup) {
	api.POST("/executions", h.SubmitExecution)
	api.POST("/executions/batch", h.SubmitBatch)
	api.GET("/executions/:id", h.GetExecution)
	api.POST("/executions/:id/cancel", h.CancelExecution)
	api.GET("/executions/:id/steps/:stepKey", h.GetStepOutput)
	api.GET("/executions/:id/steps", h.GetAllStepOutputs)
	api.GET("/executions/:id/events", h.StreamExecutionEvents)

	api.POST("/events", h.PublishEvent)
	api.GET("/events", h.GetEvents)
	api.GET("/events/stream", h.StreamTopicEvents)

	api.POST("/event-triggers", h.RegisterEventTrigger)

	api.POST("/schedules", h.CreateOrUpdateSchedule)
	api.GET("/workflows/:workflowId/schedules", h.ListSchedules)

	api.POST("/deployments", h.RegisterDeployment)
	api.POST("/deployments/:id/workflows", h.RegisterWorkflow)
	api.POST("/deployments/:id/agents", h.RegisterAgent)
	api.POST("/deployments/:id/tools", h.RegisterTool)

	approvals.POST("/approvals/:executionId/:stepKey/submit", h.ResolveApproval)

	internalAPI.POST("/workers/register", h.RegisterWorker)
	internalAPI.POST("/workers/:id/heartbeat", h.WorkerHeartbeat)
	internalAPI.POST("/workers/:id/online", h.WorkerOnline)
	internalAPI.POST("/executions/:id/complete", h.CompleteExecution)
	internalAPI.POST("/executions/:id/fail", h.FailExecution)
	internalAPI.POST("/executions/:id/wait", h.SetWaiting)
	internalAPI.POST("/executions/:id/confirm-cancellation", h.ConfirmCancellation)
	internalAPI.POST("/executions/:id/steps/:stepKey", h.StoreStepOutput)
}

// errorResponse is the wire shape for every non-2xx response (§7).
type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps a service-layer error to its HTTP status code and
// writes the standard {"error": "..."} body.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch orcherrors.CodeOf(err) {
	case orcherrors.CodeBadRequest:
		status = http.StatusBadRequest
	case orcherrors.CodeUnauthorized:
		status = http.StatusUnauthorized
	case orcherrors.CodeForbidden:
		status = http.StatusForbidden
	case orcherrors.CodeNotFound:
		status = http.StatusNotFound
	case orcherrors.CodeConflict, orcherrors.CodeDuplicateKey:
		status = http.StatusConflict
	case orcherrors.CodeLimitExceeded:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}
