package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type registerDeploymentRequest struct {
	Name string `json:"name" binding:"required"`
}

// RegisterDeployment handles POST /deployments (§4.8).
func (h *Handler) RegisterDeployment(c *gin.Context) {
	var req registerDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid deployment request", err))
		return
	}
	d, err := h.Registry.RegisterDeployment(c.Request.Context(), projectIDFromContext(c), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

type registerDefinitionRequest struct {
	WorkflowID *uuid.UUID      `json:"workflow_id"`
	Name       string          `json:"name" binding:"required"`
	Definition json.RawMessage `json:"definition" binding:"required"`
}

// RegisterWorkflow handles POST /deployments/:id/workflows.
func (h *Handler) RegisterWorkflow(c *gin.Context) {
	deploymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid deployment id", err))
		return
	}
	var req registerDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid workflow request", err))
		return
	}
	workflowID := uuid.New()
	if req.WorkflowID != nil {
		workflowID = *req.WorkflowID
	}
	w, err := h.Registry.RegisterWorkflow(c.Request.Context(), models.DeploymentWorkflow{
		DeploymentID: deploymentID,
		ProjectID:    projectIDFromContext(c),
		WorkflowID:   workflowID,
		Name:         req.Name,
		Definition:   req.Definition,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// RegisterAgent handles POST /deployments/:id/agents.
func (h *Handler) RegisterAgent(c *gin.Context) {
	deploymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid deployment id", err))
		return
	}
	var req registerDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid agent request", err))
		return
	}
	a, err := h.Registry.RegisterAgent(c.Request.Context(), models.AgentDefinition{
		DeploymentID: deploymentID,
		ProjectID:    projectIDFromContext(c),
		Name:         req.Name,
		Definition:   req.Definition,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// RegisterTool handles POST /deployments/:id/tools.
func (h *Handler) RegisterTool(c *gin.Context) {
	deploymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, orcherrors.BadRequest("invalid deployment id", err))
		return
	}
	var req registerDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, orcherrors.BadRequest("invalid tool request", err))
		return
	}
	t, err := h.Registry.RegisterTool(c.Request.Context(), models.ToolDefinition{
		DeploymentID: deploymentID,
		ProjectID:    projectIDFromContext(c),
		Name:         req.Name,
		Definition:   req.Definition,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}
