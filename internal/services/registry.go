package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
)

// Registry implements the create-or-replace metadata operations for
// deployments, workflows, agents, and tools (§4.8).
type Registry struct {
	store *store.Store
}

func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st}
}

func (r *Registry) RegisterDeployment(ctx context.Context, projectID uuid.UUID, name string) (*models.Deployment, error) {
	return r.store.Registry.RegisterDeployment(ctx, projectID, name)
}

func (r *Registry) RegisterWorkflow(ctx context.Context, w models.DeploymentWorkflow) (*models.DeploymentWorkflow, error) {
	return r.store.Registry.RegisterWorkflow(ctx, w)
}

func (r *Registry) RegisterAgent(ctx context.Context, a models.AgentDefinition) (*models.AgentDefinition, error) {
	return r.store.Registry.RegisterAgent(ctx, a)
}

func (r *Registry) RegisterTool(ctx context.Context, t models.ToolDefinition) (*models.ToolDefinition, error) {
	return r.store.Registry.RegisterTool(ctx, t)
}
