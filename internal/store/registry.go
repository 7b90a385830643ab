package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polos-dev/orchestrator/internal/models"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

// RegistryStore holds the create-or-replace metadata tables: deployments,
// their workflows, and the agent/tool shapes they host.
type RegistryStore struct{ s *Store }

func (rs *RegistryStore) LatestDeployment(ctx context.Context, projectID uuid.UUID) (*models.Deployment, error) {
	var d *models.Deployment
	err := withScope(ctx, rs.s.API, projectID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `select id, project_id, name, created_at from deployments where project_id=$1 order by created_at desc limit 1`, projectID)
		dep := &models.Deployment{}
		err := row.Scan(&dep.ID, &dep.ProjectID, &dep.Name, &dep.CreatedAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				return orcherrors.NotFound("deployment", "latest")
			}
			return err
		}
		d = dep
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (rs *RegistryStore) EnsureDeployment(ctx context.Context, tx pgx.Tx, id uuid.UUID, projectID uuid.UUID, name string) error {
	_, err := tx.Exec(ctx, `
		insert into deployments (id, project_id, name, created_at) values ($1,$2,$3,now())
		on conflict (id, project_id) do nothing`, id, projectID, name)
	if err != nil {
		return fmt.Errorf("ensure deployment: %w", err)
	}
	return nil
}

func (rs *RegistryStore) RegisterDeployment(ctx context.Context, projectID uuid.UUID, name string) (*models.Deployment, error) {
	d := &models.Deployment{ID: uuid.New(), ProjectID: projectID, Name: name}
	err := withScope(ctx, rs.s.API, projectID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `insert into deployments (id, project_id, name, created_at) values ($1,$2,$3,now()) returning created_at`,
			d.ID, d.ProjectID, d.Name)
		return row.Scan(&d.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("register deployment: %w", err)
	}
	return d, nil
}

func (rs *RegistryStore) RegisterWorkflow(ctx context.Context, w models.DeploymentWorkflow) (*models.DeploymentWorkflow, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	err := withScope(ctx, rs.s.API, w.ProjectID, func(tx pgx.Tx) error {
		if err := rs.EnsureDeployment(ctx, tx, w.DeploymentID, w.ProjectID, w.DeploymentID.String()); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			insert into deployment_workflows (id, deployment_id, project_id, workflow_id, name, definition, created_at)
			values ($1,$2,$3,$4,$5,$6,now())
			on conflict (id, deployment_id, project_id) do update set
				name=excluded.name, definition=excluded.definition
			returning created_at`,
			w.ID, w.DeploymentID, w.ProjectID, w.WorkflowID, w.Name, w.Definition)
		return row.Scan(&w.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("register workflow: %w", err)
	}
	return &w, nil
}

func (rs *RegistryStore) RegisterAgent(ctx context.Context, a models.AgentDefinition) (*models.AgentDefinition, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := withScope(ctx, rs.s.API, a.ProjectID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			insert into agent_definitions (id, deployment_id, project_id, name, definition, created_at)
			values ($1,$2,$3,$4,$5,now())
			on conflict (id, deployment_id, project_id) do update set name=excluded.name, definition=excluded.definition
			returning created_at`,
			a.ID, a.DeploymentID, a.ProjectID, a.Name, a.Definition)
		return row.Scan(&a.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return &a, nil
}

func (rs *RegistryStore) RegisterTool(ctx context.Context, t models.ToolDefinition) (*models.ToolDefinition, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := withScope(ctx, rs.s.API, t.ProjectID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			insert into tool_definitions (id, deployment_id, project_id, name, definition, created_at)
			values ($1,$2,$3,$4,$5,now())
			on conflict (id, deployment_id, project_id) do update set name=excluded.name, definition=excluded.definition
			returning created_at`,
			t.ID, t.DeploymentID, t.ProjectID, t.Name, t.Definition)
		return row.Scan(&t.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("register tool: %w", err)
	}
	return &t, nil
}
