package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
)

type Schedules struct {
	store    *store.Store
	dispatch *Dispatch
}

func NewSchedules(st *store.Store, dispatch *Dispatch) *Schedules {
	return &Schedules{store: st, dispatch: dispatch}
}

func (s *Schedules) CreateOrUpdate(ctx context.Context, in store.CreateOrUpdateScheduleInput) (*models.Schedule, error) {
	return s.store.Schedules.CreateOrUpdateSchedule(ctx, in)
}

func (s *Schedules) ListForWorkflow(ctx context.Context, projectID, workflowID uuid.UUID) ([]models.Schedule, error) {
	return s.store.Schedules.ListForWorkflow(ctx, projectID, workflowID)
}

// FireDue fires one due schedule, if any, inserting the execution under
// the same transaction that advances next_run_at.
func (s *Schedules) FireDue(ctx context.Context) (bool, error) {
	fired, err := s.store.Schedules.FireOne(ctx, func(ctx context.Context, tx pgx.Tx, sched models.Schedule) error {
		queueName := sched.WorkflowID.String()
		if err := s.store.Queues.EnsureQueue(ctx, tx, queueName, sched.DeploymentID, sched.ProjectID, nil); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			insert into workflow_executions
				(id, project_id, workflow_id, deployment_id, payload, queue_name, retry_count, status, created_at, queued_at)
			values (gen_random_uuid(), $1, $2, $3, '{}'::jsonb, $4, 0, 'queued', now(), now())`,
			sched.ProjectID, sched.WorkflowID, sched.DeploymentID, queueName)
		return err
	})
	if err != nil {
		return false, err
	}
	if fired {
		s.dispatch.Trigger()
	}
	return fired, nil
}
