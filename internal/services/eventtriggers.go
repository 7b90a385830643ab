package services

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
)

type EventTriggers struct {
	store    *store.Store
	dispatch *Dispatch
}

func NewEventTriggers(st *store.Store, dispatch *Dispatch) *EventTriggers {
	return &EventTriggers{store: st, dispatch: dispatch}
}

func (t *EventTriggers) Register(ctx context.Context, in store.RegisterEventTriggerInput) (*models.EventTrigger, error) {
	return t.store.EventTriggers.Register(ctx, in)
}

// ProcessOne runs one tick of the event-trigger processor (§4.5).
func (t *EventTriggers) ProcessOne(ctx context.Context) (bool, error) {
	processed, err := t.store.EventTriggers.ProcessOne(ctx, func(ctx context.Context, tx pgx.Tx, trigger models.EventTrigger, payload []byte) error {
		_, err := tx.Exec(ctx, `
			insert into workflow_executions
				(id, project_id, workflow_id, deployment_id, payload, queue_name, retry_count, status, created_at, queued_at)
			values (gen_random_uuid(), $1, $2, $3, $4, $5, 0, 'queued', now(), now())`,
			trigger.ProjectID, trigger.WorkflowID, trigger.DeploymentID, payload, trigger.QueueName)
		return err
	})
	if err != nil {
		return false, err
	}
	if processed {
		t.dispatch.Trigger()
	}
	return processed, nil
}
