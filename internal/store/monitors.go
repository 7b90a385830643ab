package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type TimedOutExecution struct {
	ExecutionID uuid.UUID
	ProjectID   uuid.UUID
}

// ListTimedOutRunning returns running executions whose started_at +
// run_timeout_seconds has elapsed, for the 30s execution-timeout monitor.
func (es *ExecutionStore) ListTimedOutRunning(ctx context.Context) ([]TimedOutExecution, error) {
	var out []TimedOutExecution
	err := withAdminScope(ctx, es.s.Reconcile, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			select id, project_id from workflow_executions
			where status = 'running' and run_timeout_seconds is not null
			  and started_at + (run_timeout_seconds || ' seconds')::interval < now()`)
		if err != nil {
			return fmt.Errorf("list timed out executions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t TimedOutExecution
			if err := rows.Scan(&t.ExecutionID, &t.ProjectID); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingCancelRow is one execution stuck in pending_cancel, for the
// cancellation propagator.
type PendingCancelRow struct {
	ExecutionID     uuid.UUID
	AssignedWorker  *uuid.UUID
	PushEndpointURL *string
	OlderThanTwoMin bool
}

// ListPendingCancel returns every pending_cancel row along with its
// worker's push endpoint (if any) and whether it has been pending for more
// than 2 minutes (the force-cancel threshold).
func (es *ExecutionStore) ListPendingCancel(ctx context.Context) ([]PendingCancelRow, error) {
	var out []PendingCancelRow
	err := withAdminScope(ctx, es.s.Reconcile, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			select e.id, e.assigned_to_worker, w.push_endpoint_url, (e.cancelled_at < now() - interval '2 minutes')
			from workflow_executions e
			left join workers w on w.id = e.assigned_to_worker
			where e.status = 'pending_cancel'`)
		if err != nil {
			return fmt.Errorf("list pending cancel: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p PendingCancelRow
			if err := rows.Scan(&p.ExecutionID, &p.AssignedWorker, &p.PushEndpointURL, &p.OlderThanTwoMin); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
