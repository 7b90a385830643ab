package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polos-dev/orchestrator/internal/models"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type WorkerStore struct{ s *Store }

const (
	staleHeartbeatWindow = 2 * time.Minute
	claimedStaleWindow   = time.Minute
	recoveryBackoff      = 30 * time.Second
)

type RegisterWorkerInput struct {
	ProjectID               uuid.UUID
	DeploymentID             uuid.UUID
	Mode                     models.WorkerMode
	PushEndpointURL          string
	MaxConcurrentExecutions  int
}

// Register validates push-mode constraints, binds to (creating if absent)
// the named deployment, and starts the worker offline.
func (ws *WorkerStore) Register(ctx context.Context, in RegisterWorkerInput) (*models.Worker, error) {
	if in.Mode == models.WorkerModePush && in.PushEndpointURL == "" {
		return nil, orcherrors.BadRequest("push mode requires a push_endpoint_url", nil)
	}
	if in.MaxConcurrentExecutions <= 0 {
		return nil, orcherrors.BadRequest("max_concurrent_executions must be > 0", nil)
	}

	w := &models.Worker{
		ID:                      uuid.New(),
		ProjectID:               in.ProjectID,
		CurrentDeploymentID:     in.DeploymentID,
		Mode:                    in.Mode,
		PushEndpointURL:         in.PushEndpointURL,
		MaxConcurrentExecutions: in.MaxConcurrentExecutions,
		Status:                  models.WorkerOffline,
		PushFailureThreshold:    3,
	}

	err := withScope(ctx, ws.s.API, in.ProjectID, func(tx pgx.Tx) error {
		if err := ws.s.Registry.EnsureDeployment(ctx, tx, in.DeploymentID, in.ProjectID, in.DeploymentID.String()); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			insert into workers (id, project_id, current_deployment_id, mode, push_endpoint_url,
				max_concurrent_executions, current_execution_count, status, push_failure_count,
				push_failure_threshold, created_at)
			values ($1,$2,$3,$4,$5,$6,0,$7,0,$8,now())
			returning created_at`,
			w.ID, w.ProjectID, w.CurrentDeploymentID, w.Mode, w.PushEndpointURL,
			w.MaxConcurrentExecutions, w.Status, w.PushFailureThreshold)
		return row.Scan(&w.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	return w, nil
}

func (ws *WorkerStore) MarkOnline(ctx context.Context, projectID, id uuid.UUID) error {
	return withScope(ctx, ws.s.API, projectID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `update workers set status='online', last_heartbeat=now() where id=$1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return orcherrors.NotFound("worker", id.String())
		}
		return nil
	})
}

// HeartbeatResult tells the worker whether it must re-register.
type HeartbeatResult struct {
	ReRegister bool
}

// Heartbeat reconciles current_execution_count against the live DB count
// (repairing drift from crashes) and opportunistically recovers the worker
// from offline or from a tripped failure threshold when enough time has
// passed since the last push attempt.
func (ws *WorkerStore) Heartbeat(ctx context.Context, projectID, id uuid.UUID) (HeartbeatResult, error) {
	var result HeartbeatResult
	err := withScope(ctx, ws.s.API, projectID, func(tx pgx.Tx) error {
		var lastAttempt *time.Time
		var status models.WorkerStatus
		var failureCount, threshold int
		err := tx.QueryRow(ctx, `select status, push_failure_count, push_failure_threshold, last_push_attempt_at from workers where id=$1 for update`, id).
			Scan(&status, &failureCount, &threshold, &lastAttempt)
		if err != nil {
			if err == pgx.ErrNoRows {
				result.ReRegister = true
				return nil
			}
			return err
		}

		var liveCount int
		if err := tx.QueryRow(ctx, `select count(*) from workflow_executions where assigned_to_worker=$1 and status in ('claimed','running')`, id).Scan(&liveCount); err != nil {
			return err
		}

		recover := false
		if status == models.WorkerOffline || failureCount >= threshold {
			if lastAttempt == nil || time.Since(*lastAttempt) >= recoveryBackoff {
				recover = true
			}
		}

		if recover {
			_, err = tx.Exec(ctx, `update workers set current_execution_count=$2, status='online', push_failure_count=0, last_heartbeat=now() where id=$1`, id, liveCount)
		} else {
			_, err = tx.Exec(ctx, `update workers set current_execution_count=$2, last_heartbeat=now() where id=$1`, id, liveCount)
		}
		return err
	})
	return result, err
}

// CandidateWorker is a row eligible to receive a push, ordered for the
// dispatcher's worker-selection query.
type CandidateWorker struct {
	ID              uuid.UUID
	PushEndpointURL string
}

// StaleCleanup implements the four steps of the 60s stale-worker loop.
func (ws *WorkerStore) StaleCleanup(ctx context.Context) error {
	return withAdminScope(ctx, ws.s.Reconcile, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			update workflow_executions set status='queued', assigned_to_worker=null, claimed_at=null, queued_at=now()
			where status='claimed' and claimed_at < now() - interval '1 minute'`); err != nil {
			return fmt.Errorf("requeue stale claims: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			delete from workers where status='offline' and coalesce(last_heartbeat, created_at) < now() - interval '2 minutes'`); err != nil {
			return fmt.Errorf("delete silent offline workers: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			update workers set status='offline' where status='online' and last_heartbeat < now() - interval '2 minutes'`); err != nil {
			return fmt.Errorf("mark silent workers offline: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			update workflow_executions e set status='queued', assigned_to_worker=null, claimed_at=null, queued_at=now()
			where e.status in ('running','claimed') and (
				e.assigned_to_worker is null or
				exists (select 1 from workers w where w.id = e.assigned_to_worker and w.status='offline')
			)`); err != nil {
			return fmt.Errorf("requeue orphaned executions: %w", err)
		}

		return nil
	})
}

// ReportPushFailure increments the worker's failure counter and, at
// threshold, forces it offline, zeroes its slot count, and returns all of
// its running/claimed executions to queued in the same transaction.
func (ws *WorkerStore) ReportPushFailure(ctx context.Context, workerID uuid.UUID) error {
	return withAdminScope(ctx, ws.s.Reconcile, func(tx pgx.Tx) error {
		var count, threshold int
		if err := tx.QueryRow(ctx, `update workers set push_failure_count = push_failure_count + 1, last_push_attempt_at = now()
			where id=$1 returning push_failure_count, push_failure_threshold`, workerID).Scan(&count, &threshold); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return err
		}
		if count < threshold {
			return nil
		}
		if _, err := tx.Exec(ctx, `update workers set status='offline', current_execution_count=0 where id=$1`, workerID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			update workflow_executions set status='queued', assigned_to_worker=null, claimed_at=null, queued_at=now()
			where assigned_to_worker=$1 and status in ('running','claimed')`, workerID); err != nil {
			return err
		}
		return nil
	})
}

// ReportOverloaded rolls back an assignment without touching the failure
// counter.
func (ws *WorkerStore) ReportOverloaded(ctx context.Context, executionID, workerID uuid.UUID) error {
	return withAdminScope(ctx, ws.s.Reconcile, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			update workflow_executions set status='queued', assigned_to_worker=null, claimed_at=null, queued_at=now()
			where id=$1 and assigned_to_worker=$2`, executionID, workerID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `update workers set current_execution_count = greatest(current_execution_count - 1, 0) where id=$1`, workerID)
		return err
	})
}

// ReportPushFailureAndRollback combines ReportPushFailure with rolling back
// this specific execution's assignment.
func (ws *WorkerStore) ReportPushFailureAndRollback(ctx context.Context, executionID, workerID uuid.UUID) error {
	if err := ws.ReportOverloaded(ctx, executionID, workerID); err != nil {
		return err
	}
	return ws.ReportPushFailure(ctx, workerID)
}

func (ws *WorkerStore) MarkRunning(ctx context.Context, executionID, workerID uuid.UUID) error {
	return withAdminScope(ctx, ws.s.Reconcile, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			update workflow_executions
			set status='running', started_at = coalesce(started_at, now())
			where id=$1 and assigned_to_worker=$2`, executionID, workerID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `update workers set push_failure_count=0 where id=$1`, workerID)
		return err
	})
}
