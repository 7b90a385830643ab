package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Assignment is a committed (execution, worker) pairing ready for an
// outbound push. It carries every field the worker push body needs (§4.9):
// lineage for sub-workflow correlation, retry/timeout bookkeeping, and
// trace context, in addition to the execution's own identity and payload.
type Assignment struct {
	ExecutionID     uuid.UUID
	ProjectID       uuid.UUID
	WorkflowID      uuid.UUID
	DeploymentID    uuid.UUID
	WorkerID        uuid.UUID
	PushEndpointURL string
	Payload         []byte
	RootWorkflowID  uuid.UUID

	ParentExecutionID *uuid.UUID
	RootExecutionID   *uuid.UUID
	StepKey           *string
	RetryCount        int
	CreatedAt         time.Time
	SessionID         *string
	UserID            *uuid.UUID
	TraceParent       *string
	SpanID            *string
	InitialState      []byte
	RunTimeoutSeconds *int
}

// ClaimNext picks one queued execution whose queue has available capacity
// and whose deployment has at least one eligible worker, locks both rows
// with SKIP LOCKED, and commits the assignment in a single transaction.
// Returns (nil, nil) when there is no work to dispatch right now. This is
// the single correctness-bearing transaction of the push dispatcher: two
// orchestrators running this query concurrently against the same queue
// never co-assign, because SKIP LOCKED makes each picker skip rows the
// other already holds.
func (es *ExecutionStore) ClaimNext(ctx context.Context) (*Assignment, error) {
	var a *Assignment
	err := withAdminScope(ctx, es.s.Reconcile, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, claimNextSQL)
		var candidate Assignment
		err := row.Scan(&candidate.ExecutionID, &candidate.ProjectID, &candidate.WorkflowID,
			&candidate.DeploymentID, &candidate.Payload, &candidate.WorkerID, &candidate.PushEndpointURL,
			&candidate.ParentExecutionID, &candidate.RootExecutionID, &candidate.StepKey, &candidate.RetryCount,
			&candidate.CreatedAt, &candidate.SessionID, &candidate.UserID, &candidate.TraceParent, &candidate.SpanID,
			&candidate.InitialState, &candidate.RunTimeoutSeconds)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("claim next: %w", err)
		}

		candidate.RootWorkflowID = candidate.WorkflowID
		if _, err := tx.Exec(ctx, `
			update workflow_executions
			set status='claimed', assigned_to_worker=$2, assigned_at=now(), claimed_at=now()
			where id=$1`, candidate.ExecutionID, candidate.WorkerID); err != nil {
			return fmt.Errorf("commit execution assignment: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			update workers set current_execution_count = current_execution_count + 1, last_push_attempt_at = now()
			where id=$1`, candidate.WorkerID); err != nil {
			return fmt.Errorf("commit worker slot: %w", err)
		}

		a = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// claimNextSQL locks one eligible queued execution (ordered FIFO by
// queued_at, falling back to created_at) whose queue still has spare
// concurrency, joined to one eligible worker for its deployment (ordered
// least-loaded, then least-recently-attempted, then fewest failures).
// Both locks are taken SKIP LOCKED so concurrent dispatcher instances never
// block on each other, only skip rows already claimed elsewhere.
const claimNextSQL = `
with running_counts as (
	select queue_name, deployment_id, coalesce(concurrency_key, '') as ck, count(*) as n
	from workflow_executions
	where status in ('claimed','running')
	group by queue_name, deployment_id, coalesce(concurrency_key, '')
),
candidate as (
	select e.id, e.project_id, e.workflow_id, e.deployment_id, e.payload, e.queue_name, e.concurrency_key,
		e.parent_execution_id, e.root_execution_id, e.step_key, e.retry_count, e.created_at,
		e.session_id, e.user_id, e.otel_traceparent, e.otel_span_id, e.initial_state, e.run_timeout_seconds
	from workflow_executions e
	join queues q on q.name = e.queue_name and q.deployment_id = e.deployment_id and q.project_id = e.project_id
	left join running_counts rc on rc.queue_name = e.queue_name and rc.deployment_id = e.deployment_id
		and rc.ck = coalesce(e.concurrency_key, '')
	where e.status = 'queued'
	  and (q.concurrency_limit is null or coalesce(rc.n, 0) < q.concurrency_limit)
	  and exists (
		select 1 from workers w
		where w.current_deployment_id = e.deployment_id
		  and w.mode = 'push' and w.status = 'online'
		  and w.current_execution_count < w.max_concurrent_executions
		  and w.push_failure_count < w.push_failure_threshold
		  and w.last_heartbeat > now() - interval '60 seconds'
	  )
	order by coalesce(e.queued_at, e.created_at) asc
	for update of e skip locked
	limit 1
),
worker_pick as (
	select w.id, w.push_endpoint_url
	from workers w, candidate c
	where w.current_deployment_id = c.deployment_id
	  and w.mode = 'push' and w.status = 'online'
	  and w.current_execution_count < w.max_concurrent_executions
	  and w.push_failure_count < w.push_failure_threshold
	  and w.last_heartbeat > now() - interval '60 seconds'
	order by w.current_execution_count asc, w.last_push_attempt_at asc nulls first, w.push_failure_count asc
	for update of w skip locked
	limit 1
)
select c.id, c.project_id, c.workflow_id, c.deployment_id, c.payload, wp.id, wp.push_endpoint_url,
	c.parent_execution_id, c.root_execution_id, c.step_key, c.retry_count, c.created_at,
	c.session_id, c.user_id, c.otel_traceparent, c.otel_span_id, c.initial_state, c.run_timeout_seconds
from candidate c, worker_pick wp`
