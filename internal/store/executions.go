package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polos-dev/orchestrator/internal/models"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type ExecutionStore struct{ s *Store }

// SubmitInput is the storage-layer shape of a submit request; the service
// layer has already resolved defaults (deployment, queue name).
type SubmitInput struct {
	WorkflowID   uuid.UUID
	DeploymentID uuid.UUID
	ProjectID    uuid.UUID
	Payload      []byte
	QueueName    string
	ConcurrencyKey *string
	ConcurrencyLimit *int
	BatchID        *uuid.UUID

	ParentExecutionID  *uuid.UUID
	RootExecutionID    *uuid.UUID
	StepKey            *string
	WaitForSubworkflow bool

	SessionID *string
	UserID    *uuid.UUID

	RunTimeoutSeconds *int
	TraceParent       *string
	SpanID            *string
}

// Submit inserts a new execution in status=queued. When WaitForSubworkflow
// is set together with a parent/step key, the parent is atomically flipped
// to waiting and a subworkflow wait_steps row is upserted, and the parent's
// worker slot is decremented because a waiting execution does not occupy a
// slot (E4).
func (es *ExecutionStore) Submit(ctx context.Context, in SubmitInput) (*models.Execution, error) {
	exec := &models.Execution{
		ID:                 uuid.New(),
		ProjectID:          in.ProjectID,
		ParentExecutionID:  in.ParentExecutionID,
		RootExecutionID:    in.RootExecutionID,
		WorkflowID:         in.WorkflowID,
		DeploymentID:       in.DeploymentID,
		Payload:            in.Payload,
		QueueName:          in.QueueName,
		ConcurrencyKey:     in.ConcurrencyKey,
		BatchID:            in.BatchID,
		RetryCount:         0,
		SessionID:          in.SessionID,
		UserID:             in.UserID,
		StepKey:            in.StepKey,
		RunTimeoutSeconds:  in.RunTimeoutSeconds,
		TraceParent:        in.TraceParent,
		SpanID:             in.SpanID,
		Status:             models.ExecutionQueued,
	}

	err := withScope(ctx, es.s.API, in.ProjectID, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		exec.CreatedAt = now
		exec.QueuedAt = &now

		if err := es.s.Queues.EnsureQueue(ctx, tx, exec.QueueName, exec.DeploymentID, exec.ProjectID, in.ConcurrencyLimit); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			insert into workflow_executions
				(id, project_id, parent_execution_id, root_execution_id, workflow_id, deployment_id,
				 payload, queue_name, concurrency_key, batch_id, retry_count, session_id, user_id,
				 step_key, run_timeout_seconds, otel_traceparent, otel_span_id, status, created_at, queued_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			returning created_at, queued_at`,
			exec.ID, exec.ProjectID, exec.ParentExecutionID, exec.RootExecutionID, exec.WorkflowID, exec.DeploymentID,
			exec.Payload, exec.QueueName, exec.ConcurrencyKey, exec.BatchID, exec.RetryCount, exec.SessionID, exec.UserID,
			exec.StepKey, exec.RunTimeoutSeconds, exec.TraceParent, exec.SpanID, exec.Status, exec.CreatedAt, exec.QueuedAt)
		if err := row.Scan(&exec.CreatedAt, &exec.QueuedAt); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}

		if in.WaitForSubworkflow && in.ParentExecutionID != nil && in.StepKey != nil {
			if err := setParentWaitingForChild(ctx, tx, *in.ParentExecutionID, *in.StepKey, exec.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// setParentWaitingForChild is invoked under the submitting transaction
// (not the parent's own advisory lock, since the parent has not yet
// received any child completion) to flip the parent to waiting and record
// that it now expects a subworkflow resume.
func setParentWaitingForChild(ctx context.Context, tx pgx.Tx, parentID uuid.UUID, stepKey string, childID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtextextended($1::text, 0))`, parentID); err != nil {
		return fmt.Errorf("advisory lock parent: %w", err)
	}

	waitType := models.WaitSubworkflow
	metadata, _ := json.Marshal(map[string]any{"execution_ids": []string{childID.String()}})

	tag, err := tx.Exec(ctx, `
		insert into wait_steps (execution_id, step_key, wait_type, metadata, created_at, updated_at)
		values ($1,$2,$3,$4,now(),now())
		on conflict (execution_id, step_key) do update set
			wait_type = excluded.wait_type,
			metadata = case
				when wait_steps.metadata->'execution_ids' is null then excluded.metadata
				else jsonb_set(wait_steps.metadata, '{execution_ids}', (wait_steps.metadata->'execution_ids') || (excluded.metadata->'execution_ids'))
			end,
			updated_at = now()`,
		parentID, stepKey, waitType, metadata)
	if err != nil {
		return fmt.Errorf("upsert subworkflow wait: %w", err)
	}
	_ = tag

	res, err := tx.Exec(ctx, `
		update workflow_executions
		set status = 'waiting',
		    assigned_to_worker = case when assigned_to_worker is not null then assigned_to_worker else assigned_to_worker end
		where id = $1 and status in ('queued','claimed','running')`, parentID)
	if err != nil {
		return fmt.Errorf("flip parent to waiting: %w", err)
	}
	if res.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		update workers w set current_execution_count = greatest(current_execution_count - 1, 0)
		from workflow_executions e
		where e.id = $1 and e.assigned_to_worker = w.id`, parentID); err != nil {
		return fmt.Errorf("decrement parent worker slot: %w", err)
	}
	return nil
}

func (es *ExecutionStore) Get(ctx context.Context, projectID, id uuid.UUID) (*models.Execution, error) {
	var exec *models.Execution
	err := withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		var e error
		exec, e = scanExecution(tx.QueryRow(ctx, selectExecutionByID, id))
		return e
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ProjectIDForExecution resolves the project an execution belongs to
// without the caller already knowing it. Used only by the unauthenticated
// approval-resolution endpoint, which has nothing but an execution id and
// step key from the URL and must establish RLS scope before it can do
// anything else.
func (es *ExecutionStore) ProjectIDForExecution(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var projectID uuid.UUID
	err := withAdminScope(ctx, es.s.API, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `select project_id from workflow_executions where id = $1`, id).Scan(&projectID)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.UUID{}, orcherrors.NotFound("execution", id.String())
		}
		return uuid.UUID{}, fmt.Errorf("resolve execution project: %w", err)
	}
	return projectID, nil
}

const selectExecutionColumns = `
	id, project_id, parent_execution_id, root_execution_id, workflow_id, deployment_id,
	payload, result, error, initial_state, final_state, queue_name, concurrency_key, batch_id,
	created_at, queued_at, claimed_at, started_at, completed_at, cancelled_at,
	retry_count, assigned_to_worker, assigned_at, run_timeout_seconds,
	session_id, user_id, step_key, otel_traceparent, otel_span_id, cancelled_by, status`

const selectExecutionByID = `select ` + selectExecutionColumns + ` from workflow_executions where id = $1`

func scanExecution(row pgx.Row) (*models.Execution, error) {
	e := &models.Execution{}
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.ParentExecutionID, &e.RootExecutionID, &e.WorkflowID, &e.DeploymentID,
		&e.Payload, &e.Result, &e.Error, &e.InitialState, &e.FinalState, &e.QueueName, &e.ConcurrencyKey, &e.BatchID,
		&e.CreatedAt, &e.QueuedAt, &e.ClaimedAt, &e.StartedAt, &e.CompletedAt, &e.CancelledAt,
		&e.RetryCount, &e.AssignedToWorker, &e.AssignedAt, &e.RunTimeoutSeconds,
		&e.SessionID, &e.UserID, &e.StepKey, &e.TraceParent, &e.SpanID, &e.CancelledBy, &e.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, orcherrors.NotFound("execution", "")
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return e, nil
}

// ResumedParent is returned by operations that may wake a suspended parent,
// so the caller can trigger a dispatch pass for the parent's deployment.
type ResumedParent struct {
	ExecutionID  uuid.UUID
	DeploymentID uuid.UUID
}

// Complete marks an execution completed and, if it has a parent, folds its
// result into the parent's step output, resuming the parent when every
// sibling in its batch (if any) is terminal. Calling Complete on an
// already-terminal execution is a no-op returning no resumed parent.
func (es *ExecutionStore) Complete(ctx context.Context, projectID, id, workerID uuid.UUID, result []byte, finalState []byte) (*ResumedParent, error) {
	return es.finish(ctx, projectID, id, workerID, true, result, nil, finalState, nil)
}

// Fail increments retry_count and either returns the execution to queued
// (retryable, under max_retries) or marks it failed and propagates to its
// parent identically to Complete, with success=false.
func (es *ExecutionStore) Fail(ctx context.Context, projectID, id, workerID uuid.UUID, errMsg string, retryable bool, maxRetries int, finalState []byte) (*ResumedParent, bool, error) {
	var willRetry bool
	var resumed *ResumedParent

	err := withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		var curStatus models.ExecutionStatus
		var assigned *uuid.UUID
		var retryCount int
		err := tx.QueryRow(ctx, `select status, assigned_to_worker, retry_count from workflow_executions where id = $1 for update`, id).
			Scan(&curStatus, &assigned, &retryCount)
		if err != nil {
			if err == pgx.ErrNoRows {
				return orcherrors.NotFound("execution", id.String())
			}
			return fmt.Errorf("lock execution: %w", err)
		}
		if curStatus.Terminal() {
			return nil
		}
		if assigned == nil || *assigned != workerID {
			return orcherrors.AssignedToDifferentWorker(id.String())
		}

		retryCount++
		if retryable && retryCount <= maxRetries {
			willRetry = true
			_, err = tx.Exec(ctx, `
				update workflow_executions
				set status='queued', assigned_to_worker=null, assigned_at=null, claimed_at=null,
				    error=$2, retry_count=$3, queued_at=now()
				where id = $1`, id, errMsg, retryCount)
			if err != nil {
				return fmt.Errorf("requeue failed execution: %w", err)
			}
			if _, err := tx.Exec(ctx, `update workers set current_execution_count = greatest(current_execution_count - 1, 0) where id = $1`, *assigned); err != nil {
				return fmt.Errorf("decrement worker slot: %w", err)
			}
			return nil
		}

		_, err = tx.Exec(ctx, `
			update workflow_executions
			set status='failed', error=$2, final_state=$3, completed_at=now(), retry_count=$4
			where id = $1`, id, errMsg, finalState, retryCount)
		if err != nil {
			return fmt.Errorf("mark execution failed: %w", err)
		}
		if assigned != nil {
			if _, err := tx.Exec(ctx, `update workers set current_execution_count = greatest(current_execution_count - 1, 0) where id = $1`, *assigned); err != nil {
				return fmt.Errorf("decrement worker slot: %w", err)
			}
		}

		r, err := propagateToParent(ctx, tx, id, false, nil, &errMsg)
		if err != nil {
			return err
		}
		resumed = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return resumed, willRetry, nil
}

func (es *ExecutionStore) finish(ctx context.Context, projectID, id, workerID uuid.UUID, success bool, result, _ []byte, finalState []byte, errMsg *string) (*ResumedParent, error) {
	var resumed *ResumedParent
	err := withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		var curStatus models.ExecutionStatus
		var assigned *uuid.UUID
		err := tx.QueryRow(ctx, `select status, assigned_to_worker from workflow_executions where id = $1 for update`, id).
			Scan(&curStatus, &assigned)
		if err != nil {
			if err == pgx.ErrNoRows {
				return orcherrors.NotFound("execution", id.String())
			}
			return fmt.Errorf("lock execution: %w", err)
		}
		if curStatus.Terminal() {
			return nil
		}
		if assigned == nil || *assigned != workerID {
			return orcherrors.AssignedToDifferentWorker(id.String())
		}

		_, err = tx.Exec(ctx, `
			update workflow_executions
			set status='completed', completed_at=now(), result=$2, final_state=$3
			where id = $1`, id, result, finalState)
		if err != nil {
			return fmt.Errorf("mark execution completed: %w", err)
		}
		if _, err := tx.Exec(ctx, `update workers set current_execution_count = greatest(current_execution_count - 1, 0) where id = $1`, *assigned); err != nil {
			return fmt.Errorf("decrement worker slot: %w", err)
		}

		r, err := propagateToParent(ctx, tx, id, success, result, errMsg)
		if err != nil {
			return err
		}
		resumed = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resumed, nil
}

// propagateToParent writes the child's outcome into the parent's step
// output under an advisory lock on the parent id, flipping a batch output
// from map to ordered array once every sibling is terminal, and resumes
// the parent when its subworkflow wait is fully satisfied.
func propagateToParent(ctx context.Context, tx pgx.Tx, childID uuid.UUID, success bool, result []byte, errMsg *string) (*ResumedParent, error) {
	var parentID *uuid.UUID
	var stepKey *string
	var batchID *uuid.UUID
	var workflowID uuid.UUID
	var outputSchemaName *string
	err := tx.QueryRow(ctx, `select parent_execution_id, step_key, batch_id, workflow_id from workflow_executions where id = $1`, childID).
		Scan(&parentID, &stepKey, &batchID, &workflowID)
	if err != nil {
		return nil, fmt.Errorf("lookup child lineage: %w", err)
	}
	if parentID == nil || stepKey == nil {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtextextended($1::text, 0))`, *parentID); err != nil {
		return nil, fmt.Errorf("advisory lock parent: %w", err)
	}

	batchComplete := true
	if batchID != nil {
		var entry map[string]any
		if success {
			var v any
			if len(result) > 0 {
				_ = json.Unmarshal(result, &v)
			}
			entry = map[string]any{"result": v, "result_schema_name": outputSchemaName, "workflow_id": workflowID, "success": true}
		} else {
			entry = map[string]any{"workflow_id": workflowID, "success": false, "error": errMsg}
		}
		encodedEntry, _ := json.Marshal(entry)

		var existing []byte
		err := tx.QueryRow(ctx, `select outputs from step_outputs where execution_id = $1 and step_key = $2`, *parentID, *stepKey).Scan(&existing)
		obj := map[string]json.RawMessage{}
		if err == nil && len(existing) > 0 {
			_ = json.Unmarshal(existing, &obj)
		}
		obj[childID.String()] = encodedEntry
		merged, _ := json.Marshal(obj)

		_, err = tx.Exec(ctx, `
			insert into step_outputs (execution_id, step_key, outputs, success, source_execution_id, created_at, updated_at)
			values ($1,$2,$3,$4,$5,now(),now())
			on conflict (execution_id, step_key) do update set outputs=excluded.outputs, updated_at=now()`,
			*parentID, *stepKey, merged, success, childID)
		if err != nil {
			return nil, fmt.Errorf("upsert batch step output: %w", err)
		}

		var siblingIDs []string
		var waitMeta []byte
		err = tx.QueryRow(ctx, `select metadata from wait_steps where execution_id = $1 and step_key = $2`, *parentID, *stepKey).Scan(&waitMeta)
		if err == nil && len(waitMeta) > 0 {
			var meta struct {
				ExecutionIDs []string `json:"execution_ids"`
			}
			_ = json.Unmarshal(waitMeta, &meta)
			siblingIDs = meta.ExecutionIDs
		}

		if len(siblingIDs) > 0 {
			rows, err := tx.Query(ctx, `select id, status from workflow_executions where batch_id = $1`, *batchID)
			if err != nil {
				return nil, fmt.Errorf("check batch siblings: %w", err)
			}
			statuses := map[string]models.ExecutionStatus{}
			for rows.Next() {
				var sid uuid.UUID
				var st models.ExecutionStatus
				if err := rows.Scan(&sid, &st); err != nil {
					rows.Close()
					return nil, err
				}
				statuses[sid.String()] = st
			}
			rows.Close()

			for _, sid := range siblingIDs {
				st, ok := statuses[sid]
				if !ok || !st.Terminal() {
					batchComplete = false
					break
				}
			}

			if batchComplete {
				ordered := make([]json.RawMessage, 0, len(siblingIDs))
				for _, sid := range siblingIDs {
					ordered = append(ordered, obj[sid])
				}
				arr, _ := json.Marshal(ordered)
				if _, err := tx.Exec(ctx, `update step_outputs set outputs=$3, updated_at=now() where execution_id=$1 and step_key=$2`, *parentID, *stepKey, arr); err != nil {
					return nil, fmt.Errorf("flip batch outputs to array: %w", err)
				}
			}
		}
	} else {
		var outputs []byte
		if success && len(result) > 0 {
			outputs = result
		}
		_, err := tx.Exec(ctx, `
			insert into step_outputs (execution_id, step_key, outputs, error, success, source_execution_id, output_schema_name, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,now(),now())
			on conflict (execution_id, step_key) do update set
				outputs=excluded.outputs, error=excluded.error, success=excluded.success,
				source_execution_id=excluded.source_execution_id, output_schema_name=excluded.output_schema_name, updated_at=now()`,
			*parentID, *stepKey, outputs, errMsg, success, childID, outputSchemaName)
		if err != nil {
			return nil, fmt.Errorf("upsert step output: %w", err)
		}
	}

	if !batchComplete {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `delete from wait_steps where execution_id = $1 and step_key = $2`, *parentID, *stepKey); err != nil {
		return nil, fmt.Errorf("clear parent wait: %w", err)
	}

	tag, err := tx.Exec(ctx, `update workflow_executions set status='queued', queued_at=now() where id = $1 and status='waiting'`, *parentID)
	if err != nil {
		return nil, fmt.Errorf("resume parent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	var deploymentID uuid.UUID
	if err := tx.QueryRow(ctx, `select deployment_id from workflow_executions where id = $1`, *parentID).Scan(&deploymentID); err != nil {
		return nil, fmt.Errorf("lookup parent deployment: %w", err)
	}
	return &ResumedParent{ExecutionID: *parentID, DeploymentID: deploymentID}, nil
}

// SetWaiting flips an execution to waiting and upserts its wait_steps row.
// The worker's slot is deliberately NOT released here; see DESIGN.md's
// Open Question decision on set_waiting slot-release timing.
func (es *ExecutionStore) SetWaiting(ctx context.Context, projectID, id uuid.UUID, stepKey string, waitType models.WaitType, waitUntil *time.Time, waitTopic *string, expiresAt *time.Time) error {
	return withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `update workflow_executions set status='waiting' where id = $1 and status='running'`, id)
		if err != nil {
			return fmt.Errorf("flip execution to waiting: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return orcherrors.Conflict("execution is not running")
		}
		_, err = tx.Exec(ctx, `
			insert into wait_steps (execution_id, step_key, wait_type, wait_until, wait_topic, expires_at, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,now(),now())
			on conflict (execution_id, step_key) do update set
				wait_type=excluded.wait_type, wait_until=excluded.wait_until,
				wait_topic=excluded.wait_topic, expires_at=excluded.expires_at, updated_at=now()`,
			id, stepKey, waitType, waitUntil, waitTopic, expiresAt)
		if err != nil {
			return fmt.Errorf("upsert wait step: %w", err)
		}
		return nil
	})
}

// CancelTarget is a row affected by a cancel cascade that the dispatcher
// must notify.
type CancelTarget struct {
	ExecutionID     uuid.UUID
	AssignedWorker  *uuid.UUID
	PushEndpointURL *string
}

// Cancel marks the target and every ancestor/descendant (bounded depth 100,
// per the recursive-SQL traversal design note) pending_cancel, skipping
// rows already terminal, and clears their wait_steps.
func (es *ExecutionStore) Cancel(ctx context.Context, projectID, id uuid.UUID, cancelledBy string) ([]CancelTarget, error) {
	var targets []CancelTarget
	err := withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, cancelCascadeSQL, id)
		if err != nil {
			return fmt.Errorf("select cancel cascade: %w", err)
		}
		var ids []uuid.UUID
		for rows.Next() {
			var eid uuid.UUID
			if err := rows.Scan(&eid); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, eid)
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		crows, err := tx.Query(ctx, `
			update workflow_executions
			set status='pending_cancel', cancelled_by=$2, cancelled_at=now()
			where id = any($1) and status not in ('completed','failed','cancelled')
			returning id, assigned_to_worker`, ids, cancelledBy)
		if err != nil {
			return fmt.Errorf("mark pending_cancel: %w", err)
		}
		workerIDs := map[uuid.UUID]bool{}
		for crows.Next() {
			var t CancelTarget
			if err := crows.Scan(&t.ExecutionID, &t.AssignedWorker); err != nil {
				crows.Close()
				return err
			}
			targets = append(targets, t)
			if t.AssignedWorker != nil {
				workerIDs[*t.AssignedWorker] = true
			}
		}
		crows.Close()

		if _, err := tx.Exec(ctx, `delete from wait_steps where execution_id = any($1)`, ids); err != nil {
			return fmt.Errorf("clear cancelled waits: %w", err)
		}

		for i := range targets {
			if targets[i].AssignedWorker == nil {
				continue
			}
			var url string
			if err := tx.QueryRow(ctx, `select push_endpoint_url from workers where id = $1`, *targets[i].AssignedWorker).Scan(&url); err == nil {
				targets[i].PushEndpointURL = &url
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return targets, nil
}

// cancelCascadeSQL walks both descendants and ancestors of the target id,
// bounded at depth 100 to guard against a ownership cycle or pathological
// chain.
const cancelCascadeSQL = `
with recursive descendants as (
	select id, 1 as depth from workflow_executions where id = $1
	union all
	select e.id, d.depth + 1
	from workflow_executions e
	join descendants d on e.parent_execution_id = d.id
	where d.depth < 100
),
ancestors as (
	select id, parent_execution_id, 1 as depth from workflow_executions where id = $1
	union all
	select e.id, e.parent_execution_id, a.depth + 1
	from workflow_executions e
	join ancestors a on e.id = a.parent_execution_id
	where a.depth < 100
)
select id from descendants
union
select id from ancestors`

// ConfirmCancellation transitions pending_cancel to cancelled; also allowed
// when the execution has exceeded its run timeout, so a lost worker cannot
// wedge the row forever. An execution in any other status is left as it is.
func (es *ExecutionStore) ConfirmCancellation(ctx context.Context, projectID, id, workerID uuid.UUID) error {
	return withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		var assigned *uuid.UUID
		var status models.ExecutionStatus
		var startedAt *time.Time
		var timeoutSeconds *int
		err := tx.QueryRow(ctx, `select assigned_to_worker, status, started_at, run_timeout_seconds from workflow_executions where id=$1 for update`, id).
			Scan(&assigned, &status, &startedAt, &timeoutSeconds)
		if err != nil {
			if err == pgx.ErrNoRows {
				return orcherrors.NotFound("execution", id.String())
			}
			return err
		}
		if status == models.ExecutionCancelled {
			return nil
		}
		timedOut := startedAt != nil && timeoutSeconds != nil && time.Now().UTC().After(startedAt.Add(time.Duration(*timeoutSeconds)*time.Second))
		if assigned == nil || *assigned != workerID {
			if !timedOut {
				return orcherrors.AssignedToDifferentWorker(id.String())
			}
		}
		tag, err := tx.Exec(ctx, `update workflow_executions set status='cancelled', cancelled_at=now(), assigned_to_worker=null where id=$1 and status='pending_cancel'`, id)
		if err != nil {
			return fmt.Errorf("confirm cancellation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if assigned != nil {
			if _, err := tx.Exec(ctx, `update workers set current_execution_count = greatest(current_execution_count - 1, 0) where id=$1`, *assigned); err != nil {
				return fmt.Errorf("decrement worker slot: %w", err)
			}
		}
		return nil
	})
}

// MarkCancelled is the admin-scoped, reconciler-only forced transition used
// when a worker is unreachable or 2 minutes have passed since cancel.
func (es *ExecutionStore) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return withAdminScope(ctx, es.s.Reconcile, func(tx pgx.Tx) error {
		var assigned *uuid.UUID
		if err := tx.QueryRow(ctx, `select assigned_to_worker from workflow_executions where id=$1 for update`, id).Scan(&assigned); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return err
		}
		if _, err := tx.Exec(ctx, `update workflow_executions set status='cancelled', cancelled_at=now(), assigned_to_worker=null where id=$1 and status='pending_cancel'`, id); err != nil {
			return err
		}
		if assigned != nil {
			if _, err := tx.Exec(ctx, `update workers set current_execution_count = greatest(current_execution_count - 1, 0) where id=$1`, *assigned); err != nil {
				return err
			}
		}
		return nil
	})
}

func (es *ExecutionStore) StoreStepOutput(ctx context.Context, projectID, executionID uuid.UUID, stepKey string, outputs []byte, errMsg *string, success *bool, sourceExecutionID *uuid.UUID, outputSchemaName *string) error {
	return withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into step_outputs (execution_id, step_key, outputs, error, success, source_execution_id, output_schema_name, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,now(),now())
			on conflict (execution_id, step_key) do update set
				outputs=excluded.outputs, error=excluded.error, success=excluded.success,
				source_execution_id=excluded.source_execution_id, output_schema_name=excluded.output_schema_name, updated_at=now()`,
			executionID, stepKey, outputs, errMsg, success, sourceExecutionID, outputSchemaName)
		if err != nil {
			return fmt.Errorf("store step output: %w", err)
		}
		return nil
	})
}

func (es *ExecutionStore) GetStepOutput(ctx context.Context, projectID, executionID uuid.UUID, stepKey string) (*models.StepOutput, error) {
	var out *models.StepOutput
	err := withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		o := &models.StepOutput{}
		err := tx.QueryRow(ctx, `select execution_id, step_key, outputs, error, success, source_execution_id, output_schema_name, created_at, updated_at
			from step_outputs where execution_id=$1 and step_key=$2`, executionID, stepKey).
			Scan(&o.ExecutionID, &o.StepKey, &o.Outputs, &o.Error, &o.Success, &o.SourceExecutionID, &o.OutputSchemaName, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				return orcherrors.NotFound("step output", stepKey)
			}
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (es *ExecutionStore) GetAllStepOutputs(ctx context.Context, projectID, executionID uuid.UUID) ([]models.StepOutput, error) {
	var outs []models.StepOutput
	err := withScope(ctx, es.s.API, projectID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `select execution_id, step_key, outputs, error, success, source_execution_id, output_schema_name, created_at, updated_at
			from step_outputs where execution_id=$1 order by created_at asc`, executionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var o models.StepOutput
			if err := rows.Scan(&o.ExecutionID, &o.StepKey, &o.Outputs, &o.Error, &o.Success, &o.SourceExecutionID, &o.OutputSchemaName, &o.CreatedAt, &o.UpdatedAt); err != nil {
				return err
			}
			outs = append(outs, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return outs, nil
}
