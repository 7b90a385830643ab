package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polos-dev/orchestrator/internal/models"
)

type WaitStore struct{ s *Store }

// ResumeOneExpired selects one expired wait step with FOR UPDATE SKIP
// LOCKED, time waits (wait_until passed) before event waits (expires_at
// passed) and then by age, and resumes it. Subworkflow waits are not
// selected here; SubworkflowReconcile handles them.
// Returns false when nothing was expired and ready.
func (wst *WaitStore) ResumeOneExpired(ctx context.Context) (bool, error) {
	resumed := false
	err := withAdminScope(ctx, wst.s.Reconcile, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			select execution_id, step_key, wait_type, wait_until, wait_topic, expires_at
			from wait_steps
			where
				(wait_type = 'time' and wait_until <= now())
				or (wait_type = 'event' and expires_at is not null and expires_at <= now())
			order by
				case wait_type when 'time' then 0 when 'event' then 1 else 2 end,
				created_at asc
			for update skip locked
			limit 1`)

		var executionID uuid.UUID
		var stepKey string
		var waitType models.WaitType
		var waitUntil, expiresAt *time.Time
		var waitTopic *string
		err := row.Scan(&executionID, &stepKey, &waitType, &waitUntil, &waitTopic, &expiresAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("select expired wait: %w", err)
		}

		var payload []byte
		var success bool
		switch waitType {
		case models.WaitTime:
			success = true
			payload, _ = json.Marshal(map[string]any{"success": true, "wait_until": waitUntil})
		case models.WaitEvent:
			var eventPayload []byte
			found := false
			var seqID int64
			var topic string
			var evType *string
			var data []byte
			var createdAt time.Time
			var id uuid.UUID
			if waitTopic != nil {
				err := tx.QueryRow(ctx, `
					select id, sequence_id, topic, event_type, data, created_at
					from events where topic = $1 and created_at >= (select created_at from wait_steps where execution_id=$2 and step_key=$3)
					order by sequence_id desc limit 1`, *waitTopic, executionID, stepKey).
					Scan(&id, &seqID, &topic, &evType, &data, &createdAt)
				if err == nil {
					found = true
				}
			}
			if found {
				success = true
				eventPayload, _ = json.Marshal(map[string]any{
					"sequence_id": seqID, "topic": topic, "event_type": evType, "data": json.RawMessage(data),
					"id": id, "created_at": createdAt,
				})
				payload = eventPayload
			} else {
				success = false
				payload, _ = json.Marshal(map[string]any{"success": false, "error": "event wait expired with no matching event"})
			}
		default:
			return nil
		}

		if err := storeResumeStepOutput(ctx, tx, executionID, stepKey, payload, success); err != nil {
			return err
		}
		if err := resumeExecution(ctx, tx, executionID, stepKey); err != nil {
			return err
		}
		resumed = true
		return nil
	})
	return resumed, err
}

func storeResumeStepOutput(ctx context.Context, tx pgx.Tx, executionID uuid.UUID, stepKey string, payload []byte, success bool) error {
	_, err := tx.Exec(ctx, `
		insert into step_outputs (execution_id, step_key, outputs, success, created_at, updated_at)
		values ($1,$2,$3,$4,now(),now())
		on conflict (execution_id, step_key) do update set outputs=excluded.outputs, success=excluded.success, updated_at=now()`,
		executionID, stepKey, payload, success)
	if err != nil {
		return fmt.Errorf("store resume step output: %w", err)
	}
	return nil
}

func resumeExecution(ctx context.Context, tx pgx.Tx, executionID uuid.UUID, stepKey string) error {
	if _, err := tx.Exec(ctx, `delete from wait_steps where execution_id=$1 and step_key=$2`, executionID, stepKey); err != nil {
		return fmt.Errorf("clear wait step: %w", err)
	}
	if _, err := tx.Exec(ctx, `update workflow_executions set status='queued', queued_at=now() where id=$1 and status='waiting'`, executionID); err != nil {
		return fmt.Errorf("resume execution: %w", err)
	}
	return nil
}

// EventWaitFallback re-scans every event wait for the newest
// matching event and resumes it. It exists because Publish only wakes
// waiters whose wait_steps row was already committed at publish time; a
// waiter whose SetWaiting call commits between the publish's event insert
// and its wake pass would otherwise wait until expiry. Unlike
// ResumeOneExpired this is not gated on expires_at and processes every
// ready waiter per tick.
func (wst *WaitStore) EventWaitFallback(ctx context.Context) (int, error) {
	resumed := 0
	err := withAdminScope(ctx, wst.s.Reconcile, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			select execution_id, step_key, wait_topic, created_at from wait_steps
			where wait_type = 'event' and wait_topic is not null
			for update skip locked`)
		if err != nil {
			return fmt.Errorf("select event waits: %w", err)
		}
		type candidate struct {
			executionID uuid.UUID
			stepKey     string
			topic       string
			createdAt   time.Time
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.executionID, &c.stepKey, &c.topic, &c.createdAt); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		rows.Close()

		for _, c := range candidates {
			var id uuid.UUID
			var seqID int64
			var topic string
			var evType *string
			var data []byte
			var createdAt time.Time
			err := tx.QueryRow(ctx, `
				select id, sequence_id, topic, event_type, data, created_at
				from events where topic = $1 and created_at >= $2
				order by sequence_id desc limit 1`, c.topic, c.createdAt).
				Scan(&id, &seqID, &topic, &evType, &data, &createdAt)
			if err != nil {
				if err == pgx.ErrNoRows {
					continue
				}
				return fmt.Errorf("find matching event: %w", err)
			}

			payload, _ := json.Marshal(map[string]any{
				"id": id, "sequence_id": seqID, "topic": topic,
				"event_type": evType, "data": json.RawMessage(data), "created_at": createdAt,
			})
			if err := storeResumeStepOutput(ctx, tx, c.executionID, c.stepKey, payload, true); err != nil {
				return err
			}
			if err := resumeExecution(ctx, tx, c.executionID, c.stepKey); err != nil {
				return err
			}
			resumed++
		}
		return nil
	})
	return resumed, err
}

// SubworkflowReconcile is the crash-safety net for subworkflow waits whose
// parent resume would normally happen inline under propagateToParent; it
// re-checks every waiting subworkflow wait and resumes any whose children
// are all terminal.
func (wst *WaitStore) SubworkflowReconcile(ctx context.Context) error {
	return withAdminScope(ctx, wst.s.Reconcile, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			select execution_id, step_key, metadata from wait_steps
			where wait_type = 'subworkflow'
			for update skip locked`)
		if err != nil {
			return fmt.Errorf("select subworkflow waits: %w", err)
		}
		type candidate struct {
			executionID uuid.UUID
			stepKey     string
			childIDs    []string
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			var metadata []byte
			if err := rows.Scan(&c.executionID, &c.stepKey, &metadata); err != nil {
				rows.Close()
				return err
			}
			var meta struct {
				ExecutionIDs []string `json:"execution_ids"`
			}
			_ = json.Unmarshal(metadata, &meta)
			c.childIDs = meta.ExecutionIDs
			candidates = append(candidates, c)
		}
		rows.Close()

		for _, c := range candidates {
			if len(c.childIDs) == 0 {
				continue
			}
			var terminalCount int
			if err := tx.QueryRow(ctx, `select count(*) from workflow_executions where id = any($1) and status in ('completed','failed','cancelled')`, c.childIDs).Scan(&terminalCount); err != nil {
				return err
			}
			if terminalCount < len(c.childIDs) {
				continue
			}
			if err := resumeExecution(ctx, tx, c.executionID, c.stepKey); err != nil {
				return err
			}
		}
		return nil
	})
}
