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

type EventTriggerStore struct{ s *Store }

type RegisterEventTriggerInput struct {
	ProjectID           uuid.UUID
	WorkflowID          uuid.UUID
	DeploymentID        uuid.UUID
	EventTopic          string
	BatchSize           int
	BatchTimeoutSeconds *int
	QueueName           string
}

func (ts *EventTriggerStore) Register(ctx context.Context, in RegisterEventTriggerInput) (*models.EventTrigger, error) {
	t := &models.EventTrigger{
		ID: uuid.New(), ProjectID: in.ProjectID, WorkflowID: in.WorkflowID, DeploymentID: in.DeploymentID,
		EventTopic: in.EventTopic, BatchSize: in.BatchSize, BatchTimeoutSeconds: in.BatchTimeoutSeconds,
		QueueName: in.QueueName, Active: true,
	}
	err := withScope(ctx, ts.s.API, in.ProjectID, func(tx pgx.Tx) error {
		if err := ts.s.Queues.EnsureQueue(ctx, tx, in.QueueName, in.DeploymentID, in.ProjectID, nil); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			insert into event_triggers (id, project_id, workflow_id, deployment_id, event_topic, batch_size,
				batch_timeout_seconds, queue_name, last_sequence_id, active, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,0,true,now())
			on conflict (workflow_id, deployment_id, event_topic, project_id) do update set
				batch_size=excluded.batch_size, batch_timeout_seconds=excluded.batch_timeout_seconds,
				queue_name=excluded.queue_name, active=true`,
			t.ID, t.ProjectID, t.WorkflowID, t.DeploymentID, t.EventTopic, t.BatchSize, t.BatchTimeoutSeconds, t.QueueName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register event trigger: %w", err)
	}
	return t, nil
}

// ProcessOne picks one active trigger with unconsumed events whose target
// queue has capacity, and converts a batch of events into an execution when
// the batch is full, the batch timeout has elapsed, or there is no timeout
// (single-event mode). processed_at is stamped even when the batch is not
// yet ready to fire, so the loop can tell "checked, nothing to do" apart
// from "never checked".
func (ts *EventTriggerStore) ProcessOne(ctx context.Context, submit func(ctx context.Context, tx pgx.Tx, trigger models.EventTrigger, payload []byte) error) (bool, error) {
	processed := false
	err := withAdminScope(ctx, ts.s.Reconcile, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			select t.id, t.project_id, t.workflow_id, t.deployment_id, t.event_topic, t.batch_size,
				t.batch_timeout_seconds, t.queue_name, t.last_sequence_id
			from event_triggers t
			join queues q on q.name = t.queue_name and q.deployment_id = t.deployment_id and q.project_id = t.project_id
			where t.active
			  and exists (select 1 from events e where e.topic = t.event_topic and e.project_id = t.project_id and e.sequence_id > t.last_sequence_id)
			  and (q.concurrency_limit is null or (
				select count(*) from workflow_executions x
				where x.queue_name = t.queue_name and x.deployment_id = t.deployment_id and x.status in ('claimed','running')
			  ) < q.concurrency_limit)
			for update of t skip locked
			limit 1`)

		var t models.EventTrigger
		if err := row.Scan(&t.ID, &t.ProjectID, &t.WorkflowID, &t.DeploymentID, &t.EventTopic, &t.BatchSize,
			&t.BatchTimeoutSeconds, &t.QueueName, &t.LastSequenceID); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("select event trigger: %w", err)
		}

		rows, err := tx.Query(ctx, `
			select sequence_id, event_type, data, created_at from events
			where topic = $1 and project_id = $2 and sequence_id > $3
			order by sequence_id asc limit $4`, t.EventTopic, t.ProjectID, t.LastSequenceID, t.BatchSize)
		if err != nil {
			return fmt.Errorf("select trigger events: %w", err)
		}
		type ev struct {
			seq       int64
			eventType *string
			data      []byte
			createdAt time.Time
		}
		var batch []ev
		for rows.Next() {
			var e ev
			if err := rows.Scan(&e.seq, &e.eventType, &e.data, &e.createdAt); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, e)
		}
		rows.Close()
		if len(batch) == 0 {
			return nil
		}

		full := len(batch) >= t.BatchSize
		timedOut := t.BatchTimeoutSeconds != nil && time.Since(batch[0].createdAt) >= time.Duration(*t.BatchTimeoutSeconds)*time.Second
		noTimeout := t.BatchTimeoutSeconds == nil

		if !(full || timedOut || noTimeout) {
			if _, err := tx.Exec(ctx, `update event_triggers set processed_at = now() where id = $1`, t.ID); err != nil {
				return err
			}
			return nil
		}

		var payload []byte
		if t.BatchSize == 1 && t.BatchTimeoutSeconds == nil {
			payload, _ = json.Marshal(map[string]any{
				"sequence_id": batch[0].seq, "event_type": batch[0].eventType, "data": json.RawMessage(batch[0].data),
			})
		} else {
			evs := make([]map[string]any, 0, len(batch))
			for _, e := range batch {
				evs = append(evs, map[string]any{"sequence_id": e.seq, "event_type": e.eventType, "data": json.RawMessage(e.data)})
			}
			payload, _ = json.Marshal(map[string]any{"events": evs})
		}

		if err := submit(ctx, tx, t, payload); err != nil {
			return fmt.Errorf("submit trigger execution: %w", err)
		}

		last := batch[len(batch)-1]
		if _, err := tx.Exec(ctx, `update event_triggers set last_sequence_id=$2, last_event_timestamp=$3, processed_at=now() where id=$1`,
			t.ID, last.seq, last.createdAt); err != nil {
			return err
		}
		processed = true
		return nil
	})
	return processed, err
}
