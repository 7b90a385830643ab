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

type EventStore struct{ s *Store }

type PublishEvent struct {
	Topic     string
	EventType *string
	Data      []byte
}

type PublishInput struct {
	ProjectID         uuid.UUID
	Events            []PublishEvent
	Durable           bool
	SourceExecutionID *uuid.UUID
	RootExecutionID   *uuid.UUID
}

// Publish upserts each event's topic and inserts the events, then wakes
// every matching event-wait once per topic using that topic's *last*
// inserted event, using FOR UPDATE SKIP LOCKED on the wait row so concurrent
// publishers serialise cleanly. A single call can carry several events on
// the same topic; only the newest one's payload is what a waiter resumes
// with.
func (evs *EventStore) Publish(ctx context.Context, in PublishInput) ([]int64, error) {
	if in.Durable && in.SourceExecutionID == nil {
		return nil, orcherrors.BadRequest("durable events require a source_execution_id", nil)
	}

	type lastEvent struct {
		id        uuid.UUID
		seqID     int64
		eventType *string
		data      []byte
		createdAt time.Time
	}

	var sequenceIDs []int64
	err := withScope(ctx, evs.s.API, in.ProjectID, func(tx pgx.Tx) error {
		last := map[string]lastEvent{}
		for _, e := range in.Events {
			if _, err := tx.Exec(ctx, `
				insert into event_topics (topic, project_id, created_at) values ($1,$2,now())
				on conflict (topic, project_id) do nothing`, e.Topic, in.ProjectID); err != nil {
				return fmt.Errorf("ensure event topic: %w", err)
			}

			var id uuid.UUID
			var seqID int64
			var createdAt time.Time
			err := tx.QueryRow(ctx, `
				insert into events (id, project_id, topic, event_type, data, durable, source_execution_id, root_execution_id, created_at)
				values (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7, now())
				returning id, sequence_id, created_at`,
				in.ProjectID, e.Topic, e.EventType, e.Data, in.Durable, in.SourceExecutionID, in.RootExecutionID).
				Scan(&id, &seqID, &createdAt)
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			sequenceIDs = append(sequenceIDs, seqID)
			last[e.Topic] = lastEvent{id: id, seqID: seqID, eventType: e.EventType, data: e.Data, createdAt: createdAt}
		}

		for topic, le := range last {
			if err := wakeEventWaiters(ctx, tx, topic, le.id, le.seqID, le.eventType, le.data, le.createdAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sequenceIDs, nil
}

func wakeEventWaiters(ctx context.Context, tx pgx.Tx, topic string, eventID uuid.UUID, seqID int64, eventType *string, data []byte, createdAt time.Time) error {
	rows, err := tx.Query(ctx, `
		select execution_id, step_key from wait_steps
		where wait_type = 'event' and wait_topic = $1
		for update skip locked`, topic)
	if err != nil {
		return fmt.Errorf("select event waiters: %w", err)
	}
	type waiter struct {
		executionID uuid.UUID
		stepKey     string
	}
	var waiters []waiter
	for rows.Next() {
		var w waiter
		if err := rows.Scan(&w.executionID, &w.stepKey); err != nil {
			rows.Close()
			return err
		}
		waiters = append(waiters, w)
	}
	rows.Close()

	payload, _ := json.Marshal(map[string]any{
		"id": eventID, "sequence_id": seqID, "topic": topic,
		"event_type": eventType, "data": json.RawMessage(data), "created_at": createdAt,
	})

	for _, w := range waiters {
		if err := storeResumeStepOutput(ctx, tx, w.executionID, w.stepKey, payload, true); err != nil {
			return err
		}
		if err := resumeExecution(ctx, tx, w.executionID, w.stepKey); err != nil {
			return err
		}
	}
	return nil
}

// GetEvents returns events newer than the cursor, ordered ascending.
// lastSequenceID takes precedence over lastTimestamp when both are set.
func (evs *EventStore) GetEvents(ctx context.Context, projectID uuid.UUID, topic string, lastSequenceID *int64, lastTimestamp *time.Time, limit int) ([]models.Event, error) {
	var events []models.Event
	err := withScope(ctx, evs.s.API, projectID, func(tx pgx.Tx) error {
		var rows pgx.Rows
		var err error
		switch {
		case lastSequenceID != nil:
			rows, err = tx.Query(ctx, `
				select id, project_id, sequence_id, topic, event_type, data, created_at, durable, source_execution_id, root_execution_id
				from events where topic=$1 and sequence_id > $2 order by sequence_id asc limit $3`, topic, *lastSequenceID, limit)
		case lastTimestamp != nil:
			rows, err = tx.Query(ctx, `
				select id, project_id, sequence_id, topic, event_type, data, created_at, durable, source_execution_id, root_execution_id
				from events where topic=$1 and created_at > $2 order by sequence_id asc limit $3`, topic, *lastTimestamp, limit)
		default:
			rows, err = tx.Query(ctx, `
				select id, project_id, sequence_id, topic, event_type, data, created_at, durable, source_execution_id, root_execution_id
				from events where topic=$1 order by sequence_id asc limit $2`, topic, limit)
		}
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e models.Event
			if err := rows.Scan(&e.ID, &e.ProjectID, &e.SequenceID, &e.Topic, &e.EventType, &e.Data, &e.CreatedAt, &e.Durable, &e.SourceExecutionID, &e.RootExecutionID); err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// TopicForWorkflowRun returns the canonical streaming topic for an
// execution id.
func TopicForWorkflowRun(executionID uuid.UUID) string {
	return fmt.Sprintf("workflow:%s", executionID)
}
