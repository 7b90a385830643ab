package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
)

type Events struct {
	store *store.Store
}

func NewEvents(st *store.Store) *Events {
	return &Events{store: st}
}

type PublishRequest struct {
	ProjectID         uuid.UUID
	Topic             string
	Events            []PublishEventItem
	Durable           bool
	SourceExecutionID *uuid.UUID
	RootExecutionID   *uuid.UUID
}

type PublishEventItem struct {
	EventType *string
	Data      []byte
}

func (e *Events) Publish(ctx context.Context, req PublishRequest) ([]int64, error) {
	items := make([]store.PublishEvent, 0, len(req.Events))
	for _, it := range req.Events {
		items = append(items, store.PublishEvent{Topic: req.Topic, EventType: it.EventType, Data: it.Data})
	}
	return e.store.Events.Publish(ctx, store.PublishInput{
		ProjectID: req.ProjectID, Events: items, Durable: req.Durable,
		SourceExecutionID: req.SourceExecutionID, RootExecutionID: req.RootExecutionID,
	})
}

func (e *Events) GetEvents(ctx context.Context, projectID uuid.UUID, topic string, lastSequenceID *int64, lastTimestamp *time.Time, limit int) ([]models.Event, error) {
	return e.store.Events.GetEvents(ctx, projectID, topic, lastSequenceID, lastTimestamp, limit)
}

// StreamSession drives the polling loop behind the SSE endpoint: a 50ms
// base poll tightened to nothing special and widened to 200ms once the
// bound execution is observed completed, terminating with an error frame
// if the bound execution fails.
type StreamSession struct {
	events          *Events
	projectID       uuid.UUID
	topic           string
	boundExecution  *uuid.UUID
	cursorSeq       *int64
	cursorTimestamp *time.Time
}

func (e *Events) NewStreamSession(projectID uuid.UUID, topic string, boundExecution *uuid.UUID, cursorSeq *int64, cursorTimestamp *time.Time) *StreamSession {
	return &StreamSession{
		events: e, projectID: projectID, topic: topic,
		boundExecution: boundExecution, cursorSeq: cursorSeq, cursorTimestamp: cursorTimestamp,
	}
}

// Frame is one SSE payload the handler should write.
type Frame struct {
	Keepalive bool
	Error     *string
	Event     *models.Event
	Terminal  bool
}

// pollInterval reports the base 50ms cadence, widened to 200ms once the
// bound execution has reached completed.
func (s *StreamSession) pollInterval(executionCompleted bool) time.Duration {
	if executionCompleted {
		return 200 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// Poll fetches new events since the session's cursor, advancing it, and
// checks the bound execution's terminal status when one is set.
func (s *StreamSession) Poll(ctx context.Context, executions *Executions) ([]Frame, time.Duration, error) {
	events, err := s.events.GetEvents(ctx, s.projectID, s.topic, s.cursorSeq, s.cursorTimestamp, 100)
	if err != nil {
		return nil, s.pollInterval(false), err
	}

	var frames []Frame
	for i := range events {
		ev := events[i]
		frames = append(frames, Frame{Event: &ev})
		s.cursorSeq = &ev.SequenceID
	}

	executionCompleted := false
	if s.boundExecution != nil {
		exec, err := executions.Get(ctx, s.projectID, *s.boundExecution)
		if err == nil {
			switch exec.Status {
			case models.ExecutionCompleted:
				executionCompleted = true
			case models.ExecutionFailed:
				msg := "execution failed"
				if exec.Error != nil {
					msg = *exec.Error
				}
				frames = append(frames, Frame{Error: &msg, Terminal: true})
				return frames, 0, nil
			}
		}
	}

	if len(frames) == 0 {
		frames = append(frames, Frame{Keepalive: true})
	}
	return frames, s.pollInterval(executionCompleted), nil
}
