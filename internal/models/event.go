package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is an append-only record on a topic; SequenceID is assigned by a
// database sequence and is strictly monotone within a topic.
type Event struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	SequenceID int64
	Topic      string
	EventType  *string
	Data       []byte
	CreatedAt  time.Time

	Durable           bool
	SourceExecutionID *uuid.UUID
	RootExecutionID   *uuid.UUID
}

// EventTopic is lazily created on first publish.
type EventTopic struct {
	Topic     string
	ProjectID uuid.UUID
	CreatedAt time.Time
}

// EventTrigger converts a stream of events on a topic into executions,
// batching by size or timeout.
type EventTrigger struct {
	ID           uuid.UUID
	ProjectID    uuid.UUID
	WorkflowID   uuid.UUID
	DeploymentID uuid.UUID
	EventTopic   string

	BatchSize           int
	BatchTimeoutSeconds *int
	QueueName           string

	LastSequenceID    int64
	LastEventTimestamp *time.Time
	ProcessedAt        *time.Time

	Active bool
}

// Schedule materialises a cron expression's next firing time.
type Schedule struct {
	ID           uuid.UUID
	ProjectID    uuid.UUID
	WorkflowID   uuid.UUID
	DeploymentID uuid.UUID
	Key          string

	CronExpression string
	Timezone       string

	NextRunAt *time.Time
	NextNextRunAt *time.Time

	Status string

	CreatedAt time.Time
	UpdatedAt time.Time
}
