// Package models defines the domain types shared across the store, services,
// and handlers layers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is one of the eight states of the execution state machine.
type ExecutionStatus string

const (
	ExecutionQueued        ExecutionStatus = "queued"
	ExecutionClaimed       ExecutionStatus = "claimed"
	ExecutionRunning       ExecutionStatus = "running"
	ExecutionWaiting       ExecutionStatus = "waiting"
	ExecutionCompleted     ExecutionStatus = "completed"
	ExecutionFailed        ExecutionStatus = "failed"
	ExecutionPendingCancel ExecutionStatus = "pending_cancel"
	ExecutionCancelled     ExecutionStatus = "cancelled"
)

// Terminal reports whether status is a terminal state from which no
// transition in the state machine is allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Execution is the central entity: a single run of a workflow, agent, or
// tool, identified by id and scoped to a project.
type Execution struct {
	ID        uuid.UUID
	ProjectID uuid.UUID

	ParentExecutionID *uuid.UUID
	RootExecutionID   *uuid.UUID

	WorkflowID   uuid.UUID
	DeploymentID uuid.UUID

	Payload      []byte
	Result       []byte
	Error        *string
	InitialState []byte
	FinalState   []byte

	QueueName      string
	ConcurrencyKey *string

	BatchID *uuid.UUID

	CreatedAt   time.Time
	QueuedAt    *time.Time
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	RetryCount       int
	AssignedToWorker *uuid.UUID
	AssignedAt       *time.Time
	RunTimeoutSeconds *int

	SessionID *string
	UserID    *uuid.UUID
	StepKey   *string

	TraceParent *string
	SpanID      *string

	CancelledBy *string

	Status ExecutionStatus
}

// TraceID returns the execution id with hyphens stripped, the convention
// used to correlate observability spans with an execution.
func (e *Execution) TraceID() string {
	b := [32]byte{}
	raw := e.ID.String()
	n := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == '-' {
			continue
		}
		b[n] = raw[i]
		n++
	}
	return string(b[:n])
}

// SubmitOptions carries the optional fields accepted by Submit.
type SubmitOptions struct {
	DeploymentID      *uuid.UUID
	QueueName         *string
	ConcurrencyLimit  *int
	ConcurrencyKey    *string
	BatchID           *uuid.UUID
	ParentExecutionID *uuid.UUID
	StepKey           *string
	WaitForSubworkflow bool
	SessionID         *string
	UserID            *uuid.UUID
	RunTimeoutSeconds *int
	TraceParent       *string
	SpanID            *string
}

// WaitType distinguishes the three kinds of suspension an execution can be
// in; an approval wait is an event wait.
type WaitType string

const (
	WaitTime        WaitType = "time"
	WaitEvent       WaitType = "event"
	WaitSubworkflow WaitType = "subworkflow"
)

// WaitStep is the suspended-point record for one (execution_id, step_key).
type WaitStep struct {
	ExecutionID uuid.UUID
	StepKey     string
	WaitType    *WaitType

	WaitUntil *time.Time

	WaitTopic *string
	ExpiresAt *time.Time

	Metadata []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepOutput is the per-step record written on a parent when a child step
// (a direct call or a sub-workflow) resolves.
type StepOutput struct {
	ExecutionID        uuid.UUID
	StepKey            string
	Outputs            []byte
	Error              *string
	Success            *bool
	SourceExecutionID  *uuid.UUID
	OutputSchemaName   *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
