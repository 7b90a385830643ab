package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkerMode distinguishes push-dispatched workers from legacy long-poll
// pull workers.
type WorkerMode string

const (
	WorkerModePush WorkerMode = "push"
	WorkerModePull WorkerMode = "pull"
)

// WorkerStatus is the liveness state tracked by the stale-worker reconciler.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a remote HTTP endpoint owned by a client, bound to exactly one
// deployment at a time.
type Worker struct {
	ID                  uuid.UUID
	ProjectID           uuid.UUID
	CurrentDeploymentID uuid.UUID

	Mode            WorkerMode
	PushEndpointURL string

	MaxConcurrentExecutions int
	CurrentExecutionCount   int

	Status        WorkerStatus
	LastHeartbeat *time.Time

	PushFailureCount     int
	PushFailureThreshold int
	LastPushAttemptAt    *time.Time

	CreatedAt time.Time
}

// Queue is a named per-deployment FIFO with an optional concurrency limit.
type Queue struct {
	Name             string
	DeploymentID     uuid.UUID
	ProjectID        uuid.UUID
	ConcurrencyLimit *int
	CreatedAt        time.Time
}

// Deployment is a versioned bundle of workflows belonging to one project.
type Deployment struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	CreatedAt time.Time
}

// DeploymentWorkflow is a registry row binding a workflow name to a
// deployment.
type DeploymentWorkflow struct {
	ID           uuid.UUID
	DeploymentID uuid.UUID
	ProjectID    uuid.UUID
	WorkflowID   uuid.UUID
	Name         string
	Definition   []byte
	CreatedAt    time.Time
}

// AgentDefinition is a registry row describing an agent shape hosted by a
// deployment.
type AgentDefinition struct {
	ID           uuid.UUID
	DeploymentID uuid.UUID
	ProjectID    uuid.UUID
	Name         string
	Definition   []byte
	CreatedAt    time.Time
}

// ToolDefinition is a registry row describing a tool shape hosted by a
// deployment.
type ToolDefinition struct {
	ID           uuid.UUID
	DeploymentID uuid.UUID
	ProjectID    uuid.UUID
	Name         string
	Definition   []byte
	CreatedAt    time.Time
}
