package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

// Executions implements the execution state machine operations on top of
// the store, auto-resolving the deployment and queue defaults and
// signalling the dispatcher after every state change that might make new
// work dispatchable.
type Executions struct {
	store    *store.Store
	dispatch *Dispatch
}

func NewExecutions(st *store.Store, dispatch *Dispatch) *Executions {
	return &Executions{store: st, dispatch: dispatch}
}

type SubmitRequest struct {
	ProjectID  uuid.UUID
	WorkflowID uuid.UUID
	Payload    []byte
	Options    models.SubmitOptions
}

// Submit resolves the target deployment (latest for the project when
// unspecified), the queue name (workflow id when unspecified), and
// delegates to the store. A successful submit always wakes the dispatcher.
func (e *Executions) Submit(ctx context.Context, req SubmitRequest) (*models.Execution, error) {
	deploymentID := uuid.Nil
	if req.Options.DeploymentID != nil {
		deploymentID = *req.Options.DeploymentID
	} else {
		dep, err := e.store.Registry.LatestDeployment(ctx, req.ProjectID)
		if err != nil {
			return nil, orcherrors.BadRequest("no deployment found for project", err)
		}
		deploymentID = dep.ID
	}

	queueName := req.WorkflowID.String()
	if req.Options.QueueName != nil && *req.Options.QueueName != "" {
		queueName = *req.Options.QueueName
	}

	sessionID := req.Options.SessionID
	if req.Options.ParentExecutionID == nil && sessionID == nil {
		s := uuid.New().String()
		sessionID = &s
	} else if req.Options.ParentExecutionID != nil && sessionID == nil {
		parent, err := e.store.Executions.Get(ctx, req.ProjectID, *req.Options.ParentExecutionID)
		if err == nil {
			sessionID = parent.SessionID
			if req.Options.UserID == nil {
				req.Options.UserID = parent.UserID
			}
		}
	}

	exec, err := e.store.Executions.Submit(ctx, store.SubmitInput{
		WorkflowID:         req.WorkflowID,
		DeploymentID:       deploymentID,
		ProjectID:          req.ProjectID,
		Payload:            req.Payload,
		QueueName:          queueName,
		ConcurrencyKey:     req.Options.ConcurrencyKey,
		ConcurrencyLimit:   req.Options.ConcurrencyLimit,
		BatchID:            req.Options.BatchID,
		ParentExecutionID:  req.Options.ParentExecutionID,
		StepKey:            req.Options.StepKey,
		WaitForSubworkflow: req.Options.WaitForSubworkflow,
		SessionID:          sessionID,
		UserID:             req.Options.UserID,
		RunTimeoutSeconds:  req.Options.RunTimeoutSeconds,
		TraceParent:        req.Options.TraceParent,
		SpanID:             req.Options.SpanID,
	})
	if err != nil {
		return nil, err
	}

	e.dispatch.Trigger()
	return exec, nil
}

// SubmitBatch accepts N workflow submissions sharing one batch id; every
// sibling's parent/step_key point at the same (parent, key) so they fold
// into one wait_steps row, and WaitForSubworkflow is forced true on each.
func (e *Executions) SubmitBatch(ctx context.Context, projectID uuid.UUID, items []SubmitRequest, parentExecutionID uuid.UUID, stepKey string) ([]*models.Execution, error) {
	batchID := uuid.New()
	out := make([]*models.Execution, 0, len(items))
	for _, item := range items {
		item.ProjectID = projectID
		item.Options.BatchID = &batchID
		item.Options.ParentExecutionID = &parentExecutionID
		item.Options.StepKey = &stepKey
		item.Options.WaitForSubworkflow = true
		exec, err := e.Submit(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (e *Executions) Get(ctx context.Context, projectID, id uuid.UUID) (*models.Execution, error) {
	return e.store.Executions.Get(ctx, projectID, id)
}

// ProjectIDForExecution resolves an execution's project without requiring
// the caller to already know it (the approval-resolution endpoint).
func (e *Executions) ProjectIDForExecution(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return e.store.Executions.ProjectIDForExecution(ctx, id)
}

func (e *Executions) Complete(ctx context.Context, projectID, id, workerID uuid.UUID, result, finalState []byte) error {
	resumed, err := e.store.Executions.Complete(ctx, projectID, id, workerID, result, finalState)
	if err != nil {
		return err
	}
	if resumed != nil {
		e.dispatch.Trigger()
	}
	return nil
}

func (e *Executions) Fail(ctx context.Context, projectID, id, workerID uuid.UUID, errMsg string, retryable bool, maxRetries int, finalState []byte) (willRetry bool, err error) {
	resumed, willRetry, err := e.store.Executions.Fail(ctx, projectID, id, workerID, errMsg, retryable, maxRetries, finalState)
	if err != nil {
		return false, err
	}
	if willRetry || resumed != nil {
		e.dispatch.Trigger()
	}
	return willRetry, nil
}

func (e *Executions) SetWaiting(ctx context.Context, projectID, id uuid.UUID, stepKey string, waitType models.WaitType, waitUntil *time.Time, waitTopic *string, expiresAt *time.Time) error {
	return e.store.Executions.SetWaiting(ctx, projectID, id, stepKey, waitType, waitUntil, waitTopic, expiresAt)
}

// CancelResult pairs the affected targets with the worker endpoints that
// must now receive /cancel/{id} pushes.
type CancelResult struct {
	Execution *models.Execution
	Targets   []store.CancelTarget
}

func (e *Executions) Cancel(ctx context.Context, projectID, id uuid.UUID, cancelledBy string) (*CancelResult, error) {
	targets, err := e.store.Executions.Cancel(ctx, projectID, id, cancelledBy)
	if err != nil {
		return nil, err
	}
	exec, err := e.store.Executions.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	return &CancelResult{Execution: exec, Targets: targets}, nil
}

func (e *Executions) ConfirmCancellation(ctx context.Context, projectID, id, workerID uuid.UUID) error {
	return e.store.Executions.ConfirmCancellation(ctx, projectID, id, workerID)
}

func (e *Executions) StoreStepOutput(ctx context.Context, projectID, executionID uuid.UUID, stepKey string, outputs []byte, errMsg *string, success *bool, sourceExecutionID *uuid.UUID, outputSchemaName *string) error {
	return e.store.Executions.StoreStepOutput(ctx, projectID, executionID, stepKey, outputs, errMsg, success, sourceExecutionID, outputSchemaName)
}

func (e *Executions) GetStepOutput(ctx context.Context, projectID, executionID uuid.UUID, stepKey string) (*models.StepOutput, error) {
	return e.store.Executions.GetStepOutput(ctx, projectID, executionID, stepKey)
}

func (e *Executions) GetAllStepOutputs(ctx context.Context, projectID, executionID uuid.UUID) ([]models.StepOutput, error) {
	return e.store.Executions.GetAllStepOutputs(ctx, projectID, executionID)
}

// ListTimedOutRunning exposes the store query backing the execution-timeout
// monitor (§4.6) to the reconciler without handing it a raw store handle.
func (e *Executions) ListTimedOutRunning(ctx context.Context) ([]store.TimedOutExecution, error) {
	return e.store.Executions.ListTimedOutRunning(ctx)
}

// ListPendingCancel exposes the store query backing the cancellation
// propagator (§4.6) to the reconciler.
func (e *Executions) ListPendingCancel(ctx context.Context) ([]store.PendingCancelRow, error) {
	return e.store.Executions.ListPendingCancel(ctx)
}

// MarkCancelled force-transitions a pending_cancel execution to cancelled,
// bypassing the worker confirmation handshake (unreachable worker, or the
// 2 minute force-cancel threshold).
func (e *Executions) MarkCancelled(ctx context.Context, executionID uuid.UUID) error {
	return e.store.Executions.MarkCancelled(ctx, executionID)
}

// RetentionGC deletes terminal root executions older than maxAge.
func (e *Executions) RetentionGC(ctx context.Context, maxAge time.Duration) (int64, error) {
	return e.store.Executions.RetentionGC(ctx, maxAge)
}
