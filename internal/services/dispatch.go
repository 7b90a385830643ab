package services

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/polos-dev/orchestrator/internal/store"
	"github.com/polos-dev/orchestrator/pkg/pushclient"
	"github.com/polos-dev/orchestrator/pkg/scheduler"
)

// Dispatch is the push dispatcher (§4.3): it claims one queued execution
// and one eligible worker per database transaction, then performs the
// outbound HTTP push outside that transaction, reconciling the assignment
// by the push outcome. Outbound pushes run through a bounded scheduler so
// a burst of claims cannot open unbounded concurrent HTTP connections to
// workers.
type Dispatch struct {
	store     *store.Store
	client    *pushclient.Client
	sched     *scheduler.Scheduler
	log       *zap.Logger
	trigger   chan struct{}
	tickEvery time.Duration
	idleSleep time.Duration
}

func NewDispatch(st *store.Store, client *pushclient.Client, concurrency int, log *zap.Logger) *Dispatch {
	return &Dispatch{
		store:     st,
		client:    client,
		sched:     scheduler.NewScheduler(concurrency),
		log:       log.Named("dispatch"),
		trigger:   make(chan struct{}, 1),
		tickEvery: 200 * time.Millisecond,
		idleSleep: 15 * time.Millisecond,
	}
}

// Trigger requests an immediate dispatch pass without blocking; it is safe
// to call from any goroutine, including inside a store transaction's
// caller. Every submit, every completion/failure that resumes a parent,
// every failure requeued for retry, every fired schedule and every
// processed event trigger call this; the background tick in Run drains
// without going through it.
func (d *Dispatch) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled. It wakes on the
// fixed tick or on an explicit Trigger, whichever comes first, and keeps
// claiming and pushing until there is no more work.
func (d *Dispatch) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.sched.Close()
			return
		case <-ticker.C:
			d.drain(ctx)
		case <-d.trigger:
			d.drain(ctx)
		}
	}
}

func (d *Dispatch) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		assignment, err := d.store.Executions.ClaimNext(ctx)
		if err != nil {
			d.log.Error("claim next execution", zap.Error(err))
			time.Sleep(d.idleSleep)
			return
		}
		if assignment == nil {
			return
		}

		a := assignment
		d.sched.AddWork(func(ctx context.Context) (any, error) {
			d.push(ctx, a)
			return nil, nil
		})
		time.Sleep(d.idleSleep)
	}
}

func (d *Dispatch) push(ctx context.Context, a *store.Assignment) {
	outcome, err := d.client.Push(ctx, a.PushEndpointURL, a.WorkerID, map[string]any{
		"worker_id":           a.WorkerID,
		"execution_id":        a.ExecutionID,
		"workflow_id":         a.WorkflowID,
		"deployment_id":       a.DeploymentID,
		"payload":             a.Payload,
		"parent_execution_id": a.ParentExecutionID,
		"root_execution_id":   a.RootExecutionID,
		"root_workflow_id":    a.RootWorkflowID,
		"step_key":            a.StepKey,
		"retry_count":         a.RetryCount,
		"created_at":          a.CreatedAt,
		"session_id":          a.SessionID,
		"user_id":             a.UserID,
		"otel_traceparent":    a.TraceParent,
		"otel_span_id":        a.SpanID,
		"initial_state":       json.RawMessage(a.InitialState),
		"run_timeout_seconds": a.RunTimeoutSeconds,
	})
	if err != nil {
		d.log.Error("push execution", zap.String("execution_id", a.ExecutionID.String()), zap.Error(err))
	}

	switch outcome {
	case pushclient.OutcomeAccepted:
		if err := d.store.Workers.MarkRunning(ctx, a.ExecutionID, a.WorkerID); err != nil {
			d.log.Error("mark execution running", zap.Error(err))
		}
	case pushclient.OutcomeOverloaded:
		if err := d.store.Workers.ReportOverloaded(ctx, a.ExecutionID, a.WorkerID); err != nil {
			d.log.Error("rollback overloaded assignment", zap.Error(err))
		}
	case pushclient.OutcomeFailed:
		if err := d.store.Workers.ReportPushFailureAndRollback(ctx, a.ExecutionID, a.WorkerID); err != nil {
			d.log.Error("rollback failed assignment", zap.Error(err))
		}
	}
}
