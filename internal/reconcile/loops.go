package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/polos-dev/orchestrator/pkg/pushclient"
)

func (r *Reconciler) tickStaleWorkers(ctx context.Context) error {
	return r.workers.StaleCleanup(ctx)
}

func (r *Reconciler) tickExpiredWaits(ctx context.Context) error {
	_, err := r.wait.ResumeExpired(ctx)
	return err
}

func (r *Reconciler) tickEventWaitFallback(ctx context.Context) error {
	_, err := r.wait.EventWaitFallback(ctx)
	return err
}

func (r *Reconciler) tickSubworkflowFallback(ctx context.Context) error {
	return r.wait.ReconcileSubworkflows(ctx)
}

func (r *Reconciler) tickEventTriggers(ctx context.Context) error {
	_, err := r.triggers.ProcessOne(ctx)
	return err
}

func (r *Reconciler) tickSchedules(ctx context.Context) error {
	_, err := r.schedules.FireDue(ctx)
	return err
}

func (r *Reconciler) tickTimeouts(ctx context.Context) error {
	timedOut, err := r.executions.ListTimedOutRunning(ctx)
	if err != nil {
		return err
	}
	for _, t := range timedOut {
		if _, err := r.executions.Cancel(ctx, t.ProjectID, t.ExecutionID, "timeout"); err != nil {
			r.log.Error("cancel timed out execution", zap.String("execution_id", t.ExecutionID.String()), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) tickPendingCancel(ctx context.Context) error {
	rows, err := r.executions.ListPendingCancel(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.AssignedWorker == nil || row.PushEndpointURL == nil {
			if row.OlderThanTwoMin {
				if err := r.executions.MarkCancelled(ctx, row.ExecutionID); err != nil {
					r.log.Error("force cancel unassigned execution", zap.Error(err))
				}
			}
			continue
		}

		result, err := r.workers.PushCancel(ctx, *row.PushEndpointURL, row.ExecutionID)
		if err != nil {
			r.log.Error("push cancel", zap.String("execution_id", row.ExecutionID.String()), zap.Error(err))
		}

		switch result {
		case pushclient.CancelGone:
			if err := r.executions.MarkCancelled(ctx, row.ExecutionID); err != nil {
				r.log.Error("force cancel gone execution", zap.Error(err))
			}
		case pushclient.CancelUnreachable:
			if row.OlderThanTwoMin {
				if err := r.executions.MarkCancelled(ctx, row.ExecutionID); err != nil {
					r.log.Error("force cancel unreachable execution", zap.Error(err))
				}
			}
		case pushclient.CancelAcknowledged:
			// worker will call confirm-cancellation itself.
		}
	}
	return nil
}

func (r *Reconciler) tickRetention(ctx context.Context) error {
	_, err := r.executions.RetentionGC(ctx, r.cfg.RetentionMaxAge)
	return err
}
