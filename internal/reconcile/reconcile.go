// Package reconcile runs the background loops that guarantee liveness when
// workers crash or sub-results arrive out of order (§4.6). Each loop is an
// independent goroutine on its own ticker; every loop is idempotent and
// relies on SKIP LOCKED in the store layer to coexist safely with other
// orchestrator instances running the same loops concurrently.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/polos-dev/orchestrator/internal/services"
)

// Periods are the defaults from §4.6; all are parameterisable via Config.
type Config struct {
	StaleWorkerCleanup     time.Duration
	ExpiredWaits           time.Duration
	EventWaitFallback      time.Duration
	SubworkflowReconcile   time.Duration
	EventTriggerProcessor  time.Duration
	ScheduleFiring         time.Duration
	ExecutionTimeout       time.Duration
	PendingCancelPropagate time.Duration
	RetentionGC            time.Duration
	RetentionMaxAge        time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleWorkerCleanup:     60 * time.Second,
		ExpiredWaits:           5 * time.Second,
		EventWaitFallback:      2 * time.Second,
		SubworkflowReconcile:   10 * time.Second,
		EventTriggerProcessor:  2 * time.Second,
		ScheduleFiring:         5 * time.Second,
		ExecutionTimeout:       30 * time.Second,
		PendingCancelPropagate: 5 * time.Second,
		RetentionGC:            time.Hour,
		RetentionMaxAge:        30 * 24 * time.Hour,
	}
}

// Reconciler owns every background loop. The push dispatcher's own loop
// lives in services.Dispatch.Run and is started separately by the caller,
// since it additionally accepts a Trigger channel from the API handlers.
type Reconciler struct {
	cfg        Config
	workers    *services.Workers
	wait       *services.Wait
	events     *services.Events
	triggers   *services.EventTriggers
	schedules  *services.Schedules
	executions *services.Executions
	log        *zap.Logger
}

func New(cfg Config, workers *services.Workers, wait *services.Wait, events *services.Events, triggers *services.EventTriggers, schedules *services.Schedules, executions *services.Executions, log *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg: cfg, workers: workers, wait: wait, events: events,
		triggers: triggers, schedules: schedules, executions: executions,
		log: log.Named("reconcile"),
	}
}

// Run launches all loops and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	loops := []struct {
		name   string
		period time.Duration
		tick   func(ctx context.Context) error
	}{
		{"stale_worker_cleanup", r.cfg.StaleWorkerCleanup, r.tickStaleWorkers},
		{"expired_waits", r.cfg.ExpiredWaits, r.tickExpiredWaits},
		{"event_wait_fallback", r.cfg.EventWaitFallback, r.tickEventWaitFallback},
		{"subworkflow_reconcile", r.cfg.SubworkflowReconcile, r.tickSubworkflowFallback},
		{"event_trigger_processor", r.cfg.EventTriggerProcessor, r.tickEventTriggers},
		{"schedule_firing", r.cfg.ScheduleFiring, r.tickSchedules},
		{"execution_timeout_monitor", r.cfg.ExecutionTimeout, r.tickTimeouts},
		{"pending_cancel_propagator", r.cfg.PendingCancelPropagate, r.tickPendingCancel},
		{"retention_gc", r.cfg.RetentionGC, r.tickRetention},
	}

	for _, loop := range loops {
		go r.runLoop(ctx, loop.name, loop.period, loop.tick)
	}
	<-ctx.Done()
}

// runLoop never lets a tick's error escape: reconcilers log and continue,
// per the error-propagation policy (background loops never propagate).
func (r *Reconciler) runLoop(ctx context.Context, name string, period time.Duration, tick func(ctx context.Context) error) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				r.log.Error("reconciler tick failed", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}
