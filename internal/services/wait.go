package services

import (
	"context"

	"github.com/polos-dev/orchestrator/internal/store"
)

// Wait wraps the wait-step reconciler operations used by the background
// loops; it has no interactive endpoints of its own (set_waiting lives on
// Executions since it is a worker-initiated state transition).
type Wait struct {
	store *store.Store
}

func NewWait(st *store.Store) *Wait {
	return &Wait{store: st}
}

// ResumeExpired resumes one expired time or event wait, if any is ready.
func (w *Wait) ResumeExpired(ctx context.Context) (bool, error) {
	return w.store.Wait.ResumeOneExpired(ctx)
}

// EventWaitFallback resumes every event wait whose topic already has a
// matching published event, independent of expiry. It closes the narrow
// race between a publish call's wake pass and a waiter committing its
// wait_steps row just after.
func (w *Wait) EventWaitFallback(ctx context.Context) (int, error) {
	return w.store.Wait.EventWaitFallback(ctx)
}

// ReconcileSubworkflows is the safety net for subworkflow waits whose
// inline resume under propagateToParent did not happen (e.g. the
// orchestrator crashed between the last child's completion and the
// parent's resume).
func (w *Wait) ReconcileSubworkflows(ctx context.Context) error {
	return w.store.Wait.SubworkflowReconcile(ctx)
}
