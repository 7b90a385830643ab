package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/polos-dev/orchestrator/internal/models"
	"github.com/polos-dev/orchestrator/internal/store"
	"github.com/polos-dev/orchestrator/pkg/pushclient"
)

type Workers struct {
	store  *store.Store
	client *pushclient.Client
}

func NewWorkers(st *store.Store, client *pushclient.Client) *Workers {
	return &Workers{store: st, client: client}
}

func (w *Workers) Register(ctx context.Context, in store.RegisterWorkerInput) (*models.Worker, error) {
	return w.store.Workers.Register(ctx, in)
}

func (w *Workers) MarkOnline(ctx context.Context, projectID, id uuid.UUID) error {
	return w.store.Workers.MarkOnline(ctx, projectID, id)
}

func (w *Workers) Heartbeat(ctx context.Context, projectID, id uuid.UUID) (store.HeartbeatResult, error) {
	return w.store.Workers.Heartbeat(ctx, projectID, id)
}

// PushCancel notifies a worker that an execution it held has moved to
// pending_cancel, used by both the cancel handler's immediate fan-out and
// the pending-cancel propagator reconciler.
func (w *Workers) PushCancel(ctx context.Context, pushEndpointURL string, executionID uuid.UUID) (pushclient.CancelResult, error) {
	return w.client.Cancel(ctx, pushEndpointURL, executionID)
}

// StaleCleanup runs the 60s stale-worker reconciler tick (§4.2).
func (w *Workers) StaleCleanup(ctx context.Context) error {
	return w.store.Workers.StaleCleanup(ctx)
}
