package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type QueueStore struct{ s *Store }

// EnsureQueue auto-provisions (name, deployment_id, project_id) with the
// requested concurrency limit if it does not already exist. An existing
// queue's limit is left untouched.
func (qs *QueueStore) EnsureQueue(ctx context.Context, tx pgx.Tx, name string, deploymentID, projectID uuid.UUID, limit *int) error {
	_, err := tx.Exec(ctx, `
		insert into queues (name, deployment_id, project_id, concurrency_limit, created_at)
		values ($1,$2,$3,$4,now())
		on conflict (name, deployment_id, project_id) do nothing`,
		name, deploymentID, projectID, limit)
	if err != nil {
		return fmt.Errorf("ensure queue: %w", err)
	}
	return nil
}

// EnsureQueueScoped is the standalone variant of EnsureQueue that opens its
// own project-scoped transaction, for callers not already inside one.
func (qs *QueueStore) EnsureQueueScoped(ctx context.Context, name string, deploymentID, projectID uuid.UUID, limit *int) error {
	return withScope(ctx, qs.s.API, projectID, func(tx pgx.Tx) error {
		return qs.EnsureQueue(ctx, tx, name, deploymentID, projectID, limit)
	})
}
