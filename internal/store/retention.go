package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RetentionGC deletes executions (and their step_outputs, wait_steps via FK
// cascade) whose root completed or failed more than olderThan ago.
func (es *ExecutionStore) RetentionGC(ctx context.Context, olderThan time.Duration) (int64, error) {
	var deleted int64
	err := withAdminScope(ctx, es.s.Reconcile, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			delete from workflow_executions e
			where e.root_execution_id is null
			  and e.status in ('completed','failed')
			  and e.completed_at < now() - $1::interval`, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
		if err != nil {
			return fmt.Errorf("retention gc: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
