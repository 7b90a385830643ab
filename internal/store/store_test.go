package store_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polos-dev/orchestrator/internal/store"
)

// These tests exercise FOR UPDATE SKIP LOCKED claim races, advisory locks,
// jsonb columns and row-level security session variables, none of which a
// lightweight embedded database can stand in for. They run only against a
// real Postgres instance, pointed to by ORCHESTRATOR_TEST_DSN, and are
// skipped otherwise.
func testDSN() string {
	return os.Getenv("ORCHESTRATOR_TEST_DSN")
}

// newTestStore connects all three pools at the test DSN, applying the
// bootstrap schema the first time it is called against an empty database.
// Each test is responsible for cleaning up the rows it creates (see
// truncateAll), since the schema itself is shared across the whole run.
func newTestStore(ctx context.Context) *store.Store {
	dsn := testDSN()

	raw, err := pgxpool.New(ctx, dsn)
	Expect(err).NotTo(HaveOccurred())
	defer raw.Close()

	var exists bool
	err = raw.QueryRow(ctx, "select exists (select 1 from information_schema.tables where table_name = 'workflow_executions')").Scan(&exists)
	Expect(err).NotTo(HaveOccurred())

	if !exists {
		sql, err := os.ReadFile(schemaPath())
		Expect(err).NotTo(HaveOccurred())
		_, err = raw.Exec(ctx, string(sql))
		Expect(err).NotTo(HaveOccurred())
	}

	s, err := store.New(ctx, store.Config{APIDSN: dsn, StreamDSN: dsn, ReconcileDSN: dsn})
	Expect(err).NotTo(HaveOccurred())
	return s
}

// truncateAll resets every table between tests so that each spec starts
// from an empty database without re-running the schema bootstrap.
func truncateAll(ctx context.Context, s *store.Store) {
	_, err := s.API.Exec(ctx, `truncate table
		workflow_executions, wait_steps, step_outputs, workers, queues,
		event_topics, events, event_triggers, schedules,
		deployment_workflows, agent_definitions, tool_definitions, deployments
		restart identity cascade`)
	Expect(err).NotTo(HaveOccurred())
}

func schemaPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations", "schema.sql")
}

func TestStore(t *testing.T) {
	if testDSN() == "" {
		t.Skip("ORCHESTRATOR_TEST_DSN not set, skipping store integration tests")
	}
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store Suite")
}
