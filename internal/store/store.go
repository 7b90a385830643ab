// Package store implements the Postgres-backed persistence layer. Every
// exported method takes a project id (or the admin escape) and scopes its
// queries to that tenant via a per-transaction session variable.
package store

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sq is the shared query builder, configured for Postgres's $N placeholder
// style.
var sq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Store bundles the three logical connection pools recommended by the
// concurrency model: one for short interactive API calls, one sized for
// long-lived SSE/long-poll streams, and one for background reconciler
// loops, so that neither slow streams nor reconcilers can starve
// interactive writes.
type Store struct {
	API         *pgxpool.Pool
	Stream      *pgxpool.Pool
	Reconcile   *pgxpool.Pool

	Executions    *ExecutionStore
	Workers       *WorkerStore
	Queues        *QueueStore
	Wait          *WaitStore
	Events        *EventStore
	EventTriggers *EventTriggerStore
	Schedules     *ScheduleStore
	Registry      *RegistryStore
}

// Config groups the three pool connection strings. All three typically
// point at the same database; splitting them lets an operator size each
// pool independently.
type Config struct {
	APIDSN       string
	StreamDSN    string
	ReconcileDSN string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	api, err := pgxpool.New(ctx, cfg.APIDSN)
	if err != nil {
		return nil, fmt.Errorf("connect api pool: %w", err)
	}
	stream, err := pgxpool.New(ctx, cfg.StreamDSN)
	if err != nil {
		return nil, fmt.Errorf("connect stream pool: %w", err)
	}
	reconcile, err := pgxpool.New(ctx, cfg.ReconcileDSN)
	if err != nil {
		return nil, fmt.Errorf("connect reconcile pool: %w", err)
	}

	s := &Store{API: api, Stream: stream, Reconcile: reconcile}
	s.Executions = &ExecutionStore{s: s}
	s.Workers = &WorkerStore{s: s}
	s.Queues = &QueueStore{s: s}
	s.Wait = &WaitStore{s: s}
	s.Events = &EventStore{s: s}
	s.EventTriggers = &EventTriggerStore{s: s}
	s.Schedules = &ScheduleStore{s: s}
	s.Registry = &RegistryStore{s: s}
	return s, nil
}

func (s *Store) Close() {
	s.API.Close()
	s.Stream.Close()
	s.Reconcile.Close()
}
