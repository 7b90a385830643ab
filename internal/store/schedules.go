package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/polos-dev/orchestrator/internal/models"
	orcherrors "github.com/polos-dev/orchestrator/pkg/errors"
)

type ScheduleStore struct{ s *Store }

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type CreateOrUpdateScheduleInput struct {
	ProjectID      uuid.UUID
	WorkflowID     uuid.UUID
	DeploymentID   uuid.UUID
	Key            string
	CronExpression string
	Timezone       string
}

// CreateOrUpdateSchedule validates the 5-field cron expression and IANA
// timezone, auto-provisions the schedule's queue, and upserts the row on
// (workflow_id, project_id, key).
func (ss *ScheduleStore) CreateOrUpdateSchedule(ctx context.Context, in CreateOrUpdateScheduleInput) (*models.Schedule, error) {
	schedule, err := cronParser.Parse(in.CronExpression)
	if err != nil {
		return nil, orcherrors.BadRequest("invalid cron expression", err)
	}
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return nil, orcherrors.BadRequest("invalid timezone", err)
	}

	now := time.Now().In(loc)
	next := schedule.Next(now)
	nextNext := schedule.Next(next)

	s := &models.Schedule{
		ID: uuid.New(), ProjectID: in.ProjectID, WorkflowID: in.WorkflowID, DeploymentID: in.DeploymentID,
		Key: in.Key, CronExpression: in.CronExpression, Timezone: in.Timezone,
		NextRunAt: &next, NextNextRunAt: &nextNext, Status: "active",
	}

	err = withScope(ctx, ss.s.API, in.ProjectID, func(tx pgx.Tx) error {
		if err := ss.s.Queues.EnsureQueue(ctx, tx, in.WorkflowID.String(), in.DeploymentID, in.ProjectID, nil); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			insert into schedules (id, project_id, workflow_id, deployment_id, key, cron_expression, timezone,
				next_run_at, next_next_run_at, status, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
			on conflict (workflow_id, project_id, key) do update set
				deployment_id=excluded.deployment_id, cron_expression=excluded.cron_expression,
				timezone=excluded.timezone, next_run_at=excluded.next_run_at,
				next_next_run_at=excluded.next_next_run_at, status='active', updated_at=now()
			returning id, created_at, updated_at`,
			s.ID, s.ProjectID, s.WorkflowID, s.DeploymentID, s.Key, s.CronExpression, s.Timezone,
			s.NextRunAt, s.NextNextRunAt, s.Status)
		return row.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("create or update schedule: %w", err)
	}
	return s, nil
}

func (ss *ScheduleStore) ListForWorkflow(ctx context.Context, projectID, workflowID uuid.UUID) ([]models.Schedule, error) {
	var out []models.Schedule
	err := withScope(ctx, ss.s.API, projectID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			select id, project_id, workflow_id, deployment_id, key, cron_expression, timezone,
				next_run_at, next_next_run_at, status, created_at, updated_at
			from schedules where workflow_id=$1 order by created_at asc`, workflowID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s models.Schedule
			if err := rows.Scan(&s.ID, &s.ProjectID, &s.WorkflowID, &s.DeploymentID, &s.Key, &s.CronExpression, &s.Timezone,
				&s.NextRunAt, &s.NextNextRunAt, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FireOne locks one due, active schedule with no in-flight execution for
// its (workflow_id, deployment_id), submits an execution, and advances
// next_run_at/next_next_run_at using the cron iterator in the schedule's
// timezone.
func (ss *ScheduleStore) FireOne(ctx context.Context, submit func(ctx context.Context, tx pgx.Tx, s models.Schedule) error) (bool, error) {
	fired := false
	err := withAdminScope(ctx, ss.s.Reconcile, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			select s.id, s.project_id, s.workflow_id, s.deployment_id, s.key, s.cron_expression, s.timezone
			from schedules s
			where s.status = 'active' and s.next_run_at <= now()
			  and not exists (
				select 1 from workflow_executions x
				where x.workflow_id = s.workflow_id and x.deployment_id = s.deployment_id
				  and x.status in ('queued','claimed','running')
			  )
			for update of s skip locked
			limit 1`)

		var s models.Schedule
		if err := row.Scan(&s.ID, &s.ProjectID, &s.WorkflowID, &s.DeploymentID, &s.Key, &s.CronExpression, &s.Timezone); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("select due schedule: %w", err)
		}

		if err := submit(ctx, tx, s); err != nil {
			return fmt.Errorf("submit scheduled execution: %w", err)
		}

		parsed, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return fmt.Errorf("reparse schedule cron: %w", err)
		}
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return fmt.Errorf("reload schedule timezone: %w", err)
		}
		now := time.Now().In(loc)
		next := parsed.Next(now)
		nextNext := parsed.Next(next)

		if _, err := tx.Exec(ctx, `update schedules set next_run_at=$2, next_next_run_at=$3, updated_at=now() where id=$1`,
			s.ID, next, nextNext); err != nil {
			return fmt.Errorf("advance schedule: %w", err)
		}
		fired = true
		return nil
	})
	return fired, err
}
