package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/techops-services/keeperhub-sub010/engine/schedule"
)

const selectScheduleByID = "SELECT id, workflow_id, kind, expr, disabled, created_at, updated_at " +
	"FROM schedules WHERE id = $1"

// ScheduleRepo implements schedule.Repository. Schedules are created and
// edited by the platform UI; this worker only reads them.
type ScheduleRepo struct {
	db DB
}

func NewScheduleRepo(db DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

func (r *ScheduleRepo) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	var sched schedule.Schedule
	if err := pgxscan.Get(ctx, r.db, &sched, selectScheduleByID, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, schedule.ErrNotFound
		}
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}
	return &sched, nil
}
