package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/execution"
)

const executionColumnsSQL = "id, workflow_id, schedule_id, workflow_version, " +
	"status, trigger_type, trigger_time, started_at, finished_at, input, error"

const stepColumnsSQL = "execution_id, node_id, status, output, error, " +
	"attempts, started_at, finished_at"

// DB is the minimal database interface the repositories depend on
// (pgxpool.Pool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ExecutionRepo implements execution.Repository backed by a pgx-compatible
// pool.
type ExecutionRepo struct {
	db DB
}

func NewExecutionRepo(db DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

// CreateExecution inserts the execution unless a row with the same
// (workflow_id, schedule_id, trigger_time) already exists. The unique
// constraint carries NULLS NOT DISTINCT, so the conflict target also catches
// manual runs with a NULL schedule. The reported bool is the at-most-once
// guarantee: false means another delivery won the insert.
func (r *ExecutionRepo) CreateExecution(ctx context.Context, ex *execution.Execution) (bool, error) {
	input, err := core.ToJSONB(ex.Input)
	if err != nil {
		return false, fmt.Errorf("marshaling input: %w", err)
	}
	errJSON, err := core.ToJSONB(ex.Error)
	if err != nil {
		return false, fmt.Errorf("marshaling error: %w", err)
	}
	query := `
        INSERT INTO executions (id, workflow_id, schedule_id, workflow_version,
            status, trigger_type, trigger_time, input, error)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT ON CONSTRAINT executions_trigger_key DO NOTHING
    `
	tag, err := r.db.Exec(
		ctx,
		query,
		ex.ID,
		ex.WorkflowID,
		ex.ScheduleID,
		ex.WorkflowVersion,
		ex.Status,
		ex.TriggerType,
		ex.TriggerTime,
		input,
		errJSON,
	)
	if err != nil {
		return false, fmt.Errorf("inserting execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateStatus persists the execution's status, timestamps and error. Rows
// already terminal are left untouched, so when a finishing run races the bulk
// cancel during shutdown the first writer wins and the late one is a no-op.
func (r *ExecutionRepo) UpdateStatus(ctx context.Context, ex *execution.Execution) error {
	errJSON, err := core.ToJSONB(ex.Error)
	if err != nil {
		return fmt.Errorf("marshaling error: %w", err)
	}
	query := `
        UPDATE executions
        SET status = $2, started_at = $3, finished_at = $4, error = $5, updated_at = now()
        WHERE id = $1 AND status NOT IN ($6, $7, $8)
    `
	tag, err := r.db.Exec(
		ctx,
		query,
		ex.ID,
		ex.Status,
		ex.StartedAt,
		ex.FinishedAt,
		errJSON,
		core.StatusSuccess,
		core.StatusFailed,
		core.StatusCanceled,
	)
	if err != nil {
		return fmt.Errorf("updating execution status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Zero rows means the execution is missing or already terminal; only the
	// former is an error.
	var status core.StatusType
	row := r.db.QueryRow(ctx, "SELECT status FROM executions WHERE id = $1", ex.ID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.ErrNotFound
		}
		return fmt.Errorf("checking execution status: %w", err)
	}
	return nil
}

// UpsertStep persists one step snapshot under the execution, replacing any
// earlier snapshot of the same node.
func (r *ExecutionRepo) UpsertStep(
	ctx context.Context,
	executionID core.ID,
	step *execution.StepResult,
) error {
	output, err := core.ToJSONB(step.Output)
	if err != nil {
		return fmt.Errorf("marshaling step output: %w", err)
	}
	errJSON, err := core.ToJSONB(step.Error)
	if err != nil {
		return fmt.Errorf("marshaling step error: %w", err)
	}
	query := `
        INSERT INTO execution_steps (execution_id, node_id, status, output,
            error, attempts, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (execution_id, node_id) DO UPDATE SET
            status = $3, output = $4, error = $5, attempts = $6,
            started_at = $7, finished_at = $8, updated_at = now()
    `
	if _, err := r.db.Exec(
		ctx,
		query,
		executionID,
		step.NodeID,
		step.Status,
		output,
		errJSON,
		step.Attempts,
		step.StartedAt,
		step.FinishedAt,
	); err != nil {
		return fmt.Errorf("upserting step %s: %w", step.NodeID, err)
	}
	return nil
}

// GetExecution loads one execution with its step results.
func (r *ExecutionRepo) GetExecution(ctx context.Context, id core.ID) (*execution.Execution, error) {
	query := "SELECT " + executionColumnsSQL + " FROM executions WHERE id = $1"
	var edb execution.ExecutionDB
	if err := pgxscan.Get(ctx, r.db, &edb, query, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, execution.ErrNotFound
		}
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	ex, err := edb.ToExecution()
	if err != nil {
		return nil, fmt.Errorf("converting execution: %w", err)
	}
	steps, err := r.listSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	ex.Steps = steps
	return ex, nil
}

func (r *ExecutionRepo) listSteps(
	ctx context.Context,
	executionID core.ID,
) (map[string]*execution.StepResult, error) {
	query := "SELECT " + stepColumnsSQL + " FROM execution_steps WHERE execution_id = $1 ORDER BY node_id"
	var stepsDB []*execution.StepResultDB
	if err := pgxscan.Select(ctx, r.db, &stepsDB, query, executionID); err != nil {
		return nil, fmt.Errorf("scanning steps: %w", err)
	}
	steps := make(map[string]*execution.StepResult, len(stepsDB))
	for _, sdb := range stepsDB {
		step, err := sdb.ToStepResult()
		if err != nil {
			return nil, fmt.Errorf("converting step: %w", err)
		}
		steps[step.NodeID] = step
	}
	return steps, nil
}

// ListExecutions returns executions matching the filter, most recent trigger
// time first. Steps are not loaded.
func (r *ExecutionRepo) ListExecutions(
	ctx context.Context,
	filter execution.Filter,
) ([]*execution.Execution, error) {
	sb := squirrel.Select(
		"id", "workflow_id", "schedule_id", "workflow_version",
		"status", "trigger_type", "trigger_time", "started_at", "finished_at", "input", "error",
	).
		From("executions").
		OrderBy("trigger_time DESC").
		PlaceholderFormat(squirrel.Dollar)
	if filter.WorkflowID != "" {
		sb = sb.Where(squirrel.Eq{"workflow_id": filter.WorkflowID})
	}
	if len(filter.Statuses) > 0 {
		sb = sb.Where(squirrel.Eq{"status": filter.Statuses})
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		sb = sb.Offset(uint64(filter.Offset))
	}
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*execution.ExecutionDB
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning executions: %w", err)
	}
	executions := make([]*execution.Execution, 0, len(rows))
	for _, edb := range rows {
		ex, err := edb.ToExecution()
		if err != nil {
			return nil, fmt.Errorf("converting execution: %w", err)
		}
		executions = append(executions, ex)
	}
	return executions, nil
}

// CancelRunning flips the named executions from RUNNING to CANCELED and
// reports how many rows changed. Shutdown calls it when the drain window
// elapses; rows already terminal are left alone.
func (r *ExecutionRepo) CancelRunning(ctx context.Context, ids []core.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	query := `
        UPDATE executions
        SET status = $1, finished_at = now(), updated_at = now()
        WHERE id = ANY($2) AND status = $3
    `
	tag, err := r.db.Exec(ctx, query, core.StatusCanceled, raw, core.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("canceling executions: %w", err)
	}
	return tag.RowsAffected(), nil
}
