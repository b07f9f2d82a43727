package execution

import (
	"context"
	"errors"

	"github.com/techops-services/keeperhub-sub010/engine/core"
)

// ErrNotFound is returned when the requested execution does not exist.
var ErrNotFound = errors.New("execution not found")

// Filter narrows ListExecutions. Zero values match everything.
type Filter struct {
	WorkflowID string
	Statuses   []core.StatusType
	Limit      int
	Offset     int
}

// Repository persists executions and their step results. The dispatcher and
// runner consume it; engine/infra/postgres implements it.
type Repository interface {
	// CreateExecution inserts ex unless an execution with the same
	// idempotency key (workflow_id, schedule_id, trigger_time) already
	// exists. It reports whether the row was created; false means a
	// previous delivery already created it and the trigger is a duplicate.
	CreateExecution(ctx context.Context, ex *Execution) (bool, error)

	// UpdateStatus persists the execution's status, timestamps and error.
	UpdateStatus(ctx context.Context, ex *Execution) error

	// UpsertStep persists one step result under the execution, replacing
	// any earlier snapshot of the same node.
	UpsertStep(ctx context.Context, executionID core.ID, step *StepResult) error

	// GetExecution loads an execution with its steps. Returns ErrNotFound
	// when no such execution exists.
	GetExecution(ctx context.Context, id core.ID) (*Execution, error)

	// ListExecutions returns executions matching the filter, most recent
	// trigger time first. Steps are not loaded.
	ListExecutions(ctx context.Context, filter Filter) ([]*Execution, error)

	// CancelRunning flips the named executions from RUNNING to CANCELED and
	// reports how many rows changed. Used by shutdown when the drain window
	// elapses.
	CancelRunning(ctx context.Context, ids []core.ID) (int64, error)
}
