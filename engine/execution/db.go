package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/techops-services/keeperhub-sub010/engine/core"
)

// -----------------------------------------------------------------------------
// Database mapping
// -----------------------------------------------------------------------------

// ExecutionDB is the scan target for execution rows. JSONB columns stay raw
// until ToExecution decodes them.
type ExecutionDB struct {
	ID              core.ID          `db:"id"`
	WorkflowID      string           `db:"workflow_id"`
	ScheduleIDRaw   sql.NullString   `db:"schedule_id"`
	WorkflowVersion int              `db:"workflow_version"`
	Status          core.StatusType  `db:"status"`
	TriggerType     core.TriggerType `db:"trigger_type"`
	TriggerTime     time.Time        `db:"trigger_time"`
	StartedAtRaw    sql.NullTime     `db:"started_at"`
	FinishedAtRaw   sql.NullTime     `db:"finished_at"`
	InputRaw        []byte           `db:"input"`
	ErrorRaw        []byte           `db:"error"`
}

// ToExecution converts the row to the domain record. Steps are loaded
// separately and left nil here.
func (edb *ExecutionDB) ToExecution() (*Execution, error) {
	ex := &Execution{
		ID:              edb.ID,
		WorkflowID:      edb.WorkflowID,
		WorkflowVersion: edb.WorkflowVersion,
		Status:          edb.Status,
		TriggerType:     edb.TriggerType,
		TriggerTime:     edb.TriggerTime,
	}
	if edb.ScheduleIDRaw.Valid {
		scheduleID := edb.ScheduleIDRaw.String
		ex.ScheduleID = &scheduleID
	}
	ex.StartedAt = nullableTime(edb.StartedAtRaw)
	ex.FinishedAt = nullableTime(edb.FinishedAtRaw)
	if edb.InputRaw != nil {
		var input core.Input
		if err := core.FromJSONB(edb.InputRaw, &input); err != nil {
			return nil, fmt.Errorf("unmarshaling execution input: %w", err)
		}
		ex.Input = input
	}
	if edb.ErrorRaw != nil {
		var cause core.Error
		if err := core.FromJSONB(edb.ErrorRaw, &cause); err != nil {
			return nil, fmt.Errorf("unmarshaling execution error: %w", err)
		}
		ex.Error = &cause
	}
	return ex, nil
}

// StepResultDB is the scan target for execution_steps rows. The execution id
// belongs to the composite key, not to the domain StepResult.
type StepResultDB struct {
	ExecutionID   core.ID         `db:"execution_id"`
	NodeID        string          `db:"node_id"`
	Status        core.StatusType `db:"status"`
	OutputRaw     []byte          `db:"output"`
	ErrorRaw      []byte          `db:"error"`
	Attempts      int             `db:"attempts"`
	StartedAtRaw  sql.NullTime    `db:"started_at"`
	FinishedAtRaw sql.NullTime    `db:"finished_at"`
}

// ToStepResult converts the row to the domain step result.
func (sdb *StepResultDB) ToStepResult() (*StepResult, error) {
	step := &StepResult{
		NodeID:   sdb.NodeID,
		Status:   sdb.Status,
		Attempts: sdb.Attempts,
	}
	step.StartedAt = nullableTime(sdb.StartedAtRaw)
	step.FinishedAt = nullableTime(sdb.FinishedAtRaw)
	if sdb.OutputRaw != nil {
		var output core.Output
		if err := core.FromJSONB(sdb.OutputRaw, &output); err != nil {
			return nil, fmt.Errorf("unmarshaling step output: %w", err)
		}
		step.Output = output
	}
	if sdb.ErrorRaw != nil {
		var cause core.Error
		if err := core.FromJSONB(sdb.ErrorRaw, &cause); err != nil {
			return nil, fmt.Errorf("unmarshaling step error: %w", err)
		}
		step.Error = &cause
	}
	return step, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}
