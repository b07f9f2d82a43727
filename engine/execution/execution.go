package execution

import (
	"fmt"
	"time"

	"github.com/techops-services/keeperhub-sub010/engine/core"
)

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Execution is the durable record of one dispatched trigger. The dispatcher
// creates it PENDING, the runner drives it to a terminal status, and nothing
// mutates it after that. The idempotency key (workflow_id, schedule_id,
// trigger_time) is enforced by the storage layer, not here.
type Execution struct {
	ID              core.ID                `json:"id"                    db:"id"`
	WorkflowID      string                 `json:"workflow_id"           db:"workflow_id"`
	ScheduleID      *string                `json:"schedule_id,omitempty" db:"schedule_id"`
	WorkflowVersion int                    `json:"workflow_version"      db:"workflow_version"`
	Status          core.StatusType        `json:"status"                db:"status"`
	TriggerType     core.TriggerType       `json:"trigger_type"          db:"trigger_type"`
	TriggerTime     time.Time              `json:"trigger_time"          db:"trigger_time"`
	StartedAt       *time.Time             `json:"started_at,omitempty"  db:"started_at"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty" db:"finished_at"`
	Input           core.Input             `json:"input,omitempty"       db:"input"`
	Error           *core.Error            `json:"error,omitempty"       db:"error"`
	Steps           map[string]*StepResult `json:"steps,omitempty"       db:"-"`
}

// New builds a PENDING execution for a dispatched trigger. The input is the
// trigger envelope, exposed later to template resolution as the trigger
// node's output.
func New(
	workflowID string,
	workflowVersion int,
	scheduleID *string,
	triggerType core.TriggerType,
	triggerTime time.Time,
	input core.Input,
) (*Execution, error) {
	id, err := core.NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}
	return &Execution{
		ID:              id,
		WorkflowID:      workflowID,
		ScheduleID:      scheduleID,
		WorkflowVersion: workflowVersion,
		Status:          core.StatusPending,
		TriggerType:     triggerType,
		TriggerTime:     triggerTime,
		Input:           input,
		Steps:           make(map[string]*StepResult),
	}, nil
}

// IsTerminal reports whether the execution reached a final status.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Start marks the execution picked up by the runner.
func (e *Execution) Start() error {
	if err := e.transition(core.StatusRunning, core.StatusPending); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.StartedAt = &now
	return nil
}

// Complete marks the execution finished with every step accounted for.
func (e *Execution) Complete() error {
	if err := e.transition(core.StatusSuccess, core.StatusRunning); err != nil {
		return err
	}
	e.finish()
	return nil
}

// Fail records the structured failure and finishes the execution.
func (e *Execution) Fail(cause *core.Error) error {
	if err := e.transition(core.StatusFailed, core.StatusRunning); err != nil {
		return err
	}
	e.Error = cause
	e.finish()
	return nil
}

// Cancel marks a running execution canceled. It claims nothing about
// completion: the queue message stays unacked and redelivers elsewhere.
func (e *Execution) Cancel() error {
	if err := e.transition(core.StatusCanceled, core.StatusRunning); err != nil {
		return err
	}
	e.finish()
	return nil
}

func (e *Execution) transition(to core.StatusType, from core.StatusType) error {
	if e.Status != from {
		return fmt.Errorf("cannot transition execution %s from %s to %s", e.ID, e.Status, to)
	}
	e.Status = to
	return nil
}

func (e *Execution) finish() {
	now := time.Now().UTC()
	e.FinishedAt = &now
}

// -----------------------------------------------------------------------------
// Step results
// -----------------------------------------------------------------------------

// StepResult tracks one node of the execution DAG. A missing entry in
// Execution.Steps is PENDING by definition: nothing ran it yet.
type StepResult struct {
	NodeID     string          `json:"node_id"               db:"node_id"`
	Status     core.StatusType `json:"status"                db:"status"`
	Output     core.Output     `json:"output,omitempty"      db:"output"`
	Error      *core.Error     `json:"error,omitempty"       db:"error"`
	Attempts   int             `json:"attempts"              db:"attempts"`
	StartedAt  *time.Time      `json:"started_at,omitempty"  db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

func (s *StepResult) transition(to core.StatusType, from core.StatusType) error {
	if s.Status != from {
		return fmt.Errorf("cannot transition step %s from %s to %s", s.NodeID, s.Status, to)
	}
	s.Status = to
	return nil
}

func (s *StepResult) finish() {
	now := time.Now().UTC()
	s.FinishedAt = &now
}

// Step returns the tracked result for nodeID, creating a PENDING entry on
// first touch.
func (e *Execution) Step(nodeID string) *StepResult {
	if e.Steps == nil {
		e.Steps = make(map[string]*StepResult)
	}
	s, ok := e.Steps[nodeID]
	if !ok {
		s = &StepResult{NodeID: nodeID, Status: core.StatusPending}
		e.Steps[nodeID] = s
	}
	return s
}

// StepStart marks a node picked for execution.
func (e *Execution) StepStart(nodeID string) error {
	s := e.Step(nodeID)
	if err := s.transition(core.StatusRunning, core.StatusPending); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.StartedAt = &now
	return nil
}

// StepAttempt counts one invocation try on a running step.
func (e *Execution) StepAttempt(nodeID string) error {
	s := e.Step(nodeID)
	if s.Status != core.StatusRunning {
		return fmt.Errorf("cannot record attempt on step %s in status %s", s.NodeID, s.Status)
	}
	s.Attempts++
	return nil
}

// StepComplete records the node's output and finishes the step.
func (e *Execution) StepComplete(nodeID string, output core.Output) error {
	s := e.Step(nodeID)
	if err := s.transition(core.StatusSuccess, core.StatusRunning); err != nil {
		return err
	}
	s.Output = output
	s.finish()
	return nil
}

// StepFail records the structured failure and finishes the step.
func (e *Execution) StepFail(nodeID string, cause *core.Error) error {
	s := e.Step(nodeID)
	if err := s.transition(core.StatusFailed, core.StatusRunning); err != nil {
		return err
	}
	s.Error = cause
	s.finish()
	return nil
}

// StepCancel marks a running step canceled after its bounded deadline.
func (e *Execution) StepCancel(nodeID string) error {
	s := e.Step(nodeID)
	if err := s.transition(core.StatusCanceled, core.StatusRunning); err != nil {
		return err
	}
	s.finish()
	return nil
}

// StepSkip marks a never-started node skipped. The optional cause names the
// failed dependency so the record reconstructs the failure without
// re-running. Skipping is only legal from PENDING: a node that ran is
// whatever it ran to.
func (e *Execution) StepSkip(nodeID string, cause *core.Error) error {
	s := e.Step(nodeID)
	if err := s.transition(core.StatusSkipped, core.StatusPending); err != nil {
		return err
	}
	s.Error = cause
	s.finish()
	return nil
}

// FailedSteps returns the node ids recorded FAILED, sorted order not
// guaranteed. The runner uses it to pick the node named on the execution
// error.
func (e *Execution) FailedSteps() []string {
	var failed []string
	for id, s := range e.Steps {
		if s.Status == core.StatusFailed {
			failed = append(failed, id)
		}
	}
	return failed
}
