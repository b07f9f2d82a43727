package dispatcher

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/execution"
	"github.com/techops-services/keeperhub-sub010/engine/schedule"
	"github.com/techops-services/keeperhub-sub010/engine/trigger"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// ErrInvalidTrigger marks a trigger that can never dispatch: it names a
// missing or disabled schedule/workflow, or fails the message field rules.
// The caller acknowledges and discards it; redelivery cannot fix it.
var ErrInvalidTrigger = errors.New("invalid trigger")

// ErrDuplicateTrigger marks a redelivery of an already-dispatched trigger.
// Not a failure: the storage uniqueness constraint did its job and the
// caller acknowledges without re-executing.
var ErrDuplicateTrigger = errors.New("duplicate trigger")

// Dispatched is a successfully materialized execution together with the
// workflow definition the runner will execute it against.
type Dispatched struct {
	Execution  *execution.Execution
	Definition *workflow.Definition
}

// Dispatcher validates trigger messages and materializes execution records.
// The insert-if-absent on the (workflow_id, schedule_id, trigger_time) key
// is what turns the queue's at-least-once delivery into at-most-once
// execution, across workers, without shared locks.
type Dispatcher struct {
	workflows   workflow.Repository
	schedules   schedule.Repository
	executions  execution.Repository
	definitions *lru.Cache[string, *workflow.Definition]
}

// New builds a dispatcher. cacheSize bounds the definition cache;
// definitions are immutable per version, so cached entries never go stale.
func New(
	workflows workflow.Repository,
	schedules schedule.Repository,
	executions execution.Repository,
	cacheSize int,
) (*Dispatcher, error) {
	definitions, err := lru.New[string, *workflow.Definition](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating definition cache: %w", err)
	}
	return &Dispatcher{
		workflows:   workflows,
		schedules:   schedules,
		executions:  executions,
		definitions: definitions,
	}, nil
}

// Dispatch validates the trigger and inserts a pending execution for it.
// ErrInvalidTrigger and ErrDuplicateTrigger tell the caller to ack and
// discard; any other error is a storage failure and the message must stay
// unacked for redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *trigger.Message) (*Dispatched, error) {
	log := logger.FromContext(ctx)
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	wf, err := d.workflows.GetWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil, fmt.Errorf("%w: workflow %s does not exist", ErrInvalidTrigger, msg.WorkflowID)
		}
		return nil, fmt.Errorf("loading workflow %s: %w", msg.WorkflowID, err)
	}
	if wf.Disabled {
		return nil, fmt.Errorf("%w: workflow %s is disabled", ErrInvalidTrigger, msg.WorkflowID)
	}

	if msg.TriggerType == core.TriggerSchedule {
		if err := d.validateSchedule(ctx, msg); err != nil {
			return nil, err
		}
	}

	def, err := d.definition(ctx, wf.ID, wf.Version)
	if err != nil {
		return nil, err
	}

	ex, err := execution.New(wf.ID, wf.Version, msg.ScheduleID, msg.TriggerType, msg.TriggerTime, msg.Envelope())
	if err != nil {
		return nil, fmt.Errorf("building execution: %w", err)
	}
	created, err := d.executions.CreateExecution(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}
	if !created {
		return nil, fmt.Errorf(
			"%w: (%s, %v, %s) already dispatched",
			ErrDuplicateTrigger, msg.WorkflowID, msg.ScheduleID, msg.TriggerTime,
		)
	}

	log.Info(
		"Dispatched trigger",
		"exec_id", ex.ID,
		"workflow_id", wf.ID,
		"workflow_version", wf.Version,
		"trigger_type", msg.TriggerType,
	)
	return &Dispatched{Execution: ex, Definition: def}, nil
}

// validateSchedule checks that a schedule trigger names a live schedule
// bound to the triggered workflow.
func (d *Dispatcher) validateSchedule(ctx context.Context, msg *trigger.Message) error {
	sched, err := d.schedules.GetSchedule(ctx, *msg.ScheduleID)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return fmt.Errorf("%w: schedule %s does not exist", ErrInvalidTrigger, *msg.ScheduleID)
		}
		return fmt.Errorf("loading schedule %s: %w", *msg.ScheduleID, err)
	}
	if sched.Disabled {
		return fmt.Errorf("%w: schedule %s is disabled", ErrInvalidTrigger, sched.ID)
	}
	if sched.WorkflowID != msg.WorkflowID {
		return fmt.Errorf(
			"%w: schedule %s belongs to workflow %s, not %s",
			ErrInvalidTrigger, sched.ID, sched.WorkflowID, msg.WorkflowID,
		)
	}
	return nil
}

// definition loads a workflow version's node graph through the LRU cache.
func (d *Dispatcher) definition(ctx context.Context, workflowID string, version int) (*workflow.Definition, error) {
	key := fmt.Sprintf("%s@%d", workflowID, version)
	if def, ok := d.definitions.Get(key); ok {
		return def, nil
	}
	def, err := d.workflows.GetDefinition(ctx, workflowID, version)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil, fmt.Errorf(
				"%w: workflow %s has no definition for version %d",
				ErrInvalidTrigger, workflowID, version,
			)
		}
		return nil, fmt.Errorf("loading definition %s: %w", key, err)
	}
	d.definitions.Add(key, def)
	return def, nil
}
