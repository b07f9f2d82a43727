package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/execution"
	"github.com/techops-services/keeperhub-sub010/engine/schedule"
	"github.com/techops-services/keeperhub-sub010/engine/trigger"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

type stubWorkflows struct {
	workflows   map[string]*workflow.Workflow
	definitions map[string]*workflow.Definition
	defCalls    int
}

func (s *stubWorkflows) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	wf, ok := s.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return wf, nil
}

func (s *stubWorkflows) GetDefinition(_ context.Context, id string, version int) (*workflow.Definition, error) {
	s.defCalls++
	def, ok := s.definitions[fmt.Sprintf("%s@%d", id, version)]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return def, nil
}

type stubSchedules struct {
	schedules map[string]*schedule.Schedule
}

func (s *stubSchedules) GetSchedule(_ context.Context, id string) (*schedule.Schedule, error) {
	sched, ok := s.schedules[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	return sched, nil
}

type memExecutions struct {
	execution.Repository
	records map[string]*execution.Execution
}

func newMemExecutions() *memExecutions {
	return &memExecutions{records: make(map[string]*execution.Execution)}
}

func (m *memExecutions) CreateExecution(_ context.Context, ex *execution.Execution) (bool, error) {
	key := ex.WorkflowID + "/" + ex.TriggerTime.UTC().Format(time.RFC3339)
	if ex.ScheduleID != nil {
		key += "/" + *ex.ScheduleID
	}
	if _, exists := m.records[key]; exists {
		return false, nil
	}
	m.records[key] = ex
	return true, nil
}

func testDispatcher(t *testing.T) (*Dispatcher, *stubWorkflows, *memExecutions) {
	t.Helper()
	workflows := &stubWorkflows{
		workflows: map[string]*workflow.Workflow{
			"wf-orders":   {ID: "wf-orders", Version: 3, Name: "Orders"},
			"wf-disabled": {ID: "wf-disabled", Version: 1, Disabled: true},
		},
		definitions: map[string]*workflow.Definition{
			"wf-orders@3": {
				ID: "wf-orders", Version: 3,
				Nodes: []workflow.Node{
					{ID: "trigger-1", Kind: workflow.NodeKindTrigger, Type: "schedule"},
					{ID: "step-1", Kind: workflow.NodeKindStep, Type: "noop"},
				},
			},
		},
	}
	schedules := &stubSchedules{
		schedules: map[string]*schedule.Schedule{
			"sched-hourly":   {ID: "sched-hourly", WorkflowID: "wf-orders", Kind: schedule.KindCron, Expr: "0 * * * *"},
			"sched-disabled": {ID: "sched-disabled", WorkflowID: "wf-orders", Disabled: true},
			"sched-other":    {ID: "sched-other", WorkflowID: "wf-billing"},
		},
	}
	executions := newMemExecutions()
	d, err := New(workflows, schedules, executions, 16)
	require.NoError(t, err)
	return d, workflows, executions
}

func scheduleTrigger(scheduleID string, at time.Time) *trigger.Message {
	return &trigger.Message{
		WorkflowID:  "wf-orders",
		ScheduleID:  &scheduleID,
		TriggerTime: at,
		TriggerType: core.TriggerSchedule,
	}
}

func TestDispatch(t *testing.T) {
	ctx := logger.ContextWithLogger(context.Background(), logger.NewForTests())
	tick := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	t.Run("Should materialize a pending execution for a valid schedule trigger", func(t *testing.T) {
		d, _, executions := testDispatcher(t)

		out, err := d.Dispatch(ctx, scheduleTrigger("sched-hourly", tick))
		require.NoError(t, err)
		require.NotNil(t, out.Execution)
		require.NotNil(t, out.Definition)
		assert.Equal(t, core.StatusPending, out.Execution.Status)
		assert.Equal(t, "wf-orders", out.Execution.WorkflowID)
		assert.Equal(t, 3, out.Execution.WorkflowVersion)
		assert.Equal(t, "sched-hourly", *out.Execution.ScheduleID)
		assert.Equal(t, "wf-orders", out.Execution.Input["workflowId"])
		assert.Len(t, executions.records, 1)
	})

	t.Run("Should report a duplicate on redelivery of the same idempotency tuple", func(t *testing.T) {
		d, _, executions := testDispatcher(t)

		_, err := d.Dispatch(ctx, scheduleTrigger("sched-hourly", tick))
		require.NoError(t, err)
		_, err = d.Dispatch(ctx, scheduleTrigger("sched-hourly", tick))
		require.ErrorIs(t, err, ErrDuplicateTrigger)
		assert.Len(t, executions.records, 1)
	})

	t.Run("Should dispatch distinct trigger times independently", func(t *testing.T) {
		d, _, executions := testDispatcher(t)

		_, err := d.Dispatch(ctx, scheduleTrigger("sched-hourly", tick))
		require.NoError(t, err)
		_, err = d.Dispatch(ctx, scheduleTrigger("sched-hourly", tick.Add(time.Hour)))
		require.NoError(t, err)
		assert.Len(t, executions.records, 2)
	})

	t.Run("Should discard triggers naming a disabled schedule without a record", func(t *testing.T) {
		d, _, executions := testDispatcher(t)

		_, err := d.Dispatch(ctx, scheduleTrigger("sched-disabled", tick))
		require.ErrorIs(t, err, ErrInvalidTrigger)
		assert.Empty(t, executions.records)
	})

	t.Run("Should discard triggers naming an unknown schedule", func(t *testing.T) {
		d, _, executions := testDispatcher(t)

		_, err := d.Dispatch(ctx, scheduleTrigger("sched-missing", tick))
		require.ErrorIs(t, err, ErrInvalidTrigger)
		assert.Empty(t, executions.records)
	})

	t.Run("Should discard triggers whose schedule belongs to another workflow", func(t *testing.T) {
		d, _, executions := testDispatcher(t)

		_, err := d.Dispatch(ctx, scheduleTrigger("sched-other", tick))
		require.ErrorIs(t, err, ErrInvalidTrigger)
		assert.Empty(t, executions.records)
	})

	t.Run("Should discard triggers for unknown or disabled workflows", func(t *testing.T) {
		d, _, _ := testDispatcher(t)

		msg := scheduleTrigger("sched-hourly", tick)
		msg.WorkflowID = "wf-missing"
		_, err := d.Dispatch(ctx, msg)
		require.ErrorIs(t, err, ErrInvalidTrigger)

		msg = scheduleTrigger("sched-hourly", tick)
		msg.WorkflowID = "wf-disabled"
		_, err = d.Dispatch(ctx, msg)
		require.ErrorIs(t, err, ErrInvalidTrigger)
	})

	t.Run("Should dispatch manual triggers without schedule checks", func(t *testing.T) {
		d, _, executions := testDispatcher(t)

		out, err := d.Dispatch(ctx, &trigger.Message{
			WorkflowID:  "wf-orders",
			TriggerTime: tick,
			TriggerType: core.TriggerManual,
		})
		require.NoError(t, err)
		assert.Nil(t, out.Execution.ScheduleID)
		assert.Len(t, executions.records, 1)
	})

	t.Run("Should discard messages failing field validation", func(t *testing.T) {
		d, _, _ := testDispatcher(t)

		_, err := d.Dispatch(ctx, &trigger.Message{
			WorkflowID:  "wf-orders",
			TriggerTime: tick,
			TriggerType: core.TriggerSchedule, // schedule trigger without scheduleId
		})
		require.ErrorIs(t, err, ErrInvalidTrigger)
	})

	t.Run("Should serve repeat definitions from the cache", func(t *testing.T) {
		d, workflows, _ := testDispatcher(t)

		_, err := d.Dispatch(ctx, scheduleTrigger("sched-hourly", tick))
		require.NoError(t, err)
		_, err = d.Dispatch(ctx, scheduleTrigger("sched-hourly", tick.Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, 1, workflows.defCalls)
	})
}
