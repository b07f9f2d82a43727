package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/execution"
	"github.com/techops-services/keeperhub-sub010/engine/runtime"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// memRepo records every persisted transition in memory.
type memRepo struct {
	mu       sync.Mutex
	statuses []core.StatusType
	steps    map[string][]execution.StepResult
}

func newMemRepo() *memRepo {
	return &memRepo{steps: make(map[string][]execution.StepResult)}
}

func (m *memRepo) CreateExecution(_ context.Context, _ *execution.Execution) (bool, error) {
	return true, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, ex *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, ex.Status)
	return nil
}

func (m *memRepo) UpsertStep(_ context.Context, _ core.ID, step *execution.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.NodeID] = append(m.steps[step.NodeID], *step)
	return nil
}

func (m *memRepo) GetExecution(_ context.Context, _ core.ID) (*execution.Execution, error) {
	return nil, execution.ErrNotFound
}

func (m *memRepo) ListExecutions(_ context.Context, _ execution.Filter) ([]*execution.Execution, error) {
	return nil, nil
}

func (m *memRepo) CancelRunning(_ context.Context, _ []core.ID) (int64, error) {
	return 0, nil
}

// fakeInvoker scripts per-node behaviors and records invocation order.
type fakeInvoker struct {
	mu       sync.Mutex
	order    []string
	configs  map[string]map[string]any
	behavior map[string]func(ctx context.Context, attempt int) (core.Output, error)
	attempts map[string]int
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		configs:  make(map[string]map[string]any),
		behavior: make(map[string]func(context.Context, int) (core.Output, error)),
		attempts: make(map[string]int),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, node workflow.Node, cfg map[string]any) (core.Output, error) {
	f.mu.Lock()
	f.attempts[node.ID]++
	attempt := f.attempts[node.ID]
	if attempt == 1 {
		f.order = append(f.order, node.ID)
		f.configs[node.ID] = cfg
	}
	fn := f.behavior[node.ID]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, attempt)
	}
	return core.Output{"node": node.ID}, nil
}

func (f *fakeInvoker) invocationOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func testRunnerConfig() *config.RunnerConfig {
	return &config.RunnerConfig{
		MaxInFlight:     4,
		NodeParallelism: 4,
		MaxAttempts:     3,
		RetryBaseDelay:  time.Millisecond,
		StepTimeout:     time.Second,
	}
}

func newExecution(t *testing.T, def *workflow.Definition) *execution.Execution {
	t.Helper()
	ex, err := execution.New(
		def.ID,
		def.Version,
		nil,
		core.TriggerManual,
		time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		core.Input{"workflowId": def.ID, "triggerType": "manual"},
	)
	require.NoError(t, err)
	return ex
}

func step(id, typ string, cfg map[string]string) workflow.Node {
	return workflow.Node{ID: id, Kind: workflow.NodeKindStep, Type: typ, Config: cfg}
}

func triggerNode(id string) workflow.Node {
	return workflow.Node{ID: id, Kind: workflow.NodeKindTrigger, Type: "schedule"}
}

func runDef(t *testing.T, def *workflow.Definition, invoker *fakeInvoker) (*execution.Execution, *memRepo) {
	t.Helper()
	ctx := logger.ContextWithLogger(context.Background(), logger.NewForTests())
	repo := newMemRepo()
	ex := newExecution(t, def)
	r := New(repo, invoker, testRunnerConfig())
	require.NoError(t, r.Run(ctx, ex, def))
	return ex, repo
}

func TestRunnerOrdering(t *testing.T) {
	t.Run("Should run nodes only after their dependencies are terminal", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				step("fetch", "noop", map[string]string{"seed": "{{@trigger-1:Trigger.workflowId}}"}),
				step("left", "noop", map[string]string{"in": "{{@fetch:Fetch.node}}"}),
				step("right", "noop", map[string]string{"in": "{{@fetch:Fetch.node}}"}),
				step("join", "noop", map[string]string{
					"a": "{{@left:Left.node}}",
					"b": "{{@right:Right.node}}",
				}),
			},
		}
		invoker := newFakeInvoker()
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusSuccess, ex.Status)
		order := invoker.invocationOrder()
		require.Len(t, order, 4)
		assert.Equal(t, "fetch", order[0])
		assert.Greater(t, indexOf(order, "join"), indexOf(order, "left"))
		assert.Greater(t, indexOf(order, "join"), indexOf(order, "right"))
	})

	t.Run("Should resolve references against completed sibling outputs", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				step("greet", "noop", map[string]string{
					"workflow": "{{@trigger-1:Manual Trigger.workflowId}}",
					"text":     "run of {{@trigger-1:Manual Trigger.workflowId}} started",
				}),
			},
		}
		invoker := newFakeInvoker()
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusSuccess, ex.Status)
		cfg := invoker.configs["greet"]
		assert.Equal(t, "wf", cfg["workflow"])
		assert.Equal(t, "run of wf started", cfg["text"])
	})

	t.Run("Should record the trigger envelope as the trigger node output", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{triggerNode("trigger-1")},
		}
		ex, _ := runDef(t, def, newFakeInvoker())

		require.Contains(t, ex.Steps, "trigger-1")
		assert.Equal(t, core.StatusSuccess, ex.Steps["trigger-1"].Status)
		assert.Equal(t, "wf", ex.Steps["trigger-1"].Output["workflowId"])
	})

	t.Run("Should detach the trigger node output from the execution input", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{triggerNode("trigger-1")},
		}
		ex, _ := runDef(t, def, newFakeInvoker())

		ex.Input["workflowId"] = "overwritten"
		assert.Equal(t, "wf", ex.Steps["trigger-1"].Output["workflowId"])
	})

	t.Run("Should detach recorded outputs from maps the handler retains", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				step("emit", "noop", nil),
			},
		}
		retained := core.Output{"value": "original"}
		invoker := newFakeInvoker()
		invoker.behavior["emit"] = func(_ context.Context, _ int) (core.Output, error) {
			return retained, nil
		}
		ex, _ := runDef(t, def, invoker)

		retained["value"] = "mutated after the fact"
		assert.Equal(t, "original", ex.Steps["emit"].Output["value"])
	})
}

func TestRunnerRetry(t *testing.T) {
	t.Run("Should retry transient failures up to the attempt ceiling", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{triggerNode("trigger-1"), step("flaky", "noop", nil)},
		}
		invoker := newFakeInvoker()
		invoker.behavior["flaky"] = func(_ context.Context, attempt int) (core.Output, error) {
			if attempt < 3 {
				return nil, runtime.Transient(errors.New("connection reset"))
			}
			return core.Output{"ok": true}, nil
		}
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusSuccess, ex.Status)
		assert.Equal(t, 3, ex.Steps["flaky"].Attempts)
	})

	t.Run("Should fail the step once transient retries are exhausted", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{triggerNode("trigger-1"), step("flaky", "noop", nil)},
		}
		invoker := newFakeInvoker()
		invoker.behavior["flaky"] = func(_ context.Context, _ int) (core.Output, error) {
			return nil, runtime.Transient(errors.New("still down"))
		}
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusFailed, ex.Status)
		assert.Equal(t, core.StatusFailed, ex.Steps["flaky"].Status)
		assert.Equal(t, 3, ex.Steps["flaky"].Attempts)
		require.NotNil(t, ex.Error)
		assert.Equal(t, "flaky", ex.Error.Details["node_id"])
	})

	t.Run("Should not retry validation-class failures", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{triggerNode("trigger-1"), step("bad", "noop", nil)},
		}
		invoker := newFakeInvoker()
		invoker.behavior["bad"] = func(_ context.Context, _ int) (core.Output, error) {
			return nil, errors.New("config rejected")
		}
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusFailed, ex.Status)
		assert.Equal(t, 1, ex.Steps["bad"].Attempts)
	})

	t.Run("Should fail unresolved references without invoking the step", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				step("deref", "noop", map[string]string{"in": "{{@trigger-1:Trigger.no.such.path}}"}),
			},
		}
		invoker := newFakeInvoker()
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusFailed, ex.Status)
		require.NotNil(t, ex.Steps["deref"].Error)
		assert.Equal(t, ErrCodeUnresolvedReference, ex.Steps["deref"].Error.Code)
		assert.Equal(t, 0, invoker.attempts["deref"])
	})
}

func TestRunnerFailureIsolation(t *testing.T) {
	t.Run("Should skip dependents of a failed node and keep siblings running", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				step("broken", "noop", nil),
				step("downstream", "noop", map[string]string{"in": "{{@broken:Broken.node}}"}),
				step("sibling", "noop", nil),
			},
		}
		invoker := newFakeInvoker()
		invoker.behavior["broken"] = func(_ context.Context, _ int) (core.Output, error) {
			return nil, errors.New("boom")
		}
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusFailed, ex.Status)
		assert.Equal(t, core.StatusSkipped, ex.Steps["downstream"].Status)
		assert.Equal(t, ErrCodeDependencyFailed, ex.Steps["downstream"].Error.Code)
		assert.Equal(t, core.StatusSuccess, ex.Steps["sibling"].Status)
		assert.Equal(t, 0, invoker.attempts["downstream"])
	})

	t.Run("Should never start a node whose sole dependency failed", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				step("broken", "noop", nil),
				step("child", "noop", map[string]string{"in": "{{@broken:B.node}}"}),
				step("grandchild", "noop", map[string]string{"in": "{{@child:C.node}}"}),
			},
		}
		invoker := newFakeInvoker()
		invoker.behavior["broken"] = func(_ context.Context, _ int) (core.Output, error) {
			return nil, errors.New("boom")
		}
		ex, repo := runDef(t, def, invoker)

		assert.Equal(t, core.StatusFailed, ex.Status)
		for _, id := range []string{"child", "grandchild"} {
			assert.Equal(t, core.StatusSkipped, ex.Steps[id].Status)
			assert.Equal(t, 0, invoker.attempts[id])
			// The only persisted snapshot is the skip itself: the node was
			// never RUNNING.
			for _, snap := range repo.steps[id] {
				assert.NotEqual(t, core.StatusRunning, snap.Status)
			}
		}
	})

	t.Run("Should succeed when skips come only from a disabled branch", func(t *testing.T) {
		disabled := step("optional", "noop", nil)
		disabled.Disabled = true
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				disabled,
				step("dependent", "noop", map[string]string{"in": "{{@optional:O.node}}"}),
				step("main", "noop", nil),
			},
		}
		invoker := newFakeInvoker()
		ex, _ := runDef(t, def, invoker)

		assert.Equal(t, core.StatusSuccess, ex.Status)
		assert.Equal(t, core.StatusSkipped, ex.Steps["optional"].Status)
		assert.Equal(t, ErrCodeDisabledBranch, ex.Steps["optional"].Error.Code)
		assert.Equal(t, core.StatusSkipped, ex.Steps["dependent"].Status)
		assert.Equal(t, core.StatusSuccess, ex.Steps["main"].Status)
	})

	t.Run("Should fail the execution on an unbuildable definition", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				step("a", "noop", map[string]string{"in": "{{@b:B.node}}"}),
				step("b", "noop", map[string]string{"in": "{{@a:A.node}}"}),
			},
		}
		ex, _ := runDef(t, def, newFakeInvoker())

		assert.Equal(t, core.StatusFailed, ex.Status)
		require.NotNil(t, ex.Error)
		assert.Equal(t, ErrCodeInvalidDefinition, ex.Error.Code)
	})
}

func TestRunnerCancellation(t *testing.T) {
	t.Run("Should cancel the execution and never start pending dependents", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{
				triggerNode("trigger-1"),
				step("slow", "noop", nil),
				step("after", "noop", map[string]string{"in": "{{@slow:S.node}}"}),
			},
		}
		started := make(chan struct{})
		release := make(chan struct{})
		invoker := newFakeInvoker()
		invoker.behavior["slow"] = func(_ context.Context, _ int) (core.Output, error) {
			close(started)
			<-release
			return core.Output{"drained": true}, nil
		}

		ctx, cancel := context.WithCancel(
			logger.ContextWithLogger(context.Background(), logger.NewForTests()),
		)
		repo := newMemRepo()
		ex := newExecution(t, def)
		r := New(repo, invoker, testRunnerConfig())

		done := make(chan error, 1)
		go func() { done <- r.Run(ctx, ex, def) }()

		<-started
		cancel()
		close(release)
		require.NoError(t, <-done)

		assert.Equal(t, core.StatusCanceled, ex.Status)
		assert.Equal(t, 0, invoker.attempts["after"])
		_, tracked := ex.Steps["after"]
		assert.False(t, tracked, "never-started nodes stay pending")
	})

	t.Run("Should let a run that drained completely finish normally", func(t *testing.T) {
		def := &workflow.Definition{
			ID: "wf", Version: 1,
			Nodes: []workflow.Node{triggerNode("trigger-1"), step("only", "noop", nil)},
		}
		started := make(chan struct{})
		release := make(chan struct{})
		invoker := newFakeInvoker()
		invoker.behavior["only"] = func(_ context.Context, _ int) (core.Output, error) {
			close(started)
			<-release
			return core.Output{"ok": true}, nil
		}

		ctx, cancel := context.WithCancel(
			logger.ContextWithLogger(context.Background(), logger.NewForTests()),
		)
		repo := newMemRepo()
		ex := newExecution(t, def)
		r := New(repo, invoker, testRunnerConfig())

		done := make(chan error, 1)
		go func() { done <- r.Run(ctx, ex, def) }()

		<-started
		cancel()
		close(release)
		require.NoError(t, <-done)

		assert.Equal(t, core.StatusSuccess, ex.Status)
	})
}
