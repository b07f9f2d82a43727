package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/execution"
	"github.com/techops-services/keeperhub-sub010/engine/runtime"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
	"github.com/techops-services/keeperhub-sub010/pkg/noderef"
)

// Error codes persisted on failed steps and executions.
const (
	ErrCodeInvalidDefinition   = "invalid_definition"
	ErrCodeUnresolvedReference = "unresolved_reference"
	ErrCodeStepFailed          = "step_failed"
	ErrCodeDependencyFailed    = "dependency_failed"
	ErrCodeDisabledBranch      = "disabled_branch"
)

// Runner drives one execution's node DAG to a terminal status. Execution-
// and step-level failures are recorded on the record and never escape; the
// returned error of Run is reserved for storage failures, which the worker
// handles by leaving the queue message unacked.
type Runner struct {
	repo    execution.Repository
	invoker runtime.Invoker
	cfg     *config.RunnerConfig
}

func New(repo execution.Repository, invoker runtime.Invoker, cfg *config.RunnerConfig) *Runner {
	return &Runner{repo: repo, invoker: invoker, cfg: cfg}
}

// Run executes ex against def. Dependency order is enforced by a ready-set
// loop: a node launches only when every dependency is terminal, independent
// branches run concurrently up to the node-parallelism bound, and the
// step-result map is mutated by this loop alone. Cancelling ctx stops new
// launches; already-started nodes finish on their own bounded deadline.
func (r *Runner) Run(ctx context.Context, ex *execution.Execution, def *workflow.Definition) error {
	log := logger.FromContext(ctx).With("exec_id", ex.ID, "workflow_id", ex.WorkflowID)
	ctx = logger.ContextWithLogger(ctx, log)

	if err := ex.Start(); err != nil {
		return fmt.Errorf("starting execution: %w", err)
	}
	if err := r.repo.UpdateStatus(ctx, ex); err != nil {
		return fmt.Errorf("persisting execution start: %w", err)
	}
	log.Info("Execution started", "nodes", len(def.Nodes))

	graph, err := def.Graph()
	if err != nil {
		return r.finish(ctx, ex, false, core.NewError(err, ErrCodeInvalidDefinition, map[string]any{
			"workflow_id": def.ID,
			"version":     def.Version,
		}))
	}

	run := &run{
		runner:   r,
		ex:       ex,
		graph:    graph,
		outputs:  make(map[string]core.Output, graph.Len()),
		finished: make(map[string]bool, graph.Len()),
		waiting:  make(map[string]int, graph.Len()),
		// Buffered to the node count so step goroutines never block on
		// hand-off, even when a storage error aborts the loop early.
		results: make(chan outcome, graph.Len()),
	}
	canceled, runErr := run.loop(ctx)
	if runErr != nil {
		return runErr
	}
	return r.finish(ctx, ex, canceled, run.failure())
}

// finish closes the execution with its terminal status and persists it.
func (r *Runner) finish(ctx context.Context, ex *execution.Execution, canceled bool, failure *core.Error) error {
	log := logger.FromContext(ctx)
	var err error
	switch {
	case canceled:
		err = ex.Cancel()
	case failure != nil:
		err = ex.Fail(failure)
	default:
		err = ex.Complete()
	}
	if err != nil {
		return fmt.Errorf("closing execution: %w", err)
	}
	if err := r.repo.UpdateStatus(ctx, ex); err != nil {
		return fmt.Errorf("persisting execution status: %w", err)
	}
	log.Info("Execution finished", "status", ex.Status)
	return nil
}

// outcome is one node invocation's result, reported back to the run loop.
type outcome struct {
	nodeID   string
	output   core.Output
	err      error
	attempts int
}

// run is the per-execution scheduling state. All maps and the execution
// record are touched only by the loop goroutine; step goroutines
// communicate exclusively through the results channel.
type run struct {
	runner   *Runner
	ex       *execution.Execution
	graph    *workflow.Graph
	outputs  map[string]core.Output
	finished map[string]bool
	waiting  map[string]int
	results  chan outcome
	ready    []string
	inFlight int
}

// loop drives the ready set until every node is terminal or cancellation
// drains the in-flight work. It reports whether the run was canceled.
func (r *run) loop(ctx context.Context) (bool, error) {
	for _, id := range r.graph.Order() {
		r.waiting[id] = len(r.graph.Dependencies(id))
		if r.waiting[id] == 0 {
			r.ready = append(r.ready, id)
		}
	}

	canceled := false
	done := ctx.Done()
	for len(r.finished) < r.graph.Len() {
		if !canceled {
			if err := r.launchReady(ctx); err != nil {
				return false, err
			}
		}
		if r.inFlight == 0 {
			if canceled || len(r.ready) == 0 {
				break
			}
			continue
		}
		select {
		case o := <-r.results:
			r.inFlight--
			if err := r.apply(ctx, o); err != nil {
				return false, err
			}
		case <-done:
			// Stop launching; in-flight nodes drain on their own bounded
			// deadlines and their results still count. Never-started nodes
			// stay pending on the record.
			canceled = true
			r.ready = nil
			done = nil
			logger.FromContext(ctx).Info(
				"Cancellation requested, draining in-flight nodes",
				"in_flight", r.inFlight,
			)
		}
	}
	// A drain that still let every node reach a terminal state is a normal
	// finish: cancellation only claims the run when work was cut short.
	return canceled && len(r.finished) < r.graph.Len(), nil
}

// launchReady starts eligible nodes up to the parallelism bound. Trigger
// nodes and disabled branches complete inline without a goroutine.
func (r *run) launchReady(ctx context.Context) error {
	for len(r.ready) > 0 && r.inFlight < int(r.runner.cfg.NodeParallelism) {
		id := r.ready[0]
		r.ready = r.ready[1:]
		node, ok := r.graph.Node(id)
		if !ok {
			return fmt.Errorf("graph order names unknown node %s", id)
		}
		switch {
		case node.Disabled:
			if err := r.skipDisabled(ctx, node); err != nil {
				return err
			}
		case node.Kind == workflow.NodeKindTrigger:
			if err := r.completeTrigger(ctx, node); err != nil {
				return err
			}
		default:
			if err := r.launchStep(ctx, node); err != nil {
				return err
			}
		}
	}
	return nil
}

// completeTrigger records the trigger envelope as the node's output so that
// downstream references resolve against it.
func (r *run) completeTrigger(ctx context.Context, node *workflow.Node) error {
	if err := r.ex.StepStart(node.ID); err != nil {
		return fmt.Errorf("starting trigger node %s: %w", node.ID, err)
	}
	// Detached from the execution input: step handlers resolve against this
	// map and must not be able to reach the record through it.
	envelope, err := core.DeepCopyInput(r.ex.Input)
	if err != nil {
		return fmt.Errorf("copying trigger envelope for node %s: %w", node.ID, err)
	}
	output := core.Output(envelope)
	if err := r.ex.StepComplete(node.ID, output); err != nil {
		return fmt.Errorf("completing trigger node %s: %w", node.ID, err)
	}
	if err := r.persistStep(ctx, node.ID); err != nil {
		return err
	}
	r.settle(node.ID, output)
	return nil
}

// launchStep resolves the node config against completed sibling outputs and
// invokes it on a goroutine. Resolution failures are permanent: the input
// was never complete, so the step fails without an attempt.
func (r *run) launchStep(ctx context.Context, node *workflow.Node) error {
	if err := r.ex.StepStart(node.ID); err != nil {
		return fmt.Errorf("starting node %s: %w", node.ID, err)
	}
	if err := r.persistStep(ctx, node.ID); err != nil {
		return err
	}

	resolved, err := r.resolveConfig(node)
	if err != nil {
		return r.applyFailure(ctx, outcome{nodeID: node.ID, err: err})
	}

	nodeCopy := *node
	r.inFlight++
	go func() {
		output, attempts, err := r.runner.invokeWithRetry(ctx, nodeCopy, resolved)
		r.results <- outcome{nodeID: nodeCopy.ID, output: output, err: err, attempts: attempts}
	}()
	return nil
}

func (r *run) resolveConfig(node *workflow.Node) (map[string]any, error) {
	cfg, err := node.EffectiveConfig()
	if err != nil {
		return nil, err
	}
	resolved, err := noderef.NewResolver(r.outputs).ResolveConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	return resolved, nil
}

// apply records one outcome on the execution and unlocks dependents.
func (r *run) apply(ctx context.Context, o outcome) error {
	if o.attempts > 0 {
		r.ex.Step(o.nodeID).Attempts = o.attempts
	}
	if o.err != nil {
		return r.applyFailure(ctx, o)
	}
	// Handlers may retain the map they returned; copy before it becomes
	// sibling-visible through reference resolution.
	output, err := core.DeepCopyOutput(o.output)
	if err != nil {
		return fmt.Errorf("copying output of node %s: %w", o.nodeID, err)
	}
	if err := r.ex.StepComplete(o.nodeID, output); err != nil {
		return fmt.Errorf("completing node %s: %w", o.nodeID, err)
	}
	if err := r.persistStep(ctx, o.nodeID); err != nil {
		return err
	}
	r.settle(o.nodeID, output)
	return nil
}

// applyFailure fails the node and skips every transitive dependent. Sibling
// branches are untouched: failure is contained to the downstream set.
func (r *run) applyFailure(ctx context.Context, o outcome) error {
	log := logger.FromContext(ctx)
	code := ErrCodeStepFailed
	if errors.Is(o.err, noderef.ErrUnresolvedReference) {
		code = ErrCodeUnresolvedReference
	}
	cause := core.NewError(o.err, code, map[string]any{"node_id": o.nodeID})
	if err := r.ex.StepFail(o.nodeID, cause); err != nil {
		return fmt.Errorf("failing node %s: %w", o.nodeID, err)
	}
	if err := r.persistStep(ctx, o.nodeID); err != nil {
		return err
	}
	r.finished[o.nodeID] = true
	log.Error("Node failed", "node_id", o.nodeID, "error", o.err, "attempts", o.attempts)

	skipCause := core.NewError(
		fmt.Errorf("dependency %s failed", o.nodeID),
		ErrCodeDependencyFailed,
		map[string]any{"failed_node_id": o.nodeID},
	)
	return r.skipDependents(ctx, o.nodeID, skipCause)
}

// skipDisabled records the disabled node and its downstream set as skipped.
// A disabled branch is not a failure: the execution can still succeed.
func (r *run) skipDisabled(ctx context.Context, node *workflow.Node) error {
	cause := core.NewError(
		fmt.Errorf("node %s is disabled", node.ID),
		ErrCodeDisabledBranch,
		map[string]any{"disabled_node_id": node.ID},
	)
	if err := r.ex.StepSkip(node.ID, cause); err != nil {
		return fmt.Errorf("skipping disabled node %s: %w", node.ID, err)
	}
	if err := r.persistStep(ctx, node.ID); err != nil {
		return err
	}
	r.finished[node.ID] = true
	return r.skipDependents(ctx, node.ID, cause)
}

// skipDependents marks every not-yet-finished transitive dependent of the
// node as skipped. Dependents are never running here: they were waiting on
// the node that just became terminal.
func (r *run) skipDependents(ctx context.Context, nodeID string, cause *core.Error) error {
	for _, dependent := range r.graph.TransitiveDependents(nodeID) {
		if r.finished[dependent] {
			continue
		}
		if err := r.ex.StepSkip(dependent, cause); err != nil {
			return fmt.Errorf("skipping node %s: %w", dependent, err)
		}
		if err := r.persistStep(ctx, dependent); err != nil {
			return err
		}
		r.finished[dependent] = true
		r.dropReady(dependent)
	}
	return nil
}

// settle marks a node successfully terminal and moves its now-unblocked
// dependents to the ready queue.
func (r *run) settle(nodeID string, output core.Output) {
	r.finished[nodeID] = true
	r.outputs[nodeID] = output
	for _, dependent := range r.graph.Dependents(nodeID) {
		if r.finished[dependent] {
			continue
		}
		r.waiting[dependent]--
		if r.waiting[dependent] == 0 {
			r.ready = append(r.ready, dependent)
		}
	}
}

func (r *run) dropReady(nodeID string) {
	for i, id := range r.ready {
		if id == nodeID {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			return
		}
	}
}

func (r *run) persistStep(ctx context.Context, nodeID string) error {
	if err := r.runner.repo.UpsertStep(ctx, r.ex.ID, r.ex.Step(nodeID)); err != nil {
		return fmt.Errorf("persisting step %s: %w", nodeID, err)
	}
	return nil
}

// failure builds the execution-level error when any step failed. The
// smallest failed node id is named so the message is stable.
func (r *run) failure() *core.Error {
	failed := r.ex.FailedSteps()
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	details := map[string]any{"node_id": failed[0]}
	if step := r.ex.Step(failed[0]); step.Error != nil {
		details["error_code"] = step.Error.Code
	}
	if len(failed) > 1 {
		details["failed_node_ids"] = failed
	}
	return core.NewError(
		fmt.Errorf("node %s failed", failed[0]),
		ErrCodeStepFailed,
		details,
	)
}

// invokeWithRetry runs one node with the per-step retry policy: transient
// failures back off exponentially with jitter up to the attempt ceiling,
// permanent failures surface at once. Each attempt gets its own deadline,
// detached from cancellation so an already-started attempt finishes or
// times out on its own even while the run is being drained.
func (r *Runner) invokeWithRetry(
	ctx context.Context,
	node workflow.Node,
	resolved map[string]any,
) (core.Output, int, error) {
	attempts := 0
	backoff := retry.WithMaxRetries(
		r.cfg.MaxAttempts-1,
		retry.WithJitter(50*time.Millisecond, retry.NewExponential(r.cfg.RetryBaseDelay)),
	)
	var output core.Output
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StepTimeout)
		defer cancel()
		out, err := r.invoker.Invoke(attemptCtx, node, resolved)
		if err != nil {
			if runtime.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return output, attempts, nil
}
