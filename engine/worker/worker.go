package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/dispatcher"
	"github.com/techops-services/keeperhub-sub010/engine/execution"
	"github.com/techops-services/keeperhub-sub010/engine/infra/queue"
	"github.com/techops-services/keeperhub-sub010/engine/trigger"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// pollRetryBase seeds the exponential backoff on queue transport errors.
// The backoff is bounded by the worker context, so shutdown never waits
// behind a sleeping retry.
const pollRetryBase = 250 * time.Millisecond

// Dispatcher materializes executions from trigger messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *trigger.Message) (*dispatcher.Dispatched, error)
}

// Runner drives one execution to a terminal status.
type Runner interface {
	Run(ctx context.Context, ex *execution.Execution, def *workflow.Definition) error
}

// Worker is the process event loop: it polls the trigger queue under an
// in-flight cap, hands deliveries to the dispatcher and runner, and owns
// the graceful-shutdown sequence.
type Worker struct {
	cfg        *config.Config
	queue      *queue.Client
	dispatcher Dispatcher
	runner     Runner
	executions execution.Repository
	health     *healthServer
	sem        *semaphore.Weighted
	wg         sync.WaitGroup

	mu       sync.Mutex
	inFlight map[core.ID]struct{}
	started  bool
	draining bool
}

// New assembles a worker. checks are the readiness probes exposed on
// /readyz (typically Postgres and Redis pings).
func New(
	cfg *config.Config,
	q *queue.Client,
	d Dispatcher,
	r Runner,
	executions execution.Repository,
	checks map[string]HealthCheck,
) *Worker {
	w := &Worker{
		cfg:        cfg,
		queue:      q,
		dispatcher: d,
		runner:     r,
		executions: executions,
		sem:        semaphore.NewWeighted(cfg.Runner.MaxInFlight),
		inFlight:   make(map[core.ID]struct{}),
	}
	w.health = newHealthServer(&cfg.Monitoring, w, checks)
	return w
}

// Start runs the event loop until ctx is canceled, then executes the
// shutdown sequence: stop polling, drain in-flight executions within the
// shutdown timeout, force-cancel the rest inside the grace-period buffer.
// It returns once the worker is safe to exit.
func (w *Worker) Start(ctx context.Context) error {
	log := logger.FromContext(ctx)
	if err := w.queue.Setup(ctx); err != nil {
		return fmt.Errorf("setting up trigger queue: %w", err)
	}
	if err := w.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health server: %w", err)
	}
	w.setStarted()
	log.Info(
		"Worker started",
		"stream", w.cfg.Queue.Stream,
		"group", w.cfg.Queue.Group,
		"consumer", w.queue.Consumer(),
		"max_in_flight", w.cfg.Runner.MaxInFlight,
	)

	// Executions keep running through the drain window, so their context
	// must survive the polling context. cancelRun is the force-cancel
	// lever for a drain overrun.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	go w.reclaimLoop(ctx)
	w.pollLoop(ctx, runCtx)
	return w.shutdown(ctx, cancelRun)
}

// pollLoop acquires an in-flight slot before each poll: at capacity the
// loop pauses on the semaphore instead of over-accepting triggers.
func (w *Worker) pollLoop(ctx, runCtx context.Context) {
	log := logger.FromContext(ctx)
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		deliveries, err := w.poll(ctx)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			log.Error("Trigger queue unavailable after retries", "error", err)
			continue
		}
		if len(deliveries) == 0 {
			w.sem.Release(1)
			continue
		}
		w.wg.Add(1)
		go w.handle(runCtx, deliveries[0])
	}
}

// poll long-polls the queue, retrying transport errors with exponential
// backoff. The retry sleeps abort when ctx is canceled.
func (w *Worker) poll(ctx context.Context) ([]queue.Delivery, error) {
	var deliveries []queue.Delivery
	backoff := retry.WithMaxRetries(5, retry.WithJitter(50*time.Millisecond, retry.NewExponential(pollRetryBase)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := w.queue.Poll(ctx, 1)
		if err != nil {
			return retry.RetryableError(err)
		}
		deliveries = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

// handle processes one delivery end to end. Ack rules: terminal execution
// and deliberate discards (invalid, duplicate) ack; storage failures and
// canceled executions leave the message pending for redelivery elsewhere.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	defer w.wg.Done()
	defer w.sem.Release(1)
	log := logger.FromContext(ctx)

	out, err := w.dispatcher.Dispatch(ctx, d.Message)
	switch {
	case errors.Is(err, dispatcher.ErrInvalidTrigger):
		log.Warn("Discarding invalid trigger", "entry_id", d.ID, "error", err)
		w.ack(ctx, d)
		return
	case errors.Is(err, dispatcher.ErrDuplicateTrigger):
		log.Debug("Discarding duplicate trigger", "entry_id", d.ID, "error", err)
		w.ack(ctx, d)
		return
	case err != nil:
		log.Error("Dispatch failed, leaving message for redelivery", "entry_id", d.ID, "error", err)
		return
	}

	w.track(out.Execution.ID)
	defer w.untrack(out.Execution.ID)
	if err := w.runner.Run(ctx, out.Execution, out.Definition); err != nil {
		log.Error(
			"Run aborted by storage failure, leaving message for redelivery",
			"entry_id", d.ID,
			"exec_id", out.Execution.ID,
			"error", err,
		)
		return
	}
	if out.Execution.Status == core.StatusCanceled {
		// Cancellation claims nothing: the unacked message redelivers to
		// another worker.
		return
	}
	w.ack(ctx, d)
}

// ack acknowledges on a deadline detached from cancellation, so a message
// whose execution finished during drain is still removed from the queue.
func (w *Worker) ack(ctx context.Context, d queue.Delivery) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Ack(ackCtx, d); err != nil {
		logger.FromContext(ctx).Error("Failed to ack delivery", "entry_id", d.ID, "error", err)
	}
}

// reclaimLoop periodically adopts deliveries stuck with dead consumers.
func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Queue.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Reclaim(ctx); err != nil && ctx.Err() == nil {
				logger.FromContext(ctx).Warn("Reclaim pass failed", "error", err)
			}
		}
	}
}

// shutdown drains in-flight executions within the shutdown timeout. On
// overrun it force-cancels: the run context is canceled, leftover RUNNING
// rows are flipped to CANCELED in the store, and their unacked messages
// are left to redeliver. Config validation guarantees the timeout sits
// strictly inside the host grace period, so the remaining buffer covers
// this final bookkeeping.
func (w *Worker) shutdown(ctx context.Context, cancelRun context.CancelFunc) error {
	log := logger.FromContext(ctx)
	w.setDraining()
	log.Info("Shutdown requested, draining in-flight executions", "timeout", w.cfg.Shutdown.Timeout)

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(w.cfg.Shutdown.Timeout)
	defer timer.Stop()
	select {
	case <-drained:
		log.Info("Drain complete")
	case <-timer.C:
		log.Warn("Drain window elapsed, force-canceling in-flight executions")
		cancelRun()
		w.forceCancel(ctx)
	}

	w.health.Stop(ctx)
	return nil
}

// forceCancel flips the still-tracked executions to CANCELED in the store.
// It runs inside half the grace-period buffer, leaving the rest for final
// I/O on the way out.
func (w *Worker) forceCancel(ctx context.Context) {
	log := logger.FromContext(ctx)
	ids := w.inFlightIDs()
	if len(ids) == 0 {
		return
	}
	buffer := w.cfg.Shutdown.GracePeriod - w.cfg.Shutdown.Timeout
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buffer/2)
	defer cancel()
	n, err := w.executions.CancelRunning(cancelCtx, ids)
	if err != nil {
		log.Error("Failed to cancel leftover executions", "error", err, "count", len(ids))
		return
	}
	log.Info("Force-canceled leftover executions", "count", n)
}

func (w *Worker) track(id core.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight[id] = struct{}{}
}

func (w *Worker) untrack(id core.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}

func (w *Worker) inFlightIDs() []core.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]core.ID, 0, len(w.inFlight))
	for id := range w.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) setStarted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
}

func (w *Worker) setDraining() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.draining = true
}

// Ready reports whether the worker accepts new triggers: started and not
// draining.
func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.draining
}
