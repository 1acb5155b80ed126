package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/workrun/internal/events"
	"github.com/randalmurphal/workrun/internal/lock"
)

// Runner drives the pipeline of one run.
type Runner interface {
	Run(ctx context.Context, runID string) error
}

// DefaultWorkers is the number of runs driven at once when none is configured.
const DefaultWorkers = 4

// Dispatcher drives run pipelines on a bounded pool of workers. At most one
// pipeline per run is active in the process, and a run lease keeps other
// processes sharing the lease directory from driving it too.
type Dispatcher struct {
	runner    Runner
	locker    lock.Locker
	sem       *semaphore.Weighted
	heartbeat time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]bool
	pending map[string]bool
	closed  bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithHeartbeatInterval sets how often held leases are refreshed.
func WithHeartbeatInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.heartbeat = interval }
}

// NewDispatcher creates a Dispatcher with the given number of workers.
func NewDispatcher(runner Runner, locker lock.Locker, workers int, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:    runner,
		locker:    locker,
		sem:       semaphore.NewWeighted(int64(workers)),
		heartbeat: lock.DefaultHeartbeatInterval,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]bool),
		pending:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Submit schedules the pipeline of runID. A trigger for a run whose pipeline
// is already active is coalesced: at most one follow-up pass is queued, and
// it returns false.
func (d *Dispatcher) Submit(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if d.active[runID] {
		d.pending[runID] = true
		d.logger.Debug("pipeline already active, trigger coalesced", "run_id", runID)
		return false
	}
	d.active[runID] = true
	d.wg.Add(1)
	go d.work(runID)
	return true
}

// IsActive reports whether a pipeline for runID is queued or running.
func (d *Dispatcher) IsActive(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[runID]
}

// Wait blocks until every submitted pipeline has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting triggers, cancels running pipelines and waits for
// them to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// Listen subscribes to pub and, until ctx is done or the publisher closes,
// submits every run that publishes RunStarted or RunResumed. The
// subscription is in place when Listen returns; the returned channel is
// closed once listening stops.
func (d *Dispatcher) Listen(ctx context.Context, pub events.Publisher) <-chan struct{} {
	ch := pub.Subscribe(events.GlobalRunID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pub.Unsubscribe(events.GlobalRunID, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Kind {
				case events.KindRunStarted, events.KindRunResumed:
					d.Submit(ev.RunID)
				}
			}
		}
	}()
	return done
}

func (d *Dispatcher) work(runID string) {
	defer d.wg.Done()
	for {
		d.runOnce(runID)

		d.mu.Lock()
		again := d.pending[runID] && !d.closed
		delete(d.pending, runID)
		if !again {
			delete(d.active, runID)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) runOnce(runID string) {
	logger := d.logger.With("run_id", runID)
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	if err := d.locker.Acquire(runID); err != nil {
		logger.Info("run leased elsewhere, skipping", "error", err)
		return
	}
	defer func() {
		if err := d.locker.Release(runID); err != nil {
			logger.Warn("failed to release run lease", "error", err)
		}
	}()

	hb := lock.NewHeartbeatRunner(d.locker, runID, d.heartbeat)
	hb.Start(d.ctx)
	defer hb.Stop()

	if err := d.runner.Run(d.ctx, runID); err != nil {
		if d.ctx.Err() != nil {
			logger.Info("pipeline interrupted", "error", err)
			return
		}
		logger.Error("pipeline failed", "error", err)
	}
}
