package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workrun/internal/events"
	"github.com/randalmurphal/workrun/internal/lock"
)

type blockingRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		calls:   make(map[string]int),
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingRunner) Run(ctx context.Context, runID string) error {
	b.mu.Lock()
	b.calls[runID]++
	b.mu.Unlock()
	b.started <- runID
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingRunner) count(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[runID]
}

func waitStarted(t *testing.T, b *blockingRunner) string {
	t.Helper()
	select {
	case id := <-b.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not start")
		return ""
	}
}

func TestDispatcher_CoalescesTriggers(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, lock.NewMemoryLocker("test"), 2)
	defer d.Close()

	assert.True(t, d.Submit("run-1"))
	waitStarted(t, runner)

	assert.False(t, d.Submit("run-1"))
	assert.False(t, d.Submit("run-1"))
	assert.True(t, d.IsActive("run-1"))

	close(runner.release)
	d.Wait()

	assert.Equal(t, 2, runner.count("run-1"), "one follow-up pass for any number of coalesced triggers")
	assert.False(t, d.IsActive("run-1"))
}

func TestDispatcher_BoundsWorkers(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, lock.NewMemoryLocker("test"), 1)
	defer d.Close()

	require.True(t, d.Submit("run-1"))
	require.True(t, d.Submit("run-2"))
	first := waitStarted(t, runner)

	select {
	case id := <-runner.started:
		t.Fatalf("second pipeline %s started while the only worker was busy", id)
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	second := waitStarted(t, runner)
	d.Wait()
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, []string{first, second})
}

func TestDispatcher_SkipsRunLeasedElsewhere(t *testing.T) {
	dir := t.TempDir()
	other := lock.NewFileLocker(dir, "other-host")
	require.NoError(t, other.Acquire("run-1"))

	runner := newBlockingRunner()
	close(runner.release)
	d := NewDispatcher(runner, lock.NewFileLocker(dir, "me"), 1)
	defer d.Close()

	d.Submit("run-1")
	d.Wait()
	assert.Equal(t, 0, runner.count("run-1"))

	require.NoError(t, other.Release("run-1"))
	d.Submit("run-1")
	d.Wait()
	assert.Equal(t, 1, runner.count("run-1"))

	locked, _, err := other.IsLocked("run-1")
	require.NoError(t, err)
	assert.False(t, locked, "lease released after the pipeline")
}

func TestDispatcher_CloseCancelsPipelines(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, lock.NewMemoryLocker("test"), 1)

	d.Submit("run-1")
	waitStarted(t, runner)
	d.Close()

	assert.False(t, d.IsActive("run-1"))
	assert.False(t, d.Submit("run-2"))
}

func TestDispatcher_Listen(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	d := NewDispatcher(runner, lock.NewMemoryLocker("test"), 2)
	defer d.Close()

	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := d.Listen(ctx, pub)
	assert.Equal(t, 1, pub.SubscriberCount(events.GlobalRunID))

	pub.Publish(ctx, events.New("run-1", events.RunPaused{}))
	pub.Publish(ctx, events.New("run-2", events.RunStarted{}))
	pub.Publish(ctx, events.New("run-3", events.RunResumed{}))

	require.Eventually(t, func() bool {
		return runner.count("run-2") == 1 && runner.count("run-3") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, runner.count("run-1"))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}
