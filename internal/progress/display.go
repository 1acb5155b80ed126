// Package progress prints a run's pipeline progress from its domain events.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/randalmurphal/workrun/internal/events"
)

// Display writes one line per progress event of a run.
type Display struct {
	out       io.Writer
	runID     string
	stepCount int
	quiet     bool
	now       func() time.Time

	mu         sync.Mutex
	stepStart  time.Time
	runStart   time.Time
	stepsTaken int
}

// New creates a display for a run with stepCount steps. A quiet display only
// reports failures and the final state.
func New(out io.Writer, runID string, stepCount int, quiet bool) *Display {
	return &Display{out: out, runID: runID, stepCount: stepCount, quiet: quiet, now: time.Now}
}

// Watch subscribes to the run's events and handles them until ctx is done or
// the publisher closes. Events already buffered when ctx is done are still
// handled. The subscription is in place when Watch returns; the returned
// channel is closed once watching stops.
func (d *Display) Watch(ctx context.Context, pub events.Publisher) <-chan struct{} {
	ch := pub.Subscribe(d.runID)
	done := make(chan struct{})
	d.mu.Lock()
	d.runStart = d.now()
	d.mu.Unlock()
	go func() {
		defer close(done)
		defer pub.Unsubscribe(d.runID, ch)
		for {
			select {
			case <-ctx.Done():
				d.drain(ch)
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.Handle(ev)
			}
		}
	}()
	return done
}

// Handle prints the line for a single event. Events without a line are
// ignored.
func (d *Display) Handle(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch p := ev.Payload.(type) {
	case events.ExecutionStarted:
		d.stepStart = d.now()
		d.printf("> step %d/%d started\n", p.Sequence+1, d.stepCount)
	case events.ExecutionCompleted:
		d.stepsTaken++
		d.printf("  step %d/%d completed in %s\n", p.Sequence+1, d.stepCount, formatDuration(d.now().Sub(d.stepStart)))
	case events.CheckpointCreated:
		d.printf("  checkpoint %s (%d repos)\n", p.CheckpointID, p.Repos)
	case events.ExecutionFailed:
		fmt.Fprintf(d.out, "! step %d/%d failed on task %d after %d attempt(s): %s\n",
			p.Sequence+1, d.stepCount, p.TaskOrder, p.Attempts, p.Error)
	case events.RunPaused:
		fmt.Fprintf(d.out, "Run paused at step %d/%d", p.WorkIndex+1, d.stepCount)
		if p.Reason != "" {
			fmt.Fprintf(d.out, ": %s", p.Reason)
		}
		fmt.Fprintln(d.out)
	case events.RunAwaiting:
		fmt.Fprintf(d.out, "Run awaiting review after step %d/%d. Continue with: workrun resume %s\n",
			p.WorkIndex+1, d.stepCount, d.runID)
	case events.RunCompleted:
		fmt.Fprintf(d.out, "Run completed: %d step(s) in %s\n", p.StepCount, formatDuration(d.now().Sub(d.runStart)))
	case events.RunCancelled:
		fmt.Fprintf(d.out, "Run cancelled: %s\n", p.Reason)
	case events.WorkNodeConfigAdded:
		d.stepCount++
	case events.WorkNodeConfigRemoved:
		d.stepCount--
	}
}

func (d *Display) drain(ch <-chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Handle(ev)
		default:
			return
		}
	}
}

// StepsCompleted returns how many steps completed while watching.
func (d *Display) StepsCompleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepsTaken
}

func (d *Display) printf(format string, args ...any) {
	if d.quiet {
		return
	}
	fmt.Fprintf(d.out, format, args...)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
