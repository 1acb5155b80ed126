package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/randalmurphal/workrun/internal/errors"
	"github.com/randalmurphal/workrun/internal/progress"
	"github.com/randalmurphal/workrun/internal/run"
)

// SetupSignalHandler returns a context that is cancelled on SIGINT/SIGTERM.
// A second signal exits immediately.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "\nReceived %s, pausing the run...\n", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}

		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s again, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}

// drive runs the pipeline of r in the foreground until it stops on its own
// or ctx is cancelled, printing progress unless JSON output is requested. On
// cancellation the run is paused so it can be resumed later.
func drive(ctx context.Context, a *app, r *run.WorkflowRun, w io.Writer) (*run.WorkflowRun, error) {
	out := &syncWriter{w: w}
	if !jsonOut {
		watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
		watching := progress.New(out, r.ID, r.StepCount(), quiet).Watch(watchCtx, a.publisher)
		defer func() {
			stopWatch()
			<-watching
		}()
	}

	a.dispatcher.Submit(r.ID)

	done := make(chan struct{})
	go func() {
		a.dispatcher.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.dispatcher.Close()
		<-done
		return gracefulPause(context.WithoutCancel(ctx), a, r.ID, out)
	}
	return a.svc.GetRun(ctx, r.ID)
}

// gracefulPause pauses an interrupted run. A run that already left RUNNING
// is returned as is.
func gracefulPause(ctx context.Context, a *app, runID string, out io.Writer) (*run.WorkflowRun, error) {
	r, err := a.svc.PauseRun(ctx, runID, "interrupted")
	if errors.HasCode(err, errors.CodeInvalidStateTransition) {
		return a.svc.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("pause run on interrupt: %w", err)
	}
	fmt.Fprintf(out, "State saved. Resume with: workrun resume %s\n", runID)
	return r, nil
}

// syncWriter serializes writes from the progress display and the command.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
