// Package compensation provides a LIFO stack of reversible actions used to roll
// back side effects when a multi-step use case fails part way through.
//
// A use case pushes an Action after every side effect succeeds. If a later step
// fails it calls RunAll, which reverts the pushed actions newest first. Revert
// failures are logged and collected but never stop the remaining reverts and are
// never returned in place of the error that triggered the rollback.
package compensation

import (
	"context"
	"log/slog"
	"sync"
)

// Action describes one reversible side effect.
type Action interface {
	// Name is a short stable identifier such as "git.reset".
	Name() string
	// Attrs are slog key/value pairs describing the captured state.
	Attrs() []any
	// Revert undoes the side effect.
	Revert(ctx context.Context) error
}

// FuncAction is an Action backed by a function plus a description.
type FuncAction struct {
	ActionName string
	Details    []any
	Fn         func(ctx context.Context) error
}

// Name implements Action.
func (a FuncAction) Name() string { return a.ActionName }

// Attrs implements Action.
func (a FuncAction) Attrs() []any { return a.Details }

// Revert implements Action.
func (a FuncAction) Revert(ctx context.Context) error {
	if a.Fn == nil {
		return nil
	}
	return a.Fn(ctx)
}

// Failure records a revert that returned an error.
type Failure struct {
	Action Action
	Err    error
}

// Stack is scoped to a single use-case invocation. It is safe for concurrent
// Push calls but is not meant to be shared between invocations.
type Stack struct {
	mu      sync.Mutex
	actions []Action
	logger  *slog.Logger
}

// New creates an empty stack.
func New(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{logger: logger}
}

// Push records an action to revert on failure.
func (s *Stack) Push(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

// PushFunc is shorthand for Push(FuncAction{...}).
func (s *Stack) PushFunc(name string, fn func(ctx context.Context) error, attrs ...any) {
	s.Push(FuncAction{ActionName: name, Details: attrs, Fn: fn})
}

// Len returns the number of pending actions.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// Actions returns the pending actions in push order.
func (s *Stack) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, len(s.actions))
	copy(out, s.actions)
	return out
}

// Confirm discards all pending actions once the use case has succeeded.
func (s *Stack) Confirm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = nil
}

// RunAll reverts every pending action in reverse push order and empties the
// stack. Each failure is logged and collected; the loop always continues.
func (s *Stack) RunAll(ctx context.Context) []Failure {
	s.mu.Lock()
	actions := s.actions
	s.actions = nil
	s.mu.Unlock()

	var failures []Failure
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		attrs := append([]any{"action", a.Name()}, a.Attrs()...)

		if err := revertSafely(ctx, a); err != nil {
			s.logger.Warn("compensation failed", append(attrs, "error", err)...)
			failures = append(failures, Failure{Action: a, Err: err})
			continue
		}
		s.logger.Debug("compensation applied", attrs...)
	}
	return failures
}

// revertSafely converts a panicking revert into an error so one broken
// action cannot abort the rest of the rollback.
func revertSafely(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return a.Revert(ctx)
}

// PanicError wraps a value recovered from a panicking revert.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "compensation panicked"
}
