package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &Error{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &Error{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name:     "full error",
			err:      &Error{What: "something broke", Why: "bad input", Fix: "try again"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again",
		},
		{
			name:     "with cause",
			err:      &Error{What: "something broke", Cause: errors.New("underlying error")},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestErrorIsComparesCode(t *testing.T) {
	err := fmt.Errorf("save run: %w", Conflict("workflow run", "run-1", 3))

	if !errors.Is(err, ErrConcurrentModification) {
		t.Error("wrapped conflict should match ErrConcurrentModification")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("conflict should not match ErrNotFound")
	}
	if !HasCode(err, CodeConcurrentModification) {
		t.Error("HasCode should find the wrapped code")
	}
}

func TestCategoryHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{NotFound("run", "x"), 404},
		{Invariant("bad", "worse"), 400},
		{InvalidTransition("r", "start", "RUNNING"), 409},
		{Conflict("run", "r", 1), 409},
		{AgentRetryable(errors.New("timeout")), 503},
		{Resource("mkdir", errors.New("denied")), 500},
		{&Error{Code: "SOMETHING_ELSE"}, 500},
	}
	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.want {
			t.Errorf("%s HTTPStatus() = %d, want %d", tt.err.Code, got, tt.want)
		}
	}
}

func TestAsError(t *testing.T) {
	orig := NotFound("checkpoint", "cp-1")
	wrapped := fmt.Errorf("restore: %w", orig)

	if got := AsError(wrapped); got != orig {
		t.Errorf("AsError() = %v, want %v", got, orig)
	}
	if got := AsError(errors.New("plain")); got != nil {
		t.Errorf("AsError(plain) = %v, want nil", got)
	}
	if got := AsError(nil); got != nil {
		t.Errorf("AsError(nil) = %v, want nil", got)
	}
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	err := Resource("create worktree", errors.New("exit status 128"))
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatal(jerr)
	}

	var decoded map[string]any
	if jerr := json.Unmarshal(data, &decoded); jerr != nil {
		t.Fatal(jerr)
	}
	if decoded["code"] != string(CodeResourceFailure) {
		t.Errorf("code = %v", decoded["code"])
	}
	if decoded["cause"] != "exit status 128" {
		t.Errorf("cause = %v", decoded["cause"])
	}
}

func TestWithCauseKeepsCode(t *testing.T) {
	base := MaxRetries("exec-1", 3, nil)
	withCause := base.WithCause(errors.New("boom"))

	if withCause.Code != CodeMaxRetries {
		t.Errorf("Code = %s", withCause.Code)
	}
	if base.Cause != nil {
		t.Error("WithCause must not modify the receiver")
	}
}
