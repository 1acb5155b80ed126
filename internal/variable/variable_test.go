package variable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/workrun/internal/run"
)

func TestName(t *testing.T) {
	assert.Equal(t, "TICKET", Name("ticket"))
	assert.Equal(t, "ISSUE_TITLE", Name("issue-title"))
	assert.Equal(t, "A_B", Name("a  .b"))
}

func TestForStep(t *testing.T) {
	r, err := run.NewWorkflowRun(run.NewRunParams{
		ID:         "run-1",
		WorkflowID: "bugfix",
		IssueKey:   "PROJ-1",
		SeedValues: map[string]string{"ticket": "PROJ-1", "run_id": "spoofed"},
		WorkNodeConfigs: []run.WorkNodeConfig{
			{Tasks: []run.TaskConfig{{Query: "a"}}},
			{Tasks: []run.TaskConfig{{Query: "b"}}},
		},
	})
	require.NoError(t, err)

	vars := ForStep(r, 1)
	assert.Equal(t, "PROJ-1", vars["TICKET"])
	assert.Equal(t, "run-1", vars["RUN_ID"], "built-ins win over seeds")
	assert.Equal(t, "bugfix", vars["WORKFLOW_ID"])
	assert.Equal(t, "1", vars["STEP"])
	assert.Equal(t, "2", vars["STEP_COUNT"])
}

func TestRender(t *testing.T) {
	t.Parallel()

	vars := VariableSet{
		"TICKET": "PROJ-9",
		"STEP":   "0",
		"EMPTY":  "",
	}

	tests := []struct {
		name     string
		input    string
		expected string
		missing  []string
	}{
		{"single variable", "Fix {{TICKET}}", "Fix PROJ-9", nil},
		{"multiple variables", "{{TICKET}} step {{STEP}}", "PROJ-9 step 0", nil},
		{"unknown variable kept", "Use {{OTHER}} here", "Use {{OTHER}} here", []string{"OTHER"}},
		{"lower case is not a placeholder", "{{ticket}}", "{{ticket}}", nil},
		{"conditional kept", "A{{#if TICKET}} for {{TICKET}}{{/if}}.", "A for PROJ-9.", nil},
		{"conditional dropped when empty", "A{{#if EMPTY}} hidden{{/if}}.", "A.", nil},
		{"conditional dropped when unset", "A{{#if NOPE}} hidden{{/if}}.", "A.", nil},
		{"multiline conditional", "{{#if STEP}}line1\nline2{{/if}}", "line1\nline2", nil},
		{"no variables", "plain query", "plain query", nil},
		{"empty string", "", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, missing := Render(tt.input, vars)
			assert.Equal(t, tt.expected, out)
			assert.Equal(t, tt.missing, missing)
		})
	}
}
