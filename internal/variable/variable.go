// Package variable renders {{VAR}} placeholders in task queries from a run's
// seed values and a few built-in variables.
package variable

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/randalmurphal/workrun/internal/run"
)

// VariableSet is a map of variable name to value.
type VariableSet map[string]string

// Merge combines another VariableSet into this one.
// Values from other override existing values.
func (vs VariableSet) Merge(other VariableSet) {
	for k, v := range other {
		vs[k] = v
	}
}

var invalidNameChars = regexp.MustCompile(`[^A-Z0-9_]+`)

// Name normalizes a seed key into a variable name: upper case with every
// other character run replaced by an underscore. "issue-title" becomes
// ISSUE_TITLE.
func Name(key string) string {
	return invalidNameChars.ReplaceAllString(strings.ToUpper(key), "_")
}

// ForStep returns the variables available to the queries of step seq.
// Seeds cannot shadow the built-ins RUN_ID, WORKFLOW_ID, ISSUE_KEY, STEP and
// STEP_COUNT.
func ForStep(r *run.WorkflowRun, seq int) VariableSet {
	vars := make(VariableSet, len(r.SeedValues)+5)
	for k, v := range r.SeedValues {
		vars[Name(k)] = v
	}
	vars.Merge(VariableSet{
		"RUN_ID":      r.ID,
		"WORKFLOW_ID": r.WorkflowID,
		"ISSUE_KEY":   r.IssueKey,
		"STEP":        strconv.Itoa(seq),
		"STEP_COUNT":  strconv.Itoa(r.StepCount()),
	})
	return vars
}
