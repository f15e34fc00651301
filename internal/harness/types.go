package harness

import "github.com/roach88/tokenline/internal/engine"

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	// Errors holds one message per failed assertion.
	Errors []string

	// Summary is the engine's account of the run.
	Summary engine.Summary

	// Snapshot is the run's ledger rendered without ids.
	Snapshot []byte
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true}
}

// AddError records a failed assertion.
func (r *Result) AddError(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}
