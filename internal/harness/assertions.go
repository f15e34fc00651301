package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/tokenline/internal/engine"
	"github.com/roach88/tokenline/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string
	Actual   string
	Summary  engine.Summary
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nRun %s %s:\n", e.Summary.RunID, e.Summary.Status)
	for _, k := range ir.AllOutcomeKinds() {
		if n := e.Summary.Outcomes[k]; n > 0 {
			fmt.Fprintf(&buf, "  %s %d\n", k, n)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(assertions []Assertion, sum engine.Summary, outcomes []ir.Outcome) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRunStatus:
			err = assertRunStatus(sum, a)
		case AssertOutcomeCount:
			err = assertCount(a, sum, fmt.Sprintf("%d %s outcomes", *a.Count, a.Kind), sum.Outcomes[a.Kind])
		case AssertSinkCount:
			err = assertCount(a, sum, fmt.Sprintf("%d tokens at sink %s", *a.Count, a.Sink), countSink(outcomes, a.Sink))
		case AssertErrorClass:
			err = assertCount(a, sum, fmt.Sprintf("%d outcomes with error class %s", *a.Count, a.Class), countClass(outcomes, a.Kind, a.Class))
		case AssertAuditClean:
			err = assertAuditClean(sum)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %s", i, err))
		}
	}
	return errs
}

func assertRunStatus(sum engine.Summary, a Assertion) error {
	if sum.Status == a.Status {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: string(a.Status),
		Actual:   string(sum.Status),
		Summary:  sum,
	}
}

func assertCount(a Assertion, sum engine.Summary, expected string, actual int) error {
	if actual == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: expected,
		Actual:   fmt.Sprintf("%d", actual),
		Summary:  sum,
	}
}

func assertAuditClean(sum engine.Summary) error {
	if sum.Audit.Clean() {
		return nil
	}
	return &AssertionError{
		Type:     AssertAuditClean,
		Expected: "no audit gaps",
		Actual:   fmt.Sprintf("%d gaps: %v", sum.Audit.Total(), sum.Audit.Err()),
		Summary:  sum,
	}
}

func countSink(outcomes []ir.Outcome, sink string) int {
	n := 0
	for _, o := range outcomes {
		if o.SinkName == sink {
			n++
		}
	}
	return n
}

// countClass counts outcomes whose error hash is the hash of class,
// optionally restricted to one kind.
func countClass(outcomes []ir.Outcome, kind ir.OutcomeKind, class string) int {
	hash := ir.ErrorHash(class)
	n := 0
	for _, o := range outcomes {
		if o.ErrorHash == hash && (kind == "" || o.Kind == kind) {
			n++
		}
	}
	return n
}
