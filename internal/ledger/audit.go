package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/tokenline/internal/store"
)

// GapCategory names one class of audit gap.
type GapCategory string

const (
	GapNoTerminal               GapCategory = "tokens_without_terminal"
	GapMissingRequiredField     GapCategory = "missing_required_field"
	GapSinkOutcomeWithoutState  GapCategory = "sink_outcome_without_state"
	GapSinkStateWithoutOutcome  GapCategory = "sink_state_without_outcome"
	GapGroupWithoutChildren     GapCategory = "group_without_children"
	GapCoalescedWithoutSurvivor GapCategory = "coalesced_without_survivor"
)

// Section holds the findings for one category.
type Section struct {
	Category GapCategory     `json:"category"`
	Findings []store.Finding `json:"findings"`
}

// AuditReport is the result of an audit sweep. Sections always appear in
// the same order, including empty ones.
type AuditReport struct {
	RunID    string    `json:"run_id"`
	Sections []Section `json:"sections"`
}

// Total returns the number of findings across all categories.
func (r AuditReport) Total() int {
	n := 0
	for _, s := range r.Sections {
		n += len(s.Findings)
	}
	return n
}

// Clean reports whether the sweep found no gaps.
func (r AuditReport) Clean() bool {
	return r.Total() == 0
}

// Count returns the number of findings in one category.
func (r AuditReport) Count(c GapCategory) int {
	for _, s := range r.Sections {
		if s.Category == c {
			return len(s.Findings)
		}
	}
	return 0
}

// Findings returns the findings in one category.
func (r AuditReport) Findings(c GapCategory) []store.Finding {
	for _, s := range r.Sections {
		if s.Category == c {
			return s.Findings
		}
	}
	return []store.Finding{}
}

// Err returns nil for a clean report and a summary error otherwise.
func (r AuditReport) Err() error {
	if r.Clean() {
		return nil
	}
	var parts []string
	for _, s := range r.Sections {
		if len(s.Findings) > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s.Category, len(s.Findings)))
		}
	}
	return fmt.Errorf("audit sweep for run %s found %d gaps: %s", r.RunID, r.Total(), strings.Join(parts, ", "))
}

// AuditSweep checks a run's ledger for integrity gaps. It only reads, so
// repeating it on an unchanged run returns an identical report.
func (l *Ledger) AuditSweep(ctx context.Context, runID string) (AuditReport, error) {
	sweeps := []struct {
		category GapCategory
		run      func(context.Context, string) ([]store.Finding, error)
	}{
		{GapNoTerminal, l.store.SweepTokensWithoutTerminal},
		{GapMissingRequiredField, l.store.SweepMissingRequiredFields},
		{GapSinkOutcomeWithoutState, l.store.SweepSinkOutcomesWithoutState},
		{GapSinkStateWithoutOutcome, l.store.SweepSinkStatesWithoutOutcome},
		{GapGroupWithoutChildren, l.store.SweepGroupsWithoutChildren},
		{GapCoalescedWithoutSurvivor, l.store.SweepCoalescedWithoutSurvivor},
	}

	report := AuditReport{RunID: runID, Sections: make([]Section, 0, len(sweeps))}
	for _, sw := range sweeps {
		findings, err := sw.run(ctx, runID)
		if err != nil {
			return AuditReport{}, fmt.Errorf("audit sweep %s: %w", sw.category, err)
		}
		report.Sections = append(report.Sections, Section{Category: sw.category, Findings: findings})
	}

	attrs := []any{"run_id", runID, "gaps", report.Total()}
	if report.Clean() {
		l.logger.Info("audit sweep clean", attrs...)
	} else {
		l.logger.Error("audit sweep found gaps", attrs...)
	}
	return report, nil
}
