package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tokenline/internal/config"
	"github.com/roach88/tokenline/internal/ir"
)

// Scenario is a pipeline run with expectations about its ledger.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pipeline is the pipeline to run, rows included in its source options.
	Pipeline config.Pipeline `yaml:"pipeline"`

	// Assertions are checked against the finished run.
	Assertions []Assertion `yaml:"assertions"`
}

// Assertion checks one property of a finished run.
type Assertion struct {
	// Type selects the check: run_status, outcome_count, sink_count,
	// error_class or audit_clean.
	Type string `yaml:"type"`

	Status ir.RunStatus   `yaml:"status,omitempty"`
	Kind   ir.OutcomeKind `yaml:"kind,omitempty"`
	Sink   string         `yaml:"sink,omitempty"`
	Class  string         `yaml:"class,omitempty"`
	Count  *int           `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRunStatus    = "run_status"
	AssertOutcomeCount = "outcome_count"
	AssertSinkCount    = "sink_count"
	AssertErrorClass   = "error_class"
	AssertAuditClean   = "audit_clean"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if err := s.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertRunStatus:
		if a.Status == "" {
			return errors.New("status is required")
		}
	case AssertOutcomeCount:
		if !a.Kind.IsValid() {
			return fmt.Errorf("unknown outcome kind %q", a.Kind)
		}
		if a.Count == nil {
			return errors.New("count is required")
		}
	case AssertSinkCount:
		if a.Sink == "" || a.Count == nil {
			return errors.New("sink and count are required")
		}
	case AssertErrorClass:
		if a.Class == "" || a.Count == nil {
			return errors.New("class and count are required")
		}
		if a.Kind != "" && !a.Kind.IsValid() {
			return fmt.Errorf("unknown outcome kind %q", a.Kind)
		}
	case AssertAuditClean:
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
