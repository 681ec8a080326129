package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/arcsim/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// It serializes to canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Session      string       `json:"session"`
	Trace        []TraceEvent `json:"trace"`
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	trace := make(ir.IRArray, len(s.Trace))
	for i, ev := range s.Trace {
		trace[i] = ev.irObject()
	}
	return ir.MarshalCanonical(ir.IRObject{
		"scenario_name": ir.IRString(s.ScenarioName),
		"session":       ir.IRString(s.Session),
		"trace":         trace,
	})
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if the scenario cannot be executed. A trace mismatch
// fails the test through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against the golden file
// named scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Session:      result.Session,
		Trace:        result.Trace,
	}
	data, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
