package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/sift/internal/cache"
	"github.com/roach88/sift/internal/canon"
)

// TraceSnapshot captures what a scenario produced: the committed messages
// of every step and the final cached records. Indexer functions are left
// out; their names depend on how the binary was built.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Records      any          `json:"records"`
}

// NewTraceSnapshot builds the snapshot of a result.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	records, ok := result.State.Map(cache.KeyByID)
	if !ok {
		return TraceSnapshot{ScenarioName: name, Trace: result.Trace, Records: map[string]any{}}
	}
	return TraceSnapshot{ScenarioName: name, Trace: result.Trace, Records: records}
}

// Marshal returns the snapshot as indented canonical JSON.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	return canon.MarshalIndent(s, "  ")
}

// RunWithGolden executes a scenario and compares its trace snapshot against
// a golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares a result's trace snapshot against a golden file,
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewTraceSnapshot(scenarioName, result).Marshal()
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
