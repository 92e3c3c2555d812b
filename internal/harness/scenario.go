package harness

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/roach88/sift/internal/config"
	"github.com/roach88/sift/internal/loader"
	"github.com/roach88/sift/internal/snapshot"
)

// Scenario defines a test scenario: indexers to register, batches of
// messages to send and assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `mapstructure:"name"`

	// Description explains what this scenario validates.
	Description string `mapstructure:"description"`

	// Standard installs the config and alias extensions after the cache.
	Standard bool `mapstructure:"standard"`

	// Indexes are registered before the first step, in order.
	Indexes []config.IndexConfig `mapstructure:"indexes"`

	// Steps are sent one batch at a time.
	Steps []Step `mapstructure:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `mapstructure:"assertions"`
}

// Step is one batch of messages.
type Step struct {
	// Description is informational only.
	Description string `mapstructure:"description"`

	// Send holds the messages of the batch.
	Send []any `mapstructure:"send"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type selects the assertion; see the Assert* constants.
	Type string `mapstructure:"type"`

	// Index and Key locate a record through an indexer (record).
	Index string `mapstructure:"index"`
	Key   string `mapstructure:"key"`

	// ID locates a record directly (record).
	ID string `mapstructure:"id"`

	// Path is a dotted state path (state, absent).
	Path string `mapstructure:"path"`

	// Expect is the expected value (record, state). Subset match.
	Expect any `mapstructure:"expect"`

	// Count is the expected number (record_count, seq).
	Count int `mapstructure:"count"`
}

// Assertion type constants.
const (
	AssertRecord      = "record"
	AssertRecordCount = "record_count"
	AssertState       = "state"
	AssertAbsent      = "absent"
	AssertSeq         = "seq"
)

var assertionTypes = []string{AssertRecord, AssertRecordCount, AssertState, AssertAbsent, AssertSeq}

// LoadScenario reads and parses a scenario file. The format follows the
// file extension. Unknown fields are rejected, which catches typos like
// "assertion:" for "assertions:".
func LoadScenario(path string) (*Scenario, error) {
	docs, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	if len(docs) != 1 {
		return nil, fmt.Errorf("scenario file %s must hold exactly one document, got %d", path, len(docs))
	}
	s, err := DecodeScenario(docs[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// DecodeScenario decodes and validates a scenario from a loaded document.
func DecodeScenario(doc any) (*Scenario, error) {
	if _, ok := doc.(snapshot.Record); !ok {
		return nil, fmt.Errorf("scenario must be an object, got %T", doc)
	}

	var s Scenario
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// LoadScenarios loads every scenario file in dir, sorted by path.
func LoadScenarios(dir string) ([]*Scenario, error) {
	files, err := loader.FindFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	out := make([]*Scenario, 0, len(files))
	for _, f := range files {
		s, err := LoadScenario(f)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if filepath.Base(s.Name) != s.Name {
		return fmt.Errorf("name %q must not contain path separators", s.Name)
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if err := config.ValidateIndexes(s.Indexes); err != nil {
		return err
	}

	for i, step := range s.Steps {
		if len(step.Send) == 0 {
			return fmt.Errorf("steps[%d]: send is required and must be non-empty", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}

	return nil
}

func validateAssertion(a Assertion) error {
	if !slices.Contains(assertionTypes, a.Type) {
		return fmt.Errorf("unknown type %q (want one of %v)", a.Type, assertionTypes)
	}

	switch a.Type {
	case AssertRecord:
		if a.ID == "" && (a.Index == "" || a.Key == "") {
			return fmt.Errorf("record needs id, or index and key")
		}
		if a.Expect == nil {
			return fmt.Errorf("record needs expect")
		}
	case AssertState:
		if a.Path == "" {
			return fmt.Errorf("state needs path")
		}
		if a.Expect == nil {
			return fmt.Errorf("state needs expect")
		}
	case AssertAbsent:
		if a.Path == "" {
			return fmt.Errorf("absent needs path")
		}
	case AssertRecordCount, AssertSeq:
		if a.Count < 0 {
			return fmt.Errorf("%s count must not be negative", a.Type)
		}
	}
	return nil
}
