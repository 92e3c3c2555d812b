package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/sift/internal/cache"
	"github.com/roach88/sift/internal/canon"
	"github.com/roach88/sift/internal/snapshot"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [step %d, seq %d] %s\n", event.Step, event.Seq, show(event.Messages))
	}

	return buf.String()
}

// assertRecord checks that the record found by id, or by index and key,
// contains the expected fields.
func assertRecord(result *Result, a Assertion) error {
	var (
		rec   *snapshot.Map
		ok    bool
		where string
	)
	if a.ID != "" {
		rec, ok = cache.Lookup(result.State, a.ID)
		where = fmt.Sprintf("id %q", a.ID)
	} else {
		rec, ok = cache.Resolve(result.State, a.Index, a.Key)
		where = fmt.Sprintf("%s[%q]", a.Index, a.Key)
	}

	if !ok {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("record at %s matching %s", where, show(a.Expect)),
			Actual:   "no record",
			Trace:    result.Trace,
		}
	}
	if !matchSubset(rec, a.Expect) {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("record at %s matching %s", where, show(a.Expect)),
			Actual:   show(rec),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertRecordCount(result *Result, a Assertion) error {
	got := len(cache.IDs(result.State))
	if got != a.Count {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d records", a.Count),
			Actual:   fmt.Sprintf("%d records: %v", got, cache.IDs(result.State)),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	v, ok := lookupPath(result.State, a.Path)
	if !ok {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s matching %s", a.Path, show(a.Expect)),
			Actual:   "path not found",
			Trace:    result.Trace,
		}
	}
	if !matchSubset(v, a.Expect) {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s matching %s", a.Path, show(a.Expect)),
			Actual:   show(v),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertAbsent(result *Result, a Assertion) error {
	if v, ok := lookupPath(result.State, a.Path); ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("nothing at %s", a.Path),
			Actual:   show(v),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertSeq(result *Result, a Assertion, seq int64) error {
	if seq != int64(a.Count) {
		return &AssertionError{
			Type:     AssertSeq,
			Expected: fmt.Sprintf("seq %d", a.Count),
			Actual:   fmt.Sprintf("seq %d", seq),
			Trace:    result.Trace,
		}
	}
	return nil
}

// lookupPath follows a dotted path through nested records.
func lookupPath(m *snapshot.Map, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(*snapshot.Map)
		if !ok {
			return nil, false
		}
		if cur, ok = node.Get(part); !ok {
			return nil, false
		}
	}
	return cur, true
}

// matchSubset checks if actual contains expected. Records match when
// every expected field matches; extra fields in actual are ignored. Lists
// match element by element and must have the same length.
func matchSubset(actual, expected any) bool {
	switch exp := expected.(type) {
	case snapshot.Record:
		return matchRecord(actual, exp)
	case map[string]any:
		return matchRecord(actual, exp)
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !matchSubset(act[i], exp[i]) {
				return false
			}
		}
		return true
	}
	return valuesEqual(actual, expected)
}

func matchRecord(actual any, expected map[string]any) bool {
	m, ok := actual.(*snapshot.Map)
	if !ok {
		return false
	}
	for k, ev := range expected {
		av, ok := m.Get(k)
		if !ok || !matchSubset(av, ev) {
			return false
		}
	}
	return true
}

// valuesEqual compares scalars. Numbers compare by value whatever their Go
// type, so 3 from a scenario file matches 3.0 from a message.
func valuesEqual(actual, expected any) bool {
	if af, ok := number(actual); ok {
		ef, ok := number(expected)
		return ok && af == ef
	}
	return reflect.DeepEqual(actual, expected)
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// show renders a value as canonical JSON for messages.
func show(v any) string {
	data, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, seq int64) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRecord:
			err = assertRecord(result, a)
		case AssertRecordCount:
			err = assertRecordCount(result, a)
		case AssertState:
			err = assertState(result, a)
		case AssertAbsent:
			err = assertAbsent(result, a)
		case AssertSeq:
			err = assertSeq(result, a, seq)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
