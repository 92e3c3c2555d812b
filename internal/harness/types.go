package harness

import (
	"github.com/roach88/sift/internal/snapshot"
)

// TraceEvent records one step: the committed messages Send returned and
// the seq of the transaction.
type TraceEvent struct {
	Step     int    `json:"step"`
	Seq      int64  `json:"seq"`
	Messages []any  `json:"messages"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step committed and every assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final committed snapshot.
	State *snapshot.Map `json:"state"`

	// Journaled is the number of commits found in the journal.
	Journaled int `json:"journaled"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  snapshot.Empty(),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
