package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/sift/internal/cache"
	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/logging"
	"github.com/roach88/sift/internal/std"
	"github.com/roach88/sift/internal/store"
	"github.com/roach88/sift/internal/testutil"
)

// Harness is the scenario execution engine. It runs scenarios with
// deterministic ids and timestamps.
type Harness struct {
	journal *store.SQLite
	d       *engine.Dispatcher
	clock   *testutil.DeterministicClock
	ids     *testutil.SequentialIDs
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh dispatcher journaling to a fresh
// in-memory database.
//
// Execution flow:
// 1. Install the cache (and the standard extensions if asked) and register indexers
// 2. Send each step as one batch
// 3. Verify the journal against the dispatcher
// 4. Evaluate assertions against the final state
//
// The returned error reports harness failures; scenario failures are in
// the Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, logging.NewNop())
}

// RunWithLogger is Run with dispatcher logging sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	journal, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
	}
	defer journal.Close()

	h := &Harness{
		journal: journal,
		clock:   testutil.NewDeterministicClock(),
		ids:     testutil.NewSequentialIDs("id"),
		logger:  logger,
	}
	h.d = engine.New(
		engine.WithLogger(logger),
		engine.WithHooks(store.Hooks(journal, logger)),
	)

	ctx := context.Background()
	if err := h.install(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to install extensions: %w", err)
	}

	result := NewResult()
	h.executeSteps(ctx, scenario.Steps, result)
	result.State = h.d.State()

	if err := h.checkJournal(ctx, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.d.Seq()) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) install(ctx context.Context, s *Scenario) error {
	c := cache.New(cache.WithIDs(h.ids), cache.WithClock(h.clock.Now))
	exts := c.Extensions()
	if s.Standard {
		exts = std.Standard(c)
	}

	msgs := []any{exts}
	if len(s.Indexes) > 0 {
		idx := make([]cache.Index, len(s.Indexes))
		for i, ic := range s.Indexes {
			idx[i] = ic.Index()
		}
		msgs = append(msgs, cache.Register(idx...))
	}
	_, err := h.d.Send(ctx, msgs...)
	return err
}

// executeSteps sends every step as one batch. A failed step is recorded
// and the run continues, so later assertions still report.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) {
	for i, step := range steps {
		out, err := h.d.Send(ctx, step.Send...)
		ev := TraceEvent{Step: i, Seq: h.d.Seq(), Messages: out}
		if err != nil {
			ev.Error = err.Error()
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}
		result.AddTrace(ev)

		h.logger.Debug("step completed",
			"step", i,
			"messages", len(step.Send),
			"seq", ev.Seq,
		)
	}
}

// checkJournal verifies every journaled digest and that the journal holds
// one commit per transaction.
func (h *Harness) checkJournal(ctx context.Context, result *Result) error {
	n, err := store.Verify(ctx, h.journal)
	if err != nil {
		result.AddError(fmt.Sprintf("journal: %v", err))
	}
	result.Journaled = n

	latest, err := h.journal.Latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if latest.Seq != h.d.Seq() || int64(n) != h.d.Seq() {
		result.AddError(fmt.Sprintf("journal: %d commits up to seq %d, dispatcher at seq %d", n, latest.Seq, h.d.Seq()))
	}
	return nil
}
