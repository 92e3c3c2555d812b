package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/sift/internal/canon"
	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/snapshot"
)

// NewCommit encodes a commit event canonically.
func NewCommit(ev engine.CommitEvent, now time.Time) (Commit, error) {
	messages, err := canon.Marshal(ev.Messages)
	if err != nil {
		return Commit{}, fmt.Errorf("encode messages of commit %d: %w", ev.Seq, err)
	}
	state, err := canon.Marshal(ev.State)
	if err != nil {
		return Commit{}, fmt.Errorf("encode state of commit %d: %w", ev.Seq, err)
	}
	return Commit{
		Seq:       ev.Seq,
		Digest:    canon.DigestBytes(state),
		Messages:  messages,
		State:     state,
		Duration:  ev.Duration,
		CreatedAt: now.UTC(),
	}, nil
}

// DecodeState rebuilds a snapshot from its journaled JSON. Integral
// numbers come back as int, others as float64.
func DecodeState(data []byte) (*snapshot.Map, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if rec == nil {
		return snapshot.Empty(), nil
	}
	return snapshot.FromRecord(numbers(rec).(map[string]any)), nil
}

func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = numbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = numbers(e)
		}
		return x
	}
	return v
}

// Restore returns the latest journaled state and its seq, for resuming a
// dispatcher with engine.WithState. An empty journal restores the empty
// state at seq 0. The stored digest is checked against the decoded state.
func Restore(ctx context.Context, j Journal) (*snapshot.Map, int64, error) {
	c, err := j.Latest(ctx)
	if errors.Is(err, ErrNotFound) {
		return snapshot.Empty(), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	state, err := verify(c)
	if err != nil {
		return nil, 0, err
	}
	return state, c.Seq, nil
}

// Verify checks the digest of every journaled commit and returns how many
// were checked. Seqs must be strictly increasing; gaps are allowed since
// a journal may be attached to a dispatcher mid-run.
func Verify(ctx context.Context, j Journal) (int, error) {
	commits, err := j.List(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	var last int64
	for i, c := range commits {
		if i > 0 && c.Seq <= last {
			return i, fmt.Errorf("commit %d out of order after %d", c.Seq, last)
		}
		if _, err := verify(c); err != nil {
			return i, err
		}
		last = c.Seq
	}
	return len(commits), nil
}

func verify(c Commit) (*snapshot.Map, error) {
	state, err := DecodeState(c.State)
	if err != nil {
		return nil, fmt.Errorf("commit %d: %w", c.Seq, err)
	}
	got, err := canon.Digest(state)
	if err != nil {
		return nil, fmt.Errorf("commit %d: %w", c.Seq, err)
	}
	if got != c.Digest {
		return nil, fmt.Errorf("commit %d: digest mismatch: stored %s, computed %s", c.Seq, c.Digest, got)
	}
	return state, nil
}

// Hooks returns dispatcher hooks that append every commit to j. Append
// failures are logged; they never fail the Send that committed.
func Hooks(j Journal, logger *slog.Logger) engine.Hooks {
	return engine.Hooks{
		OnCommit: func(ctx context.Context, ev engine.CommitEvent) {
			c, err := NewCommit(ev, time.Now())
			if err == nil {
				err = j.Append(context.WithoutCancel(ctx), c)
			}
			if err != nil {
				logger.Error("journal append failed", "seq", ev.Seq, "error", err)
			}
		},
	}
}
