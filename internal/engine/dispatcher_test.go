package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sift/internal/snapshot"
)

// appendLog appends s to the "log" list of st.
func appendLog(st *snapshot.Draft, s string) {
	cur, _ := st.Get("log").([]any)
	next := append(append([]any{}, cur...), s)
	st.Set("log", next)
}

// logExtension logs every string message it sees.
func logExtension(msg any) any {
	s, ok := msg.(string)
	if !ok {
		return nil
	}
	return Transition(func(st *snapshot.Draft) any {
		appendLog(st, s)
		return nil
	})
}

func stateLog(d *Dispatcher) []any {
	v, _ := d.State().Get("log")
	l, _ := v.([]any)
	return l
}

func TestMake_BareDispatcherReturnsInputs(t *testing.T) {
	d := Make()
	out, err := d.Send(context.Background(), 1, "two")
	require.NoError(t, err)
	assert.Equal(t, []any{1, "two"}, out)
	assert.Same(t, snapshot.Empty(), d.State())
}

func TestMake_MetaSubstitutesPolicy(t *testing.T) {
	var calls int
	counting := func(d *Dispatcher) Policy {
		prev := d.Policy()
		return func(ctx context.Context, inputs []any) ([]any, error) {
			calls++
			return prev(ctx, inputs)
		}
	}
	keep := func(*Dispatcher) Policy { return nil }

	d := Make(counting, keep)
	out, err := d.Send(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, out)
	assert.Equal(t, 1, calls)
}

func TestNew_WithMetaWrapsTransactional(t *testing.T) {
	var seen [][]any
	spy := func(d *Dispatcher) Policy {
		prev := d.Policy()
		return func(ctx context.Context, inputs []any) ([]any, error) {
			seen = append(seen, inputs)
			return prev(ctx, inputs)
		}
	}

	d := New(WithMeta(spy))
	_, err := d.Send(context.Background(), Extension(logExtension), "a")
	require.NoError(t, err)

	assert.Len(t, seen, 1)
	assert.Equal(t, []any{"a"}, stateLog(d))
}

func TestSend_ExtensionSeesItsOwnRegistration(t *testing.T) {
	var calls int
	var sawFunc bool
	ext := Extension(func(msg any) any {
		calls++
		if _, ok := msg.(Extension); ok {
			sawFunc = true
		}
		return nil
	})

	d := New()
	_, err := d.Send(context.Background(), ext)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, sawFunc)
	assert.Equal(t, 1, d.Chain().Len())

	_, err = d.Send(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSend_PlainFuncIsRegistered(t *testing.T) {
	d := New()
	_, err := d.Send(context.Background(), func(msg any) any { return logExtension(msg) }, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Chain().Len())
	assert.Equal(t, []any{"x"}, stateLog(d))
}

func TestSend_ReturnedFunctionsNeverGrowChain(t *testing.T) {
	spawner := Extension(func(any) any {
		return func(any) any { return nil }
	})
	var drops int
	d := New(WithHooks(Hooks{OnDrop: func(context.Context, any) { drops++ }}))

	_, err := d.Send(context.Background(), spawner, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Chain().Len())
	assert.Equal(t, 3, drops)
}

func TestSend_ChainAppliesInRegistrationOrder(t *testing.T) {
	tag := func(name string) Extension {
		return func(msg any) any {
			if _, ok := msg.(string); !ok {
				return nil
			}
			return func(st *snapshot.Draft) { appendLog(st, name) }
		}
	}

	d := New()
	_, err := d.Send(context.Background(), tag("first"), tag("second"))
	require.NoError(t, err)
	_, err = d.Send(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, stateLog(d))
}

func TestSend_TransitionErrorAbortsWholeBatch(t *testing.T) {
	boom := errors.New("boom")
	failing := Extension(func(msg any) any {
		if msg == "fail" {
			return func(*snapshot.Draft) error { return boom }
		}
		return nil
	})

	var aborts int
	d := New(WithHooks(Hooks{OnAbort: func(context.Context, int64, error) { aborts++ }}))
	_, err := d.Send(context.Background(), Extension(logExtension), failing)
	require.NoError(t, err)
	before := d.State()

	out, err := d.Send(context.Background(), "ok", Extension(func(any) any { return nil }), "fail")
	require.Error(t, err)
	assert.True(t, IsTransitionError(err))
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, out)
	assert.Equal(t, 1, aborts)

	assert.Same(t, before, d.State(), "no write of the failed batch is visible")
	assert.Equal(t, 2, d.Chain().Len(), "chain growth of the failed batch is discarded")
	assert.Equal(t, int64(1), d.Seq())

	// The guard was released.
	_, err = d.Send(context.Background(), "after")
	require.NoError(t, err)
	assert.Equal(t, []any{"after"}, stateLog(d))
}

func TestSend_CommittedListsCannotBeChangedByReaders(t *testing.T) {
	d := New()
	_, err := d.Send(context.Background(), Extension(logExtension), "a")
	require.NoError(t, err)

	v, _ := d.State().Get("log")
	v.([]any)[0] = "tampered"

	assert.Equal(t, []any{"a"}, stateLog(d))
	assert.Equal(t, int64(1), d.Seq())
}

func TestSend_AbortedTransitionCannotLeakListWrites(t *testing.T) {
	boom := errors.New("boom")
	leaky := Extension(func(msg any) any {
		if msg != "leak" {
			return nil
		}
		return func(st *snapshot.Draft) error {
			st.Get("log").([]any)[0] = "leaked"
			return boom
		}
	})

	d := New()
	_, err := d.Send(context.Background(), Extension(logExtension), leaky, "a")
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "leak")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []any{"a"}, stateLog(d))
	assert.Equal(t, int64(1), d.Seq())
}

func TestSend_AbortDiscardsBatchesItQueued(t *testing.T) {
	boom := errors.New("boom")
	var failures []error
	d := New(WithHooks(Hooks{OnError: func(_ context.Context, err error) { failures = append(failures, err) }}))
	followUp := Extension(func(msg any) any {
		if msg != "go" {
			return nil
		}
		return []any{
			func(*snapshot.Draft) { _, _ = d.Send(context.Background(), "followup") },
			func(*snapshot.Draft) error { return boom },
		}
	})

	_, err := d.Send(context.Background(), Extension(logExtension), followUp)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "go")
	require.Error(t, err)
	assert.True(t, IsTransitionError(err))
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, stateLog(d), "the follow-up of an aborted transaction never commits")
	assert.Equal(t, int64(1), d.Seq())
	assert.Zero(t, d.Pending())
	require.Len(t, failures, 1)
	assert.True(t, IsDiscardError(failures[0]))

	_, err = d.Send(context.Background(), "after")
	require.NoError(t, err)
	assert.Equal(t, []any{"after"}, stateLog(d))
}

func TestSend_AbortKeepsBatchesQueuedEarlier(t *testing.T) {
	boom := errors.New("boom")
	d := New()
	fanout := Extension(func(msg any) any {
		switch msg {
		case "start":
			return func(*snapshot.Draft) {
				_, _ = d.Send(context.Background(), "bad")
				_, _ = d.Send(context.Background(), "good")
			}
		case "bad":
			return []any{
				func(*snapshot.Draft) { _, _ = d.Send(context.Background(), "orphan") },
				func(*snapshot.Draft) error { return boom },
			}
		}
		return nil
	})

	_, err := d.Send(context.Background(), Extension(logExtension), fanout)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "start")
	require.NoError(t, err, "a failing queued batch is reported to hooks, not to the sender")

	assert.Equal(t, []any{"start", "good"}, stateLog(d))
	assert.Zero(t, d.Pending())
}

func TestSend_PanicReleasesGuard(t *testing.T) {
	panicky := Extension(func(msg any) any {
		if msg == "panic" {
			return func(st *snapshot.Draft) {
				st.Set("partial", true)
				panic("kaboom")
			}
		}
		return nil
	})

	d := New()
	_, err := d.Send(context.Background(), panicky, Extension(logExtension))
	require.NoError(t, err)

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = d.Send(context.Background(), "panic")
	})
	assert.False(t, d.State().Has("partial"))

	_, err = d.Send(context.Background(), "fine")
	require.NoError(t, err)
	assert.Equal(t, []any{"fine"}, stateLog(d))
}

func TestSend_ReentrantSendsAreQueued(t *testing.T) {
	d := New()
	var nested []any
	var nestedErr error
	cascade := Extension(func(msg any) any {
		if msg != "first" {
			return nil
		}
		return func(*snapshot.Draft) {
			nested, nestedErr = d.Send(context.Background(), "second", []any{"third"})
			_, _ = d.Send(context.Background(), "fourth")
		}
	})

	_, err := d.Send(context.Background(), Extension(logExtension), cascade)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "first")
	require.NoError(t, err)

	assert.NoError(t, nestedErr)
	assert.Equal(t, []any{"second", []any{"third"}}, nested, "queued send returns its inputs")
	assert.Equal(t, []any{"first", "second", "third", "fourth"}, stateLog(d))
	assert.Equal(t, int64(4), d.Seq(), "one transaction per queued batch")
	assert.Zero(t, d.Pending())
}

func TestSend_EffectsRunAfterCommit(t *testing.T) {
	d := New()
	var observed any
	var order []string
	ext := Extension(func(msg any) any {
		if msg != "go" {
			return nil
		}
		return []any{
			func(st *snapshot.Draft) Effect {
				st.Set("value", 7)
				return func(_ context.Context, d *Dispatcher) error {
					observed, _ = d.State().Get("value")
					order = append(order, "first")
					return nil
				}
			},
			func(*snapshot.Draft) any {
				return func(*Dispatcher) { order = append(order, "second") }
			},
		}
	})

	_, err := d.Send(context.Background(), ext)
	require.NoError(t, err)
	_, err = d.Send(context.Background(), "go")
	require.NoError(t, err)

	assert.Equal(t, 7, observed)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSend_EffectCanSendFollowUp(t *testing.T) {
	d := New()
	ext := Extension(func(msg any) any {
		if msg != "ping" {
			return nil
		}
		return func(*snapshot.Draft) Effect {
			return func(ctx context.Context, d *Dispatcher) error {
				_, err := d.Send(ctx, "pong")
				return err
			}
		}
	})

	_, err := d.Send(context.Background(), Extension(logExtension), ext)
	require.NoError(t, err)
	_, err = d.Send(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, []any{"ping", "pong"}, stateLog(d))
}

func TestSend_EffectErrorKeepsCommit(t *testing.T) {
	boom := errors.New("effect boom")
	ext := Extension(func(msg any) any {
		if msg != "go" {
			return nil
		}
		return func(st *snapshot.Draft) Effect {
			st.Set("done", true)
			return func(context.Context, *Dispatcher) error { return boom }
		}
	})

	d := New()
	_, err := d.Send(context.Background(), ext)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "go")
	require.Error(t, err)
	assert.True(t, IsEffectError(err))
	assert.ErrorIs(t, err, boom)
	assert.True(t, d.State().Has("done"))
}

func TestSend_AsyncEffect(t *testing.T) {
	d := New()
	release := make(chan struct{})
	ext := Extension(func(msg any) any {
		if msg != "go" {
			return nil
		}
		return func(*snapshot.Draft) any {
			return Async(func(ctx context.Context, d *Dispatcher) error {
				<-release
				_, err := d.Send(ctx, "async")
				return err
			})
		}
	})

	_, err := d.Send(context.Background(), Extension(logExtension), ext)
	require.NoError(t, err)
	_, err = d.Send(context.Background(), "go")
	require.NoError(t, err, "send does not wait for async effects")
	assert.Equal(t, []any{"go"}, stateLog(d))

	close(release)
	d.Wait()
	assert.Equal(t, []any{"go", "async"}, stateLog(d))
}

func TestSend_AsyncEffectPanicIsReported(t *testing.T) {
	var reported error
	var mu sync.Mutex
	d := New(WithHooks(Hooks{OnError: func(_ context.Context, err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	}}))
	ext := Extension(func(any) any {
		return func(*snapshot.Draft) any {
			return Async(func(context.Context, *Dispatcher) error { panic("async boom") })
		}
	})

	_, err := d.Send(context.Background(), ext)
	require.NoError(t, err)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, reported)
	assert.True(t, IsEffectError(reported))
	assert.Contains(t, reported.Error(), "async boom")
}

func TestSend_RecordMessagesAreDrafted(t *testing.T) {
	stamp := Extension(func(msg any) any {
		m, ok := msg.(*snapshot.Draft)
		if !ok {
			return nil
		}
		return func(st *snapshot.Draft) {
			m.Set("seen", true)
			name, _ := m.String("name")
			st.Set("last", name)
		}
	})

	d := New()
	_, err := d.Send(context.Background(), stamp)
	require.NoError(t, err)

	in := snapshot.Record{"name": "alpha"}
	untouched := snapshot.FromRecord(snapshot.Record{"other": 1})
	out, err := d.Send(context.Background(), in, "plain")
	require.NoError(t, err)
	require.Len(t, out, 2)

	committed, ok := out[0].(*snapshot.Map)
	require.True(t, ok)
	seen, _ := committed.Get("seen")
	assert.Equal(t, true, seen)
	assert.NotContains(t, in, "seen", "the caller's record is not mutated")
	assert.Equal(t, "plain", out[1])

	last, _ := d.State().String("last")
	assert.Equal(t, "alpha", last)

	out, err = d.Send(context.Background(), untouched)
	require.NoError(t, err)
	assert.NotSame(t, untouched, out[0], "stamped messages are copied")
}

func TestSend_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New()
	_, err := d.Send(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), d.Seq())
}

func TestSend_CascadeLimit(t *testing.T) {
	d := New(WithMaxCascade(2))
	fanout := Extension(func(msg any) any {
		if msg != "start" {
			return nil
		}
		return func(*snapshot.Draft) {
			for _, m := range []string{"a", "b", "c", "d", "e"} {
				_, _ = d.Send(context.Background(), m)
			}
		}
	})

	_, err := d.Send(context.Background(), Extension(logExtension), fanout)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "start")
	require.Error(t, err)
	assert.True(t, IsCascadeError(err))
	assert.Equal(t, 3, d.Pending())
	assert.Equal(t, []any{"start", "a", "b"}, stateLog(d))

	// The next send processes its own batch, then keeps draining.
	_, err = d.Send(context.Background(), "f")
	require.Error(t, err)
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, []any{"start", "a", "b", "f", "c", "d"}, stateLog(d))
}

func TestSend_HooksObserveLifecycle(t *testing.T) {
	var (
		commits []CommitEvent
		extends []int
		queued  []int
	)
	d := New(WithHooks(Hooks{
		OnCommit: func(_ context.Context, ev CommitEvent) { commits = append(commits, ev) },
		OnExtend: func(_ context.Context, _ Extension, n int) { extends = append(extends, n) },
		OnQueue:  func(_ context.Context, _ []any, depth int) { queued = append(queued, depth) },
	}))

	requeue := Extension(func(msg any) any {
		if msg != "again" {
			return nil
		}
		return func(*snapshot.Draft) { _, _ = d.Send(context.Background(), "later") }
	})

	_, err := d.Send(context.Background(), Extension(logExtension), requeue)
	require.NoError(t, err)
	_, err = d.Send(context.Background(), "again")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, extends)
	assert.Equal(t, []int{1}, queued)
	require.Len(t, commits, 3)
	assert.Equal(t, int64(1), commits[0].Seq)
	assert.Equal(t, int64(3), commits[2].Seq)
	assert.Equal(t, 2, commits[2].Chain)
	assert.Same(t, commits[1].State, commits[2].Previous)
	assert.Same(t, d.State(), commits[2].State)
}

func TestSend_ConcurrentSendersAllCommit(t *testing.T) {
	d := New()
	counter := Extension(func(msg any) any {
		if msg != "inc" {
			return nil
		}
		return func(st *snapshot.Draft) {
			n, _ := st.Get("n").(int)
			st.Set("n", n+1)
		}
	})
	_, err := d.Send(context.Background(), counter)
	require.NoError(t, err)

	const senders = 50
	var wg sync.WaitGroup
	for range senders {
		wg.Go(func() {
			_, err := d.Send(context.Background(), "inc")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	n, _ := d.State().Get("n")
	assert.Equal(t, senders, n)
	assert.Equal(t, int64(senders+1), d.Seq())
}

func TestDispatchers_AreIndependent(t *testing.T) {
	a := New()
	b := New()

	_, err := a.Send(context.Background(), Extension(logExtension), "only-a")
	require.NoError(t, err)
	_, err = b.Send(context.Background(), "only-b")
	require.NoError(t, err)

	assert.Equal(t, []any{"only-a"}, stateLog(a))
	assert.Nil(t, stateLog(b))
	assert.Equal(t, 0, b.Chain().Len())
}

func TestWithState_ResumesSeq(t *testing.T) {
	base := snapshot.FromRecord(snapshot.Record{"log": []any{"old"}})
	d := New(WithState(base, 41))
	assert.Same(t, base, d.State())
	assert.Equal(t, int64(41), d.Seq())

	_, err := d.Send(context.Background(), Extension(logExtension), "new")
	require.NoError(t, err)
	assert.Equal(t, int64(42), d.Seq())
	assert.Equal(t, []any{"old", "new"}, stateLog(d))

	st, seq := d.Snapshot()
	assert.Same(t, d.State(), st)
	assert.Equal(t, int64(42), seq)
}

func TestSend_ReportsCommitAndQueue(t *testing.T) {
	d := New()
	var nested SendReport
	var inner context.Context
	requeue := Extension(func(msg any) any {
		if msg != "outer" {
			return nil
		}
		return func(*snapshot.Draft) {
			_, _ = d.Send(WithSendReport(context.Background(), &nested), "nested")
			_, _ = d.Send(inner, "untracked")
		}
	})
	_, err := d.Send(context.Background(), Extension(logExtension), requeue)
	require.NoError(t, err)

	var outer SendReport
	inner = WithSendReport(context.Background(), &outer)
	_, err = d.Send(inner, "outer")
	require.NoError(t, err)

	assert.Equal(t, SendReport{Seq: 2}, outer, "a send queued under the same report leaves it alone")
	assert.Equal(t, SendReport{Queued: true}, nested)
	assert.Equal(t, []any{"outer", "nested", "untracked"}, stateLog(d))
}

func TestSend_ReportOfAbortedSendHasNoSeq(t *testing.T) {
	d := New()
	_, err := d.Send(context.Background(), Extension(func(msg any) any {
		if msg != "fail" {
			return nil
		}
		return func(*snapshot.Draft) error { return errors.New("boom") }
	}))
	require.NoError(t, err)

	var rep SendReport
	_, err = d.Send(WithSendReport(context.Background(), &rep), "fail")
	require.Error(t, err)
	assert.Equal(t, SendReport{}, rep)
}
