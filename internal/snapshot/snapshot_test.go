package snapshot

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRecord_NestedRecordsBecomeMaps(t *testing.T) {
	m := FromRecord(Record{
		"a": Record{"b": 1},
		"c": map[string]any{"d": "x"},
		"l": []any{Record{"e": true}},
	})

	a, ok := m.Map("a")
	require.True(t, ok)
	v, _ := a.Get("b")
	assert.Equal(t, 1, v)

	c, ok := m.Map("c")
	require.True(t, ok)
	s, _ := c.String("d")
	assert.Equal(t, "x", s)

	l, _ := m.Get("l")
	require.Len(t, l, 1)
	_, isMap := l.([]any)[0].(*Map)
	assert.True(t, isMap)

	assert.Equal(t, []string{"a", "c", "l"}, m.Keys())
}

func TestMap_RecordRoundTrip(t *testing.T) {
	in := Record{"a": Record{"b": 1}, "l": []any{"x", Record{"y": 2}}}
	out := FromRecord(in).Record()
	assert.Equal(t, Record{"a": Record{"b": 1}, "l": []any{"x", Record{"y": 2}}}, out)
}

func TestMap_NilReadsAsEmpty(t *testing.T) {
	var m *Map
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Has("x"))
	assert.Empty(t, m.Keys())
	assert.Equal(t, Record{}, m.Record())
}

func TestMap_MarshalJSON(t *testing.T) {
	m := FromRecord(Record{"b": 2, "a": Record{"z": "y"}, "fn": TestMap_MarshalJSON})
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"a":{"z":"y"}`)
	assert.Contains(t, string(data), `"b":2`)
	assert.Contains(t, string(data), `TestMap_MarshalJSON`)
}

func TestTransact_StructuralSharing(t *testing.T) {
	base := FromRecord(Record{
		"a": Record{"n": 1},
		"b": Record{"n": 2},
	})
	bBefore, _ := base.Map("b")

	next, err := Transact(base, func(d *Draft) error {
		d.Child("a").Set("n", 10)
		return nil
	})
	require.NoError(t, err)

	bAfter, _ := next.Map("b")
	assert.Same(t, bBefore, bAfter, "untouched sibling must be shared")

	aBefore, _ := base.Map("a")
	aAfter, _ := next.Map("a")
	assert.NotSame(t, aBefore, aAfter)
	n, _ := aAfter.Get("n")
	assert.Equal(t, 10, n)

	// Base is untouched.
	n, _ = aBefore.Get("n")
	assert.Equal(t, 1, n)
}

func TestTransact_NoWritesReturnsSameSnapshot(t *testing.T) {
	base := FromRecord(Record{"a": Record{"n": 1}})

	next, err := Transact(base, func(d *Draft) error {
		_ = d.Get("a").(*Draft).Get("n")
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, base, next)
}

func TestTransact_SameValueIsNotAWrite(t *testing.T) {
	base := FromRecord(Record{"a": Record{"n": 1, "s": "x"}})

	next, err := Transact(base, func(d *Draft) error {
		a := d.Child("a")
		a.Set("n", 1)
		a.Set("s", "x")
		assert.False(t, a.Modified())
		assert.False(t, d.Modified())
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, base, next)
}

func TestDraft_ModifiedPropagatesToAncestors(t *testing.T) {
	base := FromRecord(Record{"test": Record{"a": 1}, "other": Record{}})

	_, err := Transact(base, func(d *Draft) error {
		test := d.Child("test")
		other := d.Child("other")
		assert.False(t, d.Modified())
		assert.False(t, test.Modified())

		test.Set("a", 2)

		assert.True(t, d.Modified())
		assert.True(t, test.Modified())
		assert.False(t, other.Modified())
		assert.True(t, IsModified(test))
		assert.False(t, IsModified("not a draft"))
		return nil
	})
	require.NoError(t, err)
}

func TestTransact_ErrorDiscardsWrites(t *testing.T) {
	base := FromRecord(Record{"a": 1})
	boom := errors.New("boom")

	next, err := Transact(base, func(d *Draft) error {
		d.Set("a", 2)
		d.Set("b", 3)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, next)

	v, _ := base.Get("a")
	assert.Equal(t, 1, v)
	assert.False(t, base.Has("b"))
}

func TestDraft_RevokedAfterCommit(t *testing.T) {
	var leaked *Draft
	_, err := Transact(Empty(), func(d *Draft) error {
		leaked = d
		return nil
	})
	require.NoError(t, err)

	assert.PanicsWithValue(t, ErrRevoked, func() { leaked.Set("x", 1) })
	assert.PanicsWithValue(t, ErrRevoked, func() { leaked.Get("x") })
}

func TestDraft_RevokedAfterPanic(t *testing.T) {
	var leaked *Draft
	assert.Panics(t, func() {
		_, _ = Transact(Empty(), func(d *Draft) error {
			leaked = d
			panic("boom")
		})
	})
	assert.PanicsWithValue(t, ErrRevoked, func() { leaked.Set("x", 1) })
}

func TestDraft_DeleteAndKeys(t *testing.T) {
	base := FromRecord(Record{"a": 1, "b": Record{"c": 2}})

	next, err := Transact(base, func(d *Draft) error {
		_ = d.Get("b")
		d.Delete("b")
		d.Delete("missing")
		d.Set("z", "last")
		assert.Equal(t, []string{"a", "z"}, d.Keys())
		assert.Equal(t, 2, d.Len())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, next.Keys())
}

func TestDraft_ChildReplacesScalar(t *testing.T) {
	base := FromRecord(Record{"a": "scalar"})

	next, err := Transact(base, func(d *Draft) error {
		d.Child("a").Set("x", 1)
		return nil
	})
	require.NoError(t, err)
	a, ok := next.Map("a")
	require.True(t, ok)
	v, _ := a.Get("x")
	assert.Equal(t, 1, v)
}

func TestDraft_CurrentSeesWritesSoFar(t *testing.T) {
	_, err := Transact(Empty(), func(d *Draft) error {
		d.Child("a").Set("n", 1)
		cur := d.Current()
		a, _ := cur.Map("a")
		n, _ := a.Get("n")
		assert.Equal(t, 1, n)
		assert.Same(t, Empty(), d.Original())
		return nil
	})
	require.NoError(t, err)
}

func TestTxn_MultipleRootsCommitTogether(t *testing.T) {
	txn := Begin()
	state := txn.Open(nil)
	msg := txn.Open(FromRecord(Record{"name": "x"}))

	msg.Set("seen", true)
	state.Set("count", 1)

	require.NoError(t, txn.Commit())
	assert.ErrorIs(t, txn.Commit(), ErrDone)

	st := txn.Committed(state)
	m := txn.Committed(msg)
	require.NotNil(t, st)
	require.NotNil(t, m)
	v, _ := m.Get("seen")
	assert.Equal(t, true, v)
	v, _ = st.Get("count")
	assert.Equal(t, 1, v)
}

func TestTxn_AbortCommitsNothing(t *testing.T) {
	txn := Begin()
	d := txn.Open(nil)
	d.Set("x", 1)
	txn.Abort()

	assert.True(t, txn.Done())
	assert.Nil(t, txn.Committed(d))
	assert.ErrorIs(t, txn.Commit(), ErrDone)
}

func TestDeepAssign(t *testing.T) {
	next, err := Transact(FromRecord(Record{"a": 1, "c": 3}), func(d *Draft) error {
		DeepAssign(d, Record{"a": Record{"b": 2}})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Record{"a": Record{"b": 2}, "c": 3}, next.Record())
}

func TestDeepAssign_RecursesIntoNestedRecords(t *testing.T) {
	base := FromRecord(Record{"cfg": Record{"x": 1, "y": Record{"z": 1}}})

	next, err := Transact(base, func(d *Draft) error {
		DeepAssign(d, Record{"cfg": Record{"y": Record{"w": 2}}}, nil, "ignored")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Record{"cfg": Record{"x": 1, "y": Record{"z": 1, "w": 2}}}, next.Record())
}

func TestDeepAssign_IdenticalSourceLeavesTargetUntouched(t *testing.T) {
	base := FromRecord(Record{"rec": Record{"name": "x", "nested": Record{"v": 1}}})
	rec, _ := base.Map("rec")
	copyOfRec := FromRecord(rec.Record())

	next, err := Transact(base, func(d *Draft) error {
		target := d.Child("rec")
		DeepAssign(target, copyOfRec)
		assert.False(t, target.Modified())
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, base, next)
}

func TestCurrent_PassesThroughNonDrafts(t *testing.T) {
	assert.Equal(t, 42, Current(42))
}

func TestDraft_EqualListIsNotAWrite(t *testing.T) {
	base := FromRecord(Record{"tags": []any{"a", Record{"b": 1}}})

	next, err := Transact(base, func(d *Draft) error {
		d.Set("tags", []any{"a", Record{"b": 1}})
		assert.False(t, d.Modified())
		d.Set("tags", []any{"a", Record{"b": 2}})
		assert.True(t, d.Modified())
		return nil
	})
	require.NoError(t, err)
	assert.NotSame(t, base, next)
}

func TestMap_ReadsCannotWriteIntoStoredLists(t *testing.T) {
	m := FromRecord(Record{
		"log":  []any{"a", []any{"nested"}},
		"tags": []string{"x", "y"},
		"hits": map[string]int{"a": 1},
	})

	v, _ := m.Get("log")
	v.([]any)[0] = "tampered"
	v.([]any)[1].([]any)[0] = "tampered"
	tags, _ := m.Get("tags")
	tags.([]string)[0] = "tampered"
	hits, _ := m.Get("hits")
	hits.(map[string]int)["a"] = 99

	assert.Equal(t, Record{
		"log":  []any{"a", []any{"nested"}},
		"tags": []string{"x", "y"},
		"hits": map[string]int{"a": 1},
	}, m.Record())
}

func TestFromRecord_CopiesCallerLists(t *testing.T) {
	log := []any{"a"}
	tags := []string{"x"}
	m := FromRecord(Record{"log": log, "tags": tags})

	log[0] = "changed"
	tags[0] = "changed"

	v, _ := m.Get("log")
	assert.Equal(t, []any{"a"}, v)
	v, _ = m.Get("tags")
	assert.Equal(t, []string{"x"}, v)
}

func TestTransact_ListWriteWithoutSetIsNotVisible(t *testing.T) {
	base := FromRecord(Record{"log": []any{"a"}})

	next, err := Transact(base, func(d *Draft) error {
		d.Get("log").([]any)[0] = "leaked"
		assert.False(t, d.Modified())
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, base, next)

	v, _ := base.Get("log")
	assert.Equal(t, []any{"a"}, v)
}

func TestTransact_AbortedListWriteIsNotVisible(t *testing.T) {
	base := FromRecord(Record{"log": []any{"a"}, "n": 1})
	boom := errors.New("boom")

	_, err := Transact(base, func(d *Draft) error {
		d.Set("n", 2)
		d.Get("log").([]any)[0] = "leaked"
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, _ := base.Get("log")
	assert.Equal(t, []any{"a"}, v)
}

func TestDraft_SetListIsCopiedIn(t *testing.T) {
	log := []any{"a"}
	next, err := Transact(Empty(), func(d *Draft) error {
		d.Set("log", log)
		d.Get("log").([]any)[0] = "inside"
		return nil
	})
	require.NoError(t, err)
	log[0] = "outside"

	v, _ := next.Get("log")
	assert.Equal(t, []any{"a"}, v)
}
