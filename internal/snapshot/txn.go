package snapshot

// Txn groups the drafts of one transaction. All roots opened on a Txn
// commit together: either every root yields its new Map or none does, and
// every draft of the transaction is revoked once it ends.
type Txn struct {
	roots   []*Draft
	results map[*Draft]*Map
	done    bool
}

// Begin starts a transaction.
func Begin() *Txn {
	return &Txn{}
}

// Open adds a root draft over base. A nil base opens an empty record.
func (t *Txn) Open(base *Map) *Draft {
	if t.done {
		panic(ErrRevoked)
	}
	if base == nil {
		base = Empty()
	}
	d := &Draft{txn: t, base: base}
	t.roots = append(t.roots, d)
	return d
}

// Commit finalizes every root and revokes all drafts.
func (t *Txn) Commit() error {
	if t.done {
		return ErrDone
	}
	t.results = make(map[*Draft]*Map, len(t.roots))
	for _, r := range t.roots {
		t.results[r] = r.build()
	}
	t.done = true
	return nil
}

// Abort discards the transaction. It is safe to call more than once and
// after Commit, where it does nothing.
func (t *Txn) Abort() {
	t.done = true
}

// Done reports whether the transaction has ended.
func (t *Txn) Done() bool {
	return t.done
}

// Committed returns the Map a root draft committed to, or nil if the
// transaction did not commit or d is not one of its roots.
func (t *Txn) Committed(d *Draft) *Map {
	return t.results[d]
}

// Transact runs fn against a draft of base and returns the committed
// snapshot. If fn returns an error (or panics) nothing is committed, the
// draft is revoked and base remains the current value.
func Transact(base *Map, fn func(*Draft) error) (*Map, error) {
	t := Begin()
	defer t.Abort()

	d := t.Open(base)
	if err := fn(d); err != nil {
		return nil, err
	}
	if err := t.Commit(); err != nil {
		return nil, err
	}
	return t.Committed(d), nil
}
