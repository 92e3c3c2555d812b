package engine

import (
	"iter"

	"github.com/roach88/sift/internal/flatten"
)

// Chain is the ordered list of registered extensions.
//
// A Chain is a value: Append returns a new chain and never modifies the
// receiver, so a published chain can be read while a transaction grows
// its own copy. Duplicates are allowed and run once per registration.
type Chain struct {
	exts []Extension
}

// NewChain returns a chain of exts in order.
func NewChain(exts ...Extension) Chain {
	var c Chain
	for _, e := range exts {
		c = c.Append(e)
	}
	return c
}

// Append returns the chain grown by ext. A nil ext is ignored.
func (c Chain) Append(ext Extension) Chain {
	if ext == nil {
		return c
	}
	grown := make([]Extension, len(c.exts), len(c.exts)+1)
	copy(grown, c.exts)
	return Chain{exts: append(grown, ext)}
}

// Len returns the number of registered extensions.
func (c Chain) Len() int {
	return len(c.exts)
}

// At returns the i-th extension in registration order.
func (c Chain) At(i int) Extension {
	return c.exts[i]
}

// All yields the extensions in registration order.
func (c Chain) All() iter.Seq[Extension] {
	return func(yield func(Extension) bool) {
		for _, e := range c.exts {
			if !yield(e) {
				return
			}
		}
	}
}

// ApplyAll runs every extension on msg in registration order and collects
// the transitions they return, flattened and in order. Returned values
// that are not transitions are reported in dropped; they are never an
// error and never extend the chain.
func (c Chain) ApplyAll(msg any) (trs []Transition, dropped []any) {
	for _, ext := range c.exts {
		for v := range flatten.Iter(ext(msg)) {
			if tr, ok := asTransition(v); ok {
				trs = append(trs, tr)
				continue
			}
			dropped = append(dropped, v)
		}
	}
	return trs, dropped
}
