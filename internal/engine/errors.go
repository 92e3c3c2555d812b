package engine

import (
	"fmt"
)

// RuntimeError represents an error detected while dispatching.
//
// Runtime errors include:
//   - Transition failed: a transition returned an error; the batch aborted
//   - Effect failed: an effect returned an error after its batch committed
//   - Cascade exceeded: a send drained more queued batches than allowed
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Seq is the sequence number the transaction had or would have had.
	Seq int64

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying error, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeTransitionFailed indicates a transition returned an error and
	// the transaction was discarded.
	ErrCodeTransitionFailed RuntimeErrorCode = "TRANSITION_FAILED"

	// ErrCodeEffectFailed indicates an effect returned an error. The
	// transaction that produced the effect stays committed.
	ErrCodeEffectFailed RuntimeErrorCode = "EFFECT_FAILED"

	// ErrCodeCascadeExceeded indicates the queue drain limit was reached.
	ErrCodeCascadeExceeded RuntimeErrorCode = "CASCADE_EXCEEDED"

	// ErrCodeBatchDiscarded indicates a batch queued while a transaction
	// was in flight was dropped because that transaction aborted.
	ErrCodeBatchDiscarded RuntimeErrorCode = "BATCH_DISCARDED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Seq != 0 {
		msg = fmt.Sprintf("%s (seq=%d)", msg, e.Seq)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// hasCode walks the whole error tree, so a joined error matches every code
// it carries.
func hasCode(err error, code RuntimeErrorCode) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *RuntimeError:
		return e.Code == code || hasCode(e.Err, code)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if hasCode(inner, code) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return hasCode(e.Unwrap(), code)
	}
	return false
}

// IsTransitionError returns true if the error is a failed transition.
// Wrapped and joined errors are searched.
func IsTransitionError(err error) bool {
	return hasCode(err, ErrCodeTransitionFailed)
}

// IsEffectError returns true if the error is a failed effect.
func IsEffectError(err error) bool {
	return hasCode(err, ErrCodeEffectFailed)
}

// IsDiscardError returns true if the error reports a discarded batch.
func IsDiscardError(err error) bool {
	return hasCode(err, ErrCodeBatchDiscarded)
}

// IsCascadeError returns true if the error is a cascade limit error.
func IsCascadeError(err error) bool {
	return hasCode(err, ErrCodeCascadeExceeded)
}

// NewTransitionError creates a RuntimeError for a failed transition.
func NewTransitionError(seq int64, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeTransitionFailed,
		Message: "transition failed, transaction discarded",
		Seq:     seq,
		Err:     err,
	}
}

// NewEffectError creates a RuntimeError for a failed effect.
func NewEffectError(seq int64, index int, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeEffectFailed,
		Message: fmt.Sprintf("effect %d failed", index),
		Seq:     seq,
		Details: map[string]string{
			"index": fmt.Sprintf("%d", index),
		},
		Err: err,
	}
}

// NewCascadeError creates a RuntimeError for an exceeded drain limit.
func NewCascadeError(drained, limit, pending int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCascadeExceeded,
		Message: fmt.Sprintf("drained %d queued batches (limit %d), %d still queued", drained, limit, pending),
		Details: map[string]string{
			"drained": fmt.Sprintf("%d", drained),
			"limit":   fmt.Sprintf("%d", limit),
			"pending": fmt.Sprintf("%d", pending),
		},
	}
}

// NewDiscardError creates a RuntimeError for a queued batch dropped along
// with the aborted transaction seq.
func NewDiscardError(seq int64, messages int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeBatchDiscarded,
		Message: fmt.Sprintf("queued batch of %d message(s) discarded", messages),
		Seq:     seq,
		Details: map[string]string{
			"messages": fmt.Sprintf("%d", messages),
		},
	}
}
