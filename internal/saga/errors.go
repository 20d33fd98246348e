package saga

import "errors"

// ErrDuplicateSaga signals a Start with a correlation id that already has a saga.
var ErrDuplicateSaga = errors.New("saga already exists for correlation id")

// ErrSagaNotFound signals a lookup for an unknown saga id.
var ErrSagaNotFound = errors.New("saga not found")

// ErrConcurrentModification signals an optimistic write against a stale
// instance version. The writer must reload and retry its decision, never
// blindly overwrite.
var ErrConcurrentModification = errors.New("saga modified concurrently")

// ErrSagaTerminal signals an operation on a saga that already reached a
// terminal state.
var ErrSagaTerminal = errors.New("saga already in terminal state")

// ErrCancelled marks the synthetic terminal failure recorded when a cancelled
// saga's rollback begins.
var ErrCancelled = errors.New("saga cancelled")
