package handlepool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by Borrow once Close has been called.
	ErrPoolClosed = errors.New("handlepool: pool is closed")

	// ErrNotBorrowed is returned by Release when the handle is not on loan
	// under the given key: it was never borrowed, was already released, or
	// belongs to another key.
	ErrNotBorrowed = errors.New("handlepool: handle is not on loan")

	// ErrDuplicateHandle is returned by Borrow when a factory hands back a
	// handle that is already a member of the pool.
	ErrDuplicateHandle = errors.New("handlepool: factory returned a handle already in the pool")
)

// ConstructionError reports a factory failure to the borrower that
// triggered it. The pool records nothing for the failed attempt.
type ConstructionError struct {
	Key any
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("handlepool: failed to construct handle for key %v: %v", e.Key, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}
