package store

import "errors"

var (
	// ErrNotFound is returned when an object id or directory name is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a name that is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInconsistent is returned when on-disk structure violates an
	// invariant. It is never repaired silently; the store should be treated
	// as unusable without manual intervention.
	ErrInconsistent = errors.New("inconsistent store structure")

	// ErrRange is returned when I/O exceeds an object's recorded size.
	ErrRange = errors.New("request beyond object bounds")

	// ErrCommitted is returned when reusing a consumed transaction.
	ErrCommitted = errors.New("transaction already committed")
)
