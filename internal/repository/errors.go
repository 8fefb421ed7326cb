package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check for it with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example claiming a slot that another instance already holds.
var ErrConflict = errors.New("record already exists")
