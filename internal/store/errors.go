package store

import "errors"

// ErrNotFound is returned when the requested record does not exist.
// Callers distinguish it from other database errors with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint.
var ErrConflict = errors.New("record already exists")
