package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateFeedback is returned when a feedback row already exists for
// the generation. Callers treat this as idempotent success.
var ErrDuplicateFeedback = errors.New("storage: feedback already recorded for generation")
