package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrBatchClosed is returned when a participant write targets a closed batch.
var ErrBatchClosed = errors.New("batch is closed")

// ErrWrongBatch is returned when a participant already belongs to a
// different batch than the one written to.
var ErrWrongBatch = errors.New("participant belongs to another batch")
