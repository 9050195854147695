package session

import "errors"

// Sentinel errors for store operations, checked with errors.Is().
var (
	// ErrNotFound indicates no durable record exists for the key.
	ErrNotFound = errors.New("session not found")

	// ErrSchemaVersion indicates a durable record was written by a newer
	// schema than this binary understands. The record is left untouched.
	ErrSchemaVersion = errors.New("unsupported session schema version")
)
