package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a task identifier.
// ULIDs embed a millisecond timestamp, so identifiers sort in roughly
// the order tasks were created.
func NewID() string {
	return ulid.Make().String()
}

// NewWorkerID generates a unique identifier for a worker claim. A fresh
// ID is minted per dispatch, never reused, so a stale claim from a dead
// worker can never match a live one.
func NewWorkerID() string {
	return uuid.NewString()
}
