// Package uuidv7 issues time-ordered identifiers for connections so that log
// lines sort by admission order.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7, falling back to a random UUID if the v7 generator fails.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewString returns the canonical string form of New.
func NewString() string {
	return New().String()
}
