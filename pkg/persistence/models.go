package persistence

import "github.com/google/uuid"

// NewID generates a new opaque entity identifier.
func NewID() string {
	return uuid.New().String()
}
