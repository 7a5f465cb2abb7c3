package domain

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7, falling back to a random UUID when the
// clock source fails.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
