package domain

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for job identifiers. v7 keeps ids
// roughly ordered by creation time, which helps index locality.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseID validates that s is a UUID and returns its canonical form.
func ParseID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", ErrNotAcceptable("invalid job identifier %q", s)
	}
	return id.String(), nil
}
