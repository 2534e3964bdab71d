// Package idgen mints the identifiers handed out for registered
// contexts and tracked operations.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string, so identifiers sort by
// creation. When v7 generation fails it degrades to a random v4.
func New() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
