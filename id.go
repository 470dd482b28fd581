package tabletalk

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. V7 IDs are time-ordered, which keeps
// run and message listings naturally sorted by creation time. Falls back
// to a random v4 if v7 generation fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
