package txn

import "github.com/google/uuid"

// IDGenerator produces transaction ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 transaction ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time in logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new hyphenated UUIDv7. Panics if the system random
// source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
