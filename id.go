package birpc

import "github.com/google/uuid"

// NewID returns a collision-resistant short identifier suitable for
// correlating an in-flight call or stream. It favors UUIDv7 (time-ordered)
// and falls back to uuid.New (UUIDv4) if NewV7 fails; uuid.New reads the
// same random source and panics if that read fails too.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
