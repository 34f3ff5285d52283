package core

import (
	"time"

	"github.com/google/uuid"
)

// NewEventID generates a UUID v7 (time-ordered). Both stores key the same
// event by this id.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should not happen).
		return uuid.New().String()
	}
	return id.String()
}

// derivedEventNamespace scopes name-based event ids minted for documents
// whose own id is not a UUID.
var derivedEventNamespace = uuid.MustParse("9b4f0c1e-5d3a-4e8b-a2f6-3c7d1e0b8a54")

// EventIDFrom returns s in canonical form when it is a UUID. Any other
// non-empty s maps to a name-based UUID, so the same source id always gets
// the same event id; derived reports that case. An empty s yields "".
func EventIDFrom(s string) (id string, derived bool) {
	if s == "" {
		return "", false
	}
	if u, err := uuid.Parse(s); err == nil {
		return u.String(), false
	}
	return uuid.NewSHA1(derivedEventNamespace, []byte(s)).String(), true
}

// Now returns the current UTC time at the primary store's microsecond
// precision, so natural keys compare equal across both stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NormalizeTime converts t to UTC at microsecond precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
