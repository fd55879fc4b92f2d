package sync

import (
	"errors"
	"fmt"
	"strconv"
)

// EntityType names one independently-cursored change stream.
type EntityType string

const (
	EntityEntries       EntityType = "entries"
	EntitySubscriptions EntityType = "subscriptions"
	EntityTags          EntityType = "tags"
)

// ErrMalformedCursor indicates a cursor string that cannot bound a query.
// Requests carrying one are rejected outright; falling back to "now" would
// skip unobserved changes and falling back to epoch would re-scan everything.
var ErrMalformedCursor = errors.New("sync: malformed cursor")

const cursorDigits = 20

// Cursor marks "everything up to and including this instant has been
// observed" for one entity type. It encodes a microsecond timestamp as a
// fixed-width decimal string so that lexicographic order equals time order
// and no intermediate date conversion can lose precision.
type Cursor string

// FormatCursor encodes a microsecond timestamp as a cursor string.
func FormatCursor(micros int64) Cursor {
	if micros < 0 {
		micros = 0
	}
	return Cursor(fmt.Sprintf("%0*d", cursorDigits, micros))
}

// ParseCursor validates a cursor string and returns its microsecond value.
// The empty string is not a valid cursor; callers treat absence explicitly.
func ParseCursor(raw string) (int64, error) {
	if len(raw) != cursorDigits {
		return 0, fmt.Errorf("%w: %q", ErrMalformedCursor, raw)
	}
	for _, digit := range raw {
		if digit < '0' || digit > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformedCursor, raw)
		}
	}
	// The digit scan has already excluded signs; ParseInt supplies the
	// range check so an unrepresentable value cannot wrap into a bogus bound.
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedCursor, raw)
	}
	return micros, nil
}

// Micros returns the microsecond value of the cursor, or an error when the
// cursor is malformed.
func (c Cursor) Micros() (int64, error) {
	return ParseCursor(string(c))
}

// IsZero reports whether the cursor is absent.
func (c Cursor) IsZero() bool {
	return c == ""
}

// String returns the wire representation.
func (c Cursor) String() string {
	return string(c)
}

// CursorSet carries one cursor per entity type. Monotonicity is a client
// obligation: a cursor already advanced must never regress.
type CursorSet struct {
	Entries       Cursor `json:"entries"`
	Subscriptions Cursor `json:"subscriptions"`
	Tags          Cursor `json:"tags"`
}

// Empty reports whether every per-type cursor is absent.
func (s CursorSet) Empty() bool {
	return s.Entries.IsZero() && s.Subscriptions.IsZero() && s.Tags.IsZero()
}

// Validate parses every present cursor and rejects malformed ones.
func (s CursorSet) Validate() error {
	for _, cursor := range []Cursor{s.Entries, s.Subscriptions, s.Tags} {
		if cursor.IsZero() {
			continue
		}
		if _, err := cursor.Micros(); err != nil {
			return err
		}
	}
	return nil
}
