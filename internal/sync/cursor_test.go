package sync

import (
	"errors"
	"testing"
)

func TestFormatCursorIsLexicographicallyOrdered(t *testing.T) {
	instants := []int64{0, 1, 999, 1_000_000, 1_700_000_000_000_000, 1_700_000_000_000_001}
	previous := FormatCursor(instants[0])
	for _, micros := range instants[1:] {
		current := FormatCursor(micros)
		if !(previous < current) {
			t.Fatalf("expected %q < %q", previous, current)
		}
		previous = current
	}
}

func TestCursorRoundTrip(t *testing.T) {
	const micros = int64(1_700_000_123_456_789)
	cursor := FormatCursor(micros)
	if len(cursor.String()) != cursorDigits {
		t.Fatalf("expected %d-digit cursor, got %q", cursorDigits, cursor)
	}
	parsed, err := cursor.Micros()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != micros {
		t.Fatalf("expected %d, got %d", micros, parsed)
	}
}

func TestParseCursorRejectsMalformedInput(t *testing.T) {
	malformed := []string{
		"",
		"123",
		"2026-08-28T12:00:00Z",
		"0000000000000000000x",
		"000000000000000000001", // one digit too long
		"99999999999999999999",  // twenty digits, past the representable range
	}
	for _, raw := range malformed {
		if _, err := ParseCursor(raw); !errors.Is(err, ErrMalformedCursor) {
			t.Fatalf("expected ErrMalformedCursor for %q, got %v", raw, err)
		}
	}
}

func TestCursorSetEmptyAndValidate(t *testing.T) {
	var set CursorSet
	if !set.Empty() {
		t.Fatalf("expected zero-value set to be empty")
	}
	if err := set.Validate(); err != nil {
		t.Fatalf("empty set must validate: %v", err)
	}

	set.Entries = FormatCursor(42)
	if set.Empty() {
		t.Fatalf("expected set with one cursor to be non-empty")
	}
	if err := set.Validate(); err != nil {
		t.Fatalf("well-formed set must validate: %v", err)
	}

	set.Tags = Cursor("not-a-cursor")
	if err := set.Validate(); !errors.Is(err, ErrMalformedCursor) {
		t.Fatalf("expected ErrMalformedCursor, got %v", err)
	}
}
