package types

import (
	"testing"
	"time"
)

func TestNewEntityAt(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, loc)

	e := NewEntityAt(at)
	if !e.CreatedAt.Equal(at) || !e.UpdatedAt.Equal(at) {
		t.Fatalf("NewEntityAt = %v/%v, want %v", e.CreatedAt, e.UpdatedAt, at)
	}
	if e.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt location = %v, want UTC", e.CreatedAt.Location())
	}
}

func TestTouchAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := NewEntityAt(at)

	e.TouchAt(at.Add(time.Hour))
	if want := at.Add(time.Hour); !e.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", e.UpdatedAt, want)
	}

	e.TouchAt(at.Add(-time.Hour))
	if !e.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt moved before CreatedAt: %v", e.UpdatedAt)
	}
}
