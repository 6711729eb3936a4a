package types

import "time"

// Entity holds the record timestamps embedded in every stored type. All
// timestamps are UTC.
type Entity struct {
	CreatedAt time.Time `json:"created_at" bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `json:"updated_at" bun:"updated_at,notnull,default:current_timestamp"`
}

// NewEntity stamps a record with the wall clock.
func NewEntity() Entity {
	return NewEntityAt(time.Now())
}

// NewEntityAt stamps a record with t. Records created by the engine use
// its clock so attach order follows engine time.
func NewEntityAt(t time.Time) Entity {
	t = t.UTC()
	return Entity{CreatedAt: t, UpdatedAt: t}
}

// TouchAt sets UpdatedAt to t. It never moves UpdatedAt before CreatedAt.
func (e *Entity) TouchAt(t time.Time) {
	t = t.UTC()
	if t.Before(e.CreatedAt) {
		t = e.CreatedAt
	}
	e.UpdatedAt = t
}
