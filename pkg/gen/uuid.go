package gen

import (
	"github.com/google/uuid"
)

// IDGenerator yields opaque unique identifiers for sessions.
type IDGenerator func() string

func UUID() IDGenerator {
	return func() string {
		return uuid.Must(uuid.NewRandom()).String()
	}
}

// Sequence returns fixed ids in order, then falls back to random UUIDs.
// Tests use it to get predictable session ids.
func Sequence(ids ...string) IDGenerator {
	next := 0
	fallback := UUID()
	return func() string {
		if next < len(ids) {
			id := ids[next]
			next++
			return id
		}
		return fallback()
	}
}

func (g IDGenerator) Next() string {
	if g == nil {
		return uuid.Nil.String()
	}

	return g()
}
