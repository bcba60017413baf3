// Package ids generates the opaque UUIDv4 identifiers used for every
// entity in the data model (projects, tickets, sessions, history rows,
// handoff events, notifications).
package ids

import "github.com/google/uuid"

// New returns a new UUIDv4 string identifier.
func New() string {
	return uuid.New().String()
}

// Valid reports whether s parses as a UUID (any version).
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
