// Package sqlite is the production repository implementation, backed by
// modernc.org/sqlite (a pure-Go, cgo-free sqlite driver) through plain
// database/sql. The teacher carries modernc.org/sqlite in its go.mod but
// never imports it in the retrieved source slice; this package gives it
// its home as the module's actual persistence engine, matching the
// teacher's general preference for direct, unadorned stdlib-adjacent code
// (internal/session/store.go's hand-rolled JSON file store) over an ORM.
package sqlite

import (
	"database/sql"
	_ "embed"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/ids"
	"github.com/sessiond/sessiond/internal/repository"
)

//go:embed schema.sql
var schema string

// Store is the sqlite-backed repository.Repository.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if absent) the sqlite database at dsn and applies
// the embedded schema. dsn is passed straight to modernc.org/sqlite, so a
// file path, ":memory:", or a "file:...?..." DSN all work.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Externalf(err, "open sqlite database")
	}
	// modernc.org/sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY under concurrent writers without WAL tuning.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errs.Externalf(err, "enable foreign keys")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Externalf(err, "apply schema")
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Projects() repository.Projects                     { return projectsRepo{db: s.db} }
func (s *Store) Tickets() repository.Tickets                       { return ticketsRepo{db: s.db} }
func (s *Store) Sessions() repository.Sessions                     { return sessionsRepo{db: s.db} }
func (s *Store) TicketStateHistory() repository.TicketStateHistory { return historyRepo{db: s.db} }
func (s *Store) HandoffEvents() repository.HandoffEvents           { return handoffRepo{db: s.db} }
func (s *Store) Notifications() repository.Notifications           { return notifyRepo{db: s.db} }

// --- shared helpers --------------------------------------------------------

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtrFromNull(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func execErr(err error, entity, id string) error {
	if err == sql.ErrNoRows {
		return errs.NotFoundf(entity, id)
	}
	if err != nil {
		return errs.Externalf(err, "%s %s", entity, id)
	}
	return nil
}

func newID() string { return ids.New() }

func timeFromUnix(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339Nano)
}
