package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/repository"
)

type sessionsRepo struct{ db *sql.DB }

const sessionCols = "id, project_id, ticket_id, parent_id, type, status, context_percent, pane_id, started_at, ended_at, created_at, updated_at"

func scanSession(row interface{ Scan(...any) error }) (domain.Session, error) {
	var s domain.Session
	var ticketID, parentID, startedAt, endedAt sql.NullString
	var contextPercent sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.ProjectID, &ticketID, &parentID, &s.Type, &s.Status,
		&contextPercent, &s.PaneID, &startedAt, &endedAt, &createdAt, &updatedAt)
	if err != nil {
		return domain.Session{}, err
	}
	s.TicketID = ptrFromNull(ticketID)
	s.ParentID = ptrFromNull(parentID)
	if contextPercent.Valid {
		v := int(contextPercent.Int64)
		s.ContextPercent = &v
	}
	s.StartedAt = timePtrFromNull(startedAt)
	s.EndedAt = timePtrFromNull(endedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func (r sessionsRepo) FindUnique(ctx context.Context, id string) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err != nil {
		return domain.Session{}, execErr(err, "session", id)
	}
	return s, nil
}

func (r sessionsRepo) List(ctx context.Context, projectID *string) ([]domain.Session, error) {
	query := "SELECT " + sessionCols + " FROM sessions"
	var args []any
	if projectID != nil {
		query += " WHERE project_id = ?"
		args = append(args, *projectID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Externalf(err, "list sessions")
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errs.Externalf(err, "scan session row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r sessionsRepo) Create(ctx context.Context, s domain.Session) (domain.Session, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	now := nowRFC3339()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, ticket_id, parent_id, type, status, context_percent, pane_id, started_at, ended_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, nullableString(s.TicketID), nullableString(s.ParentID), string(s.Type), string(s.Status),
		contextPercentParam(s.ContextPercent), string(s.PaneID), nullableTime(s.StartedAt), nullableTime(s.EndedAt), now, now)
	if err != nil {
		return domain.Session{}, errs.Externalf(err, "create session")
	}
	return r.FindUnique(ctx, s.ID)
}

func (r sessionsRepo) Update(ctx context.Context, id string, u repository.SessionUpdate) (domain.Session, error) {
	existing, err := r.FindUnique(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if u.Status != nil {
		existing.Status = *u.Status
	}
	if u.ContextPercent != nil {
		existing.ContextPercent = u.ContextPercent
	}
	now := nowTimeUTC()
	if u.StartedAt != nil {
		if *u.StartedAt {
			existing.StartedAt = &now
		} else {
			existing.StartedAt = nil
		}
	}
	if u.EndedAt != nil {
		if *u.EndedAt {
			existing.EndedAt = &now
		} else {
			existing.EndedAt = nil
		}
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, context_percent=?, started_at=?, ended_at=?, updated_at=? WHERE id=?`,
		string(existing.Status), contextPercentParam(existing.ContextPercent), nullableTime(existing.StartedAt),
		nullableTime(existing.EndedAt), nowRFC3339(), id)
	if err != nil {
		return domain.Session{}, errs.Externalf(err, "update session %s", id)
	}
	return r.FindUnique(ctx, id)
}

// FindOneActive is the read side of the one-running-session invariant
// (spec.md §3/§8): at most one session per (project_id, ticket_id) may be
// in {starting, running, paused} at a time.
func (r sessionsRepo) FindOneActive(ctx context.Context, projectID, ticketID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sessionCols+` FROM sessions WHERE project_id = ? AND ticket_id = ? AND status IN ('starting','running','paused') LIMIT 1`,
		projectID, ticketID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Externalf(err, "find active session")
	}
	return &s, nil
}

func (r sessionsRepo) MarkExited(ctx context.Context, id string, status domain.SessionStatus) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET status=?, ended_at=?, updated_at=? WHERE id=?",
		string(status), nowRFC3339(), nowRFC3339(), id)
	if err != nil {
		return errs.Externalf(err, "mark session %s exited", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFoundf("session", id)
	}
	return nil
}

func contextPercentParam(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nowTimeUTC() time.Time {
	return time.Now().UTC()
}
