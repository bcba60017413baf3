package sqlite

import (
	"context"
	"database/sql"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
)

type handoffRepo struct{ db *sql.DB }

func (r handoffRepo) Insert(ctx context.Context, h domain.HandoffEvent) error {
	if h.ID == "" {
		h.ID = newID()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO handoff_events (id, from_session_id, to_session_id, context_at_handoff, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		h.ID, h.FromSessionID, h.ToSessionID, h.ContextAtHandoff, nowRFC3339())
	if err != nil {
		return errs.Externalf(err, "insert handoff event")
	}
	return nil
}

func (r handoffRepo) List(ctx context.Context, fromSessionID *string) ([]domain.HandoffEvent, error) {
	query := "SELECT id, from_session_id, to_session_id, context_at_handoff, created_at FROM handoff_events"
	var args []any
	if fromSessionID != nil {
		query += " WHERE from_session_id = ?"
		args = append(args, *fromSessionID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Externalf(err, "list handoff events")
	}
	defer rows.Close()

	var out []domain.HandoffEvent
	for rows.Next() {
		var h domain.HandoffEvent
		var createdAt string
		if err := rows.Scan(&h.ID, &h.FromSessionID, &h.ToSessionID, &h.ContextAtHandoff, &createdAt); err != nil {
			return nil, errs.Externalf(err, "scan handoff event row")
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
