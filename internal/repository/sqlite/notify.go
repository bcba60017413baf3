package sqlite

import (
	"context"
	"database/sql"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
)

type notifyRepo struct{ db *sql.DB }

func (r notifyRepo) Insert(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = newID()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, type, message, session_id, ticket_id, dismissed, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		n.ID, string(n.Type), n.Message, nullableString(n.SessionID), nullableString(n.TicketID), nowRFC3339())
	if err != nil {
		return errs.Externalf(err, "insert notification")
	}
	return nil
}

func (r notifyRepo) List(ctx context.Context, dismissed *bool) ([]domain.Notification, error) {
	query := "SELECT id, type, message, session_id, ticket_id, dismissed, created_at FROM notifications"
	var args []any
	if dismissed != nil {
		query += " WHERE dismissed = ?"
		args = append(args, boolToInt(*dismissed))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Externalf(err, "list notifications")
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var sessionID, ticketID sql.NullString
		var dismissedInt int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &sessionID, &ticketID, &dismissedInt, &createdAt); err != nil {
			return nil, errs.Externalf(err, "scan notification row")
		}
		n.SessionID = ptrFromNull(sessionID)
		n.TicketID = ptrFromNull(ticketID)
		n.Dismissed = dismissedInt != 0
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r notifyRepo) Dismiss(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE notifications SET dismissed = 1, dismissed_at = ? WHERE id = ?", nowRFC3339(), id)
	if err != nil {
		return errs.Externalf(err, "dismiss notification %s", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFoundf("notification", id)
	}
	return nil
}

func (r notifyRepo) DismissAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "UPDATE notifications SET dismissed = 1, dismissed_at = ? WHERE dismissed = 0", nowRFC3339())
	if err != nil {
		return errs.Externalf(err, "dismiss all notifications")
	}
	return nil
}

func (r notifyRepo) CountUndismissed(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications WHERE dismissed = 0").Scan(&n); err != nil {
		return 0, errs.Externalf(err, "count undismissed notifications")
	}
	return n, nil
}

// DeleteDismissedBefore removes notifications dismissed before cutoffUnix,
// backing the housekeeping retention sweep (internal/jobs), grounded on
// the teacher's Store.Load age-based filtering in
// internal/session/store.go.
func (r notifyRepo) DeleteDismissedBefore(ctx context.Context, cutoffUnix int64) (int, error) {
	cutoff := timeFromUnix(cutoffUnix)
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE dismissed = 1 AND dismissed_at IS NOT NULL AND dismissed_at < ?", cutoff)
	if err != nil {
		return 0, errs.Externalf(err, "delete old dismissed notifications")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
