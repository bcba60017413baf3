package sqlite

import (
	"context"
	"database/sql"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
)

type historyRepo struct{ db *sql.DB }

func (r historyRepo) Insert(ctx context.Context, h domain.TicketStateHistoryEntry) error {
	if h.ID == "" {
		h.ID = newID()
	}
	createdAt := nowRFC3339()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ticket_state_history (id, ticket_id, from_state, to_state, trigger, reason, feedback, triggered_by_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.TicketID, string(h.FromState), string(h.ToState), string(h.Trigger), string(h.Reason),
		nullableString(h.Feedback), nullableString(h.TriggeredByID), createdAt)
	if err != nil {
		return errs.Externalf(err, "insert ticket history row")
	}
	return nil
}

// List returns rows sorted by created_at ascending, per spec.md §4.7
// ("get_history returns rows sorted by created_at ascending").
func (r historyRepo) List(ctx context.Context, ticketID string) ([]domain.TicketStateHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ticket_id, from_state, to_state, trigger, reason, feedback, triggered_by_id, created_at
		 FROM ticket_state_history WHERE ticket_id = ? ORDER BY created_at ASC`, ticketID)
	if err != nil {
		return nil, errs.Externalf(err, "list ticket history for %s", ticketID)
	}
	defer rows.Close()

	var out []domain.TicketStateHistoryEntry
	for rows.Next() {
		var h domain.TicketStateHistoryEntry
		var feedback, triggeredBy sql.NullString
		var createdAt string
		if err := rows.Scan(&h.ID, &h.TicketID, &h.FromState, &h.ToState, &h.Trigger, &h.Reason,
			&feedback, &triggeredBy, &createdAt); err != nil {
			return nil, errs.Externalf(err, "scan ticket history row")
		}
		h.Feedback = ptrFromNull(feedback)
		h.TriggeredByID = ptrFromNull(triggeredBy)
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
