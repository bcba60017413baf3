package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/repository"
)

type ticketsRepo struct{ db *sql.DB }

const ticketCols = "id, project_id, external_id, title, state, file_path, is_adhoc, is_explore, started_at, completed_at, rejection_feedback, created_at, updated_at"

func scanTicket(row interface{ Scan(...any) error }) (domain.Ticket, error) {
	var t domain.Ticket
	var externalID, startedAt, completedAt, feedback sql.NullString
	var isAdhoc, isExplore int
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &externalID, &t.Title, &t.State, &t.FilePath,
		&isAdhoc, &isExplore, &startedAt, &completedAt, &feedback, &createdAt, &updatedAt)
	if err != nil {
		return domain.Ticket{}, err
	}
	t.ExternalID = ptrFromNull(externalID)
	t.IsAdhoc = isAdhoc != 0
	t.IsExplore = isExplore != 0
	t.StartedAt = timePtrFromNull(startedAt)
	t.CompletedAt = timePtrFromNull(completedAt)
	t.RejectionFeedback = ptrFromNull(feedback)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (r ticketsRepo) FindUnique(ctx context.Context, id string) (domain.Ticket, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ticketCols+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if err != nil {
		return domain.Ticket{}, execErr(err, "ticket", id)
	}
	return t, nil
}

func (r ticketsRepo) FindMany(ctx context.Context, projectID string, state *domain.TicketState) ([]domain.Ticket, error) {
	query := "SELECT " + ticketCols + " FROM tickets WHERE project_id = ?"
	args := []any{projectID}
	if state != nil {
		query += " AND state = ?"
		args = append(args, string(*state))
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Externalf(err, "find tickets for project %s", projectID)
	}
	defer rows.Close()

	var out []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, errs.Externalf(err, "scan ticket row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r ticketsRepo) Count(ctx context.Context, projectID string, state *domain.TicketState) (int, error) {
	query := "SELECT COUNT(*) FROM tickets WHERE project_id = ?"
	args := []any{projectID}
	if state != nil {
		query += " AND state = ?"
		args = append(args, string(*state))
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errs.Externalf(err, "count tickets for project %s", projectID)
	}
	return n, nil
}

func (r ticketsRepo) Create(ctx context.Context, t domain.Ticket) (domain.Ticket, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.State == "" {
		t.State = domain.TicketBacklog
	}
	now := nowRFC3339()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tickets (id, project_id, external_id, title, state, file_path, is_adhoc, is_explore, started_at, completed_at, rejection_feedback, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, nullableString(t.ExternalID), t.Title, string(t.State), t.FilePath,
		boolToInt(t.IsAdhoc), boolToInt(t.IsExplore), nullableTime(t.StartedAt), nullableTime(t.CompletedAt),
		nullableString(t.RejectionFeedback), now, now)
	if err != nil {
		return domain.Ticket{}, errs.Externalf(err, "create ticket")
	}
	return r.FindUnique(ctx, t.ID)
}

func (r ticketsRepo) Update(ctx context.Context, id string, u repository.TicketUpdate) (domain.Ticket, error) {
	existing, err := r.FindUnique(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if u.Title != nil {
		existing.Title = *u.Title
	}
	if u.State != nil {
		existing.State = *u.State
	}
	now := time.Now().UTC()
	if u.StartedAt != nil {
		if *u.StartedAt {
			existing.StartedAt = &now
		} else {
			existing.StartedAt = nil
		}
	}
	if u.CompletedAt != nil {
		if *u.CompletedAt {
			existing.CompletedAt = &now
		} else {
			existing.CompletedAt = nil
		}
	}
	if u.RejectionFeedback != nil {
		existing.RejectionFeedback = u.RejectionFeedback
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE tickets SET title=?, state=?, started_at=?, completed_at=?, rejection_feedback=?, updated_at=? WHERE id=?`,
		existing.Title, string(existing.State), nullableTime(existing.StartedAt), nullableTime(existing.CompletedAt),
		nullableString(existing.RejectionFeedback), nowRFC3339(), id)
	if err != nil {
		return domain.Ticket{}, errs.Externalf(err, "update ticket %s", id)
	}
	return r.FindUnique(ctx, id)
}

// StateTransitionAtomic applies from→to, inserts hist, and (when
// rejectionFeedback is non-nil) writes rejection_feedback, all within a
// single transaction, rolling back every write if any step fails or if the
// ticket's current state no longer matches from (a concurrent writer beat
// this one) — the database-level half of spec.md §4.7's "atomic with
// history insertion" requirement and §8's "no partial writes" invariant.
func (r ticketsRepo) StateTransitionAtomic(ctx context.Context, ticketID string, from, to domain.TicketState, hist domain.TicketStateHistoryEntry, rejectionFeedback *string) (domain.Ticket, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, errs.Externalf(err, "begin transition tx")
	}
	defer tx.Rollback()

	var currentState string
	if err := tx.QueryRowContext(ctx, "SELECT state FROM tickets WHERE id = ?", ticketID).Scan(&currentState); err != nil {
		if err == sql.ErrNoRows {
			return domain.Ticket{}, errs.NotFoundf("ticket", ticketID)
		}
		return domain.Ticket{}, errs.Externalf(err, "read ticket state")
	}
	if domain.TicketState(currentState) != from {
		return domain.Ticket{}, errs.Conflictf("ticket %s state is %s, expected %s", ticketID, currentState, from)
	}

	now := nowRFC3339()
	var completedAt sql.NullString
	if to == domain.TicketDone {
		completedAt = sql.NullString{String: now, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tickets SET state=?, completed_at=COALESCE(?, completed_at),
		 rejection_feedback=COALESCE(?, rejection_feedback), updated_at=? WHERE id=?`,
		string(to), completedAt, nullableString(rejectionFeedback), now, ticketID); err != nil {
		return domain.Ticket{}, errs.Externalf(err, "update ticket state")
	}

	if hist.ID == "" {
		hist.ID = newID()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ticket_state_history (id, ticket_id, from_state, to_state, trigger, reason, feedback, triggered_by_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hist.ID, ticketID, string(hist.FromState), string(hist.ToState), string(hist.Trigger), string(hist.Reason),
		nullableString(hist.Feedback), nullableString(hist.TriggeredByID), now); err != nil {
		return domain.Ticket{}, errs.Externalf(err, "insert history row")
	}

	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, errs.Externalf(err, "commit transition tx")
	}
	return r.FindUnique(ctx, ticketID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
