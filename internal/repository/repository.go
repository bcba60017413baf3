// Package repository defines the persistence contract of SPEC_FULL.md §6
// and its sqlite-backed implementation (package sqlite). Every core
// component that needs durable state — Session Supervisor, Ticket State
// Machine, Auto-Handoff Orchestrator — depends on this interface, never on
// the concrete sqlite package, so tests can substitute an in-memory fake.
package repository

import (
	"context"

	"github.com/sessiond/sessiond/internal/domain"
)

// ProjectPage is one page of a project listing.
type ProjectPage struct {
	Projects []domain.Project
	Total    int
}

// ProjectUpdate carries the partial fields to apply to a project; nil
// fields are left unchanged.
type ProjectUpdate struct {
	Name            *string
	MuxSessionName  *string
	MuxWindowName   *string
	TicketCorpusDir *string
	HandoffFilePath *string
}

// TicketUpdate carries the partial fields to apply to a ticket.
type TicketUpdate struct {
	Title             *string
	State             *domain.TicketState
	StartedAt         *bool // true sets to now, false clears
	CompletedAt       *bool
	RejectionFeedback *string
}

// SessionUpdate carries the partial fields to apply to a session.
type SessionUpdate struct {
	Status         *domain.SessionStatus
	ContextPercent *int
	StartedAt      *bool
	EndedAt        *bool
}

// Projects is the persistence contract for the Project entity.
type Projects interface {
	GetByID(ctx context.Context, id string) (domain.Project, error)
	List(ctx context.Context, page, limit int) (ProjectPage, error)
	Create(ctx context.Context, p domain.Project) (domain.Project, error)
	Update(ctx context.Context, id string, u ProjectUpdate) (domain.Project, error)
	Delete(ctx context.Context, id string) error
}

// Tickets is the persistence contract for the Ticket entity, including the
// atomic state-transition-plus-history operation spec.md §4.7 requires.
type Tickets interface {
	FindUnique(ctx context.Context, id string) (domain.Ticket, error)
	FindMany(ctx context.Context, projectID string, state *domain.TicketState) ([]domain.Ticket, error)
	Count(ctx context.Context, projectID string, state *domain.TicketState) (int, error)
	Create(ctx context.Context, t domain.Ticket) (domain.Ticket, error)
	Update(ctx context.Context, id string, u TicketUpdate) (domain.Ticket, error)

	// StateTransitionAtomic applies from→to, inserts hist, and (when
	// rejectionFeedback is non-nil) writes the ticket's rejection_feedback
	// column, all in one transaction — spec.md §4.7's rejection path must
	// commit the feedback field and the history row together, never as a
	// follow-up write. Returns an errs.Conflict error if the ticket's
	// current state is not `from` (optimistic-concurrency guard named in
	// spec.md §6), rolling back every write.
	StateTransitionAtomic(ctx context.Context, ticketID string, from, to domain.TicketState, hist domain.TicketStateHistoryEntry, rejectionFeedback *string) (domain.Ticket, error)
}

// Sessions is the persistence contract for the Session entity.
type Sessions interface {
	FindUnique(ctx context.Context, id string) (domain.Session, error)
	List(ctx context.Context, projectID *string) ([]domain.Session, error)
	Create(ctx context.Context, s domain.Session) (domain.Session, error)
	Update(ctx context.Context, id string, u SessionUpdate) (domain.Session, error)
	// FindOneActive enforces the one-running-session invariant's read
	// side: the caller checks for an existing row before Create.
	FindOneActive(ctx context.Context, projectID, ticketID string) (*domain.Session, error)
	MarkExited(ctx context.Context, id string, status domain.SessionStatus) error
}

// TicketStateHistory is the persistence contract for ticket transition
// history rows.
type TicketStateHistory interface {
	Insert(ctx context.Context, h domain.TicketStateHistoryEntry) error
	List(ctx context.Context, ticketID string) ([]domain.TicketStateHistoryEntry, error)
}

// HandoffEvents is the persistence contract for handoff audit rows.
type HandoffEvents interface {
	Insert(ctx context.Context, h domain.HandoffEvent) error
	List(ctx context.Context, fromSessionID *string) ([]domain.HandoffEvent, error)
}

// Notifications is the persistence contract for user-visible notifications.
type Notifications interface {
	Insert(ctx context.Context, n domain.Notification) error
	List(ctx context.Context, dismissed *bool) ([]domain.Notification, error)
	Dismiss(ctx context.Context, id string) error
	DismissAll(ctx context.Context) error
	CountUndismissed(ctx context.Context) (int, error)
	// DeleteDismissedBefore removes notifications dismissed before cutoff,
	// used by the housekeeping retention sweep (internal/jobs).
	DeleteDismissedBefore(ctx context.Context, cutoffUnix int64) (int, error)
}

// Repository aggregates every sub-contract behind one handle, matching the
// shape components receive at construction.
type Repository interface {
	Projects() Projects
	Tickets() Tickets
	Sessions() Sessions
	TicketStateHistory() TicketStateHistory
	HandoffEvents() HandoffEvents
	Notifications() Notifications
	Close() error
}
