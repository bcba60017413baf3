// Package ticket implements the Ticket State Machine (spec.md §4.7): a
// guarded transition table over domain.TicketState, backed by the
// repository's atomic transition-plus-history operation and emitting
// ticket:stateChange on the bus.
//
// The teacher has no direct analogue for a ticket workflow — kojo manages
// terminal sessions, not a ticket lifecycle — so this package is grounded
// on the general guarded-transition-table idiom named in SPEC_FULL.md's
// redesign notes (§9, "Dynamic dispatch → interface surfaces": a closed
// set of allowed transitions, not inheritance) and wired to the teacher's
// event-emission style already established in internal/events.
package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/repository"
)

// transitionKey identifies one edge of the allowed-transition table.
type transitionKey struct {
	from domain.TicketState
	to   domain.TicketState
}

// guard validates that a transition's trigger/reason combination is
// allowed, and whether feedback is required.
type guard struct {
	allowedTriggers map[domain.TransitionTrigger][]domain.TransitionReason
	feedbackRequired bool
}

// transitions is the closed table from spec.md §4.7. Any edge not present
// here is rejected as InvalidTransition.
var transitions = map[transitionKey]guard{
	{domain.TicketBacklog, domain.TicketInProgress}: {
		allowedTriggers: map[domain.TransitionTrigger][]domain.TransitionReason{
			domain.TriggerAuto: {domain.ReasonSessionStarted},
		},
	},
	{domain.TicketInProgress, domain.TicketReview}: {
		allowedTriggers: map[domain.TransitionTrigger][]domain.TransitionReason{
			domain.TriggerAuto:     {domain.ReasonCompletionDetect},
			domain.TriggerReviewer: {domain.ReasonCompletion},
		},
	},
	{domain.TicketReview, domain.TicketDone}: {
		allowedTriggers: map[domain.TransitionTrigger][]domain.TransitionReason{
			domain.TriggerManual:   {domain.ReasonUserApproved},
			domain.TriggerReviewer: {domain.ReasonReviewerApproved},
		},
	},
	{domain.TicketReview, domain.TicketInProgress}: {
		allowedTriggers: map[domain.TransitionTrigger][]domain.TransitionReason{
			domain.TriggerManual:   {domain.ReasonUserRejected},
			domain.TriggerReviewer: {domain.ReasonReviewerRejected},
		},
		feedbackRequired: true,
	},
}

func lookup(from, to domain.TicketState, trigger domain.TransitionTrigger, reason domain.TransitionReason) (guard, error) {
	g, ok := transitions[transitionKey{from, to}]
	if !ok {
		return guard{}, errs.Invariantf("invalid transition %s -> %s", from, to)
	}
	reasons, ok := g.allowedTriggers[trigger]
	if !ok {
		return guard{}, errs.Invariantf("trigger %s not allowed for %s -> %s", trigger, from, to)
	}
	for _, r := range reasons {
		if r == reason {
			return g, nil
		}
	}
	return guard{}, errs.Invariantf("reason %s not allowed for trigger %s on %s -> %s", reason, trigger, from, to)
}

// SessionStopper is the narrow Supervisor capability the Machine needs on
// approve: best-effort stop of any session still running against the
// ticket being approved.
type SessionStopper interface {
	StopSessionForTicket(ctx context.Context, ticketID string) error
}

// Machine is the Ticket State Machine. One Machine instance is shared
// across the process; per-ticket serialization is provided by a per-ticket
// mutex so that concurrent transition attempts for different tickets never
// block each other.
type Machine struct {
	tickets repository.Tickets
	history repository.TicketStateHistory
	bus     *events.Bus
	stopper SessionStopper
	log     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(tickets repository.Tickets, history repository.TicketStateHistory, bus *events.Bus, stopper SessionStopper, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{tickets: tickets, history: history, bus: bus, stopper: stopper, log: log, locks: make(map[string]*sync.Mutex)}
}

func (m *Machine) lockFor(ticketID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[ticketID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[ticketID] = l
	}
	return l
}

// TransitionOpts carries the optional fields a transition may need.
type TransitionOpts struct {
	TriggeredByID *string
	Feedback      *string // required when the edge demands it
}

// Transition attempts ticket -> to, validating the guard table, formatting
// rejection feedback, and (on approval) best-effort stopping any running
// session for the ticket. The repository call is atomic with the history
// insert; on success a ticket:stateChange event is published.
func (m *Machine) Transition(ctx context.Context, ticketID string, to domain.TicketState, trigger domain.TransitionTrigger, reason domain.TransitionReason, opts TransitionOpts) (domain.Ticket, error) {
	lock := m.lockFor(ticketID)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.tickets.FindUnique(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}

	g, err := lookup(t.State, to, trigger, reason)
	if err != nil {
		return domain.Ticket{}, err
	}

	if g.feedbackRequired && (opts.Feedback == nil || *opts.Feedback == "") {
		return domain.Ticket{}, errs.Invariantf("feedback is required to reject ticket %s", ticketID)
	}

	hist := domain.TicketStateHistoryEntry{
		TicketID:      ticketID,
		FromState:     t.State,
		ToState:       to,
		Trigger:       trigger,
		Reason:        reason,
		TriggeredByID: opts.TriggeredByID,
		Feedback:      opts.Feedback,
	}

	var rejectionFeedback *string
	if g.feedbackRequired {
		formatted := formatRejectionFeedback(*opts.Feedback)
		rejectionFeedback = &formatted
	}

	updated, err := m.tickets.StateTransitionAtomic(ctx, ticketID, t.State, to, hist, rejectionFeedback)
	if err != nil {
		return domain.Ticket{}, err
	}

	if to == domain.TicketDone && m.stopper != nil {
		if err := m.stopper.StopSessionForTicket(ctx, ticketID); err != nil {
			m.log.Warn("best-effort session stop on ticket approval failed", "ticket", ticketID, "err", err)
		}
	}

	m.bus.Publish(events.Event{
		Topic: events.TopicTicketState,
		Payload: domain.TicketStateEvent{
			TicketID:      ticketID,
			PreviousState: t.State,
			NewState:      to,
			Trigger:       trigger,
			Reason:        reason,
			TriggeredByID: opts.TriggeredByID,
			Feedback:      opts.Feedback,
		},
	})

	return updated, nil
}

// formatRejectionFeedback matches spec.md §4.7's required wire format
// exactly: "[REVIEW FEEDBACK]\n\"<raw>\"\nPlease address this."
func formatRejectionFeedback(raw string) string {
	return fmt.Sprintf("[REVIEW FEEDBACK]\n%q\nPlease address this.", raw)
}

// StartSession implements session.TicketStarter: drives backlog ->
// in_progress when a ticket session starts (spec.md §4.4's
// start_ticket_session requirement). sessionID is recorded as the
// triggering actor for the history row.
func (m *Machine) StartSession(ctx context.Context, ticketID, sessionID string) error {
	_, err := m.Transition(ctx, ticketID, domain.TicketInProgress, domain.TriggerAuto, domain.ReasonSessionStarted, TransitionOpts{
		TriggeredByID: &sessionID,
	})
	return err
}

// GetHistory returns a ticket's transition history ordered oldest-first.
func (m *Machine) GetHistory(ctx context.Context, ticketID string) ([]domain.TicketStateHistoryEntry, error) {
	return m.history.List(ctx, ticketID)
}
