package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/repository"
)

// fakeTickets is an in-memory repository.Tickets good enough to exercise
// the Machine's guard table and atomicity expectations without sqlite.
type fakeTickets struct {
	tickets map[string]domain.Ticket
	history []domain.TicketStateHistoryEntry
}

func newFakeTickets(t domain.Ticket) *fakeTickets {
	return &fakeTickets{tickets: map[string]domain.Ticket{t.ID: t}}
}

func (f *fakeTickets) FindUnique(ctx context.Context, id string) (domain.Ticket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return domain.Ticket{}, errs.NotFoundf("ticket", id)
	}
	return t, nil
}

func (f *fakeTickets) FindMany(ctx context.Context, projectID string, state *domain.TicketState) ([]domain.Ticket, error) {
	return nil, nil
}

func (f *fakeTickets) Count(ctx context.Context, projectID string, state *domain.TicketState) (int, error) {
	return 0, nil
}

func (f *fakeTickets) Create(ctx context.Context, t domain.Ticket) (domain.Ticket, error) {
	f.tickets[t.ID] = t
	return t, nil
}

func (f *fakeTickets) Update(ctx context.Context, id string, u repository.TicketUpdate) (domain.Ticket, error) {
	t := f.tickets[id]
	if u.RejectionFeedback != nil {
		t.RejectionFeedback = u.RejectionFeedback
	}
	f.tickets[id] = t
	return t, nil
}

func (f *fakeTickets) StateTransitionAtomic(ctx context.Context, ticketID string, from, to domain.TicketState, hist domain.TicketStateHistoryEntry, rejectionFeedback *string) (domain.Ticket, error) {
	t, ok := f.tickets[ticketID]
	if !ok {
		return domain.Ticket{}, errs.NotFoundf("ticket", ticketID)
	}
	if t.State != from {
		return domain.Ticket{}, errs.Conflictf("ticket %s is in state %s, not %s", ticketID, t.State, from)
	}
	t.State = to
	if rejectionFeedback != nil {
		t.RejectionFeedback = rejectionFeedback
	}
	f.tickets[ticketID] = t
	f.history = append(f.history, hist)
	return t, nil
}

type fakeHistory struct{ entries []domain.TicketStateHistoryEntry }

func (f *fakeHistory) Insert(ctx context.Context, h domain.TicketStateHistoryEntry) error {
	f.entries = append(f.entries, h)
	return nil
}

func (f *fakeHistory) List(ctx context.Context, ticketID string) ([]domain.TicketStateHistoryEntry, error) {
	var out []domain.TicketStateHistoryEntry
	for _, e := range f.entries {
		if e.TicketID == ticketID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestTransitionBacklogToInProgress(t *testing.T) {
	tk := domain.Ticket{ID: "t1", State: domain.TicketBacklog}
	tickets := newFakeTickets(tk)
	bus := events.New()
	m := New(tickets, &fakeHistory{}, bus, nil, nil)

	got, err := m.Transition(context.Background(), "t1", domain.TicketInProgress, domain.TriggerAuto, domain.ReasonSessionStarted, TransitionOpts{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.State != domain.TicketInProgress {
		t.Errorf("state = %s, want in_progress", got.State)
	}
}

func TestTransitionRejectsDisallowedEdge(t *testing.T) {
	tk := domain.Ticket{ID: "t1", State: domain.TicketBacklog}
	tickets := newFakeTickets(tk)
	m := New(tickets, &fakeHistory{}, events.New(), nil, nil)

	_, err := m.Transition(context.Background(), "t1", domain.TicketDone, domain.TriggerManual, domain.ReasonUserApproved, TransitionOpts{})
	if errs.KindOf(err) != errs.Invariant {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestTransitionRejectRequiresFeedback(t *testing.T) {
	tk := domain.Ticket{ID: "t1", State: domain.TicketReview}
	tickets := newFakeTickets(tk)
	m := New(tickets, &fakeHistory{}, events.New(), nil, nil)

	_, err := m.Transition(context.Background(), "t1", domain.TicketInProgress, domain.TriggerManual, domain.ReasonUserRejected, TransitionOpts{})
	if errs.KindOf(err) != errs.Invariant {
		t.Fatalf("expected invariant error for missing feedback, got %v", err)
	}
}

func TestTransitionRejectFormatsFeedback(t *testing.T) {
	tk := domain.Ticket{ID: "t1", State: domain.TicketReview}
	tickets := newFakeTickets(tk)
	m := New(tickets, &fakeHistory{}, events.New(), nil, nil)

	raw := "missing tests"
	got, err := m.Transition(context.Background(), "t1", domain.TicketInProgress, domain.TriggerManual, domain.ReasonUserRejected, TransitionOpts{Feedback: &raw})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.RejectionFeedback == nil || *got.RejectionFeedback != `[REVIEW FEEDBACK]
"missing tests"
Please address this.` {
		t.Errorf("unexpected feedback formatting: %v", got.RejectionFeedback)
	}
}

type stopperSpy struct{ called bool }

func (s *stopperSpy) StopSessionForTicket(ctx context.Context, ticketID string) error {
	s.called = true
	return nil
}

func TestTransitionApproveStopsSession(t *testing.T) {
	tk := domain.Ticket{ID: "t1", State: domain.TicketReview}
	tickets := newFakeTickets(tk)
	stopper := &stopperSpy{}
	m := New(tickets, &fakeHistory{}, events.New(), stopper, nil)

	_, err := m.Transition(context.Background(), "t1", domain.TicketDone, domain.TriggerManual, domain.ReasonUserApproved, TransitionOpts{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !stopper.called {
		t.Error("expected session stopper to be called on approval")
	}
}

func TestTransitionPublishesEvent(t *testing.T) {
	tk := domain.Ticket{ID: "t1", State: domain.TicketBacklog}
	tickets := newFakeTickets(tk)
	bus := events.New()
	ch := bus.Subscribe(events.TopicTicketState)
	m := New(tickets, &fakeHistory{}, bus, nil, nil)

	_, err := m.Transition(context.Background(), "t1", domain.TicketInProgress, domain.TriggerAuto, domain.ReasonSessionStarted, TransitionOpts{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	select {
	case e := <-ch:
		p, ok := e.Payload.(domain.TicketStateEvent)
		if !ok || p.NewState != domain.TicketInProgress {
			t.Errorf("unexpected event payload: %#v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ticket:stateChange event")
	}
}
