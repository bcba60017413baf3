// Package notify implements SPEC_FULL.md's Notification model and
// dispatch hook. Delivery transports (push, email, Slack) are an explicit
// non-goal — see DESIGN.md's dropped-dependency list for webpush-go and
// slack-go, both of which belonged to delivery transports the teacher
// shipped but this module does not. What remains here is the part spec.md
// §7 actually requires: turning waiting/handoff/review/error events into
// persisted Notification rows and an event the Fan-out Bus can broadcast.
package notify

import (
	"context"
	"log/slog"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/repository"
)

// Dispatcher turns bus events into persisted notifications, per spec.md §7
// ("User-visible behavior"): waiting-for-input, handoff completion, and
// review-ready events produce notifications automatically; errors with
// user impact produce error-type notifications, internal errors do not.
type Dispatcher struct {
	repo repository.Notifications
	bus  *events.Bus
	log  *slog.Logger

	stop chan struct{}
}

func NewDispatcher(repo repository.Notifications, bus *events.Bus, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{repo: repo, bus: bus, log: log}
}

// Start subscribes to the bus topics that produce notifications and runs
// until Stop is called or ctx is cancelled. Idempotent: calling Start twice
// without an intervening Stop is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	ch := d.bus.Subscribe("")
	go d.run(ctx, ch)
}

// Stop signals the run loop to exit; the loop unsubscribes on its way out.
// Stop returns without waiting for the loop to finish. Idempotent.
func (d *Dispatcher) Stop() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	d.stop = nil
}

func (d *Dispatcher) run(ctx context.Context, ch <-chan events.Event) {
	defer d.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			d.handle(ctx, e)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, e events.Event) {
	n, ok := toNotification(e)
	if !ok {
		return
	}
	if err := d.repo.Insert(ctx, n); err != nil {
		d.log.Warn("failed to persist notification", "type", n.Type, "err", err)
		return
	}
	d.bus.Publish(events.Event{Topic: events.TopicNotification, Payload: domain.NotificationEvent{Notification: n}})
}

// toNotification maps a subset of bus events to the Notification they
// should produce. Events with no user-visible meaning (e.g. session:output)
// return ok=false.
func toNotification(e events.Event) (domain.Notification, bool) {
	switch p := e.Payload.(type) {
	case domain.WaitingChangeEvent:
		if !p.Waiting {
			return domain.Notification{}, false
		}
		return domain.Notification{
			Type:      domain.NotifyWaitingInput,
			Message:   "Session is waiting for input",
			SessionID: &p.SessionID,
		}, true
	case domain.HandoffCompletedEvent:
		return domain.Notification{
			Type:      domain.NotifyHandoffDone,
			Message:   "Handoff completed",
			SessionID: &p.ToSessionID,
			TicketID:  &p.TicketID,
		}, true
	case domain.TicketStateEvent:
		if p.NewState != domain.TicketReview {
			return domain.Notification{}, false
		}
		return domain.Notification{
			Type:     domain.NotifyReviewReady,
			Message:  "Ticket is ready for review",
			TicketID: &p.TicketID,
		}, true
	case domain.SessionErrorEvent:
		return domain.Notification{
			Type:      domain.NotifyError,
			Message:   p.Message,
			SessionID: &p.SessionID,
		}, true
	case domain.ContextThresholdEvent:
		return domain.Notification{
			Type:      domain.NotifyContextLow,
			Message:   "Session context is running low",
			SessionID: &p.SessionID,
		}, true
	default:
		return domain.Notification{}, false
	}
}
