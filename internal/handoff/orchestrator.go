// Package handoff implements the Auto-Handoff Orchestrator (spec.md §4.8):
// triggered by context:threshold, it exports the source session's working
// state, stops it, spawns a replacement pane, and imports the exported
// state into the new session — keeping a ticket's assistant running past a
// single session's context budget.
//
// No teacher precedent exists for a multi-step choreography like this one
// (kojo has no handoff concept), so the phase-state machine and per-step
// timeout composition follow spec.md §4.8's choreography directly, built
// the way the Session Supervisor already composes mux + repository calls
// (_examples/loppo-llc-kojo/internal/session/manager.go's
// spawn-then-register pattern), generalized to the longer exporting ->
// waiting_file -> spawning -> importing sequence.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/multiplexer"
	"github.com/sessiond/sessiond/internal/repository"
)

// Defaults per spec.md §4.8. TotalTimeout is the overall safety net across
// the whole choreography; ExportTimeout/WaitForExportTimeout/ImportTimeout
// are the per-phase budgets spec.md §5 requires (export 5s, mtime-wait 30s,
// import 15s) so one slow phase can't silently consume the whole budget
// intended for a later phase (e.g. waitForExport blocking up to 60s instead
// of the 30s scenario 2 requires).
const (
	DefaultExportDelay          = 2 * time.Second
	DefaultPollInterval         = 1 * time.Second
	DefaultImportDelay          = 3 * time.Second
	DefaultTotalTimeout         = 60 * time.Second
	DefaultExportTimeout        = 5 * time.Second
	DefaultWaitForExportTimeout = 30 * time.Second
	DefaultImportTimeout        = 15 * time.Second
)

const exportCommand = "/exportHandoff"
const importCommand = "/importHandoff"

// muxClient is the narrow subset of *multiplexer.Adapter the orchestrator
// needs, declared locally so tests can fake it without a real tmux server —
// the same idiom internal/session and internal/ticket already use.
type muxClient interface {
	CreatePane(ctx context.Context, sessionID string, opts multiplexer.CreatePaneOpts) (multiplexer.PaneID, error)
	SendText(ctx context.Context, pane multiplexer.PaneID, text string) error
}

// SessionStopper is the narrow capability the orchestrator needs from the
// Session Supervisor to stop the source session gracefully in step 5.
type SessionStopper interface {
	StopSession(ctx context.Context, id string, force bool) error
}

// Orchestrator is the Auto-Handoff Orchestrator. One instance per process.
type Orchestrator struct {
	mux     muxClient
	repo    repository.Repository
	bus     *events.Bus
	stopper SessionStopper
	log     *slog.Logger

	ExportDelay  time.Duration
	PollInterval time.Duration
	ImportDelay  time.Duration
	TotalTimeout time.Duration

	// Per-phase budgets, each enforced as a child context.Context of the
	// run's overall TotalTimeout context.
	ExportTimeout        time.Duration
	WaitForExportTimeout time.Duration
	ImportTimeout        time.Duration

	// AssistantCommand is the command run in the replacement pane.
	AssistantCommand string

	mu       sync.Mutex
	inFlight map[string]*run
	sub      <-chan events.Event
	stop     chan struct{}
	done     chan struct{}
}

type run struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	byUser bool
}

func New(mux muxClient, repo repository.Repository, bus *events.Bus, stopper SessionStopper, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		mux:                  mux,
		repo:                 repo,
		bus:                  bus,
		stopper:              stopper,
		log:                  log,
		ExportDelay:          DefaultExportDelay,
		PollInterval:         DefaultPollInterval,
		ImportDelay:          DefaultImportDelay,
		TotalTimeout:         DefaultTotalTimeout,
		ExportTimeout:        DefaultExportTimeout,
		WaitForExportTimeout: DefaultWaitForExportTimeout,
		ImportTimeout:        DefaultImportTimeout,
		AssistantCommand:     "claude",
		inFlight:             make(map[string]*run),
	}
}

// Start subscribes to context:threshold. Idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		return
	}
	o.sub = o.bus.Subscribe(events.TopicContextThresh)
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.listen(o.sub, o.stop, o.done)
}

// Stop unsubscribes. Idempotent. In-flight handoffs are left to run to
// completion or their own timeout.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop := o.stop
	done := o.done
	sub := o.sub
	o.stop = nil
	o.done = nil
	o.sub = nil
	o.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	o.bus.Unsubscribe(sub)
}

func (o *Orchestrator) listen(sub <-chan events.Event, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			ev, ok := e.Payload.(domain.ContextThresholdEvent)
			if !ok {
				continue
			}
			go o.maybeHandoff(ev.SessionID, ev.Percent)
		}
	}
}

// maybeHandoff checks eligibility (ticket-type session, not already
// handing off) and runs the choreography if eligible. Errors that aren't
// about eligibility are logged; the orchestrator never panics the caller.
func (o *Orchestrator) maybeHandoff(sessionID string, contextPercent int) {
	ctx := context.Background()
	sess, err := o.repo.Sessions().FindUnique(ctx, sessionID)
	if err != nil {
		o.log.Warn("handoff: failed to load session for context:threshold", "session", sessionID, "err", err)
		return
	}
	if sess.Type != domain.SessionTicket || sess.TicketID == nil {
		return // ad-hoc sessions are not eligible
	}

	if err := o.startHandoff(sess, contextPercent); err != nil {
		if errs.KindOf(err) == errs.Conflict {
			o.log.Debug("handoff: already in progress", "session", sessionID)
			return
		}
		o.log.Warn("handoff: failed to start", "session", sessionID, "err", err)
	}
}

// CancelHandoff implements cancel_handoff(sessionId): stops pending timers,
// leaves already-performed side effects in place, and emits
// handoff:failed(reason=cancelled). A no-op if no handoff is in flight for
// this session.
func (o *Orchestrator) CancelHandoff(sessionID string) {
	o.mu.Lock()
	r, ok := o.inFlight[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.byUser = true
	r.mu.Unlock()
	r.cancel()
	o.bus.Publish(events.Event{Topic: events.TopicHandoffFailed, Payload: domain.HandoffFailedEvent{
		SessionID: sessionID, Reason: "cancelled",
	}})
}

func (o *Orchestrator) startHandoff(sess domain.Session, contextPercent int) error {
	o.mu.Lock()
	if _, exists := o.inFlight[sess.ID]; exists {
		o.mu.Unlock()
		return errs.Conflictf("handoff already in progress for session %s", sess.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.TotalTimeout)
	r := &run{cancel: cancel}
	o.inFlight[sess.ID] = r
	o.mu.Unlock()

	go func() {
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.inFlight, sess.ID)
			o.mu.Unlock()
		}()
		o.execute(ctx, r, sess, contextPercent)
	}()
	return nil
}

// execute runs the 11-step choreography of spec.md §4.8.
func (o *Orchestrator) execute(ctx context.Context, r *run, sess domain.Session, contextPercent int) {
	start := time.Now()

	project, err := o.repo.Projects().GetByID(ctx, sess.ProjectID)
	if err != nil {
		o.fail(r, sess.ID, fmt.Sprintf("failed to load project: %v", err))
		return
	}
	ticket, err := o.repo.Tickets().FindUnique(ctx, *sess.TicketID)
	if err != nil {
		o.fail(r, sess.ID, fmt.Sprintf("failed to load ticket: %v", err))
		return
	}
	handoffPath := project.RepoPath + "/" + project.HandoffFilePath

	baseline, hadBaseline := statMtime(handoffPath)

	o.bus.Publish(events.Event{Topic: events.TopicHandoffStarted, Payload: domain.HandoffStartedEvent{
		FromSessionID: sess.ID, TicketID: ticket.ID, ContextAtHandoff: contextPercent,
	}})

	o.progress(sess.ID, domain.PhaseExporting, start)
	sourcePane := multiplexer.PaneID(sess.PaneID)
	exportCtx, exportCancel := context.WithTimeout(ctx, o.ExportTimeout)
	sendErr := o.mux.SendText(exportCtx, sourcePane, exportCommand)
	if sendErr == nil {
		select {
		case <-time.After(o.ExportDelay):
		case <-exportCtx.Done():
			sendErr = exportCtx.Err()
		}
	}
	if sendErr != nil {
		if errors.Is(sendErr, context.DeadlineExceeded) || errors.Is(sendErr, context.Canceled) {
			o.failFromCtx(r, sess.ID, exportCtx)
		} else {
			o.fail(r, sess.ID, fmt.Sprintf("failed to send export command: %v", sendErr))
		}
		exportCancel()
		return
	}
	exportCancel()

	o.progress(sess.ID, domain.PhaseWaitingFile, start)
	waitCtx, waitCancel := context.WithTimeout(ctx, o.WaitForExportTimeout)
	err = o.waitForExport(waitCtx, handoffPath, baseline, hadBaseline)
	if err != nil {
		o.failFromCtx(r, sess.ID, waitCtx)
		waitCancel()
		return
	}
	waitCancel()

	o.progress(sess.ID, domain.PhaseSpawning, start)
	if err := o.stopper.StopSession(ctx, sess.ID, false); err != nil {
		o.log.Warn("handoff: failed to stop source session, continuing", "session", sess.ID, "err", err)
	}

	newPane, err := o.mux.CreatePane(ctx, project.MuxSessionName, multiplexer.CreatePaneOpts{
		Window:         project.MuxWindowName,
		Cwd:            project.RepoPath,
		InitialCommand: o.AssistantCommand,
	})
	if err != nil {
		o.fail(r, sess.ID, fmt.Sprintf("failed to create replacement pane: %v", err))
		return
	}

	newSession, err := o.repo.Sessions().Create(ctx, domain.Session{
		ProjectID: sess.ProjectID,
		TicketID:  sess.TicketID,
		ParentID:  &sess.ID,
		Type:      domain.SessionTicket,
		Status:    domain.SessionStarting,
		PaneID:    string(newPane),
	})
	if err != nil {
		o.fail(r, sess.ID, fmt.Sprintf("failed to insert replacement session: %v", err))
		return
	}

	o.progress(sess.ID, domain.PhaseImporting, start)
	importCtx, importCancel := context.WithTimeout(ctx, o.ImportTimeout)
	select {
	case <-time.After(o.ImportDelay):
	case <-importCtx.Done():
		o.failNewSession(r, sess.ID, newSession.ID, importCtx)
		importCancel()
		return
	}

	if err := o.mux.SendText(importCtx, newPane, importCommand); err != nil {
		o.failNewSession(r, sess.ID, newSession.ID, importCtx)
		importCancel()
		return
	}
	if err := o.mux.SendText(importCtx, newPane, continuationPrompt(ticket)); err != nil {
		o.log.Warn("handoff: failed to send continuation prompt", "session", newSession.ID, "err", err)
	}
	importCancel()

	if err := o.repo.HandoffEvents().Insert(ctx, domain.HandoffEvent{
		FromSessionID:    sess.ID,
		ToSessionID:      newSession.ID,
		ContextAtHandoff: contextPercent,
	}); err != nil {
		o.log.Warn("handoff: failed to persist handoff event", "from", sess.ID, "to", newSession.ID, "err", err)
	}

	// handoff:completed drives notify.Dispatcher's automatic
	// handoff_complete Notification insertion — the orchestrator does not
	// insert the notification row itself.
	o.bus.Publish(events.Event{Topic: events.TopicHandoffDone, Payload: domain.HandoffCompletedEvent{
		FromSessionID: sess.ID, ToSessionID: newSession.ID, TicketID: ticket.ID,
	}})
}

// continuationPrompt names the ticket's external id, if any, per spec.md
// §4.8 step 9.
func continuationPrompt(ticket domain.Ticket) string {
	if ticket.ExternalID != nil && *ticket.ExternalID != "" {
		return fmt.Sprintf("Continue work on ticket %s.", *ticket.ExternalID)
	}
	return fmt.Sprintf("Continue work on ticket %q.", ticket.Title)
}

// waitForExport polls the handoff file's mtime every PollInterval until it
// strictly advances from baseline (or the file appears when there was no
// baseline), or ctx is done.
func (o *Orchestrator) waitForExport(ctx context.Context, path string, baseline time.Time, hadBaseline bool) error {
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		mtime, ok := statMtime(path)
		if ok && (!hadBaseline || mtime.After(baseline)) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func statMtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (o *Orchestrator) progress(sessionID string, phase domain.HandoffPhase, start time.Time) {
	o.bus.Publish(events.Event{Topic: events.TopicHandoffProg, Payload: domain.HandoffProgressEvent{
		SessionID: sessionID, Phase: phase, ElapsedMs: time.Since(start).Milliseconds(),
	}})
}

// failFromCtx distinguishes a user cancellation from a plain timeout when
// the failure came from ctx.Done().
func (o *Orchestrator) failFromCtx(r *run, sessionID string, ctx context.Context) {
	r.mu.Lock()
	byUser := r.byUser
	r.mu.Unlock()
	if byUser {
		return // CancelHandoff already published handoff:failed(reason=cancelled)
	}
	reason := "timeout"
	if errors.Is(ctx.Err(), context.Canceled) {
		reason = "cancelled"
	}
	o.bus.Publish(events.Event{Topic: events.TopicHandoffFailed, Payload: domain.HandoffFailedEvent{
		SessionID: sessionID, Reason: reason,
	}})
}

func (o *Orchestrator) fail(r *run, sessionID, reason string) {
	r.mu.Lock()
	byUser := r.byUser
	r.mu.Unlock()
	if byUser {
		return
	}
	o.bus.Publish(events.Event{Topic: events.TopicHandoffFailed, Payload: domain.HandoffFailedEvent{
		SessionID: sessionID, Reason: reason,
	}})
}

// failNewSession marks the already-created replacement session as errored
// before failing the handoff, per spec.md §4.8: "the new session, if
// created, is marked status=error."
func (o *Orchestrator) failNewSession(r *run, sourceID, newSessionID string, ctx context.Context) {
	errStatus := domain.SessionError
	if _, err := o.repo.Sessions().Update(context.Background(), newSessionID, repository.SessionUpdate{Status: &errStatus}); err != nil {
		o.log.Warn("handoff: failed to mark replacement session as errored", "session", newSessionID, "err", err)
	}
	o.failFromCtx(r, sourceID, ctx)
}
