// Package session implements the Session Supervisor (spec.md §4.4):
// per-session lifecycle, the output polling loop, and the volatile
// registry of active sessions. Grounded directly on
// _examples/loppo-llc-kojo/internal/session/manager.go and session.go —
// the registry-map-guarded-by-a-mutex shape, the startup reconciliation
// flow (loadPersistedSessions/cleanupOrphanedTmuxSessions), and the
// readLoop/completeExit lifecycle are kept in structure, generalized from
// kojo's byte-stream broadcast to line-diffing against repeated
// capture_pane calls and bus events instead of per-session []byte
// channels.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/multiplexer"
	"github.com/sessiond/sessiond/internal/repository"
	"github.com/sessiond/sessiond/internal/ringbuffer"
)

// DefaultPollInterval matches spec.md §4.4's "every POLL_INTERVAL
// (default ≈ 2s)".
const DefaultPollInterval = 2 * time.Second

// DefaultRingCapacity is the default OutputRingBuffer capacity (spec.md
// §3, "Capacity is configurable (default 1000)").
const DefaultRingCapacity = 1000

// DefaultAssistantCommand is the command run inside a newly created pane.
// Grounded on the teacher's userTools whitelist (claude/codex/gemini) —
// "claude" is kept as the default entry of that set.
const DefaultAssistantCommand = "claude"

// DefaultStopGrace is the grace period between interrupt and EOF on a
// non-forced stop (spec.md §4.4: "grace = 2s").
const DefaultStopGrace = 2 * time.Second

// captureLines is how many lines of scrollback each poll tick requests
// from capture_pane.
const captureLines = 2000

// muxClient is the subset of *multiplexer.Adapter the Supervisor depends
// on, declared locally so tests can substitute a fake tmux without
// spawning a real server — the same narrow-interface idiom already used
// for TicketStarter below and for ticket.SessionStopper.
type muxClient interface {
	SessionExists(ctx context.Context, id string) bool
	CreateSession(ctx context.Context, id, cwd, initialCommand string) (multiplexer.PaneID, error)
	CreatePane(ctx context.Context, sessionID string, opts multiplexer.CreatePaneOpts) (multiplexer.PaneID, error)
	KillPane(ctx context.Context, pane multiplexer.PaneID) error
	IsPaneAlive(ctx context.Context, pane multiplexer.PaneID) (bool, error)
	PaneDeathStatus(ctx context.Context, pane multiplexer.PaneID) (bool, int, error)
	CapturePane(ctx context.Context, pane multiplexer.PaneID, opts multiplexer.CapturePaneOpts) (string, error)
	SendText(ctx context.Context, pane multiplexer.PaneID, text string) error
	SendInterrupt(ctx context.Context, pane multiplexer.PaneID) error
	SendEOF(ctx context.Context, pane multiplexer.PaneID) error
}

// TicketStarter is the narrow capability the Supervisor needs from the
// Ticket State Machine to drive backlog -> in_progress on
// start_ticket_session. Declared locally (rather than importing
// internal/ticket's Machine type) to keep the dependency direction
// session -> ticket one-way and easy to fake in tests.
type TicketStarter interface {
	StartSession(ctx context.Context, ticketID, sessionID string) error
}

// Supervisor is the Session Supervisor. One instance per process.
type Supervisor struct {
	mux     muxClient
	repo    repository.Repository
	bus     *events.Bus
	log     *slog.Logger
	tickets TicketStarter

	PollInterval     time.Duration
	RingCapacity     int
	AssistantCommand string

	mu     sync.RWMutex
	active map[string]*activeSession
}

type activeSession struct {
	mu          sync.Mutex
	session     domain.Session
	buf         *ringbuffer.Buffer
	lastCapture []string
	stopPoll    chan struct{}
	pollDone    chan struct{}
}

func New(mux muxClient, repo repository.Repository, bus *events.Bus, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		mux:              mux,
		repo:             repo,
		bus:              bus,
		log:              log,
		PollInterval:     DefaultPollInterval,
		RingCapacity:     DefaultRingCapacity,
		AssistantCommand: DefaultAssistantCommand,
		active:           make(map[string]*activeSession),
	}
}

// SetTicketStarter wires the Ticket State Machine after construction,
// avoiding a constructor-time cycle (the Machine also needs a
// SessionStopper implemented by this Supervisor).
func (s *Supervisor) SetTicketStarter(t TicketStarter) {
	s.tickets = t
}

// --- startup reconciliation -------------------------------------------

// ReconcileOrphans implements jobs.Reconciler. cmd/sessiond also calls it
// once at process startup for the initial load spec.md §4.4 describes.
func (s *Supervisor) ReconcileOrphans(ctx context.Context) error {
	sessions, err := s.repo.Sessions().List(ctx, nil)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if !sess.Status.Active() {
			continue
		}
		s.mu.RLock()
		_, alreadyActive := s.active[sess.ID]
		s.mu.RUnlock()
		if alreadyActive {
			continue
		}

		alive, err := s.mux.IsPaneAlive(ctx, multiplexer.PaneID(sess.PaneID))
		if err != nil || !alive {
			s.finalizeDeadSession(ctx, sess, nil)
			continue
		}
		s.registerAndPoll(sess)
		s.log.Info("reattached orphaned session", "session", sess.ID, "pane", sess.PaneID)
	}
	return nil
}

func (s *Supervisor) finalizeDeadSession(ctx context.Context, sess domain.Session, exitCode *int) {
	newStatus := domain.SessionCompleted
	if sess.Status == domain.SessionStarting {
		newStatus = domain.SessionError
	}
	ended := true
	if _, err := s.repo.Sessions().Update(ctx, sess.ID, repository.SessionUpdate{
		Status:  &newStatus,
		EndedAt: &ended,
	}); err != nil {
		s.log.Warn("failed to finalize orphaned session", "session", sess.ID, "err", err)
	}
	s.bus.Publish(events.Event{Topic: events.TopicSessionStatus, Payload: domain.SessionStatusEvent{
		SessionID: sess.ID, PreviousStatus: sess.Status, NewStatus: newStatus,
	}})
	s.bus.Publish(events.Event{Topic: events.TopicSessionExit, Payload: domain.SessionExitEvent{
		SessionID: sess.ID, ExitCode: exitCode,
	}})
}

// --- operations ----------------------------------------------------------

// StartSessionParams are the inputs to StartSession/StartTicketSession.
type StartSessionParams struct {
	ProjectID     string
	TicketID      *string
	InitialPrompt *string
	Cwd           *string
}

// StartSession implements start_session: an ad-hoc session with no ticket.
func (s *Supervisor) StartSession(ctx context.Context, p StartSessionParams) (domain.Session, error) {
	return s.start(ctx, p, domain.SessionAdhoc)
}

// StartTicketSession implements start_ticket_session: enforces the
// one-running-session invariant and, on success, drives the ticket state
// machine backlog -> in_progress.
func (s *Supervisor) StartTicketSession(ctx context.Context, p StartSessionParams) (domain.Session, error) {
	if p.TicketID == nil || *p.TicketID == "" {
		return domain.Session{}, errs.Validationf("ticket_id is required for start_ticket_session")
	}
	existing, err := s.repo.Sessions().FindOneActive(ctx, p.ProjectID, *p.TicketID)
	if err != nil {
		return domain.Session{}, err
	}
	if existing != nil {
		return domain.Session{}, &errs.Error{Kind: errs.Conflict, Entity: "session", ID: existing.ID, Msg: "already running"}
	}

	sess, err := s.start(ctx, p, domain.SessionTicket)
	if err != nil {
		return domain.Session{}, err
	}

	if s.tickets != nil {
		if err := s.tickets.StartSession(ctx, *p.TicketID, sess.ID); err != nil {
			s.log.Warn("ticket transition on session start failed", "ticket", *p.TicketID, "session", sess.ID, "err", err)
		}
	}
	return sess, nil
}

func (s *Supervisor) start(ctx context.Context, p StartSessionParams, typ domain.SessionType) (domain.Session, error) {
	project, err := s.repo.Projects().GetByID(ctx, p.ProjectID)
	if err != nil {
		return domain.Session{}, err
	}

	cwd := project.RepoPath
	if p.Cwd != nil && *p.Cwd != "" {
		cwd = *p.Cwd
	}

	pane, err := s.ensurePane(ctx, project, cwd)
	if err != nil {
		return domain.Session{}, errs.Externalf(err, "failed to create pane")
	}

	sess := domain.Session{
		ProjectID: p.ProjectID,
		TicketID:  p.TicketID,
		Type:      typ,
		Status:    domain.SessionStarting,
		PaneID:    string(pane),
	}
	created, err := s.repo.Sessions().Create(ctx, sess)
	if err != nil {
		_ = s.mux.KillPane(ctx, pane)
		return domain.Session{}, err
	}

	if p.InitialPrompt != nil && *p.InitialPrompt != "" {
		// best-effort: the pane needs a moment to start the assistant
		// process before accepting input.
		go func() {
			time.Sleep(1500 * time.Millisecond)
			_ = s.mux.SendText(context.Background(), pane, *p.InitialPrompt)
		}()
	}

	s.registerAndPoll(created)
	return created, nil
}

// ensurePane creates the project's multiplexer session on first use, then
// a fresh pane (window-split) for this session within it, matching
// spec.md §4.1's create_pane(session, {cwd?, initial_command?}).
func (s *Supervisor) ensurePane(ctx context.Context, project domain.Project, cwd string) (multiplexer.PaneID, error) {
	if !s.mux.SessionExists(ctx, project.MuxSessionName) {
		return s.mux.CreateSession(ctx, project.MuxSessionName, cwd, s.AssistantCommand)
	}
	return s.mux.CreatePane(ctx, project.MuxSessionName, multiplexer.CreatePaneOpts{
		Window:         project.MuxWindowName,
		Cwd:            cwd,
		InitialCommand: s.AssistantCommand,
	})
}

// StopSession implements stop_session. force=false sends interrupt then
// EOF after a grace period; force=true kills the pane immediately. Either
// way the poll loop observes the pane's death and finalizes the exit.
func (s *Supervisor) StopSession(ctx context.Context, id string, force bool) error {
	as := s.get(id)
	if as == nil {
		return errs.NotFoundf("session", id)
	}

	as.mu.Lock()
	pane := multiplexer.PaneID(as.session.PaneID)
	as.mu.Unlock()

	if force {
		if err := s.mux.KillPane(ctx, pane); err != nil {
			return errs.Externalf(err, "kill_pane failed")
		}
		return nil
	}

	if err := s.mux.SendInterrupt(ctx, pane); err != nil {
		return errs.Externalf(err, "send_interrupt failed")
	}
	go func() {
		time.Sleep(DefaultStopGrace)
		if alive, _ := s.mux.IsPaneAlive(context.Background(), pane); alive {
			_ = s.mux.SendEOF(context.Background(), pane)
		}
	}()
	return nil
}

// StopSessionForTicket implements ticket.SessionStopper: best-effort stop
// of whatever session is currently running for this ticket.
func (s *Supervisor) StopSessionForTicket(ctx context.Context, ticketID string) error {
	s.mu.RLock()
	var found *activeSession
	for _, as := range s.active {
		as.mu.Lock()
		if as.session.TicketID != nil && *as.session.TicketID == ticketID {
			found = as
		}
		as.mu.Unlock()
		if found != nil {
			break
		}
	}
	s.mu.RUnlock()
	if found == nil {
		return nil
	}
	return s.StopSession(ctx, found.session.ID, false)
}

// SendInput implements send_input.
func (s *Supervisor) SendInput(ctx context.Context, id, text string) error {
	as := s.get(id)
	if as == nil {
		return errs.NotFoundf("session", id)
	}
	as.mu.Lock()
	status := as.session.Status
	pane := multiplexer.PaneID(as.session.PaneID)
	as.mu.Unlock()

	if status != domain.SessionRunning && status != domain.SessionPaused {
		return &errs.Error{Kind: errs.Invariant, Entity: "session", ID: id, Msg: "session is " + string(status) + ", not running"}
	}
	return s.mux.SendText(ctx, pane, text)
}

// GetSessionOutput implements get_session_output.
func (s *Supervisor) GetSessionOutput(id string, lines int) ([]string, error) {
	as := s.get(id)
	if as == nil {
		return nil, errs.NotFoundf("session", id)
	}
	return as.buf.Last(lines), nil
}

// GetActiveSession implements get_active_session.
func (s *Supervisor) GetActiveSession(id string) (domain.Session, bool) {
	as := s.get(id)
	if as == nil {
		return domain.Session{}, false
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.session, true
}

// ListActiveSessions implements list_active_sessions(project_id?).
func (s *Supervisor) ListActiveSessions(projectID *string) []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.active))
	for _, as := range s.active {
		as.mu.Lock()
		sess := as.session
		as.mu.Unlock()
		if projectID != nil && sess.ProjectID != *projectID {
			continue
		}
		out = append(out, sess)
	}
	return out
}

func (s *Supervisor) get(id string) *activeSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[id]
}

func (s *Supervisor) registerAndPoll(sess domain.Session) {
	buf, _ := ringbuffer.New(s.RingCapacity)
	as := &activeSession{
		session:  sess,
		buf:      buf,
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
	}
	s.mu.Lock()
	s.active[sess.ID] = as
	s.mu.Unlock()

	go s.pollLoop(as)
}

// --- polling loop --------------------------------------------------------

func (s *Supervisor) pollLoop(as *activeSession) {
	defer close(as.pollDone)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-as.stopPoll:
			return
		case <-ticker.C:
			if !s.pollOnce(as) {
				return
			}
		}
	}
}

// pollOnce captures the pane once, diffs it against the previous capture,
// and checks liveness. Returns false if the session was finalized and the
// loop should stop.
func (s *Supervisor) pollOnce(as *activeSession) bool {
	ctx := context.Background()

	as.mu.Lock()
	pane := multiplexer.PaneID(as.session.PaneID)
	as.mu.Unlock()

	dead, exitCode, err := s.mux.PaneDeathStatus(ctx, pane)
	if err != nil {
		s.publishError(as, err)
	} else if dead {
		s.finalizeExit(as, exitCode)
		return false
	}

	text, err := s.mux.CapturePane(ctx, pane, multiplexer.CapturePaneOpts{Lines: captureLines, StripControlSequences: true})
	if err != nil {
		s.publishError(as, err)
		return true
	}

	lines := strings.Split(text, "\n")
	newLines := diffLines(as, lines)
	if len(newLines) > 0 {
		as.buf.PushMany(newLines)
		s.bus.Publish(events.Event{Topic: events.TopicSessionOutput, Payload: domain.SessionOutputEvent{
			SessionID: as.session.ID, Lines: newLines,
		}})
	}

	s.maybeTransitionToRunning(ctx, as, len(lines) > 0 && strings.TrimSpace(text) != "")
	return true
}

// diffLines computes the suffix following the longest common prefix of
// as.lastCapture and lines (spec.md §4.4). If the previous capture is not
// a prefix of the new one (scrollback drift), this is treated as a full
// reset and only the last W lines are emitted, W being the ring buffer's
// configured capacity — otherwise a single drifted capture could flood one
// session:output event with the entire scrollback.
func diffLines(as *activeSession, lines []string) []string {
	as.mu.Lock()
	prev := as.lastCapture
	w := as.buf.Capacity()
	as.mu.Unlock()

	lcp := 0
	for lcp < len(prev) && lcp < len(lines) && prev[lcp] == lines[lcp] {
		lcp++
	}

	var out []string
	if lcp == len(prev) {
		out = append(out, lines[lcp:]...)
	} else {
		// drift: prior tail is no longer a prefix, full reset bounded to
		// the last w lines
		start := 0
		if len(lines) > w {
			start = len(lines) - w
		}
		out = append(out, lines[start:]...)
	}

	as.mu.Lock()
	as.lastCapture = lines
	as.mu.Unlock()
	return out
}

func (s *Supervisor) maybeTransitionToRunning(ctx context.Context, as *activeSession, hasOutput bool) {
	as.mu.Lock()
	status := as.session.Status
	id := as.session.ID
	as.mu.Unlock()

	if status != domain.SessionStarting || !hasOutput {
		return
	}

	running := domain.SessionRunning
	startedFlag := true
	updated, err := s.repo.Sessions().Update(ctx, id, repository.SessionUpdate{Status: &running, StartedAt: &startedFlag})
	if err != nil {
		s.log.Warn("failed to persist running transition", "session", id, "err", err)
		return
	}

	as.mu.Lock()
	as.session = updated
	as.mu.Unlock()

	s.bus.Publish(events.Event{Topic: events.TopicSessionStatus, Payload: domain.SessionStatusEvent{
		SessionID: id, PreviousStatus: domain.SessionStarting, NewStatus: domain.SessionRunning,
	}})
}

func (s *Supervisor) finalizeExit(as *activeSession, exitCode int) {
	ctx := context.Background()
	as.mu.Lock()
	sess := as.session
	as.mu.Unlock()

	newStatus := domain.SessionCompleted
	if exitCode != 0 {
		newStatus = domain.SessionError
	}
	ended := true
	updated, err := s.repo.Sessions().Update(ctx, sess.ID, repository.SessionUpdate{Status: &newStatus, EndedAt: &ended})
	if err != nil {
		s.log.Warn("failed to persist session exit", "session", sess.ID, "err", err)
	} else {
		sess = updated
	}

	s.mu.Lock()
	delete(s.active, sess.ID)
	s.mu.Unlock()

	code := exitCode
	s.bus.Publish(events.Event{Topic: events.TopicSessionStatus, Payload: domain.SessionStatusEvent{
		SessionID: sess.ID, PreviousStatus: domain.SessionRunning, NewStatus: newStatus,
	}})
	s.bus.Publish(events.Event{Topic: events.TopicSessionExit, Payload: domain.SessionExitEvent{
		SessionID: sess.ID, ExitCode: &code,
	}})
}

func (s *Supervisor) publishError(as *activeSession, err error) {
	as.mu.Lock()
	id := as.session.ID
	as.mu.Unlock()
	s.log.Warn("session poll error", "session", id, "err", err)
	s.bus.Publish(events.Event{Topic: events.TopicSessionError, Payload: domain.SessionErrorEvent{
		SessionID: id, Message: err.Error(),
	}})
}

// UpdateContextPercent records a context-monitor sample against the
// in-memory session record, so list_active_sessions/get_active_session
// reflect the latest percent without a repository round trip. Called by
// the wiring layer on context:sample events.
func (s *Supervisor) UpdateContextPercent(sessionID string, percent int) {
	as := s.get(sessionID)
	if as == nil {
		return
	}
	as.mu.Lock()
	as.session.ContextPercent = &percent
	as.mu.Unlock()
}

// Stop halts every active poll loop without touching the underlying
// panes, for graceful process shutdown.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	sessions := make([]*activeSession, 0, len(s.active))
	for _, as := range s.active {
		sessions = append(sessions, as)
	}
	s.mu.Unlock()

	for _, as := range sessions {
		close(as.stopPoll)
		<-as.pollDone
	}
}
