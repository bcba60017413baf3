// Package waiting implements the Waiting-State Detector (spec.md §4.6): it
// fuses three independent signal sources into a single per-session waiting
// boolean with an optional reason, debounced so rapid flapping collapses
// into one waiting:stateChange event.
//
// The output-pattern matcher is grounded directly on the teacher's yolo-mode
// approval scanner (_examples/loppo-llc-kojo/internal/session/session.go:
// ansiRe/multiSpaceRe/yoloPattern): ANSI escapes are stripped by replacing
// them with a space (preserving word boundaries), CRLF is normalized, and
// runs of whitespace are collapsed before the text is matched against a
// closed set of patterns. Debouncing reuses github.com/bep/debounce, the
// same dependency internal/contextmon uses to collapse fsnotify bursts.
package waiting

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
)

// DefaultDebounce collapses rapid candidate updates into a single
// waiting:stateChange emission (spec.md §4.6: "default 500 ms").
const DefaultDebounce = 500 * time.Millisecond

// DefaultClearDelay demotes a stale waiting=true candidate back to false
// when no corroborating signal arrives (spec.md §4.6: "default 2 s").
const DefaultClearDelay = 2 * time.Second

// tailLines is how many of the most recently captured output lines the
// pattern matcher considers, mirroring the teacher's fixed trailing-window
// approach (it keeps a fixed-size yoloTail rather than the whole buffer).
const tailLines = 20

var ansiRe = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\].*?(?:\x07|\x1b\\)|\x1b[()][0-9A-B]`)
var multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

// approvalPatterns are immediate approval prompts (spec.md §4.6: "Do you
// want to proceed?", named approval prompts).
var approvalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do you want to proceed\??`),
	regexp.MustCompile(`(?i)do you want me to\b[^\n?]*\?`),
	regexp.MustCompile(`(?i)\by\/n\b`),
	regexp.MustCompile(`(?i)\[y\/n\]`),
	regexp.MustCompile(`(?i)press enter to continue`),
}

// questionPatterns are heuristic-question prompts (spec.md §4.6: "What
// would you like", "Should I", "?" as final non-blank character).
var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)what would you like`),
	regexp.MustCompile(`(?im)^should i\b`),
}

// Config holds the tunables exposed via get_config/update_config.
type Config struct {
	Debounce   time.Duration
	ClearDelay time.Duration
}

// State is the fused waiting state for one session.
type State struct {
	SessionID string
	Waiting   bool
	Reason    domain.WaitingReason
	DetectedBy string
	UpdatedAt time.Time
}

type candidate struct {
	waiting   bool
	reason    domain.WaitingReason
	source    string
	timestamp time.Time
}

type watchedSession struct {
	mu        sync.Mutex
	sessionID string
	latest    candidate
	emitted   *State
	debounced func(func())
	clearTimer *time.Timer
}

// Detector is the Waiting-State Detector. One instance per process.
type Detector struct {
	bus *events.Bus
	log *slog.Logger

	mu     sync.RWMutex
	cfg    Config
	sessions map[string]*watchedSession

	outputCh  <-chan events.Event
	telemetryCh <-chan events.Event

	stop chan struct{}
	done chan struct{}
}

func New(bus *events.Bus, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	d := &Detector{
		bus: bus,
		log: log,
		cfg: Config{Debounce: DefaultDebounce, ClearDelay: DefaultClearDelay},
		sessions: make(map[string]*watchedSession),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.outputCh = bus.Subscribe(events.TopicSessionOutput)
	d.telemetryCh = bus.Subscribe(events.TopicTelemetryWait)
	go d.run()
	return d
}

// WatchSession implements watch_session(id).
func (d *Detector) WatchSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sessionID]; ok {
		return
	}
	debounceMs := d.cfg.Debounce
	ws := &watchedSession{sessionID: sessionID}
	ws.debounced = debounce.New(debounceMs)
	d.sessions[sessionID] = ws
}

// UnwatchSession implements unwatch_session(id).
func (d *Detector) UnwatchSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	ws.mu.Lock()
	if ws.clearTimer != nil {
		ws.clearTimer.Stop()
	}
	ws.mu.Unlock()
	delete(d.sessions, sessionID)
}

// GetWaitingState implements get_waiting_state(id).
func (d *Detector) GetWaitingState(sessionID string) (State, error) {
	ws := d.get(sessionID)
	if ws == nil {
		return State{}, errs.NotFoundf("watched_session", sessionID)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.emitted == nil {
		return State{SessionID: sessionID, Waiting: false}, nil
	}
	return *ws.emitted, nil
}

// GetConfig implements get_config.
func (d *Detector) GetConfig() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// UpdateConfig implements update_config.
func (d *Detector) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Debounce > 0 {
		d.cfg.Debounce = cfg.Debounce
	}
	if cfg.ClearDelay > 0 {
		d.cfg.ClearDelay = cfg.ClearDelay
	}
}

// HandleHookEvent implements handle_hook_event(payload): an out-of-band
// process (the assistant's own lifecycle hook) pushes an explicit waiting
// notification.
func (d *Detector) HandleHookEvent(sessionID string, waiting bool, reason domain.WaitingReason) error {
	ws := d.get(sessionID)
	if ws == nil {
		return errs.NotFoundf("watched_session", sessionID)
	}
	d.submit(ws, candidate{waiting: waiting, reason: reason, source: "hook", timestamp: time.Now()})
	return nil
}

func (d *Detector) get(sessionID string) *watchedSession {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[sessionID]
}

// Stop shuts the detector down.
func (d *Detector) Stop() {
	close(d.stop)
	<-d.done
	d.bus.Unsubscribe(d.outputCh)
	d.bus.Unsubscribe(d.telemetryCh)
}

func (d *Detector) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case e, ok := <-d.outputCh:
			if !ok {
				return
			}
			d.handleOutput(e)
		case e, ok := <-d.telemetryCh:
			if !ok {
				return
			}
			d.handleTelemetry(e)
		}
	}
}

func (d *Detector) handleOutput(e events.Event) {
	ev, ok := e.Payload.(domain.SessionOutputEvent)
	if !ok {
		return
	}
	ws := d.get(ev.SessionID)
	if ws == nil {
		return
	}
	waiting, reason, ok := matchOutputPrompt(ev.Lines)
	if !ok {
		return
	}
	d.submit(ws, candidate{waiting: waiting, reason: reason, source: "output", timestamp: time.Now()})
}

func (d *Detector) handleTelemetry(e events.Event) {
	ev, ok := e.Payload.(domain.TelemetryWaitingEvent)
	if !ok {
		return
	}
	ws := d.get(ev.SessionID)
	if ws == nil {
		return
	}
	d.submit(ws, candidate{waiting: ev.Waiting, reason: ev.Reason, source: "telemetry", timestamp: time.Now()})
}

// matchOutputPrompt checks the trailing window of captured lines against
// the immediate-approval and heuristic-question pattern sets.
func matchOutputPrompt(lines []string) (waiting bool, reason domain.WaitingReason, matched bool) {
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	joined := strings.Join(lines, "\n")
	clean := ansiRe.ReplaceAll([]byte(joined), []byte(" "))
	clean = bytes.ReplaceAll(clean, []byte("\r\n"), []byte("\n"))
	clean = bytes.ReplaceAll(clean, []byte("\r"), []byte("\n"))
	clean = multiSpaceRe.ReplaceAll(clean, []byte(" "))
	cleanStr := string(clean)

	for _, p := range approvalPatterns {
		if p.MatchString(cleanStr) {
			return true, domain.ReasonOutputPrompt, true
		}
	}
	for _, p := range questionPatterns {
		if p.MatchString(cleanStr) {
			return true, domain.ReasonOutputPrompt, true
		}
	}
	if trimmed := strings.TrimSpace(cleanStr); trimmed != "" && strings.HasSuffix(trimmed, "?") {
		return true, domain.ReasonOutputPrompt, true
	}
	return false, "", false
}

// submit writes a new candidate into the session's slot and (re)starts its
// debounce timer; when the timer fires the candidate is compared against
// the last-emitted state and a waiting:stateChange is published on change.
func (d *Detector) submit(ws *watchedSession, c candidate) {
	ws.mu.Lock()
	ws.latest = c
	ws.mu.Unlock()

	ws.debounced(func() { d.resolve(ws) })
}

func (d *Detector) resolve(ws *watchedSession) {
	ws.mu.Lock()
	c := ws.latest
	prev := ws.emitted
	ws.mu.Unlock()

	changed := prev == nil || prev.Waiting != c.waiting || prev.Reason != c.reason
	if changed {
		d.emit(ws, c.waiting, c.reason, c.source)
	}

	if c.waiting {
		d.armClearTimer(ws)
	}
}

// armClearTimer (re)starts the clear-delay timer that demotes a stale
// waiting=true to false if no corroborating signal arrives in time.
func (d *Detector) armClearTimer(ws *watchedSession) {
	clearDelay := d.GetConfig().ClearDelay

	ws.mu.Lock()
	if ws.clearTimer != nil {
		ws.clearTimer.Stop()
	}
	ws.clearTimer = time.AfterFunc(clearDelay, func() { d.clearStale(ws) })
	ws.mu.Unlock()
}

func (d *Detector) clearStale(ws *watchedSession) {
	ws.mu.Lock()
	stillWaiting := ws.latest.waiting
	emitted := ws.emitted
	ws.mu.Unlock()

	if !stillWaiting {
		return
	}
	if emitted == nil || !emitted.Waiting {
		return
	}
	// no corroborating signal refreshed the candidate in time; demote.
	d.emit(ws, false, domain.ReasonStopped, "clear_timeout")
}

func (d *Detector) emit(ws *watchedSession, waiting bool, reason domain.WaitingReason, source string) {
	now := time.Now()
	st := &State{SessionID: ws.sessionID, Waiting: waiting, Reason: reason, DetectedBy: source, UpdatedAt: now}

	ws.mu.Lock()
	ws.emitted = st
	ws.latest.waiting = waiting
	ws.latest.reason = reason
	ws.mu.Unlock()

	d.log.Debug("waiting state changed", "session", ws.sessionID, "waiting", waiting, "reason", reason, "source", source)
	d.bus.Publish(events.Event{Topic: events.TopicWaitingChange, Payload: domain.WaitingChangeEvent{
		SessionID: ws.sessionID, Waiting: waiting, Reason: reason, DetectedBy: source,
	}})
}
