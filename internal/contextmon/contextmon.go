// Package contextmon implements the Context Monitor (spec.md §4.5): a
// per-session reader of an out-of-band, line-delimited JSON telemetry file
// that fires context:threshold events when the assistant's remaining
// context budget crosses a configured bound.
//
// File-change notification is watch-based (github.com/fsnotify/fsnotify,
// adopted from the my-take-dev-myT-x example's go.mod, which carries the
// same watch+poll-fallback shape for its own session state) with a ≤1s
// periodic poll fallback alongside it, since not every filesystem this
// runs against supports inotify/kqueue. Bursts of fsnotify write events
// are collapsed with github.com/bep/debounce (also in myT-x's dependency
// set) before each re-read of the telemetry tail.
package contextmon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
)

// DefaultThreshold is spec.md §4.5's default remaining-percent bound.
const DefaultThreshold = 20

// DefaultRecoveryMargin is the hysteresis margin: once below threshold, a
// session must recover to threshold+DefaultRecoveryMargin before a future
// dip will re-fire context:threshold.
const DefaultRecoveryMargin = 5

// DefaultPollFallback is the periodic re-read performed regardless of
// fsnotify activity (spec.md §4.5: "periodic poll fallback (≤ 1s)").
const DefaultPollFallback = 1 * time.Second

// DefaultWriteDebounce collapses bursts of fsnotify write events for the
// same file into a single re-read.
const DefaultWriteDebounce = 150 * time.Millisecond

type phase string

const (
	phaseUnknown   phase = "unknown"
	phaseMeasuring phase = "measuring"
	phaseAbove     phase = "above"
	phaseBelow     phase = "below"
)

// telemetryRecord is one line of the assistant's telemetry file. Only the
// field this monitor cares about is modeled; unknown fields are ignored by
// encoding/json.
type telemetryRecord struct {
	ContextRemainingPercent *int `json:"context_remaining_percent"`
	// AwaitingInputReason is non-empty when the telemetry stream reports
	// the assistant is blocked on input; its value is either
	// "permission_prompt" or "idle_prompt" (spec.md §4.6's telemetry-state
	// signal source for the Waiting-State Detector).
	AwaitingInputReason string `json:"awaiting_input_reason"`
}

// Sample is the latest observed context measurement for a session.
type Sample struct {
	SessionID string
	Percent   int
	Timestamp time.Time
}

type watchedSession struct {
	mu             sync.Mutex
	sessionID      string
	filePath       string
	offset         int64
	phase          phase
	fired          bool
	latest         *Sample
	awaitingReason string
	debounced      func(func())
}

// Monitor is the Context Monitor. One instance per process, watching any
// number of per-session telemetry files.
type Monitor struct {
	bus          *events.Bus
	log          *slog.Logger
	watcher      *fsnotify.Watcher
	Threshold    int
	PollFallback time.Duration

	mu       sync.RWMutex
	sessions map[string]*watchedSession
	byPath   map[string]string // filePath -> sessionID, for fsnotify event routing

	stop chan struct{}
	done chan struct{}
}

func New(bus *events.Bus, log *slog.Logger) (*Monitor, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Externalf(err, "failed to start filesystem watcher")
	}
	m := &Monitor{
		bus:          bus,
		log:          log,
		watcher:      w,
		Threshold:    DefaultThreshold,
		PollFallback: DefaultPollFallback,
		sessions:     make(map[string]*watchedSession),
		byPath:       make(map[string]string),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Watch implements watch(sessionId, filePath). Re-watching an
// already-watched session rebinds it to the new path.
func (m *Monitor) Watch(sessionID, filePath string) error {
	ws := &watchedSession{
		sessionID: sessionID,
		filePath:  filePath,
		phase:     phaseUnknown,
	}
	ws.debounced = debounce.New(DefaultWriteDebounce)

	m.mu.Lock()
	if old, ok := m.sessions[sessionID]; ok {
		delete(m.byPath, old.filePath)
		_ = m.watcher.Remove(old.filePath)
	}
	m.sessions[sessionID] = ws
	m.byPath[filePath] = sessionID
	m.mu.Unlock()

	if err := m.watcher.Add(filePath); err != nil {
		// Not fatal: the poll fallback will pick the file up once it
		// exists, and fsnotify.Add can fail simply because the file
		// hasn't been created yet.
		m.log.Debug("fsnotify watch failed, relying on poll fallback", "session", sessionID, "path", filePath, "err", err)
	}
	return nil
}

// Unwatch implements unwatch(sessionId).
func (m *Monitor) Unwatch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	delete(m.byPath, ws.filePath)
	_ = m.watcher.Remove(ws.filePath)
}

// IsMonitoring implements is_monitoring(sessionId).
func (m *Monitor) IsMonitoring(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// GetSessionContext implements get_session_context(sessionId) -> latest
// sample.
func (m *Monitor) GetSessionContext(sessionID string) (Sample, bool) {
	m.mu.RLock()
	ws, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Sample{}, false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.latest == nil {
		return Sample{}, false
	}
	return *ws.latest, true
}

// Stop shuts the monitor down.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
	_ = m.watcher.Close()
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.PollFallback)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ws := m.sessionForPath(ev.Name); ws != nil {
				ws.debounced(func() { m.readNew(ws) })
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("fsnotify error", "err", err)
		case <-ticker.C:
			m.pollAll()
		}
	}
}

func (m *Monitor) sessionForPath(path string) *watchedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPath[path]
	if !ok {
		return nil
	}
	return m.sessions[id]
}

func (m *Monitor) pollAll() {
	m.mu.RLock()
	sessions := make([]*watchedSession, 0, len(m.sessions))
	for _, ws := range m.sessions {
		sessions = append(sessions, ws)
	}
	m.mu.RUnlock()
	for _, ws := range sessions {
		m.readNew(ws)
	}
}

// readNew opens the telemetry file lazily, seeks to the tracked offset
// (re-opening from zero on truncation), parses each complete
// line-delimited record, and updates the session's sample/phase state.
func (m *Monitor) readNew(ws *watchedSession) {
	ws.mu.Lock()
	path := ws.filePath
	offset := ws.offset
	ws.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return // file not created yet; poll fallback will retry
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < offset {
		offset = 0 // truncated; re-open from the start
	}
	if info.Size() == offset {
		return // nothing new
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		m.log.Warn("telemetry seek failed", "session", ws.sessionID, "err", err)
		return
	}

	reader := bufio.NewReader(f)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if line == "" && err != nil {
			break
		}
		if err == io.EOF && !bytes.HasSuffix([]byte(line), []byte("\n")) {
			// partial trailing line: leave it for the next read
			break
		}
		consumed += int64(len(line))
		m.parseLine(ws, line)
		if err != nil {
			break
		}
	}

	ws.mu.Lock()
	ws.offset = offset + consumed
	ws.mu.Unlock()
}

func (m *Monitor) parseLine(ws *watchedSession, line string) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 {
		return
	}
	var rec telemetryRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		m.log.Debug("failed to parse telemetry record, skipping", "session", ws.sessionID, "err", err)
		return
	}
	if rec.ContextRemainingPercent != nil {
		m.observe(ws, *rec.ContextRemainingPercent)
	}
	m.observeAwaitingInput(ws, rec.AwaitingInputReason)
}

// observeAwaitingInput publishes a TelemetryWaitingEvent whenever the
// awaiting-input field transitions, one of the Waiting-State Detector's
// three fused signal sources.
func (m *Monitor) observeAwaitingInput(ws *watchedSession, reason string) {
	ws.mu.Lock()
	prev := ws.awaitingReason
	ws.awaitingReason = reason
	sessionID := ws.sessionID
	ws.mu.Unlock()

	if reason == prev {
		return
	}

	if reason != "" {
		m.bus.Publish(events.Event{Topic: events.TopicTelemetryWait, Payload: domain.TelemetryWaitingEvent{
			SessionID: sessionID, Waiting: true, Reason: domain.WaitingReason(reason),
		}})
		return
	}
	m.bus.Publish(events.Event{Topic: events.TopicTelemetryWait, Payload: domain.TelemetryWaitingEvent{
		SessionID: sessionID, Waiting: false, Reason: domain.ReasonIdlePrompt,
	}})
}

func (m *Monitor) observe(ws *watchedSession, percent int) {
	now := time.Now()
	threshold := m.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	ws.mu.Lock()
	ws.latest = &Sample{SessionID: ws.sessionID, Percent: percent, Timestamp: now}

	prevPhase := ws.phase
	newPhase := phaseAbove
	if percent < threshold {
		newPhase = phaseBelow
	}
	// hysteresis: a session parked in "below" only returns to "above" once
	// it recovers past threshold+margin; small rebounds don't count.
	if prevPhase == phaseBelow && percent < threshold+DefaultRecoveryMargin {
		newPhase = phaseBelow
	}
	fire := newPhase == phaseBelow && prevPhase != phaseBelow
	ws.phase = newPhase
	sessionID := ws.sessionID
	ws.mu.Unlock()

	m.bus.Publish(events.Event{Topic: events.TopicContextSample, Payload: domain.ContextSampleEvent{
		SessionID: sessionID, Percent: percent, Timestamp: now,
	}})

	if fire {
		m.bus.Publish(events.Event{Topic: events.TopicContextThresh, Payload: domain.ContextThresholdEvent{
			SessionID: sessionID, Percent: percent, Threshold: threshold, Timestamp: now,
		}})
	}
}
