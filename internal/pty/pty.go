// Package pty provides the true pseudo-terminal binding between a client
// connection and a live multiplexer pane (SPEC_FULL.md §4.2), independent
// of the Session Supervisor's capture_pane polling loop. Its one invariant
// is byte-exact forwarding: nothing in this package parses or rewrites
// terminal output.
//
// Grounded on _examples/loppo-llc-kojo/internal/session/pty.go and the
// startTmuxAttach/reattachTmux flow in internal/session/manager.go: a
// "tmux attach-session -t <name>" child process is spawned wired to a
// pseudo-terminal via creack/pty/v2, with the pane's own reported
// dimensions (not the client's requested size) used for the initial
// window size — the same defaultWinsize-from-real-pane-size technique the
// teacher uses on both initial attach and reattach-after-crash.
package pty

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/multiplexer"
)

// AttachTimeout bounds how long Attach may take end to end: the 10 s entry
// of SPEC_FULL.md §5's timeout table.
const AttachTimeout = 10 * time.Second

// handle is the platform-specific PTY master end. The Unix backend
// (pty_unix.go) implements it with *os.File via creack/pty/v2; the Windows
// backend (pty_windows.go) implements it with a *conpty.ConPty, per
// SPEC_FULL.md §4.2's two-backend requirement. Manager itself never
// branches on platform — only these two files do.
type handle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// connection tracks one attached client.
type connection struct {
	id        string
	sessionID string
	ptmx      handle
	cmd       *exec.Cmd
	cols      uint16
	rows      uint16
	done      chan struct{}
}

// Manager tracks live PTY connections and is the sole owner of their
// underlying processes. One Manager is shared by every client connection in
// the process.
type Manager struct {
	mux *multiplexer.Adapter
	bus *events.Bus
	log *slog.Logger

	mu      sync.Mutex
	conns   map[string]*connection
	probed  bool
	healthy bool
}

func NewManager(mux *multiplexer.Adapter, bus *events.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{mux: mux, bus: bus, log: log, conns: make(map[string]*connection)}
}

// Available reports whether this platform can provide a working PTY,
// probing lazily and caching the result (SPEC_FULL.md §4.2: "probed once on
// first use"). Callers that get false back must fall back to
// multiplexer.Adapter.SendRawKeys instead of Attach.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probed {
		return m.healthy
	}
	m.probed = true
	m.healthy = probe()
	if !m.healthy {
		m.log.Warn("pty unavailable on this platform")
	}
	return m.healthy
}

// Attach binds connectionID to sessionID's multiplexer pane, spawning an
// interactive attach process wired to a real PTY. Per SPEC_FULL.md §4.2 the
// pane's actual dimensions take precedence over the client's requested
// cols/rows.
func (m *Manager) Attach(ctx context.Context, connectionID, sessionID string, pane multiplexer.PaneID, cols, rows uint16) error {
	if !pane.Valid() {
		return errs.Validationf("pty attach: pane %q is not a real multiplexer pane", pane)
	}
	if !m.Available() {
		return errs.New(errs.External, "pty unavailable on this platform")
	}

	m.mu.Lock()
	if _, exists := m.conns[connectionID]; exists {
		m.mu.Unlock()
		return errs.Conflictf("connection %s is already attached", connectionID)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, AttachTimeout)
	defer cancel()

	alive, err := m.mux.IsPaneAlive(ctx, pane)
	if err != nil {
		return err
	}
	if !alive {
		return errs.Invariantf("pty attach: pane %s is dead", pane)
	}

	if dims, dimErr := m.mux.GetPaneDimensions(ctx, pane); dimErr == nil {
		cols, rows = dims.Cols, dims.Rows
	}

	ptmx, attachCmd, err := startAttach(string(pane), cols, rows)
	if err != nil {
		return errs.Externalf(err, "pty attach failed for pane %s", pane)
	}

	conn := &connection{
		id:        connectionID,
		sessionID: sessionID,
		ptmx:      ptmx,
		cmd:       attachCmd,
		cols:      cols,
		rows:      rows,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.conns[connectionID] = conn
	m.mu.Unlock()

	go m.readLoop(conn)
	return nil
}

// readLoop forwards pane output as pty:data events until the PTY closes,
// then publishes pty:exit and evicts the connection.
func (m *Manager) readLoop(conn *connection) {
	defer close(conn.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.bus.Publish(events.Event{
				Topic: events.TopicPtyData,
				Payload: PtyDataEvent{
					ConnectionID: conn.id,
					SessionID:    conn.sessionID,
					Bytes:        chunk,
				},
			})
		}
		if err != nil {
			exitCode, signal := exitStatus(conn.cmd)
			m.bus.Publish(events.Event{
				Topic: events.TopicPtyExit,
				Payload: PtyExitEvent{
					ConnectionID: conn.id,
					SessionID:    conn.sessionID,
					ExitCode:     exitCode,
					Signal:       signal,
				},
			})
			m.mu.Lock()
			delete(m.conns, conn.id)
			m.mu.Unlock()
			return
		}
	}
}

// Write forwards bytes verbatim to the attached PTY.
func (m *Manager) Write(connectionID string, b []byte) error {
	conn, err := m.get(connectionID)
	if err != nil {
		return err
	}
	_, werr := conn.ptmx.Write(b)
	if werr != nil {
		return errs.Externalf(werr, "pty write failed for connection %s", connectionID)
	}
	return nil
}

// Resize updates the PTY's window size and records the new dimensions.
func (m *Manager) Resize(connectionID string, cols, rows uint16) error {
	conn, err := m.get(connectionID)
	if err != nil {
		return err
	}
	if err := conn.ptmx.Resize(cols, rows); err != nil {
		return errs.Externalf(err, "pty resize failed for connection %s", connectionID)
	}
	m.mu.Lock()
	conn.cols, conn.rows = cols, rows
	m.mu.Unlock()
	return nil
}

// Detach kills the attach process and evicts connection state.
func (m *Manager) Detach(connectionID string) error {
	conn, err := m.get(connectionID)
	if err != nil {
		return err
	}
	if conn.cmd != nil && conn.cmd.Process != nil {
		_ = conn.cmd.Process.Kill()
	}
	_ = conn.ptmx.Close()
	m.mu.Lock()
	delete(m.conns, connectionID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) get(connectionID string) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil, errs.NotFoundf("pty_connection", connectionID)
	}
	return conn, nil
}

// PtyDataEvent is the payload of the "pty:data" topic.
type PtyDataEvent struct {
	ConnectionID string
	SessionID    string
	Bytes        []byte
}

// PtyExitEvent is the payload of the "pty:exit" topic.
type PtyExitEvent struct {
	ConnectionID string
	SessionID    string
	ExitCode     *int
	Signal       *string
}
