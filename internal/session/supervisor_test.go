package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/multiplexer"
	"github.com/sessiond/sessiond/internal/repository/sqlite"
	"github.com/sessiond/sessiond/internal/ringbuffer"
)

// fakeMux is an in-memory stand-in for *multiplexer.Adapter good enough to
// exercise the Supervisor's lifecycle without a real tmux server.
type fakeMux struct {
	mu       sync.Mutex
	panes    map[multiplexer.PaneID]*fakePane
	nextPane int
}

type fakePane struct {
	capture string
	dead    bool
	exit    int
}

func newFakeMux() *fakeMux {
	return &fakeMux{panes: make(map[multiplexer.PaneID]*fakePane)}
}

func (f *fakeMux) SessionExists(ctx context.Context, id string) bool { return false }

func (f *fakeMux) CreateSession(ctx context.Context, id, cwd, initialCommand string) (multiplexer.PaneID, error) {
	return f.newPane(), nil
}

func (f *fakeMux) CreatePane(ctx context.Context, sessionID string, opts multiplexer.CreatePaneOpts) (multiplexer.PaneID, error) {
	return f.newPane(), nil
}

func (f *fakeMux) newPane() multiplexer.PaneID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPane++
	id := multiplexer.PaneID(fmt.Sprintf("%%%d", f.nextPane))
	f.panes[id] = &fakePane{}
	return id
}

func (f *fakeMux) KillPane(ctx context.Context, pane multiplexer.PaneID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[pane]; ok {
		p.dead = true
	}
	return nil
}

func (f *fakeMux) IsPaneAlive(ctx context.Context, pane multiplexer.PaneID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[pane]
	return ok && !p.dead, nil
}

func (f *fakeMux) PaneDeathStatus(ctx context.Context, pane multiplexer.PaneID) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[pane]
	if !ok {
		return true, 0, nil
	}
	return p.dead, p.exit, nil
}

func (f *fakeMux) CapturePane(ctx context.Context, pane multiplexer.PaneID, opts multiplexer.CapturePaneOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[pane]
	if !ok {
		return "", nil
	}
	return p.capture, nil
}

func (f *fakeMux) SendText(ctx context.Context, pane multiplexer.PaneID, text string) error { return nil }
func (f *fakeMux) SendInterrupt(ctx context.Context, pane multiplexer.PaneID) error         { return nil }
func (f *fakeMux) SendEOF(ctx context.Context, pane multiplexer.PaneID) error               { return nil }

func (f *fakeMux) setCapture(pane multiplexer.PaneID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[pane].capture = text
}

func (f *fakeMux) kill(pane multiplexer.PaneID, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[pane].dead = true
	f.panes[pane].exit = code
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeMux, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mux := newFakeMux()
	sup := New(mux, st, events.New(), nil)
	sup.PollInterval = 20 * time.Millisecond
	t.Cleanup(sup.Stop)
	return sup, mux, st
}

func seedTestProject(t *testing.T, st *sqlite.Store) domain.Project {
	t.Helper()
	p, err := st.Projects().Create(context.Background(), domain.Project{
		Name: "demo", RepoPath: "/repo", MuxSessionName: "demo_mux",
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p
}

func TestStartSessionCreatesPane(t *testing.T) {
	sup, _, st := newTestSupervisor(t)
	p := seedTestProject(t, st)

	sess, err := sup.StartSession(context.Background(), StartSessionParams{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.PaneID == "" || sess.Status != domain.SessionStarting {
		t.Errorf("unexpected session: %+v", sess)
	}
	if _, ok := sup.GetActiveSession(sess.ID); !ok {
		t.Error("expected session to be active immediately after start")
	}
}

func TestStartTicketSessionEnforcesOneRunning(t *testing.T) {
	sup, _, st := newTestSupervisor(t)
	p := seedTestProject(t, st)
	ticket, err := st.Tickets().Create(context.Background(), domain.Ticket{ProjectID: p.ID, Title: "t", FilePath: "a.md"})
	if err != nil {
		t.Fatalf("seed ticket: %v", err)
	}

	_, err = sup.StartTicketSession(context.Background(), StartSessionParams{ProjectID: p.ID, TicketID: &ticket.ID})
	if err != nil {
		t.Fatalf("first StartTicketSession: %v", err)
	}

	_, err = sup.StartTicketSession(context.Background(), StartSessionParams{ProjectID: p.ID, TicketID: &ticket.ID})
	if err == nil {
		t.Fatal("expected second concurrent ticket session to be rejected")
	}
}

func TestPollLoopDiffsOutputAndEmitsEvent(t *testing.T) {
	sup, mux, st := newTestSupervisor(t)
	p := seedTestProject(t, st)
	bus := sup.bus
	ch := bus.Subscribe(events.TopicSessionOutput)

	sess, err := sup.StartSession(context.Background(), StartSessionParams{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	mux.setCapture(multiplexer.PaneID(sess.PaneID), "line1\nline2")

	select {
	case e := <-ch:
		out, ok := e.Payload.(domain.SessionOutputEvent)
		if !ok || len(out.Lines) != 2 {
			t.Fatalf("unexpected output event: %#v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session:output")
	}

	mux.setCapture(multiplexer.PaneID(sess.PaneID), "line1\nline2\nline3")
	select {
	case e := <-ch:
		out := e.Payload.(domain.SessionOutputEvent)
		if len(out.Lines) != 1 || out.Lines[0] != "line3" {
			t.Fatalf("expected only the new suffix, got %#v", out.Lines)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for diffed session:output")
	}

	sup.Stop()
}

func TestDiffLinesBoundsDriftResetToRingCapacity(t *testing.T) {
	buf, err := ringbuffer.New(3)
	if err != nil {
		t.Fatalf("ringbuffer.New: %v", err)
	}
	as := &activeSession{buf: buf, lastCapture: []string{"a", "b", "c"}}

	// None of the new capture's lines match the previous one at the same
	// offset, so this is scrollback drift: the full-reset branch must still
	// bound its emission to the ring buffer's capacity (3), not the whole
	// capture.
	drifted := []string{"x1", "x2", "x3", "x4", "x5"}
	out := diffLines(as, drifted)
	want := []string{"x3", "x4", "x5"}
	if len(out) != len(want) {
		t.Fatalf("diffLines() = %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("diffLines()[%d] = %q, want %q", i, out[i], want[i])
		}
	}
}

func TestPollLoopDetectsExit(t *testing.T) {
	sup, mux, st := newTestSupervisor(t)
	p := seedTestProject(t, st)
	ch := sup.bus.Subscribe(events.TopicSessionExit)

	sess, err := sup.StartSession(context.Background(), StartSessionParams{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	mux.kill(multiplexer.PaneID(sess.PaneID), 0)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session:exit")
	}

	if _, ok := sup.GetActiveSession(sess.ID); ok {
		t.Error("expected session to be removed from the active registry after exit")
	}
}

func TestStopSessionForce(t *testing.T) {
	sup, mux, st := newTestSupervisor(t)
	p := seedTestProject(t, st)

	sess, err := sup.StartSession(context.Background(), StartSessionParams{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := sup.StopSession(context.Background(), sess.ID, true); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	alive, _ := mux.IsPaneAlive(context.Background(), multiplexer.PaneID(sess.PaneID))
	if alive {
		t.Error("expected pane to be dead after a forced stop")
	}
}

func TestSendInputRejectsWhenNotRunning(t *testing.T) {
	sup, _, st := newTestSupervisor(t)
	p := seedTestProject(t, st)

	sess, err := sup.StartSession(context.Background(), StartSessionParams{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := sup.SendInput(context.Background(), sess.ID, "hello"); err == nil {
		t.Fatal("expected SendInput to fail while session is still starting")
	}
}

func TestReconcileOrphansMarksDeadSessionsCompleted(t *testing.T) {
	sup, mux, st := newTestSupervisor(t)
	p := seedTestProject(t, st)

	pane, _ := mux.CreateSession(context.Background(), p.MuxSessionName, p.RepoPath, "claude")
	mux.kill(pane, 0)

	persisted, err := st.Sessions().Create(context.Background(), domain.Session{
		ProjectID: p.ID, Type: domain.SessionAdhoc, Status: domain.SessionRunning, PaneID: string(pane),
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if err := sup.ReconcileOrphans(context.Background()); err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}

	updated, err := st.Sessions().FindUnique(context.Background(), persisted.ID)
	if err != nil {
		t.Fatalf("FindUnique: %v", err)
	}
	if updated.Status != domain.SessionCompleted || updated.EndedAt == nil {
		t.Errorf("expected dead orphan to be marked completed with ended_at set, got %+v", updated)
	}
}
