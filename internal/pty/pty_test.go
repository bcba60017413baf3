package pty

import (
	"testing"

	"github.com/sessiond/sessiond/internal/errs"
	"github.com/sessiond/sessiond/internal/events"
)

func newTestManager() *Manager {
	return NewManager(nil, events.New(), nil)
}

func TestWriteUnknownConnection(t *testing.T) {
	m := newTestManager()
	err := m.Write("nope", []byte("hi"))
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("Write on unknown connection: kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestResizeUnknownConnection(t *testing.T) {
	m := newTestManager()
	err := m.Resize("nope", 80, 24)
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("Resize on unknown connection: kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestDetachUnknownConnection(t *testing.T) {
	m := newTestManager()
	err := m.Detach("nope")
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("Detach on unknown connection: kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestAttachRejectsInvalidPane(t *testing.T) {
	m := newTestManager()
	err := m.Attach(nil, "conn1", "sess1", "claude-code", 80, 24)
	if errs.KindOf(err) != errs.Validation {
		t.Errorf("Attach with sentinel pane: kind = %v, want Validation", errs.KindOf(err))
	}
}

func TestAvailableIsCached(t *testing.T) {
	m := newTestManager()
	first := m.Available()
	second := m.Available()
	if first != second {
		t.Errorf("Available() not stable across calls: %v then %v", first, second)
	}
	if !m.probed {
		t.Error("Available() did not mark probed")
	}
}
