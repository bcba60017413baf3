package contextmon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/events"
)

func writeRecord(t *testing.T, f *os.File, percent int) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"context_remaining_percent": percent})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *events.Bus) {
	t.Helper()
	bus := events.New()
	m, err := New(bus, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.PollFallback = 20 * time.Millisecond
	t.Cleanup(m.Stop)
	return m, bus
}

func TestWatchFiresThresholdOnDip(t *testing.T) {
	m, bus := newTestMonitor(t)
	ch := bus.Subscribe(events.TopicContextThresh)

	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := m.Watch("sess1", path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeRecord(t, f, 50)
	writeRecord(t, f, 15)

	select {
	case e := <-ch:
		ev := e.Payload.(domain.ContextThresholdEvent)
		if ev.SessionID != "sess1" || ev.Percent != 15 {
			t.Errorf("unexpected threshold event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for context:threshold")
	}
}

func TestThresholdDoesNotRefireWithoutRecovery(t *testing.T) {
	m, bus := newTestMonitor(t)
	ch := bus.Subscribe(events.TopicContextThresh)

	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := m.Watch("sess1", path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeRecord(t, f, 15)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first context:threshold")
	}

	// small rebound under threshold+margin should not count as recovery
	writeRecord(t, f, 18)
	writeRecord(t, f, 10)

	select {
	case e := <-ch:
		t.Fatalf("unexpected second threshold event without real recovery: %+v", e.Payload)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestThresholdRefiresAfterRecovery(t *testing.T) {
	m, bus := newTestMonitor(t)
	ch := bus.Subscribe(events.TopicContextThresh)

	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := m.Watch("sess1", path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeRecord(t, f, 15)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first context:threshold")
	}

	writeRecord(t, f, 30) // recovers past threshold+margin (25)
	writeRecord(t, f, 12) // dips again

	select {
	case e := <-ch:
		ev := e.Payload.(domain.ContextThresholdEvent)
		if ev.Percent != 12 {
			t.Errorf("unexpected second threshold event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for re-fired context:threshold")
	}
}

func TestParseFailuresAreSkipped(t *testing.T) {
	m, bus := newTestMonitor(t)
	ch := bus.Subscribe(events.TopicContextSample)

	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := m.Watch("sess1", path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if _, err := f.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeRecord(t, f, 42)

	select {
	case e := <-ch:
		ev := e.Payload.(domain.ContextSampleEvent)
		if ev.Percent != 42 {
			t.Errorf("unexpected sample event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for context:sample after skipping malformed line")
	}
}

func writeAwaiting(t *testing.T, f *os.File, reason string) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"awaiting_input_reason": reason})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAwaitingInputTransitionsPublishTelemetryWait(t *testing.T) {
	m, bus := newTestMonitor(t)
	ch := bus.Subscribe(events.TopicTelemetryWait)

	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := m.Watch("sess1", path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeAwaiting(t, f, "permission_prompt")

	select {
	case e := <-ch:
		ev := e.Payload.(domain.TelemetryWaitingEvent)
		if ev.SessionID != "sess1" || !ev.Waiting || ev.Reason != domain.ReasonPermissionPrmpt {
			t.Errorf("unexpected telemetry waiting event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for context:telemetryWaiting on permission prompt")
	}

	writeAwaiting(t, f, "")

	select {
	case e := <-ch:
		ev := e.Payload.(domain.TelemetryWaitingEvent)
		if ev.SessionID != "sess1" || ev.Waiting {
			t.Errorf("unexpected telemetry waiting event on clear: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for context:telemetryWaiting clear")
	}
}

func TestGetSessionContextAndIsMonitoring(t *testing.T) {
	m, _ := newTestMonitor(t)
	if m.IsMonitoring("sess1") {
		t.Fatal("expected sess1 to not be monitored yet")
	}

	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := m.Watch("sess1", path); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !m.IsMonitoring("sess1") {
		t.Fatal("expected sess1 to be monitored after Watch")
	}

	writeRecord(t, f, 77)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := m.GetSessionContext("sess1"); ok && s.Percent == 77 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, ok := m.GetSessionContext("sess1")
	if !ok || s.Percent != 77 {
		t.Fatalf("expected sample percent 77, got %+v ok=%v", s, ok)
	}

	m.Unwatch("sess1")
	if m.IsMonitoring("sess1") {
		t.Fatal("expected sess1 to not be monitored after Unwatch")
	}
}
