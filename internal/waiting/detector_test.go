package waiting

import (
	"testing"
	"time"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/events"
)

func newTestDetector(t *testing.T) (*Detector, *events.Bus) {
	t.Helper()
	bus := events.New()
	d := New(bus, nil)
	d.UpdateConfig(Config{Debounce: 20 * time.Millisecond, ClearDelay: 100 * time.Millisecond})
	t.Cleanup(d.Stop)
	return d, bus
}

func TestOutputPromptMatchEmitsWaitingChange(t *testing.T) {
	d, bus := newTestDetector(t)
	ch := bus.Subscribe(events.TopicWaitingChange)

	d.WatchSession("sess1")
	bus.Publish(events.Event{Topic: events.TopicSessionOutput, Payload: domain.SessionOutputEvent{
		SessionID: "sess1",
		Lines:     []string{"Do you want to proceed?"},
	}})

	select {
	case e := <-ch:
		ev := e.Payload.(domain.WaitingChangeEvent)
		if ev.SessionID != "sess1" || !ev.Waiting || ev.Reason != domain.ReasonOutputPrompt || ev.DetectedBy != "output" {
			t.Errorf("unexpected waiting change: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for waiting:stateChange")
	}

	st, err := d.GetWaitingState("sess1")
	if err != nil {
		t.Fatalf("GetWaitingState: %v", err)
	}
	if !st.Waiting {
		t.Errorf("expected waiting state true, got %+v", st)
	}
}

func TestNonPromptOutputDoesNotEmit(t *testing.T) {
	d, bus := newTestDetector(t)
	ch := bus.Subscribe(events.TopicWaitingChange)

	d.WatchSession("sess1")
	bus.Publish(events.Event{Topic: events.TopicSessionOutput, Payload: domain.SessionOutputEvent{
		SessionID: "sess1",
		Lines:     []string{"Running tests...", "ok  pkg/foo  0.012s"},
	}})

	select {
	case e := <-ch:
		t.Fatalf("unexpected waiting change for ordinary output: %+v", e.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTelemetryWaitingFusesIntoStateChange(t *testing.T) {
	d, bus := newTestDetector(t)
	ch := bus.Subscribe(events.TopicWaitingChange)

	d.WatchSession("sess1")
	bus.Publish(events.Event{Topic: events.TopicTelemetryWait, Payload: domain.TelemetryWaitingEvent{
		SessionID: "sess1", Waiting: true, Reason: domain.ReasonPermissionPrmpt,
	}})

	select {
	case e := <-ch:
		ev := e.Payload.(domain.WaitingChangeEvent)
		if !ev.Waiting || ev.Reason != domain.ReasonPermissionPrmpt || ev.DetectedBy != "telemetry" {
			t.Errorf("unexpected waiting change: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry-sourced waiting:stateChange")
	}
}

func TestHandleHookEventRequiresWatchedSession(t *testing.T) {
	d, _ := newTestDetector(t)
	if err := d.HandleHookEvent("unknown", true, domain.ReasonStopped); err == nil {
		t.Fatal("expected SessionNotWatched error for unwatched session")
	}
}

func TestHandleHookEventEmitsWaitingChange(t *testing.T) {
	d, bus := newTestDetector(t)
	ch := bus.Subscribe(events.TopicWaitingChange)

	d.WatchSession("sess1")
	if err := d.HandleHookEvent("sess1", true, domain.ReasonPermissionPrmpt); err != nil {
		t.Fatalf("HandleHookEvent: %v", err)
	}

	select {
	case e := <-ch:
		ev := e.Payload.(domain.WaitingChangeEvent)
		if ev.DetectedBy != "hook" || ev.Reason != domain.ReasonPermissionPrmpt {
			t.Errorf("unexpected waiting change: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hook-sourced waiting:stateChange")
	}
}

func TestClearDelayDemotesStaleWaiting(t *testing.T) {
	d, bus := newTestDetector(t)
	ch := bus.Subscribe(events.TopicWaitingChange)

	d.WatchSession("sess1")
	if err := d.HandleHookEvent("sess1", true, domain.ReasonPermissionPrmpt); err != nil {
		t.Fatalf("HandleHookEvent: %v", err)
	}

	// first event: waiting=true
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial waiting:stateChange")
	}

	// no corroborating signal arrives; clear delay (100ms) should demote it
	select {
	case e := <-ch:
		ev := e.Payload.(domain.WaitingChangeEvent)
		if ev.Waiting {
			t.Errorf("expected demotion to waiting=false, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for clear-delay demotion")
	}
}

func TestUnwatchSessionStopsFusion(t *testing.T) {
	d, bus := newTestDetector(t)
	ch := bus.Subscribe(events.TopicWaitingChange)

	d.WatchSession("sess1")
	d.UnwatchSession("sess1")

	bus.Publish(events.Event{Topic: events.TopicSessionOutput, Payload: domain.SessionOutputEvent{
		SessionID: "sess1",
		Lines:     []string{"Do you want to proceed?"},
	}})

	select {
	case e := <-ch:
		t.Fatalf("unexpected waiting change after unwatch: %+v", e.Payload)
	case <-time.After(200 * time.Millisecond):
	}

	if _, err := d.GetWaitingState("sess1"); err == nil {
		t.Fatal("expected error getting state for unwatched session")
	}
}
