package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/multiplexer"
	"github.com/sessiond/sessiond/internal/pty"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	inputs   []string
}

func (f *fakeSessions) GetActiveSession(id string) (domain.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSessions) GetSessionOutput(id string, lines int) ([]string, error) {
	return []string{"line1", "line2"}, nil
}

func (f *fakeSessions) SendInput(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

type fakePty struct {
	mu       sync.Mutex
	attached []string
	written  [][]byte
	resized  bool
	detached bool
}

func (f *fakePty) Attach(ctx context.Context, connectionID, sessionID string, pane multiplexer.PaneID, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, connectionID)
	return nil
}

func (f *fakePty) Write(connectionID string, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, b)
	return nil
}

func (f *fakePty) Resize(connectionID string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = true
	return nil
}

func (f *fakePty) Detach(connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	return nil
}

func newTestConn(sessions *fakeSessions, ptyMgr *fakePty) (*Hub, *connection) {
	h := New(events.New(), sessions, ptyMgr, nil)
	c := &connection{
		id:      "conn-1",
		hub:     h,
		limiter: rate.NewLimiter(DefaultRateLimit, DefaultRateBurst),
		send:    make(chan []byte, 16),
		subs:    make(map[string]struct{}),
	}
	return h, c
}

func drain(t *testing.T, c *connection) map[string]any {
	t.Helper()
	select {
	case body := <-c.send:
		var env struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			t.Fatalf("unmarshal outbound message: %v", err)
		}
		env.Payload["__type"] = env.Type
		return env.Payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func TestSessionSubscribeUnknownSessionRepliesNotFound(t *testing.T) {
	sessions := &fakeSessions{sessions: map[string]domain.Session{}}
	_, c := newTestConn(sessions, &fakePty{})

	c.handle(context.Background(), inboundEnvelope{Type: "session:subscribe", Payload: json.RawMessage(`{"sessionId":"missing"}`)})

	reply := drain(t, c)
	if reply["__type"] != "error" || reply["code"] != "SESSION_NOT_FOUND" {
		t.Errorf("expected SESSION_NOT_FOUND error, got %+v", reply)
	}
}

func TestSessionSubscribeThenInput(t *testing.T) {
	sessions := &fakeSessions{sessions: map[string]domain.Session{
		"sess1": {ID: "sess1", PaneID: "pane1"},
	}}
	_, c := newTestConn(sessions, &fakePty{})

	c.handle(context.Background(), inboundEnvelope{Type: "session:subscribe", Payload: json.RawMessage(`{"sessionId":"sess1"}`)})
	reply := drain(t, c)
	if reply["__type"] != "subscribed" || reply["sessionId"] != "sess1" {
		t.Fatalf("unexpected subscribe reply: %+v", reply)
	}

	c.handle(context.Background(), inboundEnvelope{Type: "session:input", Payload: json.RawMessage(`{"sessionId":"sess1","text":"hello"}`)})

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.inputs) != 1 || sessions.inputs[0] != "hello" {
		t.Errorf("expected input forwarded, got %v", sessions.inputs)
	}
}

func TestSessionInputWithoutSubscriptionIsRejected(t *testing.T) {
	sessions := &fakeSessions{sessions: map[string]domain.Session{
		"sess1": {ID: "sess1"},
	}}
	_, c := newTestConn(sessions, &fakePty{})

	c.handle(context.Background(), inboundEnvelope{Type: "session:input", Payload: json.RawMessage(`{"sessionId":"sess1","text":"hi"}`)})

	reply := drain(t, c)
	if reply["__type"] != "error" || reply["code"] != "NOT_SUBSCRIBED" {
		t.Errorf("expected NOT_SUBSCRIBED error, got %+v", reply)
	}
}

func TestPtyAttachAndWrite(t *testing.T) {
	sessions := &fakeSessions{sessions: map[string]domain.Session{
		"sess1": {ID: "sess1", PaneID: "pane1"},
	}}
	ptyMgr := &fakePty{}
	_, c := newTestConn(sessions, ptyMgr)

	c.handle(context.Background(), inboundEnvelope{Type: "pty:attach", Payload: json.RawMessage(`{"sessionId":"sess1","cols":80,"rows":24}`)})
	reply := drain(t, c)
	if reply["__type"] != "pty:attached" {
		t.Fatalf("unexpected attach reply: %+v", reply)
	}

	data := base64.StdEncoding.EncodeToString([]byte("ls -la\n"))
	c.handle(context.Background(), inboundEnvelope{Type: "pty:write", Payload: json.RawMessage(`{"sessionId":"sess1","data":"` + data + `"}`)})

	ptyMgr.mu.Lock()
	defer ptyMgr.mu.Unlock()
	if len(ptyMgr.written) != 1 || string(ptyMgr.written[0]) != "ls -la\n" {
		t.Errorf("expected pty write forwarded, got %v", ptyMgr.written)
	}
}

func TestUnknownMessageTypeIsInvalid(t *testing.T) {
	_, c := newTestConn(&fakeSessions{sessions: map[string]domain.Session{}}, &fakePty{})

	c.handle(context.Background(), inboundEnvelope{Type: "bogus"})

	reply := drain(t, c)
	if reply["__type"] != "error" || reply["code"] != "INVALID_MESSAGE" {
		t.Errorf("expected INVALID_MESSAGE error, got %+v", reply)
	}
}

func TestDispatchRoutesSessionOutputToSubscribersOnly(t *testing.T) {
	bus := events.New()
	sessions := &fakeSessions{sessions: map[string]domain.Session{"sess1": {ID: "sess1"}}}
	h := New(bus, sessions, &fakePty{}, nil)
	t.Cleanup(h.Stop)

	subscribed := &connection{id: "c1", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{"sess1": {}}}
	unsubscribed := &connection{id: "c2", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{}}
	h.mu.Lock()
	h.conns[subscribed.id] = subscribed
	h.conns[unsubscribed.id] = unsubscribed
	h.mu.Unlock()

	bus.Publish(events.Event{Topic: events.TopicSessionOutput, Payload: domain.SessionOutputEvent{SessionID: "sess1", Lines: []string{"hi"}}})

	reply := drain(t, subscribed)
	if reply["__type"] != "session:output" {
		t.Errorf("expected session:output forwarded to subscriber, got %+v", reply)
	}
	select {
	case body := <-unsubscribed.send:
		t.Errorf("unexpected message forwarded to unsubscribed connection: %s", body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchRoutesPtyDataToOwningConnectionOnly(t *testing.T) {
	bus := events.New()
	h := New(bus, &fakeSessions{sessions: map[string]domain.Session{}}, &fakePty{}, nil)
	t.Cleanup(h.Stop)

	owner := &connection{id: "conn-owner", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{}}
	other := &connection{id: "conn-other", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{}}
	h.mu.Lock()
	h.conns[owner.id] = owner
	h.conns[other.id] = other
	h.mu.Unlock()

	bus.Publish(events.Event{Topic: events.TopicPtyData, Payload: pty.PtyDataEvent{ConnectionID: "conn-owner", SessionID: "sess1", Bytes: []byte("output")}})

	reply := drain(t, owner)
	if reply["__type"] != "pty:output" {
		t.Fatalf("expected pty:output for owning connection, got %+v", reply)
	}
	select {
	case body := <-other.send:
		t.Errorf("unexpected pty:output forwarded to non-owning connection: %s", body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchRoutesWaitingChangeToSubscribersOnly(t *testing.T) {
	bus := events.New()
	h := New(bus, &fakeSessions{sessions: map[string]domain.Session{}}, &fakePty{}, nil)
	t.Cleanup(h.Stop)

	subscribed := &connection{id: "c1", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{"sess1": {}}}
	unsubscribed := &connection{id: "c2", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{}}
	h.mu.Lock()
	h.conns[subscribed.id] = subscribed
	h.conns[unsubscribed.id] = unsubscribed
	h.mu.Unlock()

	bus.Publish(events.Event{Topic: events.TopicWaitingChange, Payload: domain.WaitingChangeEvent{SessionID: "sess1", Waiting: true, Reason: domain.ReasonOutputPrompt, DetectedBy: "output"}})

	reply := drain(t, subscribed)
	if reply["__type"] != "session:waiting" || reply["waiting"] != true {
		t.Errorf("expected session:waiting forwarded to subscriber, got %+v", reply)
	}
	select {
	case body := <-unsubscribed.send:
		t.Errorf("unexpected session:waiting forwarded to unsubscribed connection: %s", body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchBroadcastsTicketStateToAll(t *testing.T) {
	bus := events.New()
	h := New(bus, &fakeSessions{sessions: map[string]domain.Session{}}, &fakePty{}, nil)
	t.Cleanup(h.Stop)

	a := &connection{id: "a", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{}}
	b := &connection{id: "b", hub: h, send: make(chan []byte, 4), subs: map[string]struct{}{}}
	h.mu.Lock()
	h.conns[a.id] = a
	h.conns[b.id] = b
	h.mu.Unlock()

	bus.Publish(events.Event{Topic: events.TopicTicketState, Payload: domain.TicketStateEvent{
		TicketID: "tk1", PreviousState: domain.TicketInProgress, NewState: domain.TicketReview,
		Trigger: domain.TriggerAuto, Reason: domain.ReasonCompletionDetect,
	}})

	for _, c := range []*connection{a, b} {
		reply := drain(t, c)
		if reply["__type"] != "ticket:state" {
			t.Errorf("expected broadcast to connection %s, got %+v", c.id, reply)
		}
	}
}
