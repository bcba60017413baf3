// Package realtime implements the Realtime Fan-out Bus (spec.md §4.9): a
// WebSocket broker maintaining a mapping from connection to its subscribed
// session ids, translating bus events into outbound client messages and a
// small inbound message catalog into Supervisor/PTY Manager calls.
//
// Grounded directly on the teacher's
// _examples/loppo-llc-kojo/internal/server/websocket.go: the same
// accept/read-loop/write-loop/ping-loop goroutine split over
// github.com/coder/websocket, and a two-field JSON envelope modeled on its
// WSMessage{Type, Data} but keyed "type"/"payload", generalized from kojo's one-session-per-
// connection model to spec.md's subscription-set-per-connection model.
// Per-connection rate limiting is grounded on the apex-build-platform
// example's golang.org/x/time/rate-based IPRateLimiter
// (backend/internal/middleware/middleware.go), narrowed from a per-IP to a
// per-connection token bucket since each WebSocket connection here is
// already a distinct principal.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/ids"
	"github.com/sessiond/sessiond/internal/multiplexer"
	"github.com/sessiond/sessiond/internal/pty"
)

// Defaults per spec.md §5's timeout table and §4.9's rate-limit line.
const (
	DefaultPingInterval      = 30 * time.Second
	DefaultConnectionTimeout = 60 * time.Second
	DefaultRateLimit         = rate.Limit(10) // 100 tokens / 10s sustained
	DefaultRateBurst         = 100
	maxInputChars            = 10000
	readLimitBytes           = 64 * 1024
)

// sessionsClient is the narrow subset of *session.Supervisor the hub needs.
type sessionsClient interface {
	GetActiveSession(id string) (domain.Session, bool)
	GetSessionOutput(id string, lines int) ([]string, error)
	SendInput(ctx context.Context, id, text string) error
}

// ptyClient is the narrow subset of *pty.Manager the hub needs.
type ptyClient interface {
	Attach(ctx context.Context, connectionID, sessionID string, pane multiplexer.PaneID, cols, rows uint16) error
	Write(connectionID string, b []byte) error
	Resize(connectionID string, cols, rows uint16) error
	Detach(connectionID string) error
}

// Hub is the Realtime Fan-out Bus. One instance per process, one HTTP
// handler method (ServeWS) per incoming connection.
type Hub struct {
	bus      *events.Bus
	sessions sessionsClient
	pty      ptyClient
	log      *slog.Logger

	PingInterval      time.Duration
	ConnectionTimeout time.Duration
	RateLimit         rate.Limit
	RateBurst         int

	mu    sync.RWMutex
	conns map[string]*connection

	sub  <-chan events.Event
	stop chan struct{}
	done chan struct{}
}

type connection struct {
	id  string
	hub *Hub
	ws  *websocket.Conn
	log *slog.Logger

	limiter *rate.Limiter
	send    chan []byte

	mu   sync.Mutex
	subs map[string]struct{}
}

func New(bus *events.Bus, sessions sessionsClient, ptyMgr ptyClient, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		bus:               bus,
		sessions:          sessions,
		pty:               ptyMgr,
		log:               log,
		PingInterval:      DefaultPingInterval,
		ConnectionTimeout: DefaultConnectionTimeout,
		RateLimit:         DefaultRateLimit,
		RateBurst:         DefaultRateBurst,
		conns:             make(map[string]*connection),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	h.sub = bus.Subscribe("")
	go h.run()
	return h
}

// Stop shuts the fan-out goroutine down. Existing connections are left to
// close on their own (client disconnect or ping timeout).
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done
	h.bus.Unsubscribe(h.sub)
}

// ServeWS upgrades r to a WebSocket and runs the connection's lifecycle
// until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.log.Error("websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(readLimitBytes)

	conn := &connection{
		id:      ids.New(),
		hub:     h,
		ws:      ws,
		log:     h.log,
		limiter: rate.NewLimiter(h.RateLimit, h.RateBurst),
		send:    make(chan []byte, 256),
		subs:    make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()
		_ = h.pty.Detach(conn.id)
		ws.CloseNow()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go conn.writeLoop(ctx)
	go conn.pingLoop(ctx, cancel)
	conn.readLoop(ctx, cancel)
}

// --- bus fan-out -----------------------------------------------------------

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case e, ok := <-h.sub:
			if !ok {
				return
			}
			h.dispatch(e)
		}
	}
}

// dispatch routes a bus event to the connections that should see it, per
// spec.md §4.9's outbound catalog: session-scoped events (output, status,
// waiting, exit, context:threshold) go only to connections subscribed to
// that session id; pty events are routed to the single connection that
// owns the attachment; ticket transitions and the handoff lifecycle carry
// a ticket/session identity but no natural per-connection subscription of
// their own, so — like notifications — they are broadcast to every
// connected client. review:result is not emitted: its producer (the
// code-review language-model call) is an explicit out-of-scope
// collaborator, so no event ever carries that payload.
func (h *Hub) dispatch(e events.Event) {
	switch p := e.Payload.(type) {
	case domain.SessionOutputEvent:
		h.broadcastToSubscribers(p.SessionID, "session:output", map[string]any{
			"sessionId": p.SessionID, "lines": p.Lines, "raw": strings.Join(p.Lines, "\n"),
		})
	case domain.SessionStatusEvent:
		h.broadcastToSubscribers(p.SessionID, "session:status", map[string]any{
			"sessionId": p.SessionID, "previousStatus": p.PreviousStatus, "newStatus": p.NewStatus, "contextPercent": p.ContextPercent,
		})
	case domain.SessionExitEvent:
		h.broadcastToSubscribers(p.SessionID, "session:exit", map[string]any{
			"sessionId": p.SessionID, "exitCode": p.ExitCode,
		})
	case domain.ContextThresholdEvent:
		h.broadcastToSubscribers(p.SessionID, "context:threshold", map[string]any{
			"sessionId": p.SessionID, "contextPercent": p.Percent, "threshold": p.Threshold,
		})
	case domain.WaitingChangeEvent:
		h.broadcastToSubscribers(p.SessionID, "session:waiting", map[string]any{
			"sessionId": p.SessionID, "waiting": p.Waiting, "reason": p.Reason,
		})
	case pty.PtyDataEvent:
		h.sendToConnection(p.ConnectionID, "pty:output", map[string]any{
			"sessionId": p.SessionID, "data": base64.StdEncoding.EncodeToString(p.Bytes),
		})
	case pty.PtyExitEvent:
		h.sendToConnection(p.ConnectionID, "pty:exit", map[string]any{
			"sessionId": p.SessionID, "exitCode": p.ExitCode, "signal": p.Signal,
		})
	case domain.TicketStateEvent:
		h.broadcastToAll("ticket:state", map[string]any{
			"ticketId": p.TicketID, "previousState": p.PreviousState, "newState": p.NewState,
			"trigger": p.Trigger, "reason": p.Reason,
		})
	case domain.HandoffStartedEvent:
		h.broadcastToAll("handoff:started", p)
	case domain.HandoffProgressEvent:
		h.broadcastToAll("handoff:progress", p)
	case domain.HandoffCompletedEvent:
		h.broadcastToAll("handoff:completed", p)
	case domain.HandoffFailedEvent:
		h.broadcastToAll("handoff:failed", p)
	case domain.NotificationEvent:
		h.broadcastToAll("notification", p.Notification)
	}
}

func (h *Hub) broadcastToSubscribers(sessionID, msgType string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.mu.Lock()
		_, subscribed := c.subs[sessionID]
		c.mu.Unlock()
		if subscribed {
			c.sendMessage(msgType, payload)
		}
	}
}

func (h *Hub) broadcastToAll(msgType string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.sendMessage(msgType, payload)
	}
}

func (h *Hub) sendToConnection(connectionID, msgType string, payload any) {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if ok {
		c.sendMessage(msgType, payload)
	}
}

// --- per-connection read/write/ping loops -----------------------------------

type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *connection) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.sendMessage("error", errorPayload("RATE_LIMITED", "too many messages"))
			continue
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendMessage("error", errorPayload("PARSE_ERROR", "invalid JSON"))
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *connection) handle(ctx context.Context, env inboundEnvelope) {
	switch env.Type {
	case "ping":
		c.sendMessage("pong", map[string]any{"timestamp": time.Now().UnixMilli()})

	case "session:subscribe":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad session:subscribe payload"))
			return
		}
		if _, ok := c.hub.sessions.GetActiveSession(p.SessionID); !ok {
			c.sendMessage("error", errorPayload("SESSION_NOT_FOUND", "session not found"))
			return
		}
		c.mu.Lock()
		c.subs[p.SessionID] = struct{}{}
		c.mu.Unlock()
		lines, _ := c.hub.sessions.GetSessionOutput(p.SessionID, 100)
		c.sendMessage("subscribed", map[string]any{"sessionId": p.SessionID, "bufferLines": lines})

	case "session:unsubscribe":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad session:unsubscribe payload"))
			return
		}
		c.mu.Lock()
		delete(c.subs, p.SessionID)
		c.mu.Unlock()
		c.sendMessage("unsubscribed", map[string]any{"sessionId": p.SessionID})

	case "session:input":
		var p struct {
			SessionID string `json:"sessionId"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.Text) > maxInputChars {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad session:input payload"))
			return
		}
		c.mu.Lock()
		_, subscribed := c.subs[p.SessionID]
		c.mu.Unlock()
		if !subscribed {
			c.sendMessage("error", errorPayload("NOT_SUBSCRIBED", "not subscribed to session"))
			return
		}
		if err := c.hub.sessions.SendInput(ctx, p.SessionID, p.Text); err != nil {
			c.log.Debug("session:input failed", "session", p.SessionID, "err", err)
		}

	case "pty:attach":
		var p struct {
			SessionID string `json:"sessionId"`
			Cols      uint16 `json:"cols"`
			Rows      uint16 `json:"rows"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad pty:attach payload"))
			return
		}
		sess, ok := c.hub.sessions.GetActiveSession(p.SessionID)
		if !ok {
			c.sendMessage("error", errorPayload("SESSION_NOT_FOUND", "session not found"))
			return
		}
		if err := c.hub.pty.Attach(ctx, c.id, p.SessionID, multiplexer.PaneID(sess.PaneID), p.Cols, p.Rows); err != nil {
			c.sendMessage("error", errorPayload("PTY_ATTACH_FAILED", err.Error()))
			return
		}
		c.sendMessage("pty:attached", map[string]any{"sessionId": p.SessionID})

	case "pty:detach":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		_ = c.hub.pty.Detach(c.id)
		c.sendMessage("pty:detached", map[string]any{"sessionId": p.SessionID})

	case "pty:write":
		var p struct {
			SessionID string `json:"sessionId"`
			Data      string `json:"data"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad pty:write payload"))
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad pty:write base64"))
			return
		}
		if err := c.hub.pty.Write(c.id, decoded); err != nil {
			c.log.Debug("pty:write failed", "connection", c.id, "err", err)
		}

	case "pty:resize":
		var p struct {
			SessionID string `json:"sessionId"`
			Cols      uint16 `json:"cols"`
			Rows      uint16 `json:"rows"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad pty:resize payload"))
			return
		}
		if err := c.hub.pty.Resize(c.id, p.Cols, p.Rows); err != nil {
			c.log.Debug("pty:resize failed", "connection", c.id, "err", err)
		}

	case "pty:select_pane":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendMessage("error", errorPayload("INVALID_MESSAGE", "bad pty:select_pane payload"))
			return
		}
		if _, ok := c.hub.sessions.GetActiveSession(p.SessionID); !ok {
			c.sendMessage("error", errorPayload("SESSION_NOT_FOUND", "session not found"))
			return
		}
		c.sendMessage("pane_selected", map[string]any{"sessionId": p.SessionID})

	default:
		c.sendMessage("error", errorPayload("INVALID_MESSAGE", "unknown message type: "+env.Type))
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (c *connection) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(c.hub.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, c.hub.ConnectionTimeout)
			err := c.ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.log.Debug("websocket ping failed, closing connection", "connection", c.id, "err", err)
				return
			}
		}
	}
}

// sendMessage marshals {type, payload} and queues it for the write loop,
// dropping the new message if the connection's outbound queue is full
// rather than blocking the fan-out goroutine. Unlike internal/events.Bus,
// which evicts the oldest queued event, the queued messages are kept.
func (c *connection) sendMessage(msgType string, payload any) {
	body, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: msgType, Payload: payload})
	if err != nil {
		c.log.Warn("failed to marshal outbound message", "type", msgType, "err", err)
		return
	}
	select {
	case c.send <- body:
	default:
		c.log.Warn("dropping outbound message, connection queue full", "connection", c.id, "type", msgType)
	}
}

func errorPayload(code, message string) map[string]any {
	return map[string]any{"code": code, "message": message}
}
