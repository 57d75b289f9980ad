package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirahq/mira/internal/chatrouter"
	"github.com/mirahq/mira/internal/sessions"
	"github.com/mirahq/mira/pkg/models"
)

// Wire event and frame shapes per the minimum required set: one frame type
// per engine event kind plus the router's own status/chat_error/
// chat_complete framing for replies that never touch the engine.
const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 30 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsFrame is both the inbound chat-send envelope and the outbound wire
// event envelope: Type distinguishes them, everything else is optional
// depending on direction.
type wsFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`

	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// chatTransport upgrades incoming HTTP connections to WebSocket, resolves
// or creates a voice session per connection, and drives each chat message
// through the chat router - streaming the router's live event sink
// straight back over the wire as it arrives.
type chatTransport struct {
	router     *chatrouter.Router
	sessions   *sessions.Manager
	projectDir string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func newChatTransport(router *chatrouter.Router, sessionMgr *sessions.Manager, projectDir string, logger *slog.Logger) *chatTransport {
	return &chatTransport{
		router:     router,
		sessions:   sessionMgr,
		projectDir: projectDir,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (t *chatTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("transport: websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn2 := &wsConn{
		transport: t,
		conn:      conn,
		send:      make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	conn2.run()
}

// wsConn is one live chat connection: a read loop that turns inbound
// frames into routed messages, and a write loop that serializes outbound
// wire events - the same split internal/gateway's control plane uses,
// scaled down to this core's single "chat" method.
type wsConn struct {
	transport *chatTransport
	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	sessionID string
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("invalid frame: " + err.Error())
			continue
		}
		if frame.Type != "chat" {
			c.sendError("unknown frame type " + frame.Type)
			continue
		}
		c.handleChat(frame)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handleChat(frame wsFrame) {
	sessionID, err := c.resolveSession(frame.SessionID)
	if err != nil {
		c.sendError("resolve session: " + err.Error())
		return
	}

	events := make(chan *models.OperationEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			c.writeWireEvent(evt)
		}
	}()

	reply, err := c.transport.router.Route(c.ctx, chatrouter.RouteInput{
		Text:       frame.Text,
		SessionID:  sessionID,
		ProjectID:  "default",
		ProjectDir: c.transport.projectDir,
		Events:     events,
	})
	close(events)
	<-done

	if err != nil {
		c.writeFrame(wsFrame{Type: "event", Kind: "chat_error", Payload: jsonPayload(map[string]string{"error": err.Error()})})
		return
	}
	if reply.OperationID == "" {
		// Router-level reply: a builtin, a custom command, or a background
		// spawn delegation - there is no operation event stream for it, so
		// the router's own text is the entire turn.
		c.writeFrame(wsFrame{Type: "event", Kind: "chat_complete", Payload: jsonPayload(map[string]any{
			"text":     reply.Text,
			"markdown": reply.Markdown,
		})})
	}
}

// writeWireEvent maps one operation engine event onto the wire, per the
// minimum required set: status, thinking, chat_chunk, chat_complete,
// tool_start, tool_result, chat_error, and a generic operation_event
// fallback for anything else.
func (c *wsConn) writeWireEvent(evt *models.OperationEvent) {
	switch evt.Kind {
	case models.EventStarted:
		c.writeFrame(wsFrame{Type: "event", Kind: "status", Payload: evt.Payload})
	case models.EventStatusChanged:
		c.writeFrame(wsFrame{Type: "event", Kind: "status", Payload: evt.Payload})
	case models.EventThinking:
		c.writeFrame(wsFrame{Type: "event", Kind: "thinking", Payload: evt.Payload})
	case models.EventAssistantText:
		c.writeFrame(wsFrame{Type: "event", Kind: "chat_chunk", Payload: evt.Payload})
	case models.EventToolStart:
		c.writeFrame(wsFrame{Type: "event", Kind: "tool_start", Payload: evt.Payload})
	case models.EventToolResult:
		c.writeFrame(wsFrame{Type: "event", Kind: "tool_result", Payload: evt.Payload})
	case models.EventFailed:
		c.writeFrame(wsFrame{Type: "event", Kind: "chat_error", Payload: evt.Payload})
	case models.EventSucceeded:
		c.writeFrame(wsFrame{Type: "event", Kind: "chat_complete", Payload: evt.Payload})
	default:
		c.writeFrame(wsFrame{Type: "event", Kind: "operation_event", Payload: jsonPayload(map[string]any{
			"kind":    evt.Kind,
			"payload": json.RawMessage(evt.Payload),
		})})
	}
}

func (c *wsConn) resolveSession(requested string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if requested != "" {
		c.sessionID = requested
		return requested, nil
	}
	if c.sessionID != "" {
		return c.sessionID, nil
	}
	id, err := c.transport.sessions.GetOrCreateVoice(c.ctx, "default", c.transport.projectDir)
	if err != nil {
		return "", err
	}
	c.sessionID = id
	return id, nil
}

func (c *wsConn) sendError(message string) {
	c.writeFrame(wsFrame{Type: "event", Kind: "chat_error", Payload: jsonPayload(map[string]string{"error": message})})
}

func (c *wsConn) writeFrame(frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func jsonPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
