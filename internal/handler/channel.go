package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/sakif/mojo-kernel/internal/apperror"
	"github.com/sakif/mojo-kernel/internal/auth"
	"github.com/sakif/mojo-kernel/internal/session"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer: one maximal cell plus framing
	maxMessageSize = 2 << 20

	// Requests waiting behind a running execution
	maxQueued = 16
)

// Channel message types. Requests come from the client; everything else is
// sent by the server with parent_id set to the request's msg_id.
const (
	MsgExecuteRequest    = "execute_request"
	MsgInterruptRequest  = "interrupt_request"
	MsgShutdownRequest   = "shutdown_request"
	MsgIsCompleteRequest = "is_complete_request"

	MsgExecuteReply    = "execute_reply"
	MsgInterruptReply  = "interrupt_reply"
	MsgShutdownReply   = "shutdown_reply"
	MsgIsCompleteReply = "is_complete_reply"
	MsgStatus          = "status"
	MsgRequestError    = "request_error"
)

// Execution states carried by status messages.
const (
	StateBusy = "busy"
	StateIdle = "idle"
)

// ChannelMessage is one websocket frame in either direction.
type ChannelMessage struct {
	MsgID    string          `json:"msg_id"`
	ParentID string          `json:"parent_id,omitempty"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// ChannelHandler upgrades GET /api/sessions/{id}/channel to a websocket
// that streams execution events as they are published.
type ChannelHandler struct {
	sessions Sessions
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewChannelHandler creates a ChannelHandler.
func NewChannelHandler(sessions Sessions, logger *slog.Logger) *ChannelHandler {
	return &ChannelHandler{
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Credentials travel as a bearer token, never as cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleChannel serves one websocket connection for the lifetime of the
// client.
//
// HTTP: GET /api/sessions/{id}/channel
func (h *ChannelHandler) HandleChannel(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.ClientIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("authentication required"))
		return
	}
	id := chi.URLParam(r, "id")

	// Refuse before upgrading so the client sees a plain 404 or 403.
	if _, err := h.sessions.Get(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &channel{
		conn:      conn,
		sessions:  h.sessions,
		owner:     owner,
		sessionID: id,
		logger:    h.logger.With(slog.String("session_id", id)),
		send:      make(chan []byte, 256),
		queue:     make(chan ChannelMessage, maxQueued),
		done:      make(chan struct{}),
	}
	c.logger.Info("channel opened")

	// Executions outlive the request context: a client going away must not
	// kill the kernel.
	ctx := context.WithoutCancel(r.Context())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	// The worker may still be inside an execution when the client leaves;
	// it finishes on its own and its replies are dropped.
	go c.work(ctx)

	c.readPump(ctx)
	close(c.done)
	wg.Wait()
	c.logger.Info("channel closed")
}

// channel is one connected client.
type channel struct {
	conn      *websocket.Conn
	sessions  Sessions
	owner     string
	sessionID string
	logger    *slog.Logger

	send  chan []byte
	queue chan ChannelMessage
	done  chan struct{}
}

// readPump reads requests until the connection fails. Interrupts and
// completeness checks are answered at once; executions and shutdowns are
// queued for the worker so an interrupt can reach a running execution.
func (c *channel) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return
		}

		var msg ChannelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail("", apperror.ValidationFailed("message", "invalid message format"))
			continue
		}

		switch msg.Type {
		case MsgExecuteRequest, MsgShutdownRequest:
			select {
			case c.queue <- msg:
			default:
				c.fail(msg.MsgID, apperror.Conflict("session", c.sessionID, "too many queued requests"))
			}
		case MsgInterruptRequest:
			if err := c.sessions.Interrupt(ctx, c.owner, c.sessionID); err != nil {
				c.fail(msg.MsgID, err)
				continue
			}
			c.reply(msg.MsgID, MsgInterruptReply, map[string]string{"status": session.StatusOK})
		case MsgIsCompleteRequest:
			var req IsCompleteRequest
			if !c.decode(msg, &req) {
				continue
			}
			reply, err := c.sessions.IsComplete(ctx, c.owner, c.sessionID, req.Code)
			if err != nil {
				c.fail(msg.MsgID, err)
				continue
			}
			c.reply(msg.MsgID, MsgIsCompleteReply, reply)
		default:
			c.fail(msg.MsgID, apperror.ValidationFailed("type", "unknown message type "+msg.Type))
		}
	}
}

// work runs queued requests one at a time until the client goes away.
func (c *channel) work(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			switch msg.Type {
			case MsgExecuteRequest:
				c.execute(ctx, msg)
			case MsgShutdownRequest:
				c.shutdown(ctx, msg)
			}
		}
	}
}

func (c *channel) execute(ctx context.Context, msg ChannelMessage) {
	req := session.NewRequest("")
	if !c.decode(msg, &req) {
		return
	}

	c.reply(msg.MsgID, MsgStatus, StatusContent{ExecutionState: StateBusy})
	defer c.reply(msg.MsgID, MsgStatus, StatusContent{ExecutionState: StateIdle})

	pub := session.PublisherFunc(func(e session.Event) {
		c.reply(msg.MsgID, e.Type, e)
	})
	reply, err := c.sessions.Execute(ctx, c.owner, c.sessionID, req, pub)
	if err != nil {
		c.fail(msg.MsgID, err)
		return
	}
	c.reply(msg.MsgID, MsgExecuteReply, reply)
}

func (c *channel) shutdown(ctx context.Context, msg ChannelMessage) {
	var req ShutdownRequest
	if !c.decode(msg, &req) {
		return
	}
	reply, err := c.sessions.Shutdown(ctx, c.owner, c.sessionID, req.Restart)
	if err != nil {
		c.fail(msg.MsgID, err)
		return
	}
	c.reply(msg.MsgID, MsgShutdownReply, reply)
}

// decode unpacks a request's content, answering the client on failure.
// Missing content decodes as the zero value.
func (c *channel) decode(msg ChannelMessage, dst interface{}) bool {
	if len(msg.Content) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Content, dst); err != nil {
		c.fail(msg.MsgID, apperror.ValidationFailed("content", "invalid content: "+err.Error()))
		return false
	}
	return true
}

func (c *channel) fail(parent string, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		c.logger.Error("channel request failed", slog.String("error", err.Error()))
	}
	c.reply(parent, MsgRequestError, body)
}

// reply queues a message for the writer. It blocks while the send buffer
// is full and gives up once the client is gone.
func (c *channel) reply(parent, msgType string, content interface{}) {
	raw, err := json.Marshal(content)
	if err != nil {
		c.logger.Error("failed to marshal channel content", slog.String("error", err.Error()))
		return
	}
	data, err := json.Marshal(ChannelMessage{
		MsgID:    xid.New().String(),
		ParentID: parent,
		Type:     msgType,
		Content:  raw,
	})
	if err != nil {
		c.logger.Error("failed to marshal channel message", slog.String("error", err.Error()))
		return
	}

	select {
	case c.send <- data:
	case <-c.done:
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings.
func (c *channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
