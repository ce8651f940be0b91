package chathttp

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/ephemeral-chat/chat"
	"github.com/ggoodman/ephemeral-chat/internal/logctx"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// wsConn adapts a gorilla WebSocket to chat.Conn. Send only enqueues; the
// writer goroutine owns every write to the socket.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	gone   atomic.Bool
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:   ulid.Make().String(),
		ws:   ws,
		send: make(chan []byte, buffer),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gone.Load() {
		return chat.ErrConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return chat.ErrSendBufferFull
	}
}

// Close stops accepting frames. The writer flushes the queue, sends a close
// frame and tears down the socket.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *wsConn) Closed() bool {
	if c.gone.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ chat.Conn = (*wsConn)(nil)

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.WarnContext(r.Context(), "ws.upgrade.failed", slog.Any("err", err))
		return
	}

	h.active.Add(1)
	defer h.active.Done()

	c := newWSConn(ws, h.sendBuffer)
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{ConnID: c.id, NodeID: h.engine.NodeID()})

	h.connsMu.Lock()
	h.conns[c] = struct{}{}
	h.connsMu.Unlock()
	defer func() {
		h.connsMu.Lock()
		delete(h.conns, c)
		h.connsMu.Unlock()
	}()

	h.log.InfoContext(ctx, "ws.connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()

	h.readPump(ctx, c)

	c.gone.Store(true)
	_ = c.Close()
	h.engine.HandleDisconnect(ctx, c)
	<-writerDone
	h.log.InfoContext(ctx, "ws.disconnected")
}

// readPump feeds inbound text frames to the engine until the socket fails.
func (h *Handler) readPump(ctx context.Context, c *wsConn) {
	pongWait := h.pingInterval * 10 / 9

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.DebugContext(ctx, "ws.read.failed", slog.Any("err", err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := h.engine.HandleLocalMessage(ctx, c, data); err != nil {
			h.log.DebugContext(ctx, "ws.message.rejected", slog.Any("err", err))
		}
	}
}

// writePump drains the send queue onto the socket and keeps the peer alive
// with pings. It closes the socket on exit, which unblocks readPump.
func (h *Handler) writePump(c *wsConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.gone.Store(true)
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
