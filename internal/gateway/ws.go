package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	// outboundBuffer bounds envelopes queued for one socket writer.
	outboundBuffer = 256
)

// wsConn is one WebSocket client: a read loop dispatching RPC calls and a
// single writer serializing responses and streamed envelopes.
type wsConn struct {
	server *Server
	ws     *websocket.Conn
	send   chan any

	mu     sync.Mutex
	subs   []*bus.Subscription
	closed bool
}

// handleWS upgrades the connection and runs the read loop until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		}
		return
	}

	conn := &wsConn{
		server: s,
		ws:     ws,
		send:   make(chan any, outboundBuffer),
	}
	go conn.writeLoop()
	conn.readLoop(r.Context())
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(rpcResponse{Success: false, Error: rpcErrorf(CodeInvalidParams, "malformed request: %v", err)})
			continue
		}
		resp := c.server.handle(ctx, c, req)
		c.enqueue(resp)
	}
}

// writeLoop is the only goroutine writing to the socket. It multiplexes RPC
// responses, streamed envelopes from subscriptions, and keepalive pings.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe attaches a bus subscription to the connection and pumps its
// envelopes onto the socket until unsubscribed or the connection closes.
func (c *wsConn) subscribe(sub *bus.Subscription) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.server.bus.Unsubscribe(sub)
		return
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		for env := range sub.C() {
			c.enqueueEnvelope(env)
		}
	}()
}

// enqueue queues a message for the writer, dropping when the client cannot
// keep up. RPC responses share the queue with streamed envelopes. The send is
// non-blocking and runs under the mutex so close never races it.
func (c *wsConn) enqueue(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		if c.server.metrics != nil {
			c.server.metrics.BusDroppedEnvelopes.Inc()
		}
	}
}

func (c *wsConn) enqueueEnvelope(env models.Envelope) {
	c.enqueue(map[string]any{
		"type":      env.Type,
		"sessionId": env.SessionID,
		"timestamp": env.Timestamp,
		"sequence":  env.Sequence,
		"data":      env.Data,
	})
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.send)
	c.mu.Unlock()

	for _, sub := range subs {
		c.server.bus.Unsubscribe(sub)
	}
}
