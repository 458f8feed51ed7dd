package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 32
)

// Client is one websocket connection. All writes go through the buffered
// send channel; only writePump touches the connection for output.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	gw   *Gateway

	mu     sync.Mutex
	closed bool
}

func newClient(id string, conn *websocket.Conn, gw *Gateway) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		gw:   gw,
	}
}

// enqueue queues an outbound event without ever blocking the caller. A full
// buffer means the client is too slow to matter; the event is dropped and
// counted.
func (c *Client) enqueue(e models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- marshalEvent(e):
	default:
		observability.EventsDropped.Inc()
		c.gw.log.Warn("send buffer full, dropping event", "conn_id", c.id, "type", string(e.Type))
	}
}

// closeSend seals the channel so late notifications from the lifecycle
// cannot hit a closed channel.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Warn("unexpected close", "conn_id", c.id, "error", err)
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.enqueue(errorEvent(models.CodeInvalidPayload, "malformed event envelope", ""))
			continue
		}
		c.dispatchSafe(ev)
	}
}

// dispatchSafe shields the read loop: one broken event must never take the
// connection (or the process) down with it.
func (c *Client) dispatchSafe(ev models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			c.gw.log.Error("panic handling event", "conn_id", c.id, "type", string(ev.Type), "error", rec)
			c.enqueue(errorEvent(models.CodeInvalidPayload, "internal error handling event", ""))
		}
	}()
	c.gw.dispatch(c, ev)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorEvent(code, msg, rideID string) models.Event {
	return models.NewEvent(models.EvRideError, models.ErrorPayload{Code: code, Msg: msg, RideID: rideID})
}
