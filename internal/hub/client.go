package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// WriteWait is the maximum time allowed to put one frame on the wire.
	// A connection that cannot keep up within this window is closed.
	WriteWait = 10 * time.Second

	// PongWait is how long a WebSocket connection may stay silent before
	// its read side gives up. Reset on every pong.
	PongWait = 60 * time.Second

	// PingPeriod is how often the write pump pings a WebSocket client.
	// Must be less than PongWait so the client has time to reply.
	PingPeriod = (PongWait * 9) / 10

	// sendBufferSize is the per-client outbound queue. Engines in full
	// flight emit a dense stream of updates, so this is sized well above
	// the WebSocket-GUI norm. A client that falls this far behind is
	// disconnected by Broadcast.
	sendBufferSize = 256
)

// Client is one attached subscriber. The hub writes encoded frames into
// send; writePump is the only goroutine that touches the underlying
// connection's write side. The send channel is closed by the hub when the
// client is detached, which causes writePump to drain and exit.
type Client struct {
	id   string
	hub  *Hub
	w    FrameWriter
	send chan []byte
	log  *zap.Logger
}

func newClient(h *Hub, w FrameWriter, remote string) *Client {
	id := uuid.NewString()
	return &Client{
		id:   id,
		hub:  h,
		w:    w,
		send: make(chan []byte, sendBufferSize),
		log:  h.log.With(zap.String("conn_id", id), zap.String("remote_addr", remote)),
	}
}

// ID returns the connection's identifier, unique for the server's lifetime.
func (c *Client) ID() string { return c.id }

// Send encodes v and queues it for this client only. Request/response
// traffic (job listings, submit acknowledgements) goes through here while
// Broadcast handles the fan-out frames.
func (c *Client) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("hub: encode frame: %w", err)
	}

	c.hub.mu.RLock()
	_, attached := c.hub.clients[c]
	queued := attached && c.enqueue(payload)
	c.hub.mu.RUnlock()

	if !attached {
		return fmt.Errorf("hub: send to %s: client detached", c.id)
	}
	if !queued {
		c.hub.Detach(c)
		return fmt.Errorf("hub: send to %s: queue full", c.id)
	}
	return nil
}

// enqueue attempts a non-blocking hand-off to the write pump. A false
// return means the client is too far behind to be worth keeping. Callers
// must hold the hub's read lock so the send channel cannot be closed
// concurrently.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// writePump forwards queued frames to the wire and keeps WebSocket peers
// alive with periodic pings. It is the only writer for this connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.w.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				// Detached by the hub. The deferred Close unblocks the
				// connection's read loop as well.
				return
			}
			if err := c.w.WriteFrame(payload); err != nil {
				c.log.Warn("write failed, dropping connection", zap.Error(err))
				c.hub.Detach(c)
				return
			}

		case <-ticker.C:
			if err := c.w.Ping(); err != nil {
				c.log.Warn("ping failed, dropping connection", zap.Error(err))
				c.hub.Detach(c)
				return
			}
		}
	}
}
