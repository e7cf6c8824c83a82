// Package hub implements the broadcast fan-out for connected control
// clients. Every subscriber receives every frame: job updates and server
// status announcements are global, there is no per-topic filtering.
//
// Frames are encoded to JSON exactly once, inside Broadcast, and the
// resulting bytes are handed to each client's write pump. Transports differ
// only in how a frame goes on the wire (newline-delimited JSON for raw TCP,
// one text message per frame for WebSocket), which is abstracted behind
// FrameWriter.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Hub is the central broker for connected clients. Registry mutations are
// serialised through the Run loop via channels; Broadcast and Count take the
// read lock only long enough to copy the client set.
type Hub struct {
	clients map[*Client]struct{}

	// mu protects clients during Broadcast and Count, which read the set
	// from outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when the Run loop exits. Attach fails afterwards
	// so late connections are not stranded without a write pump reaper.
	stopped chan struct{}

	log *zap.Logger
}

// New creates an idle Hub. Call Run in a goroutine to start it.
func New(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		// Registry hand-offs are synchronous: a send succeeds only while the
		// Run loop is alive, so Attach after shutdown always takes the
		// stopped branch instead of parking a client in a buffer.
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		log:        log.Named("hub"),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled. On exit every connected
// client's send channel is closed, which lets each write pump drain and
// close its connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			client.log.Debug("client attached")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				// Signal the client's write pump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Attach registers a new client around w and starts its write pump. The
// remote address only labels log lines. The caller keeps running the
// connection's read side; the hub owns the write side from here on.
func (h *Hub) Attach(w FrameWriter, remote string) (*Client, error) {
	c := newClient(h, w, remote)
	select {
	case h.register <- c:
	case <-h.stopped:
		_ = w.Close()
		return nil, fmt.Errorf("hub: attach %s: hub stopped", remote)
	}
	go c.writePump()
	return c, nil
}

// Detach removes the client from the registry. Safe to call more than once;
// only the first call closes the client's send channel.
func (h *Hub) Detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Broadcast encodes v once and queues the bytes on every connected client.
// It is safe to call from any goroutine. Clients whose send buffer is full
// are detached so a stalled consumer cannot block the rest.
//
// Queueing happens under the read lock while channel closes happen under
// the write lock in Run, so a frame can never race a closing send channel.
// Detaching the slow clients waits until the lock is released because
// Detach feeds the Run loop.
func (h *Hub) Broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("broadcast frame not encodable", zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.enqueue(payload) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		c.log.Warn("client too slow, dropping connection")
		h.Detach(c)
	}
}

// Count returns the number of currently attached clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
