package broadcast

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/config"
)

const sendBufferSize = 64

// Hub is the bounded set of authenticated WS clients (spec §4.7: hard cap,
// default 50). Broadcast snapshots the set under a short read lock so
// concurrent connects/disconnects never invalidate an in-flight fan-out.
type Hub struct {
	cfg config.BroadcastConfig

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// New constructs a Hub from cfg, filling in the teacher's defaults for any
// zero-valued field.
func New(cfg config.BroadcastConfig) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 50
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Hub{cfg: cfg, clients: make(map[*Client]struct{})}
}

// Register admits a newly authenticated client, rejecting it if the hub is
// already at MaxClients.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.cfg.MaxClients {
		return false
	}
	h.clients[c] = struct{}{}
	log.Info().Int("total_clients", len(h.clients)).Msg("broadcast: client connected")
	return true
}

// Unregister removes c from the set and signals its pumps to stop,
// idempotent on a client already removed. c.send is never closed here —
// concurrent Broadcast goroutines may still hold a reference to it, so
// closing out from under them would panic on send; c.done is the only
// shutdown signal, closed exactly once via sync.Once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	remaining := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		log.Info().Int("total_clients", remaining).Msg("broadcast: client disconnected")
	}
}

// ClientCount reports the current set size.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast fans msgType/data out to every client, in batches of
// cfg.BatchSize concurrent sends, each bounded by cfg.SendTimeout. A client
// whose send blocks past the timeout, or whose buffer is already full, is
// evicted.
func (h *Hub) Broadcast(msgType MessageType, data interface{}) error {
	payload, err := newMessage(msgType, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	sem := make(chan struct{}, h.cfg.BatchSize)
	var wg sync.WaitGroup
	for _, c := range snapshot {
		c := c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			h.sendOne(c, payload)
		}()
	}
	wg.Wait()
	return nil
}

// sendOne enqueues payload on c's send channel, evicting c if the channel
// is still full after cfg.SendTimeout (spec §4.7: per-client send has a
// hard timeout; on timeout the client is marked unhealthy and removed).
func (h *Hub) sendOne(c *Client, payload []byte) {
	timer := time.NewTimer(h.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case c.send <- payload:
	case <-c.done:
		// Already shutting down; drop the message.
	case <-timer.C:
		log.Warn().Msg("broadcast: client send timed out, evicting")
		h.Unregister(c)
	}
}
