package ws

import (
	"context"
	"time"

	"github.com/vedran77/pulsesync/internal/metrics"
	"go.uber.org/zap"
)

const presenceTimeout = 5 * time.Second

// PresenceRecorder stores a user's online status.
type PresenceRecorder interface {
	SetStatus(ctx context.Context, userID string, online bool) error
}

type presenceUpdate struct {
	userID string
	online bool
}

// Hub tracks the open connections and derives presence from them: a user is
// online while at least one connection is open.
type Hub struct {
	presence PresenceRecorder
	log      *zap.Logger

	clients map[*Client]struct{}
	perUser map[string]int

	register   chan *Client
	unregister chan *Client
	updates    chan presenceUpdate
	stopped    chan struct{}
}

func NewHub(presence PresenceRecorder, logger *zap.Logger) *Hub {
	return &Hub{
		presence:   presence,
		log:        logger,
		clients:    make(map[*Client]struct{}),
		perUser:    make(map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		updates:    make(chan presenceUpdate, 256),
		stopped:    make(chan struct{}),
	}
}

// Run is the Hub's event loop. It returns when ctx is cancelled, after
// closing every connection and marking its user offline.
func (h *Hub) Run(ctx context.Context) error {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		h.recordPresence()
	}()

	defer func() {
		close(h.stopped)
		for c := range h.clients {
			h.drop(c)
		}
		close(h.updates)
		<-workerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.perUser[c.userID]++
			metrics.WSConnections.Inc()
			h.log.Info("ws client connected",
				zap.String("user_id", c.userID),
				zap.Int("connections", len(h.clients)),
			)
			if h.perUser[c.userID] == 1 {
				h.updates <- presenceUpdate{userID: c.userID, online: true}
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.log.Info("ws client disconnected",
					zap.String("user_id", c.userID),
					zap.Int("connections", len(h.clients)),
				)
			}
		}
	}
}

// drop removes c and queues the offline update when it was the user's last
// connection.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	c.stop()
	metrics.WSConnections.Dec()

	h.perUser[c.userID]--
	if h.perUser[c.userID] <= 0 {
		delete(h.perUser, c.userID)
		h.updates <- presenceUpdate{userID: c.userID, online: false}
	}
}

// recordPresence writes updates in the order the loop produced them.
func (h *Hub) recordPresence() {
	for u := range h.updates {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		if err := h.presence.SetStatus(ctx, u.userID, u.online); err != nil {
			h.log.Warn("recording presence failed",
				zap.String("user_id", u.userID),
				zap.Bool("online", u.online),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}
