package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// EntitlementUpdate is pushed to a user's connected app backends whenever
// their subscription state or feature set changes.
type EntitlementUpdate struct {
	Type     string       `json:"type"` // always "entitlement_update"
	UserID   int64        `json:"user_id"`
	Status   model.Status `json:"status"`
	Tier     model.Tier   `json:"tier"`
	Features []string     `json:"features"`
	At       time.Time    `json:"at"`
}

// Hub fans lifecycle state changes out over WebSocket, one subscription
// channel per user. Connections for users with no changes cost only the
// map entry.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
}

// PublishStateChange implements the lifecycle publisher. Slow clients have
// their message dropped rather than blocking the state machine.
func (h *Hub) PublishStateChange(userID int64, sub *model.Subscription, features []model.FeatureAccess) {
	names := make([]string, 0, len(features))
	for _, f := range features {
		if f.Enabled {
			names = append(names, f.Feature)
		}
	}
	update := EntitlementUpdate{
		Type:     "entitlement_update",
		UserID:   userID,
		Status:   sub.Status,
		Tier:     sub.Tier,
		Features: names,
		At:       time.Now().UTC(),
	}

	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("marshal entitlement update", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of open connections for the user.
func (h *Hub) ClientCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
