package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/vouch/internal/model"
)

const TypeEntitlementUpgraded = "entitlement_upgraded"

// Message is a live notification pushed to one account's open pages.
type Message struct {
	Type        string             `json:"type"`
	Entitlement *model.Entitlement `json:"entitlement,omitempty"`
}

// Hub tracks open connections per account. A browser waiting on a checkout
// return page learns about its upgrade without polling.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.accountID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.accountID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.accountID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.accountID)
		}
	}
	h.mu.Unlock()
}

// Publish sends a message to every connection of the account. Slow clients
// with a full buffer miss the message rather than block the caller.
func (h *Hub) Publish(accountID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[accountID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping message for slow client", "account_id", accountID, "type", msg.Type)
		}
	}
}

// EntitlementUpgraded pushes the new entitlement to the account's pages.
func (h *Hub) EntitlementUpgraded(e model.Entitlement) {
	h.Publish(e.AccountID, Message{Type: TypeEntitlementUpgraded, Entitlement: &e})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
