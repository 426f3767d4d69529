// Package realtime maintains WebSocket subscription rooms: one room per
// gap plus an implicit per-user room. Joins re-apply the same read
// predicate as HTTP; delivery is fire-and-forget.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// GapLoader fetches gaps for join authorization; *store.DB satisfies
// it.
type GapLoader interface {
	GetGap(ctx context.Context, id int64) (*core.Gap, error)
}

// ClientObserver tracks the connected-client gauge; *metrics.Metrics
// satisfies it.
type ClientObserver interface {
	SocketConnected()
	SocketDisconnected()
}

// Hub is the process-wide room registry. Initialized at startup and
// injected into the notifier and the HTTP server.
type Hub struct {
	scope *auth.Scope
	gaps  GapLoader

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	observer ClientObserver // nil disables the gauge
	logger   *slog.Logger
}

// NewHub builds the hub.
func NewHub(scope *auth.Scope, gaps GapLoader) *Hub {
	return &Hub{
		scope:   scope,
		gaps:    gaps,
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		logger:  slog.Default().With("component", "realtime"),
	}
}

// SetObserver attaches the connected-client gauge.
func (h *Hub) SetObserver(o ClientObserver) {
	h.observer = o
}

func gapRoom(gapID int64) string { return "gap-" + strconv.FormatInt(gapID, 10) }

func userRoom(userID int64) string { return "user-" + strconv.FormatInt(userID, 10) }

// register adds a connected client and places it in its user room.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	h.joinLocked(c, userRoom(c.user.ID))
	if h.observer != nil {
		h.observer.SocketConnected()
	}
	h.logger.Info("client connected", "user", c.user.ID, "clients", len(h.clients))
}

// unregister removes a client from every room.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if h.observer != nil {
		h.observer.SocketDisconnected()
	}
	h.logger.Info("client disconnected", "user", c.user.ID, "clients", len(h.clients))
}

func (h *Hub) joinLocked(c *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
}

// JoinGap subscribes the client to a gap room after re-applying the
// read predicate. The socket grants nothing HTTP would not.
func (h *Hub) JoinGap(ctx context.Context, c *Client, gapID int64) error {
	g, err := h.gaps.GetGap(ctx, gapID)
	if err != nil {
		return err
	}
	if err := h.scope.RequireReadGap(ctx, c.user, g); err != nil {
		return err
	}
	h.mu.Lock()
	h.joinLocked(c, gapRoom(gapID))
	h.mu.Unlock()
	return nil
}

// LeaveGap unsubscribes the client from a gap room.
func (h *Hub) LeaveGap(c *Client, gapID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := gapRoom(gapID)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// envelope is the outbound wire format.
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func (h *Hub) broadcast(room, event string, payload interface{}) {
	raw, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("marshal broadcast failed", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		c.enqueue(raw)
	}
}

// ToGap broadcasts to a gap room.
func (h *Hub) ToGap(gapID int64, event string, payload interface{}) {
	h.broadcast(gapRoom(gapID), event, payload)
}

// ToUser broadcasts to a user's implicit room.
func (h *Hub) ToUser(userID int64, event string, payload interface{}) {
	h.broadcast(userRoom(userID), event, payload)
}

// RoomSize reports current membership; used by tests and the health
// report.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client; called during shutdown before the AI
// queue drains and the DB closes.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
