package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth runs on the session cookie after upgrade; origin is not a
	// trust boundary for this internal tool.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one authenticated WebSocket connection. All writes go
// through the send channel so writePump is the only goroutine touching
// the connection for writes.
type Client struct {
	hub  *Hub
	user *core.User
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// inbound is the client-to-server message format.
type inbound struct {
	Event string `json:"event"`
	GapID int64  `json:"gapId,omitempty"`
}

// Handler returns the /ws endpoint. The handshake authenticates with
// the same signed session cookie as HTTP.
func Handler(hub *Hub, sessions *auth.Sessions, users auth.UserLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := sessions.Resolve(r)
		if err != nil {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}
		user, err := users.GetUser(r.Context(), userID)
		if err != nil {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		c := &Client{
			hub:  hub,
			user: user,
			conn: conn,
			send: make(chan []byte, sendBuffer),
			done: make(chan struct{}),
		}
		hub.register(c)
		go c.writePump()
		go c.readPump()
	}
}

// enqueue hands a frame to the write pump without blocking; a full
// buffer drops the frame, clients refetch on reconnect.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("send buffer full, dropping frame", "user", c.user.ID)
	}
}

// close shuts the connection down exactly once.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

// writePump owns all writes: queued frames, pings, and the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			// Flush whatever queued up while writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns all reads and routes join/leave requests.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "user", c.user.ID, "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		switch msg.Event {
		case "join-gap":
			if err := c.hub.JoinGap(context.Background(), c, msg.GapID); err != nil {
				c.sendError(err.Error())
				continue
			}
			c.sendEvent("joined", map[string]interface{}{"gapId": msg.GapID})
		case "leave-gap":
			c.hub.LeaveGap(c, msg.GapID)
		default:
			c.sendError("unknown event")
		}
	}
}

func (c *Client) sendEvent(event string, data interface{}) {
	raw, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *Client) sendError(msg string) {
	c.sendEvent("error", map[string]string{"message": msg})
}
