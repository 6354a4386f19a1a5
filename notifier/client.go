package notifier

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the auth layer in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected front-end websocket.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan Envelope
	hub    *Hub
	joined map[string]struct{}
	once   sync.Once
}

func newClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}

// ServeWS upgrades the request and attaches the client to the session's
// watch group until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		id:     newClientID(),
		conn:   conn,
		send:   make(chan Envelope, sendBufferSize),
		hub:    h,
		joined: make(map[string]struct{}),
	}
	h.register(c)
	h.Join(c, sessionID)

	go c.writePump()
	go c.readPump()
	return nil
}

// enqueue hands the envelope to the client's writer without blocking the
// emitter. A full buffer means the client is too slow; the event is dropped.
func (c *Client) enqueue(env Envelope) {
	select {
	case c.send <- env:
	default:
		droppedEvents.Inc()
	}
}

// Close tears the connection down and detaches the client from the hub.
func (c *Client) Close() {
	c.once.Do(func() {
		c.hub.remove(c)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes (and discards) inbound frames so pings are answered and
// the connection's death is noticed promptly.
func (c *Client) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
