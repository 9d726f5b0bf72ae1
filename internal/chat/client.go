package chat

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // room for encrypted payloads
)

// Client is one live connection. A user may hold several at once; they all
// live in the same room and receive the same fan-out.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	Send chan []byte

	UserID   int64
	Username string
	// StreamID is non-zero for livestream sockets, which join a stream room
	// instead of the user's personal room.
	StreamID int64
	// SpaceSlug is non-empty for audio-space sockets, which join the space's
	// room and trade position/emote relays instead of chat.
	SpaceSlug string
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// enqueue hands an event to the connection's writer without ever blocking
// the caller.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.Send <- payload:
	default:
	}
}
