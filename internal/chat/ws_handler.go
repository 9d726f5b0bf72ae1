package chat

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sphereapp/sphere/backend/internal/auth"
	"github.com/sphereapp/sphere/backend/internal/httpx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow CORS for demo; tighten in prod.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterWS mounts the chat socket at GET /ws, the livestream socket at
// GET /ws/streams/:id and the audio-space socket at GET /ws/spaces/:slug.
// Auth works via ?token=<JWT> or a bearer header; an unresolvable credential
// rejects the connection before the upgrade.
func RegisterWS(rg *gin.RouterGroup, hub *Hub, jwtSecret string) {
	rg.GET("/ws", func(c *gin.Context) {
		claims, ok := wsAuth(c, jwtSecret)
		if !ok {
			return
		}
		serve(c, hub, claims.UserID, 0, "")
	})

	rg.GET("/ws/streams/:id", func(c *gin.Context) {
		claims, ok := wsAuth(c, jwtSecret)
		if !ok {
			return
		}
		streamID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			httpx.Err(c, http.StatusBadRequest, "invalid stream id")
			return
		}
		if _, err := hub.store.StreamByID(c.Request.Context(), streamID); err != nil {
			httpx.Err(c, http.StatusNotFound, "stream not found")
			return
		}
		serve(c, hub, claims.UserID, streamID, "")
	})

	// spaces are ephemeral rooms; any slug names one, no lookup to fail
	rg.GET("/ws/spaces/:slug", func(c *gin.Context) {
		claims, ok := wsAuth(c, jwtSecret)
		if !ok {
			return
		}
		serve(c, hub, claims.UserID, 0, c.Param("slug"))
	})
}

func wsAuth(c *gin.Context, secret string) (*auth.Claims, bool) {
	token := c.Query("token")
	if token == "" {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		httpx.Err(c, http.StatusUnauthorized, "missing token")
		return nil, false
	}
	claims, err := auth.ParseToken(secret, token)
	if err != nil {
		httpx.Err(c, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return claims, true
}

func serve(c *gin.Context, hub *Hub, userID, streamID int64, spaceSlug string) {
	username, err := hub.store.Username(c.Request.Context(), userID)
	if err != nil {
		httpx.Err(c, http.StatusUnauthorized, "unknown user")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:       hub,
		conn:      conn,
		Send:      make(chan []byte, 256),
		UserID:    userID,
		Username:  username,
		StreamID:  streamID,
		SpaceSlug: spaceSlug,
	}
	hub.Register(client)
	client.enqueue(mustJSON(simpleEvent{Type: EvConnectionEstablished, Message: "Connected to chat server"}))

	go client.writePump()
	go client.readPump()
}
