package handlers

import (
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	sessionws "github.com/saeid-a/DocAvailableBack/internal/websocket"
	"github.com/saeid-a/DocAvailableBack/pkg/utils"
)

// EventsHandler serves the session event socket.
type EventsHandler struct {
	hub       *sessionws.Hub
	jwtSecret string
}

func NewEventsHandler(hub *sessionws.Hub, jwtSecret string) *EventsHandler {
	return &EventsHandler{hub: hub, jwtSecret: jwtSecret}
}

func (h *EventsHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return respondError(c, fiber.StatusUpgradeRequired, "WebSocket upgrade required")
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return respondError(c, fiber.StatusUnauthorized, "Invalid or expired token")
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *EventsHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	client := sessionws.NewClient(h.hub, conn, userID)

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

// Browsers cannot set headers on a socket upgrade, so the token may also
// arrive as ?token=.
func (h *EventsHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		var err error
		tokenString, err = utils.BearerToken(c.Get("Authorization"))
		if err != nil {
			return nil, err
		}
	}
	return utils.ValidateToken(tokenString, h.jwtSecret)
}
