// Package sessionws pushes session lifecycle events to the connected
// participants of each session.
package sessionws

import (
	"encoding/json"
	"strconv"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/notify"
	"go.uber.org/zap"
)

type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.SessionEvent
	log        *zap.Logger
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

type Message struct {
	Type  string               `json:"type"`
	Event *models.SessionEvent `json:"event,omitempty"`
	Error string               `json:"error,omitempty"`
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan models.SessionEvent, 64),
		log:        logger,
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 32),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
		case client := <-h.unregister:
			set, ok := h.clients[client.userID]
			if !ok {
				continue
			}
			if _, exists := set[client]; exists {
				delete(set, client)
				close(client.send)
			}
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues an event for the session's participants. Events are
// dropped when the hub is saturated; clients re-read session state anyway.
func (h *Hub) Broadcast(event models.SessionEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("session hub saturated; event dropped",
			zap.Int64(logging.KeySessionID, event.SessionID),
			zap.String("event", event.Type),
		)
	}
}

// HandleNotification relays a NOTIFY payload from the events channel.
func (h *Hub) HandleNotification(channel, payload string) {
	if payload == "" {
		return
	}
	event, err := notify.DecodeEvent(payload)
	if err != nil {
		h.log.Warn("session hub: undecodable notification", zap.String("channel", channel), zap.Error(err))
		return
	}
	h.Broadcast(event)
}

func (h *Hub) deliver(event models.SessionEvent) {
	encoded, err := json.Marshal(Message{Type: event.Type, Event: &event})
	if err != nil {
		h.log.Error("session hub encode event", zap.Error(err))
		return
	}

	patient := strconv.FormatInt(event.PatientID, 10)
	doctor := strconv.FormatInt(event.DoctorID, 10)
	h.sendToUser(patient, encoded)
	if doctor != patient {
		h.sendToUser(doctor, encoded)
	}
}

func (h *Hub) sendToUser(userID string, payload []byte) {
	set, ok := h.clients[userID]
	if !ok {
		return
	}

	for client := range set {
		select {
		case client.send <- payload:
		default:
			delete(set, client)
			close(client.send)
		}
	}
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

// ReadPump keeps the connection alive and answers pings. The socket is
// push-only; anything else the client sends gets an error frame.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &incoming); err != nil || incoming.Type != "ping" {
			writeFrame(c, Message{Type: "error", Error: "unsupported message type"})
			continue
		}
		writeFrame(c, Message{Type: "pong"})
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func writeFrame(client *Client, message Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
		client.hub.Unregister(client)
	}
}
