package main

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/elijahnyp/sim_device/device"
	"github.com/elijahnyp/sim_device/session"
	. "github.com/elijahnyp/sim_device/util"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // read-only feed
	},
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Data interface{} `json:"data"`
	Type string      `json:"type"`
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn *websocket.Conn
	send chan WebSocketMessage
	hub  *WSHub
}

// WSHub maintains the set of active clients and broadcasts messages
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
}

// DeviceStatus is served on /api/status.
type DeviceStatus struct {
	LastResponse    *session.Response `json:"last_response,omitempty"`
	DeviceID        string            `json:"device_id"`
	DeviceType      string            `json:"device_type"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Status          string            `json:"status"`
	Version         string            `json:"version"`
	Commands        []string          `json:"commands"`
	Handled         uint64            `json:"handled"`
	PublishFailures uint64            `json:"publish_failures"`
	MQTTConnected   bool              `json:"mqtt_connected"`
	Announced       bool              `json:"announced"`
}

// NewHub creates a new WebSocket hub
func NewHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan WebSocketMessage, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
	}
}

// Run starts the WebSocket hub
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			Logger.Info().Msg("Client connected to WebSocket")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				Logger.Info().Msg("Client disconnected from WebSocket")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}

		case <-h.quit:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		}
	}
}

// Stop ends Run and closes every client.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// BroadcastUpdate sends an update to all connected clients
func (h *WSHub) BroadcastUpdate(messageType string, data interface{}) {
	select {
	case h.broadcast <- WebSocketMessage{Type: messageType, Data: data}:
	default:
		// Channel is full, skip this update
	}
}

// Observe forwards session events; it never blocks the session loop.
func (h *WSHub) Observe(e session.Event) {
	h.BroadcastUpdate(e.Type, e.Data)
}

// readPump pumps messages from the websocket connection to the hub
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		if err := c.conn.Close(); err != nil {
			Logger.Debug().Err(err).Msg("Error closing WebSocket connection")
		}
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			Logger.Debug().Err(err).Msg("Error closing WebSocket connection")
		}
	}()

	for message := range c.send {
		if err := c.conn.WriteJSON(message); err != nil {
			return
		}
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		Logger.Debug().Err(err).Msg("Error writing close message")
	}
}

// ServeWebSocket handles websocket requests from the peer
func (h *WSHub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WebSocketMessage, 256),
		hub:  h,
	}

	select {
	case h.register <- client:
	case <-h.quit:
		_ = conn.Close() //nolint:errcheck // hub already stopped
		return
	}

	go client.writePump()
	go client.readPump()
}

// Healthz is 200 while the MQTT connection is up.
func (a *App) Healthz(w http.ResponseWriter, r *http.Request) {
	status, body := http.StatusOK, "ok\n"
	if !a.client.IsConnected() {
		status, body = http.StatusServiceUnavailable, "mqtt disconnected\n"
	}
	w.WriteHeader(status)
	if _, err := io.WriteString(w, body); err != nil {
		Logger.Error().Msgf("Error writing response: %v", err)
	}
}

// APIStatus returns the device and session state as JSON
func (a *App) APIStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	meta := a.device.Metadata()
	stats := a.session.Stats()
	status := DeviceStatus{
		DeviceID:        a.settings.DeviceID,
		DeviceType:      a.device.Kind().String(),
		Name:            meta.Name,
		Description:     meta.Description,
		Status:          device.Status,
		Version:         device.Version,
		Commands:        a.device.Commands(),
		Handled:         stats.Handled,
		PublishFailures: stats.PublishFailures,
		LastResponse:    stats.LastResponse,
		MQTTConnected:   a.client.IsConnected(),
		Announced:       stats.Connected,
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		Logger.Error().Err(err).Msg("Error encoding device status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
