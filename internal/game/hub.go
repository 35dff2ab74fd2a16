package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
)

const writeDeadline = 10 * time.Second

// WSMessage is the envelope for every frame the hub pushes.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type Client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
	logger zerolog.Logger
}

// Hub fans engine events out to connected websocket clients. It
// implements Broadcaster; a full broadcast channel drops the frame
// rather than stalling the tick loop.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan WSMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     zerolog.Logger
}

var _ Broadcaster = (*Hub)(nil)

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("user_id", client.userID).Int("total", total).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("user_id", client.userID).Int("total", total).Msg("client disconnected")

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error().Err(err).Str("type", msg.Type).Msg("marshal failed")
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				go client.send(data)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) push(msgType string, data interface{}) {
	select {
	case h.broadcast <- WSMessage{Type: msgType, Data: data}:
	default:
		h.logger.Warn().Str("type", msgType).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) OnStateChange(e StateChangeEvent)   { h.push("state_change", e) }
func (h *Hub) OnTick(e TickEvent)                 { h.push("tick", e) }
func (h *Hub) OnBetPlaced(e BetPlacedEvent)       { h.push("bet_placed", e) }
func (h *Hub) OnCashout(e CashoutEvent)           { h.push("cashout", e) }
func (h *Hub) OnTrackCrashed(e TrackCrashedEvent) { h.push("track_crashed", e) }

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Str("user_id", c.userID).Msg("write failed")
	}
}

// SendInitialState gives a freshly connected client the live round so it
// does not have to wait for the next broadcast.
func (c *Client) SendInitialState(snap *RoundSnapshot) {
	if snap == nil {
		return
	}
	data, err := json.Marshal(WSMessage{Type: "initial_state", Data: snap})
	if err != nil {
		return
	}
	c.send(data)
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) *Client {
	client := &Client{
		conn:   conn,
		userID: userID,
		logger: h.logger,
	}
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mu.RLock()
	for client := range h.clients {
		if client.conn == conn {
			h.mu.RUnlock()
			h.unregister <- client
			return
		}
	}
	h.mu.RUnlock()
}
