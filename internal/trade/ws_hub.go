// WebSocket hub for real-time close and liquidation pushes.

package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atmx/contest-engine/internal/events"
	"github.com/atmx/contest-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string `json:"type"`
	ContestID     string `json:"contest_id"`
	ParticipantID string `json:"participant_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	PositionID    string `json:"position_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Price         string `json:"price,omitempty"`
	RealizedPnl   string `json:"realized_pnl,omitempty"`
	Capital       string `json:"current_capital,omitempty"`
}

type outbound struct {
	contestID string
	data      []byte
}

// WSHub manages WebSocket connections and broadcasts position events to
// clients. A client connecting with ?contest_id= only receives that
// contest's messages.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan outbound
	register   chan subscriber
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger
}

type subscriber struct {
	conn      *websocket.Conn
	contestID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *zap.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscriber),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log.Named("ws"),
	}
}

// Run starts the hub's main event loop and returns when ctx is done. Must
// be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.contestID
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.log.Info("ws client connected", zap.Int("total", total), zap.String("contest_id", sub.contestID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, contestID := range h.clients {
				if contestID != "" && contestID != msg.contestID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to every client watching its contest.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{contestID: msg.ContestID, data: data}:
	default:
		// Drop if buffer full; pushes are best-effort.
	}
}

// Subscribe forwards close, liquidation and finalization events from bus.
func (h *WSHub) Subscribe(bus *events.Bus) {
	handler := func(_ context.Context, e events.Event) error {
		if msg, ok := messageFor(e); ok {
			h.Broadcast(msg)
		}
		return nil
	}
	bus.Subscribe(events.PositionClosed, "websocket", handler)
	bus.Subscribe(events.ParticipantLiquidated, "websocket", handler)
	bus.Subscribe(events.ContestFinalized, "websocket", handler)
}

func messageFor(e events.Event) (WSMessage, bool) {
	msg := WSMessage{Type: string(e.Kind), UserID: e.UserID(), Reason: e.Reason}
	switch e.Kind {
	case events.PositionClosed:
		p := e.Position
		if p == nil {
			return msg, false
		}
		msg.ContestID = p.ContestID
		msg.ParticipantID = p.ParticipantID
		msg.PositionID = p.ID
		msg.Symbol = p.Symbol
		msg.Side = string(p.Side)
		msg.Reason = string(p.CloseReason)
		msg.RealizedPnl = p.RealizedPnl.String()
		if p.ExitPrice != nil {
			msg.Price = p.ExitPrice.String()
		}
	case events.ParticipantLiquidated:
		if e.Participant == nil {
			return msg, false
		}
		msg.ContestID = e.Participant.ContestID
		msg.ParticipantID = e.Participant.ID
		msg.Capital = e.Participant.CurrentCapital.String()
	case events.ContestFinalized:
		if e.Contest == nil {
			return msg, false
		}
		msg.ContestID = e.Contest.ID
	default:
		return msg, false
	}
	if e.Participant != nil && msg.Capital == "" {
		msg.Capital = e.Participant.CurrentCapital.String()
	}
	return msg, true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin is enforced by the gateway.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- subscriber{conn: conn, contestID: r.URL.Query().Get("contest_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
