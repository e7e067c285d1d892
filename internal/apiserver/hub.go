package apiserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldbell/prediction/backend/internal/store"
)

const (
	websocketWriteWait  = 10 * time.Second
	websocketSendBuffer = 64
)

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

type websocketSubscribeRequest struct {
	Type      string   `json:"type"`
	MarketIDs []uint64 `json:"market_ids,omitempty"`
}

// Hub fans settlement events out to websocket subscribers. A subscriber
// with no market filter receives everything.
type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	send chan []byte

	mu      sync.Mutex
	markets map[uint64]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Broadcast(event store.SettlementEvent) {
	payload, err := json.Marshal(websocketEnvelope{
		Type:    "event",
		Channel: "settlement",
		Data:    event,
		TS:      time.Now().Unix(),
	})
	if err != nil {
		h.logger.Error("failed to encode settlement event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if !sub.wants(event.MarketID) {
			continue
		}
		select {
		case sub.send <- payload:
		default:
			// Slow consumer: drop it rather than block the broadcast.
			close(sub.send)
			delete(h.subscribers, sub)
		}
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		close(sub.send)
		delete(h.subscribers, sub)
	}
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		close(sub.send)
		delete(h.subscribers, sub)
	}
}

func (sub *subscriber) wants(marketID uint64) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.markets) == 0 {
		return true
	}
	_, ok := sub.markets[marketID]
	return ok
}

func (sub *subscriber) setFilter(marketIDs []uint64) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.markets = make(map[uint64]struct{}, len(marketIDs))
	for _, id := range marketIDs {
		sub.markets[id] = struct{}{}
	}
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isOriginAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	sub := &subscriber{send: make(chan []byte, websocketSendBuffer)}
	s.hub.register(sub)
	defer s.hub.unregister(sub)

	go func() {
		defer conn.Close()
		for payload := range sub.send {
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(websocketWriteWait))
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var message websocketSubscribeRequest
		if err := json.Unmarshal(raw, &message); err != nil {
			continue
		}
		if message.Type == "subscribe" {
			sub.setFilter(message.MarketIDs)
		}
	}
}
