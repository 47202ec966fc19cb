package controller

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const clientBuffer = 16

type progressMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	At    time.Time   `json:"at"`
}

// ProgressHub fans pass summaries out to connected websocket clients. Slow
// clients drop messages instead of blocking publishers.
type ProgressHub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	logger  logrus.FieldLogger
}

func NewProgressHub(logger logrus.FieldLogger) *ProgressHub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProgressHub{clients: make(map[chan []byte]struct{}), logger: logger}
}

func (h *ProgressHub) Publish(event string, payload interface{}) {
	msg, err := json.Marshal(progressMessage{Event: event, Data: payload, At: time.Now().UTC()})
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to encode progress message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *ProgressHub) subscribe() (chan []byte, func()) {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

func (h *ProgressHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Upgrade rejects plain HTTP requests to the websocket route.
func (h *ProgressHub) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle streams messages to one client until it disconnects.
func (h *ProgressHub) Handle(c *websocket.Conn) {
	defer c.Close()

	ch, unsubscribe := h.subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-ch:
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.WithError(err).Debug("Progress client write failed")
				return
			}
		case <-closed:
			return
		}
	}
}
