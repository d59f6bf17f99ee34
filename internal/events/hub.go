// Package events fans out classification and model events to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/predict"
)

type Type string

const (
	TypeModel      Type = "model"
	TypePrediction Type = "prediction"
	TypeError      Type = "error"
)

// Event is sent to subscribers as JSON.
type Event struct {
	Type        Type                   `json:"type"`
	Source      string                 `json:"source,omitempty"` // "upload", "dropdir"
	File        *imageprep.FileDetails `json:"file,omitempty"`
	Predictions predict.Result         `json:"predictions,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Time        time.Time              `json:"time"`

	// Session limits delivery to the client owning that session. Empty means
	// every subscriber.
	Session string `json:"-"`
}

// VisibleTo reports whether a subscriber holding session may see e.
func (e Event) VisibleTo(session string) bool {
	return e.Session == "" || e.Session == session
}

// Hub delivers every published event to every subscriber. A subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		logger:      logger,
	}
}

// Subscribe returns a channel of events and a cancel function that must be
// called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("events: dropped event for slow subscriber", "type", ev.Type)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
