package pipeline

import (
	"sync"
	"time"

	"github.com/sells-group/aio-analyzer/internal/model"
)

// Event is one progress notification from a running project. Stage is empty
// for project-level transitions.
type Event struct {
	ProjectID     string              `json:"project_id"`
	ProjectStatus model.ProjectStatus `json:"project_status,omitempty"`
	Stage         model.StageKind     `json:"stage,omitempty"`
	Status        model.StageStatus   `json:"status,omitempty"`
	Progress      float64             `json:"progress"`
	Operation     string              `json:"operation,omitempty"`
	Resolved      int                 `json:"resolved,omitempty"`
	Total         int                 `json:"total,omitempty"`
	Time          time.Time           `json:"time"`
}

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events instead of blocking the pipeline.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
