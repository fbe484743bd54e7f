package http

import (
	"sync"

	"magnet-queue/internal/domain"
)

// Event is one server-sent event: the SSE event name plus a JSON payload.
type Event struct {
	Name    string
	Payload any
}

// Hub fans orchestrator notifications out to subscribed SSE clients. It
// implements orchestrator.Notifier without ever calling back into the
// orchestrator; a slow client's buffer simply drops events, the next
// progress tick carries fresh state anyway.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	closed      bool
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a client. The returned cancel func must be called
// when the client disconnects.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Close disconnects every subscriber. Further notifications are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan Event]struct{})
}

func (h *Hub) broadcast(name string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- Event{Name: name, Payload: payload}:
		default:
		}
	}
}

func (h *Hub) JobUpdated(job domain.Job) {
	h.broadcast("job", jobToResponse(job))
}

func (h *Hub) Progress(jobs []domain.Job) {
	resp := make([]JobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	h.broadcast("progress", resp)
}

func (h *Hub) SelectionNeeded(job domain.Job) {
	h.broadcast("selection_needed", jobToResponse(job))
}
