package assistant

import "sync"

// UI notification types, sent to the browser as custom messages.
const (
	EventShowPreview   = "show-preview"
	EventFilesSynced   = "files-synced"
	EventReloadPreview = "reload-preview"
	EventPreviewError  = "preview-error"
)

// Event is one notification for the UI layer.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type ShowPreviewPayload struct {
	Show   bool `json:"show"`
	Smooth bool `json:"smooth"`
}

type FilesPayload struct {
	Files []string `json:"files"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Notifier delivers events to whoever renders the session.
type Notifier interface {
	Notify(ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}

// Hub fans events out to subscribers, e.g. one per open SSE connection.
// Slow subscribers lose events rather than block the session.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel of events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) Notify(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
