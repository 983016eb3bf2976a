package visual

import "sync"

// History is a fixed-capacity ring of change events; the oldest event is
// evicted first.
type History struct {
	mu    sync.Mutex
	buf   []ChangeEvent
	start int
	size  int
}

// NewHistory returns a ring holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]ChangeEvent, capacity)}
}

// Add appends ev, evicting the oldest event when full.
func (h *History) Add(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// frames are only needed while the event is being handled
	ev.Frame = nil

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = ev
		h.size++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// Recent returns up to limit events, newest last. limit <= 0 returns all.
func (h *History) Recent(limit int) []ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ChangeEvent, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

// Len returns the number of stored events.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Clear drops every stored event.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buf {
		h.buf[i] = ChangeEvent{}
	}
	h.start, h.size = 0, 0
}
