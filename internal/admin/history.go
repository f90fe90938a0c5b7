package admin

import (
	"sync"
	"time"
)

const defaultHistorySize = 32

// Deployment is one update attempt made through the admin API.
type Deployment struct {
	Version      string    `json:"version"`
	ManifestSize int       `json:"manifest_size"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	At           time.Time `json:"at"`
}

// History keeps the most recent deployments, newest last.
type History struct {
	mu      sync.RWMutex
	size    int
	entries []Deployment
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{size: size}
}

func (h *History) Record(d Deployment) {
	if h == nil {
		return
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, d)
	if over := len(h.entries) - h.size; over > 0 {
		h.entries = append([]Deployment(nil), h.entries[over:]...)
	}
}

// Recent returns deployments newest first.
func (h *History) Recent() []Deployment {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Deployment, 0, len(h.entries))
	for i := len(h.entries) - 1; i >= 0; i-- {
		out = append(out, h.entries[i])
	}
	return out
}
