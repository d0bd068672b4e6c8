package resilience

import (
	"sync"
	"time"

	"github.com/rendis/toolforge/pkg/schema"
)

// DefaultTrackerCapacity is the ring size used when none is configured.
const DefaultTrackerCapacity = 256

// TrackedError is one recorded failure.
type TrackedError struct {
	At       time.Time `json:"at"`
	Tool     string    `json:"tool,omitempty"`
	Category Category  `json:"category"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message"`
}

// ErrorStats summarizes the tracker. Total and Lifetime count every error ever
// tracked; ByCategory counts only what is still inside the ring.
type ErrorStats struct {
	Total      uint64              `json:"total"`
	Window     int                 `json:"window"`
	Capacity   int                 `json:"capacity"`
	ByCategory map[Category]int    `json:"by_category"`
	Lifetime   map[Category]uint64 `json:"lifetime"`
}

// ErrorTracker keeps a fixed-size ring of recent classified errors.
// The oldest entry is overwritten once the ring is full.
type ErrorTracker struct {
	mu       sync.Mutex
	ring     []TrackedError
	next     int
	size     int
	total    uint64
	lifetime map[Category]uint64
	now      func() time.Time
}

// NewErrorTracker creates a tracker holding at most capacity entries.
func NewErrorTracker(capacity int) *ErrorTracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	return &ErrorTracker{
		ring:     make([]TrackedError, capacity),
		lifetime: make(map[Category]uint64, len(Categories)),
		now:      time.Now,
	}
}

// Track classifies and records err. Nil errors are ignored.
func (t *ErrorTracker) Track(tool string, err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	cat := Classify(err)
	entry := TrackedError{
		Tool:     tool,
		Category: cat,
		Code:     schema.Code(err),
		Message:  err.Error(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry.At = t.now()
	t.ring[t.next] = entry
	t.next = (t.next + 1) % len(t.ring)
	if t.size < len(t.ring) {
		t.size++
	}
	t.total++
	t.lifetime[cat]++
	return cat
}

// Stats returns counts over the lifetime and the current window.
func (t *ErrorTracker) Stats() ErrorStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := ErrorStats{
		Total:      t.total,
		Window:     t.size,
		Capacity:   len(t.ring),
		ByCategory: make(map[Category]int, len(Categories)),
		Lifetime:   make(map[Category]uint64, len(Categories)),
	}
	for _, c := range Categories {
		stats.ByCategory[c] = 0
		stats.Lifetime[c] = t.lifetime[c]
	}
	for i := 0; i < t.size; i++ {
		stats.ByCategory[t.ring[i].Category]++
	}
	return stats
}

// Recent returns up to n entries, newest first. n <= 0 returns the whole window.
func (t *ErrorTracker) Recent(n int) []TrackedError {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > t.size {
		n = t.size
	}
	out := make([]TrackedError, 0, n)
	for i := 1; i <= n; i++ {
		idx := (t.next - i + len(t.ring)) % len(t.ring)
		out = append(out, t.ring[idx])
	}
	return out
}

// Reset clears the window and all counters.
func (t *ErrorTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ring = make([]TrackedError, len(t.ring))
	t.next = 0
	t.size = 0
	t.total = 0
	t.lifetime = make(map[Category]uint64, len(Categories))
}
