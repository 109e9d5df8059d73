package issuance

import (
	"sync"
	"time"
)

// CreationWindows records when the payload of each intent key was created.
// While a key's window is open a repeated create returns the stored intent
// unchanged, even one that already reached a terminal status; once it
// closes, a terminal intent under the key gives way to a new order.
type CreationWindows struct {
	mu     sync.Mutex
	length time.Duration
	closes map[string]time.Time
}

// NewCreationWindows tracks windows of the given length. A non-positive
// length opens no windows.
func NewCreationWindows(length time.Duration) *CreationWindows {
	return &CreationWindows{length: length, closes: make(map[string]time.Time)}
}

// Open starts the window for key at createdAt, replacing any earlier one
func (w *CreationWindows) Open(key string, createdAt time.Time) {
	if w.length <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes[key] = createdAt.Add(w.length)
}

// Covers reports whether key's window is still open at t
func (w *CreationWindows) Covers(key string, t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	closes, ok := w.closes[key]
	return ok && t.Before(closes)
}

// Sweep drops the windows closed at now and returns how many it dropped
func (w *CreationWindows) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, closes := range w.closes {
		if !now.Before(closes) {
			delete(w.closes, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows, closed or not
func (w *CreationWindows) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.closes)
}
