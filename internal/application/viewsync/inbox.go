package viewsync

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInboxSize is the default number of notifications retained.
const DefaultInboxSize = 50

// Notification is a targeted message delivered on the private queue.
type Notification struct {
	Title      string
	Message    string
	Level      string
	ReceivedAt time.Time
}

// Inbox is a fixed-size ring buffer of notifications.
// When full, the oldest notification is overwritten.
type Inbox struct {
	mu      sync.Mutex
	entries []Notification
	size    int
	pos     int
	filled  int
	count   int64 // total notifications ever recorded
}

// NewInbox creates an inbox with the given capacity.
// PRE: size > 0 (falls back to DefaultInboxSize)
// POST: Returns a ready-to-use inbox with pre-allocated storage
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		entries: make([]Notification, size),
		size:    size,
	}
}

// Record appends a notification.
// POST: stored; if the buffer is full the oldest entry is overwritten
func (b *Inbox) Record(n Notification) {
	b.mu.Lock()
	b.entries[b.pos] = n
	b.pos = (b.pos + 1) % b.size
	if b.filled < b.size {
		b.filled++
	}
	b.mu.Unlock()
	atomic.AddInt64(&b.count, 1)
}

// TotalRecorded returns the number of notifications ever recorded.
func (b *Inbox) TotalRecorded() int64 {
	return atomic.LoadInt64(&b.count)
}

// Recent returns the retained notifications, newest first.
func (b *Inbox) Recent() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, 0, b.filled)
	for i := 1; i <= b.filled; i++ {
		idx := (b.pos - i + b.size) % b.size
		out = append(out, b.entries[idx])
	}
	return out
}
