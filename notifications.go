package meridian

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Local Notification History
// ============================================================================

// DefaultNotificationCap bounds the local notification history.
const DefaultNotificationCap = 100

// Notification is one entry in the local notification history.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationHistory is an append-only, size-bounded notification store
// shared by all open chats. Oldest entries are evicted first. Safe for
// concurrent use.
type NotificationHistory struct {
	mu    sync.Mutex
	items []Notification // oldest first
	cap   int
	now   func() time.Time
}

// NewNotificationHistory creates a history bounded to capacity entries.
// capacity <= 0 selects DefaultNotificationCap.
func NewNotificationHistory(capacity int) *NotificationHistory {
	if capacity <= 0 {
		capacity = DefaultNotificationCap
	}
	return &NotificationHistory{cap: capacity, now: time.Now}
}

// Store appends a notification, evicting the oldest entry when full, and
// returns the stored record.
func (h *NotificationHistory) Store(title, body, chatID, messageID string) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		ChatID:    chatID,
		MessageID: messageID,
		CreatedAt: h.now(),
	}
	h.mu.Lock()
	if len(h.items) >= h.cap {
		h.items = h.items[len(h.items)-h.cap+1:]
	}
	h.items = append(h.items, n)
	h.mu.Unlock()
	return n
}

// List returns all notifications, newest first.
func (h *NotificationHistory) List() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, len(h.items))
	for i := range h.items {
		out[len(h.items)-1-i] = h.items[i]
	}
	return out
}

// MarkRead flags one notification as read. Unknown ids are a no-op.
func (h *NotificationHistory) MarkRead(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.items {
		if h.items[i].ID == id {
			h.items[i].Read = true
			return
		}
	}
}

// MarkAllRead flags every notification as read.
func (h *NotificationHistory) MarkAllRead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.items {
		h.items[i].Read = true
	}
}

// Delete removes one notification by id.
func (h *NotificationHistory) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.items {
		if h.items[i].ID == id {
			h.items = append(h.items[:i], h.items[i+1:]...)
			return
		}
	}
}

// Clear removes everything.
func (h *NotificationHistory) Clear() {
	h.mu.Lock()
	h.items = nil
	h.mu.Unlock()
}

// UnreadCount returns the number of unread notifications.
func (h *NotificationHistory) UnreadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for i := range h.items {
		if !h.items[i].Read {
			count++
		}
	}
	return count
}

// Len returns the current history size.
func (h *NotificationHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// ============================================================================
// Badge Counter
// ============================================================================

// BadgeCounter is the derived unread badge shown on the app icon. It is
// an explicitly constructed service, not a process-wide global, so tests
// can reset it.
type BadgeCounter struct {
	n atomic.Int64
}

// NewBadgeCounter creates a counter starting at zero.
func NewBadgeCounter() *BadgeCounter {
	return &BadgeCounter{}
}

// Increment adds one and returns the new value.
func (b *BadgeCounter) Increment() int64 {
	return b.n.Add(1)
}

// Decrement subtracts one, clamping at zero.
func (b *BadgeCounter) Decrement() int64 {
	for {
		cur := b.n.Load()
		if cur == 0 {
			return 0
		}
		if b.n.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Value returns the current badge count.
func (b *BadgeCounter) Value() int64 {
	return b.n.Load()
}

// Reset zeroes the counter.
func (b *BadgeCounter) Reset() {
	b.n.Store(0)
}
