// Package notify defines the notification collaborator interface used for
// rejection notices and manual-conflict escalation.
package notify

import (
	"sync"
	"time"

	"github.com/propsync/backend/internal/logging"
)

// Severity levels for notifications.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Categories used by the collaboration core.
const (
	CategoryUpdateRejected = "update_rejected"
	CategoryConflict       = "conflict_resolution"
)

// Notification is one delivered notice.
type Notification struct {
	UserID    string
	Title     string
	Message   string
	Category  string
	Severity  string
	Metadata  map[string]string
	CreatedAt int64 // unix milliseconds
}

// Notifier delivers notifications to users. Delivery is best-effort and
// must never block or fail the caller.
type Notifier interface {
	Notify(userID, title, message, category, severity string, metadata map[string]string)
}

// MemoryNotifier logs notifications and keeps the most recent ones per
// user for inspection. It is the default Notifier when no external
// delivery channel is wired in.
type MemoryNotifier struct {
	mu     sync.Mutex
	recent map[string][]Notification
	keep   int
}

// NewMemoryNotifier creates a MemoryNotifier retaining keep entries per user.
func NewMemoryNotifier(keep int) *MemoryNotifier {
	if keep <= 0 {
		keep = 20
	}
	return &MemoryNotifier{
		recent: make(map[string][]Notification),
		keep:   keep,
	}
}

// Notify implements Notifier.
func (n *MemoryNotifier) Notify(userID, title, message, category, severity string, metadata map[string]string) {
	notification := Notification{
		UserID:    userID,
		Title:     title,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Metadata:  metadata,
		CreatedAt: time.Now().UnixMilli(),
	}

	n.mu.Lock()
	list := append(n.recent[userID], notification)
	if len(list) > n.keep {
		list = list[len(list)-n.keep:]
	}
	n.recent[userID] = list
	n.mu.Unlock()

	logging.Info("Notification delivered",
		map[string]interface{}{
			"user_id":  userID,
			"title":    title,
			"category": category,
			"severity": severity,
		})
}

// Recent returns a copy of the retained notifications for a user.
func (n *MemoryNotifier) Recent(userID string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	list := n.recent[userID]
	out := make([]Notification, len(list))
	copy(out, list)
	return out
}
