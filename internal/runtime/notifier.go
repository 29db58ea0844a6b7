package runtime

import (
	"context"
	"sync"

	"conductor/pkg/logging"
)

// LogNotifier is a NotificationSender that writes notifications to the log.
// It is the default sink when no external delivery backend is configured,
// and doubles as a capture buffer in tests.
type LogNotifier struct {
	mu   sync.Mutex
	sent []SentNotification
}

// SentNotification records a delivered notification for inspection.
type SentNotification struct {
	Channel  string
	Message  string
	Priority NotificationPriority
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Send implements NotificationSender.
func (n *LogNotifier) Send(ctx context.Context, channel, message string, priority NotificationPriority) error {
	n.mu.Lock()
	n.sent = append(n.sent, SentNotification{Channel: channel, Message: message, Priority: priority})
	n.mu.Unlock()

	logging.Info("Notifier", "[%s/%s] %s", channel, priority, message)
	return nil
}

// Sent returns a copy of all notifications delivered so far.
func (n *LogNotifier) Sent() []SentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]SentNotification, len(n.sent))
	copy(out, n.sent)
	return out
}
