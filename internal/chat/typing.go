package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTypingTimeout is the quiet period after which a typing
	// indicator clears itself.
	DefaultTypingTimeout = 3 * time.Second

	// DefaultTypingBroadcastInterval is the minimum spacing between two
	// outgoing typing broadcasts.
	DefaultTypingBroadcastInterval = time.Second
)

// TypingTracker holds who is currently typing in one conversation. At
// most one identity is shown (last writer wins), and it clears after
// the timeout unless refreshed, or as soon as that author's message
// arrives.
type TypingTracker struct {
	timeout     time.Duration
	localUserID string
	onChange    func(*TypingSignal)

	mu      sync.Mutex
	current *TypingSignal
	timer   *time.Timer
	gen     uint64
	stopped bool

	// notifyMu serializes onChange calls so they observe state in order.
	notifyMu     sync.Mutex
	lastNotified *TypingSignal
}

// NewTypingTracker creates a tracker. onChange, if set, is called with
// the new indicator (nil when cleared) whenever it changes. It must not
// call back into the tracker.
func NewTypingTracker(timeout time.Duration, localUserID string, onChange func(*TypingSignal)) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}

	return &TypingTracker{
		timeout:     timeout,
		localUserID: localUserID,
		onChange:    onChange,
	}
}

// Observe records a typing broadcast. The local user's own echo is ignored.
func (t *TypingTracker) Observe(sig TypingSignal) {
	if sig.UserID == "" && sig.Name == "" {
		return
	}

	if sig.UserID != "" && sig.UserID == t.localUserID {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	s := sig
	t.current = &s
	t.gen++
	gen := t.gen

	if t.timer != nil {
		t.timer.Stop()
	}

	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
	t.mu.Unlock()

	t.notify()
}

// MessageArrived clears the indicator if it belongs to the author of a
// newly arrived message.
func (t *TypingTracker) MessageArrived(authorID, authorName string) {
	t.mu.Lock()
	if t.current == nil || !sameTypist(t.current, authorID, authorName) {
		t.mu.Unlock()
		return
	}

	t.clearLocked()
	t.mu.Unlock()

	t.notify()
}

// Current returns a copy of the current indicator, or nil.
func (t *TypingTracker) Current() *TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return nil
	}

	s := *t.current

	return &s
}

// Stop cancels the expiry timer. No onChange call starts after Stop returns.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.clearLocked()
	t.mu.Unlock()

	// Wait for an in-flight notification to finish.
	t.notifyMu.Lock()
	t.notifyMu.Unlock() //nolint:staticcheck // SA2001: empty critical section is the barrier
}

func (t *TypingTracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		return
	}

	t.current = nil
	t.timer = nil
	t.mu.Unlock()

	t.notify()
}

func (t *TypingTracker) clearLocked() {
	t.current = nil
	t.gen++

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// notify reports the current state to onChange if it differs from the
// last report.
func (t *TypingTracker) notify() {
	if t.onChange == nil {
		return
	}

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()

	if stopped {
		return
	}

	cur := t.Current()
	if sameSignal(cur, t.lastNotified) {
		return
	}

	t.lastNotified = cur
	t.onChange(cur)
}

// sameTypist matches by user id, falling back to display name when the
// broadcast carries no id.
func sameTypist(sig *TypingSignal, userID, name string) bool {
	if sig.UserID != "" && userID != "" {
		return sig.UserID == userID
	}

	return sig.Name != "" && sig.Name == name
}

func sameSignal(a, b *TypingSignal) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.UserID == b.UserID && a.Name == b.Name && a.Avatar == b.Avatar
}

// TypingNotifier broadcasts the local user's typing state, at most once
// per interval however often Notify is called.
type TypingNotifier struct {
	limiter        *rate.Limiter
	broadcast      func(context.Context, TypingSignal) error
	identity       Identity
	conversationID string
	logger         *slog.Logger
}

// NewTypingNotifier creates a notifier. A non-positive interval means
// DefaultTypingBroadcastInterval. broadcast may be nil, in which case
// Notify does nothing.
func NewTypingNotifier(interval time.Duration, identity Identity, conversationID string, broadcast func(context.Context, TypingSignal) error, logger *slog.Logger) *TypingNotifier {
	if interval <= 0 {
		interval = DefaultTypingBroadcastInterval
	}

	return &TypingNotifier{
		limiter:        rate.NewLimiter(rate.Every(interval), 1),
		broadcast:      broadcast,
		identity:       identity,
		conversationID: conversationID,
		logger:         logger,
	}
}

// Notify broadcasts a typing signal unless one went out within the
// interval. It reports whether a broadcast was sent. Failures are
// logged and otherwise ignored; typing is ephemeral.
func (n *TypingNotifier) Notify(ctx context.Context) bool {
	if n.broadcast == nil || !n.limiter.Allow() {
		return false
	}

	sig := TypingSignal{
		ConversationID: n.conversationID,
		UserID:         n.identity.UserID,
		Name:           n.identity.Name,
		Avatar:         n.identity.Avatar,
		At:             time.Now(),
	}

	if err := n.broadcast(ctx, sig); err != nil {
		n.logger.Debug("typing broadcast failed", slog.String("error", err.Error()))
		return false
	}

	return true
}
