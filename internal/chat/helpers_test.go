package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testConv = "group-1"

var (
	t0  = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ana = Identity{UserID: "u-ana", Name: "Ana", Avatar: "https://cdn.example.com/ana.png"}
	ben = Identity{UserID: "u-ben", Name: "Ben"}
)

// msg builds a persisted text message in testConv.
func msg(id string, author Identity, text string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: testConv,
		AuthorID:       author.UserID,
		AuthorName:     author.Name,
		AuthorAvatar:   author.Avatar,
		Body:           Body{Text: text},
		CreatedAt:      at,
	}
}

// pendingMsg builds a pending text message in testConv.
func pendingMsg(author Identity, text string, at time.Time) Message {
	return msg(NewTempID(), author, text, at)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}

	return out
}

func newTestEngine() *Engine {
	return NewEngine(testConv, DefaultMatchTolerance, DefaultReactionSettleWindow, quietLogger)
}

// viewRecorder collects every view a session emits.
type viewRecorder struct {
	mu    sync.Mutex
	views [][]Message
}

func (r *viewRecorder) record(v []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.views = append(r.views, v)
}

func (r *viewRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.views)
}

func (r *viewRecorder) last() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.views) == 0 {
		return nil
	}

	return r.views[len(r.views)-1]
}

// fakeSubscriber hands out fakeSubscriptions and keeps their callbacks
// so tests can deliver push events by hand.
type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, conversationID string, onInsert InsertFunc, onTyping TypingFunc) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	sub := &fakeSubscription{conversationID: conversationID, onInsert: onInsert, onTyping: onTyping}
	f.subs = append(f.subs, sub)

	return sub, nil
}

func (f *fakeSubscriber) sub(i int) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.subs[i]
}

type fakeSubscription struct {
	conversationID string
	onInsert       InsertFunc
	onTyping       TypingFunc

	mu           sync.Mutex
	unsubscribed bool
	broadcasts   []TypingSignal
}

// insert calls the stored callback directly, even after Unsubscribe, to
// simulate an event already in flight.
func (s *fakeSubscription) insert(m Message) { s.onInsert(m) }

func (s *fakeSubscription) typing(sig TypingSignal) { s.onTyping(sig) }

func (s *fakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribed = true
}

func (s *fakeSubscription) BroadcastTyping(_ context.Context, sig TypingSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.broadcasts = append(s.broadcasts, sig)

	return nil
}

func (s *fakeSubscription) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unsubscribed
}

func (s *fakeSubscription) broadcastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.broadcasts)
}
