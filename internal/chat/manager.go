package chat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// ActiveStore remembers which conversation was last opened.
// *state.State satisfies it.
type ActiveStore interface {
	SetActiveConversation(id string) error
}

// Manager owns the single active conversation. Opening a conversation
// replaces the previous session, never adds to it.
type Manager struct {
	base   SessionConfig
	store  ActiveStore
	logger *slog.Logger

	// openMu serializes Open and Close.
	openMu sync.Mutex

	// gen identifies the active session. Callbacks of older sessions
	// compare against it and drop themselves.
	gen    atomic.Uint64
	active atomic.Pointer[Session]
}

// NewManager creates a manager that opens sessions from base, filling
// in the conversation id. store may be nil.
func NewManager(base SessionConfig, store ActiveStore, logger *slog.Logger) *Manager {
	if base.Fetcher == nil && base.Backend != nil {
		base.Fetcher = NewFetcher(base.Backend, nil, logger)
	}

	return &Manager{base: base, store: store, logger: logger}
}

// Open makes conversationID the active conversation. The previous
// session is torn down before the new one is created.
func (m *Manager) Open(ctx context.Context, conversationID string) (*Session, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	gen := m.gen.Add(1)

	if old := m.active.Swap(nil); old != nil {
		old.Close()
	}

	cfg := m.base
	cfg.ConversationID = conversationID

	onView := m.base.OnView
	cfg.OnView = func(view []Message) {
		if onView != nil && m.gen.Load() == gen {
			onView(view)
		}
	}

	onTyping := m.base.OnTyping
	cfg.OnTyping = func(sig *TypingSignal) {
		if onTyping != nil && m.gen.Load() == gen {
			onTyping(sig)
		}
	}

	s, err := OpenSession(ctx, cfg, m.logger)
	if err != nil {
		return nil, err
	}

	m.active.Store(s)

	if m.store != nil {
		if err := m.store.SetActiveConversation(conversationID); err != nil {
			m.logger.Warn("saving active conversation", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

// Active returns the active session, or nil.
func (m *Manager) Active() *Session {
	return m.active.Load()
}

// Close tears down the active session, if any.
func (m *Manager) Close() {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.gen.Add(1)

	if old := m.active.Swap(nil); old != nil {
		old.Close()
	}
}

func (m *Manager) session() (*Session, error) {
	s := m.active.Load()
	if s == nil {
		return nil, chaterrors.ErrNoActiveConversation
	}

	return s, nil
}

// Send sends a message in the active conversation.
func (m *Manager) Send(ctx context.Context, req SendRequest) (Message, error) {
	s, err := m.session()
	if err != nil {
		return Message{}, err
	}

	return s.Send(ctx, req)
}

// ToggleReaction toggles the local user's reaction in the active conversation.
func (m *Manager) ToggleReaction(ctx context.Context, messageID, emoji string) (string, error) {
	s, err := m.session()
	if err != nil {
		return "", err
	}

	return s.ToggleReaction(ctx, messageID, emoji)
}

// NotifyTyping broadcasts local typing in the active conversation.
func (m *Manager) NotifyTyping(ctx context.Context) bool {
	s, err := m.session()
	if err != nil {
		return false
	}

	return s.NotifyTyping(ctx)
}

// View returns the active conversation id and its view.
func (m *Manager) View() (string, []Message, error) {
	s, err := m.session()
	if err != nil {
		return "", nil, err
	}

	return s.ConversationID(), s.View(), nil
}

// Typing returns who is typing in the active conversation, or nil.
func (m *Manager) Typing() *TypingSignal {
	s := m.active.Load()
	if s == nil {
		return nil
	}

	return s.Typing()
}

// Identity returns the local user.
func (m *Manager) Identity() Identity {
	return m.base.Identity
}
