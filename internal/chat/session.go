package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// opChanSize is the buffer size for the channel carrying updates from
// push callbacks, the poller and senders to the event loop.
const opChanSize = 64

// SessionConfig configures one open conversation.
type SessionConfig struct {
	ConversationID string
	Identity       Identity
	Backend        Backend

	// Fetcher is shared across sessions so the last known state of a
	// conversation outlives the session. Nil creates one without a cache.
	Fetcher *Fetcher

	// Subscriber opens the push channel. Nil runs on fetch and poll alone.
	Subscriber Subscriber

	PollInterval            time.Duration
	PollMaxBackoff          time.Duration
	TypingTimeout           time.Duration
	TypingBroadcastInterval time.Duration
	MatchTolerance          time.Duration
	ReactionSettleWindow    time.Duration

	// OnView is called from the event loop with every changed view. It
	// must not block on the session.
	OnView func([]Message)

	// OnTyping is called when the typing indicator changes, nil when it
	// clears. It must not call Close.
	OnTyping func(*TypingSignal)
}

// sessionOp is one item for the event loop: an engine update, a
// reaction toggle that needs the current view, or a flush marker.
type sessionOp struct {
	update  Update
	toggle  *toggleRequest
	flushed chan struct{}
}

type toggleRequest struct {
	messageID string
	emoji     string
	reply     chan toggleResult
}

type toggleResult struct {
	next string
	err  error
}

// Session is the open state of one conversation: its engine, push
// subscription, poller and typing state.
//
// Architecture: push callbacks, the poller, and senders submit updates
// to ops. A single event loop goroutine applies them to the engine, so
// the engine has exactly one writer. Readers use the last emitted view.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	engine   *Engine
	fetcher  *Fetcher
	sender   *Sender
	tracker  *TypingTracker
	notifier *TypingNotifier
	sub      Subscription

	ops      chan sessionOp
	closing  chan struct{}
	loopDone chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once

	mu   sync.RWMutex
	view []Message
}

// OpenSession opens a conversation: subscribes to push first so no insert
// is missed, loads the snapshot, then starts polling.
func OpenSession(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.ConversationID) == "" {
		return nil, fmt.Errorf("opening session: empty conversation id")
	}

	if cfg.Backend == nil {
		return nil, fmt.Errorf("opening session: no backend")
	}

	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("opening session: no local user id")
	}

	logger = logger.With(slog.String("conversation_id", cfg.ConversationID))

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewFetcher(cfg.Backend, nil, logger)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Session{
		cfg:      cfg,
		logger:   logger,
		engine:   NewEngine(cfg.ConversationID, cfg.MatchTolerance, cfg.ReactionSettleWindow, logger),
		fetcher:  fetcher,
		ops:      make(chan sessionOp, opChanSize),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
		cancel:   cancel,
	}

	s.sender = newSender(cfg.Backend, s, cfg.Identity, cfg.ConversationID, logger)
	s.tracker = NewTypingTracker(cfg.TypingTimeout, cfg.Identity.UserID, s.typingChanged)

	s.wg.Add(1)

	go s.loop(runCtx)

	if cfg.Subscriber != nil {
		sub, err := cfg.Subscriber.Subscribe(runCtx, cfg.ConversationID, s.onPushInsert, s.onPushTyping)
		if err != nil {
			logger.Warn("push subscribe failed, relying on polling", slog.String("error", err.Error()))
		} else {
			s.sub = sub
		}
	}

	var broadcast func(context.Context, TypingSignal) error
	if s.sub != nil {
		broadcast = s.sub.BroadcastTyping
	}

	s.notifier = NewTypingNotifier(cfg.TypingBroadcastInterval, cfg.Identity, cfg.ConversationID, broadcast, logger)

	msgs, err := fetcher.Fetch(ctx, cfg.ConversationID)
	if ctx.Err() != nil {
		s.Close()
		return nil, fmt.Errorf("opening %s: %w", cfg.ConversationID, ctx.Err())
	}

	switch {
	case err == nil:
		s.submit(SnapshotUpdate(msgs))
		s.flush()
	case len(msgs) > 0:
		logger.Warn("initial fetch failed, showing cached messages",
			slog.Int("cached", len(msgs)),
			slog.String("error", err.Error()),
		)
		s.submit(SnapshotUpdate(msgs))
		s.flush()
	default:
		logger.Warn("initial fetch failed, waiting for next poll", slog.String("error", err.Error()))
	}

	poller := NewPoller(fetcher, cfg.ConversationID, cfg.PollInterval, cfg.PollMaxBackoff, func(msgs []Message) {
		s.submit(PollUpdate(msgs))
	}, logger)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		poller.Run(runCtx)
	}()

	logger.Info("conversation opened", slog.Bool("push", s.sub != nil))

	return s, nil
}

// ConversationID returns the id of the open conversation.
func (s *Session) ConversationID() string {
	return s.cfg.ConversationID
}

// Close tears the session down: unsubscribes, stops polling and the
// typing timer, and waits for its goroutines. It is idempotent. Updates
// submitted after Close are ignored.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closing)
		s.cancel()

		if s.sub != nil {
			s.sub.Unsubscribe()
		}

		s.wg.Wait()
		s.tracker.Stop()

		s.logger.Info("conversation closed")
	})
}

// View returns the last emitted view.
func (s *Session) View() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneMessages(s.view)
}

// Typing returns who is currently typing, or nil.
func (s *Session) Typing() *TypingSignal {
	return s.tracker.Current()
}

// Send sends a message optimistically. See Sender.Send. The view
// reflects the outcome when Send returns.
func (s *Session) Send(ctx context.Context, req SendRequest) (Message, error) {
	if s.isClosing() {
		return Message{}, chaterrors.ErrConversationClosed
	}

	m, err := s.sender.Send(ctx, req)
	s.flush()

	return m, err
}

// NotifyTyping broadcasts that the local user is typing, rate limited.
func (s *Session) NotifyTyping(ctx context.Context) bool {
	if s.isClosing() {
		return false
	}

	return s.notifier.Notify(ctx)
}

// ToggleReaction toggles the local user's emoji on a message. The change
// is shown immediately; one backend call follows. It returns the
// resulting reaction (empty when cleared).
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return "", fmt.Errorf("%w: empty emoji", chaterrors.ErrReactionFailed)
	}

	req := &toggleRequest{messageID: messageID, emoji: emoji, reply: make(chan toggleResult, 1)}

	select {
	case s.ops <- sessionOp{toggle: req}:
	case <-s.closing:
		return "", chaterrors.ErrConversationClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// Once queued, the toggle must be settled, or its overlay would hide
	// server state for the rest of the session. The loop answers at once.
	var res toggleResult
	select {
	case res = <-req.reply:
	case <-s.loopDone:
		return "", chaterrors.ErrConversationClosed
	}

	if res.err != nil {
		return "", res.err
	}

	userID := s.cfg.Identity.UserID

	err := ctx.Err()
	if err == nil {
		err = s.cfg.Backend.SetReaction(ctx, messageID, userID, res.next)
	}

	s.submit(ReactionSettledUpdate(messageID, userID, err == nil))
	s.flush()

	if err != nil {
		s.logger.Info("reaction rejected",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)

		return "", fmt.Errorf("%w: %w", chaterrors.ErrReactionFailed, err)
	}

	return res.next, nil
}

// submit hands an update to the event loop. It reports false once the
// session is closing.
func (s *Session) submit(u Update) bool {
	if s.isClosing() {
		return false
	}

	select {
	case s.ops <- sessionOp{update: u}:
		return true
	case <-s.closing:
		return false
	}
}

// flush waits until the event loop has applied everything submitted
// before it.
func (s *Session) flush() {
	done := make(chan struct{})

	select {
	case s.ops <- sessionOp{flushed: done}:
	case <-s.closing:
		return
	}

	select {
	case <-done:
	case <-s.loopDone:
	}
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// loop is the single writer of the engine.
func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.loopDone)

	for {
		select {
		case op := <-s.ops:
			if op.flushed != nil {
				close(op.flushed)
				continue
			}

			if op.toggle != nil {
				op.toggle.reply <- s.handleToggle(op.toggle)
				continue
			}

			s.apply(op.update)

		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleToggle(req *toggleRequest) toggleResult {
	msg, ok := s.engine.Lookup(req.messageID)
	if !ok {
		return toggleResult{err: fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, req.messageID)}
	}

	if msg.Pending() {
		return toggleResult{err: chaterrors.ErrPendingMessage}
	}

	userID := s.cfg.Identity.UserID
	next := ToggleReaction(msg.Reactions, userID, req.emoji)[userID]
	s.apply(ReactionUpdate(req.messageID, userID, next))

	return toggleResult{next: next}
}

// apply runs one update through the engine and publishes the view if it
// changed. Authors of newly arrived messages stop typing.
func (s *Session) apply(u Update) {
	var arrived []Message

	switch u.Kind {
	case UpdatePushInsert:
		if !s.engine.Known(u.Message.ID) {
			arrived = append(arrived, u.Message)
		}
	case UpdateSnapshot, UpdatePollResult:
		for _, m := range u.Messages {
			if !s.engine.Known(m.ID) {
				arrived = append(arrived, m)
			}
		}
	}

	view, changed := s.engine.Apply(u)

	for _, m := range arrived {
		s.tracker.MessageArrived(m.AuthorID, m.AuthorName)
	}

	if !changed {
		return
	}

	s.mu.Lock()
	s.view = view
	s.mu.Unlock()

	s.logger.Debug("view updated",
		slog.String("source", u.Kind.String()),
		slog.Int("messages", len(view)),
		slog.Int("pending", s.engine.pendingCount()),
	)

	if s.cfg.OnView != nil {
		s.cfg.OnView(cloneMessages(view))
	}
}

func (s *Session) onPushInsert(m Message) {
	s.submit(PushInsertUpdate(m))
}

func (s *Session) onPushTyping(sig TypingSignal) {
	if s.isClosing() {
		return
	}

	switch sig.ConversationID {
	case "":
		sig.ConversationID = s.cfg.ConversationID
	case s.cfg.ConversationID:
	default:
		return
	}

	s.tracker.Observe(sig)
}

func (s *Session) typingChanged(sig *TypingSignal) {
	if s.isClosing() || s.cfg.OnTyping == nil {
		return
	}

	s.cfg.OnTyping(sig)
}

// IsUserError reports whether err is a failure of an explicit user
// action that should be shown to the user.
func IsUserError(err error) bool {
	return errors.Is(err, chaterrors.ErrSendFailed) ||
		errors.Is(err, chaterrors.ErrReactionFailed) ||
		errors.Is(err, chaterrors.ErrInvalidBody) ||
		errors.Is(err, chaterrors.ErrPendingMessage) ||
		errors.Is(err, chaterrors.ErrMessageNotFound)
}
