package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/redis/go-redis/v9"
)

// RedisPubSub is a Subscriber over Redis pub/sub. The backend publishes
// each inserted message as JSON on chat:<conversation>:inserted, and
// clients exchange typing signals on chat:<conversation>:typing.
type RedisPubSub struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Subscriber = (*RedisPubSub)(nil)

// NewRedisPubSub connects to the Redis server at redisURL
// (redis://[user:pass@]host:port/db).
func NewRedisPubSub(redisURL string, logger *slog.Logger) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return &RedisPubSub{client: redis.NewClient(opts), logger: logger}, nil
}

// Close closes the Redis connection pool.
func (r *RedisPubSub) Close() error {
	return r.client.Close()
}

func insertedChannel(conversationID string) string {
	return "chat:" + conversationID + ":inserted"
}

func typingChannel(conversationID string) string {
	return "chat:" + conversationID + ":typing"
}

// Subscribe listens on both channels of a conversation. The subscription
// is confirmed before returning.
func (r *RedisPubSub) Subscribe(ctx context.Context, conversationID string, onInsert InsertFunc, onTyping TypingFunc) (Subscription, error) {
	ps := r.client.Subscribe(ctx, insertedChannel(conversationID), typingChannel(conversationID))

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", conversationID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sub := &redisSubscription{
		client:         r.client,
		ps:             ps,
		conversationID: conversationID,
		onInsert:       onInsert,
		onTyping:       onTyping,
		logger:         r.logger.With(slog.String("conversation_id", conversationID)),
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go sub.run(runCtx)

	return sub, nil
}

type redisSubscription struct {
	client         *redis.Client
	ps             *redis.PubSub
	conversationID string
	onInsert       InsertFunc
	onTyping       TypingFunc
	logger         *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

// run receives messages until the subscription is closed. go-redis
// re-establishes the underlying connection and resubscribes on its own;
// events published while it is down are lost and left to polling.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.Warn("redis receive failed", slog.String("error", err.Error()))

			timer := time.NewTimer(reconnectMin)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			continue
		}

		s.handle(msg.Channel, []byte(msg.Payload))
	}
}

// handle decodes one published payload and dispatches it.
func (s *redisSubscription) handle(channel string, payload []byte) {
	switch {
	case channel == insertedChannel(s.conversationID):
		m, err := decodeInserted(s.conversationID, payload)
		if err != nil {
			s.logger.Debug("dropping insert", slog.String("error", err.Error()))
			return
		}

		s.deliver(func() {
			if s.onInsert != nil {
				s.onInsert(m)
			}
		})

	case channel == typingChannel(s.conversationID):
		sig, err := decodeTyping(s.conversationID, payload)
		if err != nil {
			s.logger.Debug("dropping typing signal", slog.String("error", err.Error()))
			return
		}

		s.deliver(func() {
			if s.onTyping != nil {
				s.onTyping(sig)
			}
		})

	default:
		s.logger.Debug("message on unexpected channel", slog.String("channel", channel))
	}
}

func (s *redisSubscription) deliver(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	fn()
}

// Unsubscribe closes the pub/sub connection and waits for the receive
// loop to exit.
func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()

		if err := s.ps.Close(); err != nil {
			s.logger.Debug("closing redis pubsub", slog.String("error", err.Error()))
		}

		<-s.done
	})
}

// BroadcastTyping publishes a typing signal on the conversation's typing channel.
func (s *redisSubscription) BroadcastTyping(ctx context.Context, sig TypingSignal) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return chaterrors.ErrSubscriptionClosed
	}

	sig.ConversationID = s.conversationID

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshalling typing signal: %w", err)
	}

	if err := s.client.Publish(ctx, typingChannel(s.conversationID), payload).Err(); err != nil {
		return fmt.Errorf("publishing typing signal: %w", err)
	}

	return nil
}

func decodeInserted(conversationID string, payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", chaterrors.ErrMalformedMessage, err)
	}

	if m.ConversationID != conversationID {
		return Message{}, fmt.Errorf("%w: insert for conversation %q", chaterrors.ErrMalformedMessage, m.ConversationID)
	}

	return m, nil
}

func decodeTyping(conversationID string, payload []byte) (TypingSignal, error) {
	var sig TypingSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return TypingSignal{}, fmt.Errorf("decoding typing signal: %w", err)
	}

	if sig.ConversationID != "" && sig.ConversationID != conversationID {
		return TypingSignal{}, fmt.Errorf("typing signal for conversation %q", sig.ConversationID)
	}

	if strings.TrimSpace(sig.UserID) == "" && strings.TrimSpace(sig.Name) == "" {
		return TypingSignal{}, fmt.Errorf("typing signal without identity")
	}

	return sig, nil
}
