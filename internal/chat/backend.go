package chat

import "context"

//go:generate mockgen -source=backend.go -destination=mock_backend_test.go -package=chat

// Backend is the remote message store. Fetch is eventually consistent
// with every successful send.
type Backend interface {
	// ListMessages returns the persisted messages of a conversation,
	// oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// SendMessage persists a message and returns the authoritative record
	// with its real id and server timestamp.
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error)

	// SetReaction sets userID's reaction on a message. An empty emoji
	// clears it. The call is idempotent.
	SetReaction(ctx context.Context, messageID, userID, emoji string) error
}

// SendMessageRequest is the payload of Backend.SendMessage.
type SendMessageRequest struct {
	ConversationID string        `json:"conversation_id"`
	AuthorID       string        `json:"author_id"`
	AuthorName     string        `json:"author_name"`
	AuthorAvatar   string        `json:"author_avatar,omitempty"`
	Body           Body          `json:"body"`
	Reply          *ReplyContext `json:"reply,omitempty"`
}

// InsertFunc receives a message-inserted event from a push channel.
type InsertFunc func(Message)

// TypingFunc receives a typing broadcast from a push channel.
type TypingFunc func(TypingSignal)

// Subscriber opens live per-conversation subscriptions. Delivery is best
// effort: events may be dropped across reconnects, duplicated, or
// reordered relative to fetches.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, onInsert InsertFunc, onTyping TypingFunc) (Subscription, error)
}

// Subscription is one open push subscription.
type Subscription interface {
	// Unsubscribe tears the subscription down. It is idempotent, and no
	// callback runs after it returns. It must not be called from inside
	// a callback.
	Unsubscribe()

	// BroadcastTyping sends a typing signal to the other participants.
	BroadcastTyping(ctx context.Context, sig TypingSignal) error
}
