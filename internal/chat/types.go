package chat

import (
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// tempIDPrefix marks ids generated locally for optimistic messages.
	// The server never issues ids in this namespace.
	tempIDPrefix = "tmp-"

	// maxSnippetRunes caps the denormalized text carried in a reply context.
	maxSnippetRunes = 280

	// imageSnippet stands in for the text of an image message in a reply.
	imageSnippet = "[image]"
)

// Body is the content of a message. Outgoing messages carry exactly
// one of Text or ImageURL.
type Body struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Empty reports whether the body carries neither text nor an image.
func (b Body) Empty() bool {
	return strings.TrimSpace(b.Text) == "" && strings.TrimSpace(b.ImageURL) == ""
}

// Sendable reports whether the body carries exactly one of text or image.
func (b Body) Sendable() bool {
	hasText := strings.TrimSpace(b.Text) != ""
	hasImage := strings.TrimSpace(b.ImageURL) != ""

	return hasText != hasImage
}

// ReplyContext is a denormalized reference to the message being
// replied to. It survives deletion of the original.
type ReplyContext struct {
	MessageID  string `json:"message_id"`
	AuthorName string `json:"author_name,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

// Message is one chat message in a conversation timeline.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	AuthorID       string            `json:"author_id"`
	AuthorName     string            `json:"author_name"`
	AuthorAvatar   string            `json:"author_avatar,omitempty"`
	Body           Body              `json:"body"`
	CreatedAt      time.Time         `json:"created_at"`
	Reply          *ReplyContext     `json:"reply,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
}

// Pending reports whether the message is an unconfirmed local send.
func (m Message) Pending() bool {
	return IsTempID(m.ID)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Reply != nil {
		r := *m.Reply
		out.Reply = &r
	}

	out.Reactions = maps.Clone(m.Reactions)

	return out
}

// Identity is the local user as stamped onto outgoing messages and
// typing broadcasts.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// TypingSignal is an ephemeral "user is composing" broadcast.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Avatar         string    `json:"avatar,omitempty"`
	At             time.Time `json:"at"`
}

// NewTempID returns a fresh id in the local pending namespace.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id belongs to the local pending namespace.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// ReplyTo builds the reply context for answering m.
func ReplyTo(m Message) *ReplyContext {
	snippet := strings.TrimSpace(m.Body.Text)
	if snippet == "" && m.Body.ImageURL != "" {
		snippet = imageSnippet
	}

	return &ReplyContext{
		MessageID:  m.ID,
		AuthorName: m.AuthorName,
		Snippet:    truncateRunes(snippet, maxSnippetRunes),
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	runes := []rune(s)

	return string(runes[:n-1]) + "…"
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}

	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}

	return out
}
