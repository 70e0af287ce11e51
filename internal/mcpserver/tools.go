// Package mcpserver registers MCP tools that expose the active chat
// conversation. It adapts chat.Manager to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultMessageLimit is how many of the newest messages chat_messages
// returns when no limit is given.
const defaultMessageLimit = 50

// Conversations is the part of chat.Manager the tools use.
type Conversations interface {
	Open(ctx context.Context, conversationID string) (*chat.Session, error)
	View() (string, []chat.Message, error)
	Typing() *chat.TypingSignal
	Send(ctx context.Context, req chat.SendRequest) (chat.Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string) (string, error)
	NotifyTyping(ctx context.Context) bool
	Identity() chat.Identity
}

var _ Conversations = (*chat.Manager)(nil)

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Conversations) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Open a conversation, making it the active one. The previous conversation is closed. Returns the current messages.",
	}, openHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List the newest messages of the active conversation in ascending time order, with grouped reactions and who is typing. Pending messages are local sends not yet confirmed.",
	}, messagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to the active conversation. Give exactly one of text or image_url. reply_to quotes an existing message by id. There are no retries.",
	}, sendHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_react",
		Description: "Toggle your emoji reaction on a message. Reacting with your current emoji clears it; a different emoji replaces it.",
	}, reactHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_typing",
		Description: "Tell the other members you are typing. Rate limited; returns whether a signal was sent.",
	}, typingHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// OpenInput holds parameters for chat_open.
type OpenInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation to open"`
}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of newest messages to return, defaults to 50, 0 means the default"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Text     string `json:"text,omitempty" jsonschema:"message text"`
	ImageURL string `json:"image_url,omitempty" jsonschema:"URL of an already uploaded image"`
	ReplyTo  string `json:"reply_to,omitempty" jsonschema:"id of the message being replied to"`
}

// ReactInput holds parameters for chat_react.
type ReactInput struct {
	MessageID string `json:"message_id" jsonschema:"required,id of the message"`
	Emoji     string `json:"emoji" jsonschema:"required,emoji to toggle"`
}

// TypingInput has no parameters.
type TypingInput struct{}

// --- Output types ---

// MessageView is one message as shown to a tool caller.
type MessageView struct {
	ID         string               `json:"id"`
	AuthorID   string               `json:"author_id"`
	AuthorName string               `json:"author_name"`
	Text       string               `json:"text,omitempty"`
	ImageURL   string               `json:"image_url,omitempty"`
	CreatedAt  string               `json:"created_at"`
	Pending    bool                 `json:"pending,omitempty"`
	Reply      *chat.ReplyContext   `json:"reply,omitempty"`
	Reactions  []chat.ReactionCount `json:"reactions,omitempty"`
	MyReaction string               `json:"my_reaction,omitempty"`
}

// TypingView names who is typing.
type TypingView struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name"`
}

// MessagesResult is the output of chat_open and chat_messages.
type MessagesResult struct {
	ConversationID string        `json:"conversation_id"`
	Total          int           `json:"total"`
	Messages       []MessageView `json:"messages"`
	Typing         *TypingView   `json:"typing,omitempty"`
}

// SendResult is the output of chat_send.
type SendResult struct {
	Message MessageView `json:"message"`
}

// ReactResult is the output of chat_react.
type ReactResult struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Cleared   bool   `json:"cleared"`
}

// TypingResult is the output of chat_typing.
type TypingResult struct {
	Sent bool `json:"sent"`
}

// --- Handlers ---

func openHandler(c Conversations) mcp.ToolHandlerFor[OpenInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *MessagesResult, error) {
		id := strings.TrimSpace(input.ConversationID)
		if id == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		if _, err := c.Open(ctx, id); err != nil {
			return nil, nil, err
		}

		result, err := messages(c, defaultMessageLimit)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func messagesHandler(c Conversations) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		if input.Limit < 0 {
			return nil, nil, fmt.Errorf("limit must not be negative")
		}

		limit := input.Limit
		if limit == 0 {
			limit = defaultMessageLimit
		}

		result, err := messages(c, limit)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func sendHandler(c Conversations) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		req := chat.SendRequest{Body: chat.Body{Text: input.Text, ImageURL: strings.TrimSpace(input.ImageURL)}}

		if input.ReplyTo != "" {
			_, view, err := c.View()
			if err != nil {
				return nil, nil, err
			}

			target, ok := find(view, input.ReplyTo)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, input.ReplyTo)
			}

			req.Reply = chat.ReplyTo(target)
		}

		m, err := c.Send(ctx, req)
		if err != nil {
			return nil, nil, err
		}

		result := &SendResult{Message: toView(m, c.Identity().UserID)}

		return textResult(result), result, nil
	}
}

func reactHandler(c Conversations) mcp.ToolHandlerFor[ReactInput, *ReactResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReactInput) (*mcp.CallToolResult, *ReactResult, error) {
		next, err := c.ToggleReaction(ctx, input.MessageID, input.Emoji)
		if err != nil {
			return nil, nil, err
		}

		result := &ReactResult{MessageID: input.MessageID, Emoji: next, Cleared: next == ""}

		return textResult(result), result, nil
	}
}

func typingHandler(c Conversations) mcp.ToolHandlerFor[TypingInput, *TypingResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ TypingInput) (*mcp.CallToolResult, *TypingResult, error) {
		result := &TypingResult{Sent: c.NotifyTyping(ctx)}
		return textResult(result), result, nil
	}
}

func messages(c Conversations, limit int) (*MessagesResult, error) {
	conv, view, err := c.View()
	if err != nil {
		return nil, err
	}

	if len(view) > limit {
		view = view[len(view)-limit:]
	}

	me := c.Identity().UserID

	result := &MessagesResult{
		ConversationID: conv,
		Total:          len(view),
		Messages:       make([]MessageView, 0, len(view)),
	}

	for _, m := range view {
		result.Messages = append(result.Messages, toView(m, me))
	}

	if sig := c.Typing(); sig != nil {
		result.Typing = &TypingView{UserID: sig.UserID, Name: sig.Name}
	}

	return result, nil
}

func toView(m chat.Message, me string) MessageView {
	summary := chat.SummarizeReactions(m.Reactions, me)

	return MessageView{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Text:       m.Body.Text,
		ImageURL:   m.Body.ImageURL,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
		Pending:    m.Pending(),
		Reply:      m.Reply,
		Reactions:  summary.Groups,
		MyReaction: summary.Mine,
	}
}

func find(view []chat.Message, id string) (chat.Message, bool) {
	for _, m := range view {
		if m.ID == id {
			return m, true
		}
	}

	return chat.Message{}, false
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
