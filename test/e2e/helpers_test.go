package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

const chatToken = "e2e-chat-token"

var ana = chat.Identity{UserID: "u-ana", Name: "Ana"}

// harness holds the full e2e test stack: a fake chat backend with a
// WebSocket push endpoint, the real chat client and session manager,
// and the MCP server behind API key auth.
type harness struct {
	URL     string
	Key     string
	Chat    *chatServer
	State   *state.State
	Manager *chat.Manager
	Client  *http.Client
}

// newHarness seeds the fake backend, wires the stack the way the
// daemon does, and starts both servers.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	cs := newChatServer()
	cs.seed("group-1", "m1", "u-ben", "Ben", "pray for me")
	cs.seed("group-1", "m2", "u-cris", "Cris", "Bom dia")
	cs.seed("group-2", "x1", "u-ben", "Ben", "other group")

	chatSrv := httptest.NewServer(cs.handler())
	t.Cleanup(chatSrv.Close)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := chat.NewClient(chatSrv.URL, chatToken, nil)
	push := chat.NewPushClient("ws"+strings.TrimPrefix(chatSrv.URL, "http")+"/push", chatToken, logger)

	manager := chat.NewManager(chat.SessionConfig{
		Identity:                ana,
		Backend:                 client,
		Fetcher:                 chat.NewFetcher(client, st, logger),
		Subscriber:              push,
		PollInterval:            time.Hour,
		PollMaxBackoff:          time.Hour,
		TypingTimeout:           3 * time.Second,
		TypingBroadcastInterval: time.Second,
		MatchTolerance:          10 * time.Second,
		ReactionSettleWindow:    10 * time.Second,
	}, st, logger)
	t.Cleanup(manager.Close)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, manager)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	key := auth.GenerateKey()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)

	mux := server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeys(map[string]string{"ana": string(hash)}),
		MCPHandler: mcpHandler,
		Logger:     logger,
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{
		URL:     srv.URL,
		Key:     key,
		Chat:    cs,
		State:   st,
		Manager: manager,
		Client:  srv.Client(),
	}
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// call invokes a tool and decodes its JSON text result into dest when
// dest is non-nil.
func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil {
		require.False(t, result.IsError, "%s failed: %s", name, extractTextContent(t, result))
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
	}

	return result
}

// currentMessages calls chat_messages without failing the test, for
// use inside polling conditions.
func currentMessages(t *testing.T, session *mcp.ClientSession) (mcpserver.MessagesResult, bool) {
	var out mcpserver.MessagesResult

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: "chat_messages", Arguments: map[string]any{}})
	if err != nil || result.IsError || len(result.Content) == 0 {
		return out, false
	}

	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		return out, false
	}

	return out, json.Unmarshal([]byte(tc.Text), &out) == nil
}

// openGroup opens group-1 over MCP and waits until the push
// subscription is live.
func (h *harness) openGroup(t *testing.T, session *mcp.ClientSession) mcpserver.MessagesResult {
	t.Helper()

	var out mcpserver.MessagesResult
	call(t, session, "chat_open", map[string]any{"conversation_id": "group-1"}, &out)
	h.Chat.waitSubscribed(t, "group-1")

	return out
}

func messageIDs(msgs []mcpserver.MessageView) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	return ids
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult. MCP tools return JSON-serialized results as TextContent.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}

// pushFrame mirrors the push socket envelope.
type pushFrame struct {
	Op             string             `json:"op"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Message        *chat.Message      `json:"message,omitempty"`
	Typing         *chat.TypingSignal `json:"typing,omitempty"`
}

// chatServer is an in-memory chat backend speaking the REST and push
// protocols of the real service. Every persisted message is also
// pushed to the conversation's subscribers.
type chatServer struct {
	mu          sync.Mutex
	messages    map[string][]chat.Message
	next        int
	failSends   bool
	subscribers map[*websocket.Conn]string
	typingFrom  []string
}

func newChatServer() *chatServer {
	return &chatServer{
		messages:    make(map[string][]chat.Message),
		subscribers: make(map[*websocket.Conn]string),
	}
}

func (s *chatServer) seed(conv, id, authorID, authorName, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[conv] = append(s.messages[conv], chat.Message{
		ID:             id,
		ConversationID: conv,
		AuthorID:       authorID,
		AuthorName:     authorName,
		Body:           chat.Body{Text: text},
		CreatedAt:      time.Now().Add(-time.Hour).Add(time.Duration(len(s.messages[conv])) * time.Minute),
	})
}

func (s *chatServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/{id}/messages", s.handleList)
	mux.HandleFunc("POST /conversations/{id}/messages", s.handleSend)
	mux.HandleFunc("PUT /messages/{id}/reactions/{user}", s.handleReaction)
	mux.HandleFunc("GET /push", s.handlePush)

	return s.requireToken(mux)
}

func (s *chatServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+chatToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *chatServer) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	msgs := make([]chat.Message, len(s.messages[r.PathValue("id")]))
	for i, m := range s.messages[r.PathValue("id")] {
		msgs[i] = m.Clone()
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *chatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req chat.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}

	conv := r.PathValue("id")

	s.mu.Lock()
	if s.failSends {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sending disabled"})

		return
	}

	s.next++

	m := chat.Message{
		ID:             fmt.Sprintf("s%d", s.next),
		ConversationID: conv,
		AuthorID:       req.AuthorID,
		AuthorName:     req.AuthorName,
		AuthorAvatar:   req.AuthorAvatar,
		Body:           req.Body,
		Reply:          req.Reply,
		CreatedAt:      time.Now(),
	}
	s.messages[conv] = append(s.messages[conv], m)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"message": m})
	s.broadcast(conv, pushFrame{Op: "insert", Message: &m})
}

func (s *chatServer) handleReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emoji *string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}

	id, user := r.PathValue("id"), r.PathValue("user")

	s.mu.Lock()
	defer s.mu.Unlock()

	for conv, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID != id {
				continue
			}

			reactions := msgs[i].Reactions
			if reactions == nil {
				reactions = make(map[string]string)
			}

			if body.Emoji == nil {
				delete(reactions, user)
			} else {
				reactions[user] = *body.Emoji
			}

			s.messages[conv][i].Reactions = reactions
			w.WriteHeader(http.StatusNoContent)

			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such message"})
}

func (s *chatServer) handlePush(w http.ResponseWriter, r *http.Request) {
	conv := r.URL.Query().Get("conversation_id")

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, c)
		s.mu.Unlock()
	}()

	ctx := r.Context()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		switch gjson.GetBytes(data, "op").String() {
		case "subscribe":
			s.mu.Lock()
			s.subscribers[c] = conv
			s.mu.Unlock()

			_ = c.Write(ctx, websocket.MessageText, []byte(`{"op":"subscribed"}`))
		case "ping":
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"op":"pong"}`))
		case "typing":
			s.mu.Lock()
			s.typingFrom = append(s.typingFrom, gjson.GetBytes(data, "typing.user_id").String())
			s.mu.Unlock()
		}
	}
}

// post persists a message from another member and pushes it.
func (s *chatServer) post(conv, authorID, authorName, text string) chat.Message {
	s.mu.Lock()
	s.next++

	m := chat.Message{
		ID:             fmt.Sprintf("s%d", s.next),
		ConversationID: conv,
		AuthorID:       authorID,
		AuthorName:     authorName,
		Body:           chat.Body{Text: text},
		CreatedAt:      time.Now(),
	}
	s.messages[conv] = append(s.messages[conv], m)
	s.mu.Unlock()

	s.broadcast(conv, pushFrame{Op: "insert", Message: &m})

	return m
}

func (s *chatServer) broadcast(conv string, f pushFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	s.mu.Lock()
	var conns []*websocket.Conn
	for c, sub := range s.subscribers {
		if sub == conv {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

func (s *chatServer) waitSubscribed(t *testing.T, conv string) {
	t.Helper()

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		for _, sub := range s.subscribers {
			if sub == conv {
				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond, "no push subscription for %s", conv)
}

func (s *chatServer) reactionOf(messageID, userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				return m.Reactions[userID]
			}
		}
	}

	return ""
}

func (s *chatServer) setFailSends(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failSends = fail
}

func (s *chatServer) typingSenders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.typingFrom...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
