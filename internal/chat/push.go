package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 5 * time.Second

	reconnectMin = 2 * time.Second
	reconnectMax = time.Minute

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// maxFrameBytes is the WebSocket read limit. Frames carry a single
	// message or typing signal.
	maxFrameBytes = 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the event loop.
	inboundChanSize = 64

	// outboundChanSize bounds queued typing frames. Typing is
	// ephemeral, so frames beyond this are dropped.
	outboundChanSize = 8
)

// errPushRejected marks a subscription the server refused outright.
// Reconnecting will not help.
var errPushRejected = errors.New("push subscription rejected")

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

//go:generate mockgen -source=push.go -destination=mock_wsconn_test.go -package=chat -mock_names=wsConn=MockWSConn

// wsConn abstracts the WebSocket connection so the push client can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, rawURL string, header http.Header) (wsConn, error)

// pushFrame is the envelope of every frame on the push socket.
type pushFrame struct {
	Op             string        `json:"op"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Typing         *TypingSignal `json:"typing,omitempty"`
}

// PushClient is a Subscriber over a WebSocket push endpoint.
type PushClient struct {
	url    string
	token  string
	logger *slog.Logger
	dial   dialFunc
}

var _ Subscriber = (*PushClient)(nil)

// NewPushClient creates a WebSocket subscriber for pushURL.
func NewPushClient(pushURL, token string, logger *slog.Logger) *PushClient {
	return &PushClient{
		url:    pushURL,
		token:  token,
		logger: logger,
		dial:   dialWebSocket,
	}
}

func dialWebSocket(ctx context.Context, rawURL string, header http.Header) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", errPushRejected, resp.StatusCode)
		}

		return nil, err
	}

	return conn, nil
}

// Subscribe opens a push subscription for one conversation. A rejected
// token fails immediately; any other connection failure is retried in
// the background, with polling covering the gap.
func (c *PushClient) Subscribe(ctx context.Context, conversationID string, onInsert InsertFunc, onTyping TypingFunc) (Subscription, error) {
	conn, err := c.connect(ctx, conversationID)
	if err != nil {
		if isPermanentPushError(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("subscribing to %s: %w", conversationID, err)
		}

		c.logger.Warn("push connect failed, retrying in background",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}

	if onInsert == nil {
		onInsert = func(Message) {}
	}

	if onTyping == nil {
		onTyping = func(TypingSignal) {}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sub := &wsSubscription{
		client:         c,
		conversationID: conversationID,
		onInsert:       onInsert,
		onTyping:       onTyping,
		logger:         c.logger.With(slog.String("conversation_id", conversationID)),
		outCh:          make(chan []byte, outboundChanSize),
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go sub.run(runCtx, conn)

	return sub, nil
}

// connect dials the push endpoint and sends the subscribe frame.
func (c *PushClient) connect(ctx context.Context, conversationID string) (wsConn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parsing push url: %w", err)
	}

	q := u.Query()
	q.Set("conversation_id", conversationID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, err := c.dial(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing push endpoint: %w", err)
	}

	conn.SetReadLimit(maxFrameBytes)

	frame, err := json.Marshal(pushFrame{Op: "subscribe", ConversationID: conversationID})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode")
		return nil, fmt.Errorf("marshalling subscribe frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("sending subscribe frame: %w", err)
	}

	return conn, nil
}

// isPermanentPushError returns true for errors that won't resolve on retry.
func isPermanentPushError(err error) bool {
	return errors.Is(err, errPushRejected) || websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}

// wsSubscription is one live conversation subscription.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (run) processes inbound frames, outgoing
// typing frames, and heartbeat ticks, and owns all writes to the
// connection. Callbacks are invoked from the event loop under mu, which
// Unsubscribe also takes, so none can run after Unsubscribe returns.
type wsSubscription struct {
	client         *PushClient
	conversationID string
	onInsert       InsertFunc
	onTyping       TypingFunc
	logger         *slog.Logger

	outCh  chan []byte
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

// Unsubscribe closes the connection and stops reconnecting.
func (s *wsSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		<-s.done
	})
}

// BroadcastTyping queues a typing frame for the event loop. When the
// queue is full or the connection is down the signal is dropped.
func (s *wsSubscription) BroadcastTyping(_ context.Context, sig TypingSignal) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return chaterrors.ErrSubscriptionClosed
	}

	frame, err := json.Marshal(pushFrame{Op: "typing", ConversationID: s.conversationID, Typing: &sig})
	if err != nil {
		return fmt.Errorf("marshalling typing frame: %w", err)
	}

	select {
	case s.outCh <- frame:
	case <-s.done:
		return chaterrors.ErrSubscriptionClosed
	default:
		s.logger.Debug("typing frame dropped, queue full")
	}

	return nil
}

// run serves connections until ctx is cancelled or the server rejects
// the subscription, reconnecting with jittered exponential backoff.
func (s *wsSubscription) run(ctx context.Context, conn wsConn) {
	defer close(s.done)

	backoff := reconnectMin

	for {
		if conn != nil {
			err := s.serve(ctx, conn)

			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}

			conn.Close(websocket.StatusGoingAway, "reconnecting")
			conn = nil

			if isPermanentPushError(err) {
				s.logger.Error("push subscription rejected, relying on polling", slog.String("error", err.Error()))
				return
			}

			s.logger.Warn("push connection lost, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c, err := s.client.connect(ctx, s.conversationID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if isPermanentPushError(err) {
				s.logger.Error("push subscription rejected, relying on polling", slog.String("error", err.Error()))
				return
			}

			s.logger.Warn("push reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		conn = c
		backoff = reconnectMin

		s.logger.Info("push reconnected")
	}
}

// serve is the event loop for one connection. Returns on read error,
// write error, heartbeat timeout, or context cancellation.
func (s *wsSubscription) serve(ctx context.Context, conn wsConn) error {
	connCtx, connCancel := context.WithCancel(ctx)

	var readerWG sync.WaitGroup
	defer readerWG.Wait()
	defer connCancel()

	inbound := make(chan inboundMsg, inboundChanSize)

	readerWG.Add(1)

	go func() {
		defer readerWG.Done()

		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case inbound <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	lastMessage := time.Now()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := s.handleFrame(ctx, conn, msg.data); err != nil {
				return err
			}

		case frame := <-s.outCh:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return fmt.Errorf("writing typing frame: %w", err)
			}

		case <-ticker.C:
			elapsed := time.Since(lastMessage)
			if elapsed > disconnectAfter {
				return fmt.Errorf("heartbeat timeout after %s", elapsed.Round(time.Second))
			}

			if elapsed > pingAfter {
				if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"ping"}`)); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame dispatches one inbound text frame.
func (s *wsSubscription) handleFrame(ctx context.Context, conn wsConn, data []byte) error {
	switch op := gjson.GetBytes(data, "op").String(); op {
	case "insert":
		var f pushFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Message == nil {
			s.logger.Debug("dropping malformed insert frame", slog.Int("bytes", len(data)))
			return nil
		}

		if f.Message.ConversationID != s.conversationID {
			s.logger.Debug("dropping insert for another conversation", slog.String("other", f.Message.ConversationID))
			return nil
		}

		s.deliver(func() { s.onInsert(*f.Message) })

	case "typing":
		var f pushFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Typing == nil {
			s.logger.Debug("dropping malformed typing frame", slog.Int("bytes", len(data)))
			return nil
		}

		if f.Typing.ConversationID != "" && f.Typing.ConversationID != s.conversationID {
			return nil
		}

		s.deliver(func() { s.onTyping(*f.Typing) })

	case "ping":
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"pong"}`)); err != nil {
			return fmt.Errorf("sending pong: %w", err)
		}

	case "pong", "subscribed":

	case "error":
		msg := gjson.GetBytes(data, "message").String()
		if gjson.GetBytes(data, "code").String() == "unauthorized" {
			return fmt.Errorf("%w: %s", errPushRejected, msg)
		}

		s.logger.Warn("push server error", slog.String("message", msg))

	default:
		s.logger.Debug("unknown push frame", slog.String("op", op))
	}

	return nil
}

// deliver runs fn unless the subscription has been closed.
func (s *wsSubscription) deliver(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	fn()
}
