package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client implements Backend over the chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

var _ Backend = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks
// to a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL authenticating with token.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

type listMessagesResponse struct {
	Messages []Message `json:"messages"`
}

type sendMessageResponse struct {
	Message *Message `json:"message"`
}

type setReactionRequest struct {
	Emoji *string `json:"emoji"`
}

// ListMessages fetches every persisted message of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp listMessagesResponse

	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return resp.Messages, nil
}

// SendMessage persists a message. A success response that does not
// carry a message is reported as ErrMalformedMessage.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var resp sendMessageResponse

	endpoint := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	if resp.Message == nil {
		return nil, fmt.Errorf("sending message: %w: response has no message", chaterrors.ErrMalformedMessage)
	}

	return resp.Message, nil
}

// SetReaction sets or clears (empty emoji) a user's reaction.
func (c *Client) SetReaction(ctx context.Context, messageID, userID, emoji string) error {
	body := setReactionRequest{}
	if emoji != "" {
		body.Emoji = &emoji
	}

	endpoint := "/messages/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodPut, endpoint, body, nil); err != nil {
		return fmt.Errorf("setting reaction: %w", err)
	}

	return nil
}

// do sends a JSON request and decodes a 2xx response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%s %s: %w", method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var err error
		if msg := gjson.GetBytes(respBody, "error").String(); msg != "" {
			err = fmt.Errorf("API %s %s (%d): %s", method, endpoint, resp.StatusCode, sanitizeResponseBody([]byte(msg)))
		} else {
			err = fmt.Errorf("API %s %s returned status %d: %s", method, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		}

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		if result != nil {
			return fmt.Errorf("%w: empty response from %s", chaterrors.ErrMalformedMessage, endpoint)
		}

		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrMalformedMessage, endpoint, err)
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
