package errors

import "errors"

// Caller-facing errors. Only failed explicit user actions surface these.
var (
	ErrSendFailed      = errors.New("message send failed")
	ErrReactionFailed  = errors.New("reaction update failed")
	ErrInvalidBody     = errors.New("message needs exactly one of text or image")
	ErrPendingMessage  = errors.New("message is not confirmed yet")
	ErrMessageNotFound = errors.New("message not found")
)

// Session lifecycle errors.
var (
	ErrConversationClosed   = errors.New("conversation closed")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrSubscriptionClosed   = errors.New("subscription closed")
)

// Sync/transport errors. These are absorbed inside the sync core.
var (
	ErrFetchFailed      = errors.New("fetching messages failed")
	ErrMalformedMessage = errors.New("malformed message")
)
