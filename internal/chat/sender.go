package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// updateSink accepts engine updates. It reports false once the owner
// has shut down.
type updateSink interface {
	submit(u Update) bool
}

// SendRequest is one message the local user wants to send.
type SendRequest struct {
	Body  Body
	Reply *ReplyContext
}

// Sender performs optimistic sends: the pending record is shown before
// the backend is called, then confirmed or retracted.
type Sender struct {
	backend        Backend
	sink           updateSink
	identity       Identity
	conversationID string
	logger         *slog.Logger
}

func newSender(backend Backend, sink updateSink, identity Identity, conversationID string, logger *slog.Logger) *Sender {
	return &Sender{
		backend:        backend,
		sink:           sink,
		identity:       identity,
		conversationID: conversationID,
		logger:         logger,
	}
}

// Send inserts a pending record, issues exactly one backend call, and
// reconciles the outcome. On failure the pending record is removed and
// the returned error wraps ErrSendFailed. There are no retries.
//
// A response that cannot be used counts as a failure. If the backend did
// persist the message, push or the next poll delivers it.
func (s *Sender) Send(ctx context.Context, req SendRequest) (Message, error) {
	if !req.Body.Sendable() {
		return Message{}, chaterrors.ErrInvalidBody
	}

	pending := Message{
		ID:             NewTempID(),
		ConversationID: s.conversationID,
		AuthorID:       s.identity.UserID,
		AuthorName:     s.identity.Name,
		AuthorAvatar:   s.identity.Avatar,
		Body:           req.Body,
		CreatedAt:      time.Now(),
		Reply:          req.Reply,
	}

	if !s.sink.submit(PendingUpdate(pending)) {
		return Message{}, chaterrors.ErrConversationClosed
	}

	persisted, err := s.backend.SendMessage(ctx, SendMessageRequest{
		ConversationID: s.conversationID,
		AuthorID:       s.identity.UserID,
		AuthorName:     s.identity.Name,
		AuthorAvatar:   s.identity.Avatar,
		Body:           req.Body,
		Reply:          req.Reply,
	})

	if err == nil && persisted == nil {
		err = fmt.Errorf("%w: response has no message", chaterrors.ErrMalformedMessage)
	}

	if err == nil {
		if verr := validateIncoming(s.conversationID, *persisted); verr != nil {
			err = fmt.Errorf("%w: %w", chaterrors.ErrMalformedMessage, verr)
		}
	}

	if err != nil {
		s.sink.submit(RetractUpdate(pending.ID))
		s.logger.Info("send failed, pending message retracted",
			slog.String("temp_id", pending.ID),
			slog.Bool("unusable_response", errors.Is(err, chaterrors.ErrMalformedMessage)),
			slog.String("error", err.Error()),
		)

		return Message{}, fmt.Errorf("%w: %w", chaterrors.ErrSendFailed, err)
	}

	s.sink.submit(ConfirmUpdate(pending.ID, *persisted))

	return *persisted, nil
}
