package chat

import (
	"fmt"
	"log/slog"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// validateIncoming checks the minimal shape of a record received from
// the server. Records failing it are dropped before they reach a merge.
func validateIncoming(conversationID string, m Message) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: empty id", chaterrors.ErrMalformedMessage)
	case IsTempID(m.ID):
		return fmt.Errorf("%w: server record %s uses the local id namespace", chaterrors.ErrMalformedMessage, m.ID)
	case m.ConversationID != conversationID:
		return fmt.Errorf("%w: message %s belongs to conversation %q", chaterrors.ErrMalformedMessage, m.ID, m.ConversationID)
	case m.AuthorID == "":
		return fmt.Errorf("%w: message %s has no author", chaterrors.ErrMalformedMessage, m.ID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: message %s has no timestamp", chaterrors.ErrMalformedMessage, m.ID)
	case m.Body.Empty():
		return fmt.Errorf("%w: message %s has an empty body", chaterrors.ErrMalformedMessage, m.ID)
	}

	return nil
}

// filterValid returns the records of msgs that pass validateIncoming,
// logging each dropped one.
func filterValid(conversationID string, msgs []Message, logger *slog.Logger) []Message {
	out := make([]Message, 0, len(msgs))

	for _, m := range msgs {
		if err := validateIncoming(conversationID, m); err != nil {
			logger.Debug("dropping malformed message",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)

			continue
		}

		out = append(out, m)
	}

	return out
}
