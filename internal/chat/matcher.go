package chat

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultMatchTolerance is how far apart the local and server timestamps
// of the same send may be.
const DefaultMatchTolerance = 10 * time.Second

// Correlates reports whether persisted is the server-side counterpart of
// the pending local send. The two share no id, so the signature is
// conversation, author, payload and reply target, with timestamps at
// most tolerance apart.
func Correlates(pending, persisted Message, tolerance time.Duration) bool {
	if !pending.Pending() || persisted.Pending() {
		return false
	}

	if pending.ConversationID != persisted.ConversationID || pending.AuthorID != persisted.AuthorID {
		return false
	}

	if !payloadEqual(pending.Body, persisted.Body) {
		return false
	}

	if replyTarget(pending.Reply) != replyTarget(persisted.Reply) {
		return false
	}

	return absDuration(persisted.CreatedAt.Sub(pending.CreatedAt)) <= tolerance
}

// payloadEqual compares bodies the way the server may have stored them:
// text is trimmed and NFC-normalized, image references compare exactly.
func payloadEqual(a, b Body) bool {
	return normalizeText(a.Text) == normalizeText(b.Text) &&
		strings.TrimSpace(a.ImageURL) == strings.TrimSpace(b.ImageURL)
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func replyTarget(r *ReplyContext) string {
	if r == nil {
		return ""
	}

	return r.MessageID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
