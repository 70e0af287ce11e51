package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"golang.org/x/sync/singleflight"
)

// SnapshotCache persists the last known timeline of each conversation so
// it can be shown while the backend is unreachable. *state.State
// satisfies it.
type SnapshotCache interface {
	LoadSnapshot(conversationID string) ([]byte, error)
	SaveSnapshot(conversationID string, data []byte) error
}

// Fetcher performs full ordered fetches of a conversation. It is safe for
// concurrent use; overlapping fetches of one conversation share a single
// backend call.
type Fetcher struct {
	backend Backend
	cache   SnapshotCache
	logger  *slog.Logger
	group   singleflight.Group

	mu   sync.Mutex
	last map[string][]Message
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(backend Backend, cache SnapshotCache, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		backend: backend,
		cache:   cache,
		logger:  logger,
		last:    make(map[string][]Message),
	}
}

// Fetch returns the validated messages of a conversation, oldest first.
// On failure it returns the previous known state along with an error
// wrapping ErrFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, conversationID string) ([]Message, error) {
	ch := f.group.DoChan(conversationID, func() (interface{}, error) {
		return f.fetch(ctx, conversationID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return f.Previous(conversationID), res.Err
		}

		return cloneMessages(res.Val.([]Message)), nil
	case <-ctx.Done():
		return f.Previous(conversationID), fmt.Errorf("%w: %w", chaterrors.ErrFetchFailed, ctx.Err())
	}
}

func (f *Fetcher) fetch(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := f.backend.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrFetchFailed, err)
	}

	valid := filterValid(conversationID, msgs, f.logger)
	slices.SortStableFunc(valid, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	f.mu.Lock()
	f.last[conversationID] = valid
	f.mu.Unlock()

	f.persist(conversationID, valid)

	return valid, nil
}

// Previous returns the last known state of a conversation: the last
// successful fetch in this process, else the cached snapshot.
func (f *Fetcher) Previous(conversationID string) []Message {
	f.mu.Lock()
	msgs, ok := f.last[conversationID]
	f.mu.Unlock()

	if ok {
		return cloneMessages(msgs)
	}

	if f.cache == nil {
		return nil
	}

	data, err := f.cache.LoadSnapshot(conversationID)
	if err != nil || data == nil {
		if err != nil {
			f.logger.Warn("loading cached snapshot",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	var cached []Message
	if err := json.Unmarshal(data, &cached); err != nil {
		f.logger.Warn("decoding cached snapshot",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return filterValid(conversationID, cached, f.logger)
}

func (f *Fetcher) persist(conversationID string, msgs []Message) {
	if f.cache == nil {
		return
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		f.logger.Warn("encoding snapshot", slog.String("error", err.Error()))
		return
	}

	if err := f.cache.SaveSnapshot(conversationID, data); err != nil {
		f.logger.Warn("saving snapshot",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}
