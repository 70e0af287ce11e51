package chat

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// DefaultReactionSettleWindow is how long after a reaction mutation
// settles the local overlay may disagree with fetched state before the
// fetched state wins.
const DefaultReactionSettleWindow = 10 * time.Second

// UpdateKind tags an Update.
type UpdateKind int

const (
	// UpdateSnapshot is the initial full fetch of a conversation.
	UpdateSnapshot UpdateKind = iota + 1
	// UpdatePollResult is a periodic full re-fetch.
	UpdatePollResult
	// UpdatePushInsert is a single message delivered by the push channel.
	UpdatePushInsert
	// UpdatePending inserts an optimistic local send.
	UpdatePending
	// UpdateConfirm swaps a pending record for the sender's own response.
	UpdateConfirm
	// UpdateRetract removes a pending record whose send failed.
	UpdateRetract
	// UpdateReaction sets the local user's reaction optimistically.
	UpdateReaction
	// UpdateReactionSettled reports that a reaction mutation finished.
	UpdateReactionSettled
)

var updateKindNames = map[UpdateKind]string{
	UpdateSnapshot:        "snapshot",
	UpdatePollResult:      "poll",
	UpdatePushInsert:      "push_insert",
	UpdatePending:         "pending",
	UpdateConfirm:         "confirm",
	UpdateRetract:         "retract",
	UpdateReaction:        "reaction",
	UpdateReactionSettled: "reaction_settled",
}

func (k UpdateKind) String() string {
	if name, ok := updateKindNames[k]; ok {
		return name
	}

	return "unknown"
}

// Update is one input to the Engine. Which fields are set depends on Kind;
// use the constructors below.
type Update struct {
	Kind UpdateKind

	// Messages is the batch of a snapshot or poll.
	Messages []Message

	// Message is the record of a push insert, a pending send, or the
	// persisted record of a confirm.
	Message Message

	// TempID names the pending record for confirm and retract.
	TempID string

	// Reaction fields.
	MessageID string
	UserID    string
	Emoji     string
	OK        bool
}

// SnapshotUpdate wraps the initial fetch of a conversation.
func SnapshotUpdate(msgs []Message) Update {
	return Update{Kind: UpdateSnapshot, Messages: msgs}
}

// PollUpdate wraps a periodic re-fetch.
func PollUpdate(msgs []Message) Update {
	return Update{Kind: UpdatePollResult, Messages: msgs}
}

// PushInsertUpdate wraps a pushed message.
func PushInsertUpdate(m Message) Update {
	return Update{Kind: UpdatePushInsert, Message: m}
}

// PendingUpdate wraps an optimistic local send.
func PendingUpdate(m Message) Update {
	return Update{Kind: UpdatePending, Message: m}
}

// ConfirmUpdate swaps the pending record tempID for persisted.
func ConfirmUpdate(tempID string, persisted Message) Update {
	return Update{Kind: UpdateConfirm, TempID: tempID, Message: persisted}
}

// RetractUpdate removes the pending record tempID.
func RetractUpdate(tempID string) Update {
	return Update{Kind: UpdateRetract, TempID: tempID}
}

// ReactionUpdate sets userID's reaction on messageID. Empty clears it.
func ReactionUpdate(messageID, userID, emoji string) Update {
	return Update{Kind: UpdateReaction, MessageID: messageID, UserID: userID, Emoji: emoji}
}

// ReactionSettledUpdate reports the outcome of a reaction mutation.
func ReactionSettledUpdate(messageID, userID string, ok bool) Update {
	return Update{Kind: UpdateReactionSettled, MessageID: messageID, UserID: userID, OK: ok}
}

// entry is one record in the engine along with its arrival sequence.
type entry struct {
	msg Message
	seq uint64

	// provisional is set for records learned from a push or a send
	// response that no fetched batch has contained yet.
	provisional bool
}

type reactionKey struct {
	messageID string
	userID    string
}

// reactionOverride is an optimistic reaction layered over fetched state.
type reactionOverride struct {
	emoji     string
	inflight  int
	settledAt time.Time
}

// Engine merges snapshots, polls, push inserts and local sends into one
// ordered, duplicate-free view of a conversation.
//
// Engine is not safe for concurrent use. It is meant to be owned by a
// single goroutine (the session event loop) that applies every update.
type Engine struct {
	conversationID string
	tolerance      time.Duration
	settleWindow   time.Duration
	logger         *slog.Logger

	persisted map[string]*entry
	pending   map[string]*entry
	overrides map[reactionKey]*reactionOverride
	nextSeq   uint64

	last    []Message
	emitted bool
}

// NewEngine creates an empty engine for one conversation. Zero durations
// select the defaults.
func NewEngine(conversationID string, tolerance, settleWindow time.Duration, logger *slog.Logger) *Engine {
	if tolerance <= 0 {
		tolerance = DefaultMatchTolerance
	}

	if settleWindow <= 0 {
		settleWindow = DefaultReactionSettleWindow
	}

	return &Engine{
		conversationID: conversationID,
		tolerance:      tolerance,
		settleWindow:   settleWindow,
		logger:         logger,
		persisted:      make(map[string]*entry),
		pending:        make(map[string]*entry),
		overrides:      make(map[reactionKey]*reactionOverride),
	}
}

// Apply merges u and returns the current view together with whether it
// differs from the previously returned emission. The returned slice is
// owned by the caller.
func (e *Engine) Apply(u Update) ([]Message, bool) {
	switch u.Kind {
	case UpdateSnapshot, UpdatePollResult:
		e.applyBatch(u.Messages)
	case UpdatePushInsert:
		e.applyInsert(u.Message)
	case UpdatePending:
		e.applyPending(u.Message)
	case UpdateConfirm:
		e.applyConfirm(u.TempID, u.Message)
	case UpdateRetract:
		delete(e.pending, u.TempID)
	case UpdateReaction:
		e.applyReaction(u.MessageID, u.UserID, u.Emoji)
	case UpdateReactionSettled:
		e.applyReactionSettled(u.MessageID, u.UserID, u.OK)
	default:
		e.logger.Warn("ignoring unknown update", slog.Int("kind", int(u.Kind)))
	}

	view := e.build()
	if e.emitted && messagesEqual(view, e.last) {
		return cloneMessages(e.last), false
	}

	e.last = view
	e.emitted = true

	return cloneMessages(view), true
}

// View returns the current view without applying anything.
func (e *Engine) View() []Message {
	return e.build()
}

// Known reports whether id is already in the engine, pending or not.
func (e *Engine) Known(id string) bool {
	if _, ok := e.persisted[id]; ok {
		return true
	}

	_, ok := e.pending[id]

	return ok
}

// Lookup returns the displayed version of one record, reaction overlays
// included.
func (e *Engine) Lookup(id string) (Message, bool) {
	if ent, ok := e.persisted[id]; ok {
		return e.display(ent), true
	}

	if ent, ok := e.pending[id]; ok {
		return ent.msg.Clone(), true
	}

	return Message{}, false
}

// pendingCount returns the number of unconfirmed local sends.
func (e *Engine) pendingCount() int {
	return len(e.pending)
}

// applyBatch treats a full fetch as authoritative for persisted records.
// Records learned from a push or send response that are newer than
// everything in the batch survive, since the fetch may have been issued
// before they were inserted.
func (e *Engine) applyBatch(msgs []Message) {
	valid := filterValid(e.conversationID, msgs, e.logger)
	slices.SortStableFunc(valid, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	incoming := make(map[string]struct{}, len(valid))

	var newest time.Time

	for _, m := range valid {
		incoming[m.ID] = struct{}{}
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}

	for id, ent := range e.persisted {
		if _, ok := incoming[id]; ok {
			continue
		}

		if ent.provisional && ent.msg.CreatedAt.After(newest) {
			continue
		}

		delete(e.persisted, id)
	}

	for _, m := range valid {
		if ent, ok := e.persisted[m.ID]; ok {
			ent.msg = m.Clone()
			ent.provisional = false

			continue
		}

		e.persisted[m.ID] = &entry{msg: m.Clone(), seq: e.adoptSeq(m)}
	}

	e.settleOverrides()
}

// applyInsert adds a pushed record. A record already known is left as
// is: the push carries the record at insert time, which is never newer
// than what a fetch returned.
func (e *Engine) applyInsert(m Message) {
	if err := validateIncoming(e.conversationID, m); err != nil {
		e.logger.Debug("dropping malformed push insert", slog.String("error", err.Error()))
		return
	}

	if _, ok := e.persisted[m.ID]; ok {
		return
	}

	e.persisted[m.ID] = &entry{msg: m.Clone(), seq: e.adoptSeq(m), provisional: true}
}

func (e *Engine) applyPending(m Message) {
	if !m.Pending() || m.ConversationID != e.conversationID || !m.Body.Sendable() {
		e.logger.Warn("ignoring invalid pending message", slog.String("id", m.ID))
		return
	}

	if _, ok := e.pending[m.ID]; ok {
		return
	}

	e.pending[m.ID] = &entry{msg: m.Clone(), seq: e.next()}
}

// applyConfirm performs the direct temp id to real id swap with the
// sender's own response. If a push or poll already delivered the
// persisted record, the pending one is simply dropped.
func (e *Engine) applyConfirm(tempID string, m Message) {
	if err := validateIncoming(e.conversationID, m); err != nil {
		e.logger.Debug("dropping malformed send response", slog.String("error", err.Error()))
		return
	}

	pend, hadPending := e.pending[tempID]
	delete(e.pending, tempID)

	if _, ok := e.persisted[m.ID]; ok {
		return
	}

	seq := e.next()
	if hadPending {
		seq = pend.seq
	}

	e.persisted[m.ID] = &entry{msg: m.Clone(), seq: seq, provisional: true}
}

func (e *Engine) applyReaction(messageID, userID, emoji string) {
	if _, ok := e.persisted[messageID]; !ok || userID == "" {
		return
	}

	key := reactionKey{messageID: messageID, userID: userID}

	ov, ok := e.overrides[key]
	if !ok {
		ov = &reactionOverride{}
		e.overrides[key] = ov
	}

	ov.emoji = emoji
	ov.inflight++
	ov.settledAt = time.Time{}
}

func (e *Engine) applyReactionSettled(messageID, userID string, ok bool) {
	key := reactionKey{messageID: messageID, userID: userID}

	ov, found := e.overrides[key]
	if !found {
		return
	}

	if !ok {
		delete(e.overrides, key)
		return
	}

	if ov.inflight > 0 {
		ov.inflight--
	}

	if ov.inflight == 0 {
		ov.settledAt = time.Now()
	}
}

// settleOverrides drops reaction overlays that the latest batch either
// confirmed or, once the settle window has passed, corrected.
func (e *Engine) settleOverrides() {
	now := time.Now()

	for key, ov := range e.overrides {
		ent, ok := e.persisted[key.messageID]
		if !ok {
			delete(e.overrides, key)
			continue
		}

		if ov.inflight > 0 {
			continue
		}

		if ent.msg.Reactions[key.userID] == ov.emoji || now.Sub(ov.settledAt) >= e.settleWindow {
			delete(e.overrides, key)
		}
	}
}

// adoptSeq returns the arrival sequence for a persisted record new to the
// engine. If the record retires a pending send, it takes that send's
// place in arrival order.
func (e *Engine) adoptSeq(m Message) uint64 {
	if pend := e.correlatePending(m); pend != nil {
		delete(e.pending, pend.msg.ID)
		e.logger.Debug("pending message retired by persisted record",
			slog.String("temp_id", pend.msg.ID),
			slog.String("id", m.ID),
		)

		return pend.seq
	}

	return e.next()
}

// correlatePending finds the pending record m stands for: among those
// that correlate, the closest in time, then the earliest inserted.
func (e *Engine) correlatePending(m Message) *entry {
	var best *entry

	var bestDelta time.Duration

	for _, pend := range e.pending {
		if !Correlates(pend.msg, m, e.tolerance) {
			continue
		}

		delta := absDuration(m.CreatedAt.Sub(pend.msg.CreatedAt))
		if best == nil || delta < bestDelta || (delta == bestDelta && pend.seq < best.seq) {
			best = pend
			bestDelta = delta
		}
	}

	return best
}

func (e *Engine) next() uint64 {
	e.nextSeq++
	return e.nextSeq
}

// build assembles the ordered view: createdAt ascending, arrival order on ties.
func (e *Engine) build() []Message {
	entries := make([]*entry, 0, len(e.persisted)+len(e.pending))
	for _, ent := range e.persisted {
		entries = append(entries, ent)
	}

	for _, ent := range e.pending {
		entries = append(entries, ent)
	}

	slices.SortFunc(entries, func(a, b *entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.seq, b.seq)
	})

	view := make([]Message, len(entries))
	for i, ent := range entries {
		if ent.msg.Pending() {
			view[i] = ent.msg.Clone()
		} else {
			view[i] = e.display(ent)
		}
	}

	return view
}

// display returns a persisted record with reaction overlays applied at
// the per-user level.
func (e *Engine) display(ent *entry) Message {
	m := ent.msg.Clone()

	for key, ov := range e.overrides {
		if key.messageID != m.ID {
			continue
		}

		if ov.emoji == "" {
			delete(m.Reactions, key.userID)
			continue
		}

		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}

		m.Reactions[key.userID] = ov.emoji
	}

	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}

	return m
}

func messagesEqual(a, b []Message) bool {
	return slices.EqualFunc(a, b, messageEqual)
}

func messageEqual(a, b Message) bool {
	if a.ID != b.ID ||
		a.ConversationID != b.ConversationID ||
		a.AuthorID != b.AuthorID ||
		a.AuthorName != b.AuthorName ||
		a.AuthorAvatar != b.AuthorAvatar ||
		a.Body != b.Body ||
		!a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}

	if (a.Reply == nil) != (b.Reply == nil) {
		return false
	}

	if a.Reply != nil && *a.Reply != *b.Reply {
		return false
	}

	return maps.Equal(a.Reactions, b.Reactions)
}
