package chat

import (
	"cmp"
	"maps"
	"slices"
)

// ReactionCount is one emoji with the users who chose it.
type ReactionCount struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// ReactionSummary is the display form of a message's reactions.
type ReactionSummary struct {
	Groups []ReactionCount `json:"groups"`
	// Mine is the local user's reaction, empty if none.
	Mine string `json:"mine,omitempty"`
}

// SummarizeReactions groups a per-user reaction map into emoji counts,
// most used first, ties by emoji.
func SummarizeReactions(reactions map[string]string, localUserID string) ReactionSummary {
	byEmoji := make(map[string][]string)

	for userID, emoji := range reactions {
		if emoji == "" {
			continue
		}

		byEmoji[emoji] = append(byEmoji[emoji], userID)
	}

	groups := make([]ReactionCount, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		slices.Sort(users)
		groups = append(groups, ReactionCount{Emoji: emoji, Count: len(users), UserIDs: users})
	}

	slices.SortFunc(groups, func(a, b ReactionCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}

		return cmp.Compare(a.Emoji, b.Emoji)
	})

	return ReactionSummary{Groups: groups, Mine: reactions[localUserID]}
}

// NextReaction returns the user's reaction after toggling emoji: cleared
// (empty) if it was already set, else emoji.
func NextReaction(current, emoji string) string {
	if current == emoji {
		return ""
	}

	return emoji
}

// ToggleReaction returns a copy of reactions with userID's reaction
// toggled to emoji.
func ToggleReaction(reactions map[string]string, userID, emoji string) map[string]string {
	out := maps.Clone(reactions)
	if out == nil {
		out = make(map[string]string)
	}

	if next := NextReaction(out[userID], emoji); next == "" {
		delete(out, userID)
	} else {
		out[userID] = next
	}

	return out
}
