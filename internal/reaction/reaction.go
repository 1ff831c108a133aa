// Package reaction merges emoji votes into a message's reaction list.
package reaction

import (
	"slices"

	"github.com/vedran77/pulsesync/internal/domain"
)

// Toggle flips userID's vote for emoji and returns the new list. It never
// modifies current.
//
// A missing emoji entry is appended. A present entry gains userID, or loses
// it when userID already voted; an entry left without voters is dropped.
// Applying the same toggle twice restores the original list.
func Toggle(current []domain.Reaction, emoji, userID string) []domain.Reaction {
	out := make([]domain.Reaction, 0, len(current)+1)
	found := false
	for _, r := range current {
		if r.Emoji != emoji || found {
			out = append(out, domain.Reaction{Emoji: r.Emoji, UserIDs: slices.Clone(r.UserIDs)})
			continue
		}
		found = true
		if i := slices.Index(r.UserIDs, userID); i >= 0 {
			users := slices.Delete(slices.Clone(r.UserIDs), i, i+1)
			if len(users) == 0 {
				continue
			}
			out = append(out, domain.Reaction{Emoji: emoji, UserIDs: users})
			continue
		}
		out = append(out, domain.Reaction{Emoji: emoji, UserIDs: append(slices.Clone(r.UserIDs), userID)})
	}
	if !found {
		out = append(out, domain.Reaction{Emoji: emoji, UserIDs: []string{userID}})
	}
	return out
}

// Voted reports whether userID has voted for emoji.
func Voted(rs []domain.Reaction, emoji, userID string) bool {
	for _, r := range rs {
		if r.Emoji == emoji {
			return slices.Contains(r.UserIDs, userID)
		}
	}
	return false
}
