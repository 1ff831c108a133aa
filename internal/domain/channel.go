package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	Members     []string  `json:"members"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsDirect reports whether the channel is a direct-message channel: private
// with exactly one distinct member besides the creator, or a creator-only
// "note to self".
func (c Channel) IsDirect() bool {
	if !c.IsPrivate {
		return false
	}
	others := 0
	for _, m := range MemberSet(c.Members) {
		if m != c.CreatedBy {
			others++
		}
	}
	return others <= 1
}

// HasMember reports whether userID is in the member list.
func (c Channel) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// VisibleTo reports whether userID may see the channel. Public channels
// are visible to everyone.
func (c Channel) VisibleTo(userID string) bool {
	return !c.IsPrivate || c.CreatedBy == userID || c.HasMember(userID)
}

// ChannelPatch is a merge patch; nil fields are left untouched.
type ChannelPatch struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Members     []string `json:"members,omitempty"`
}

func (p ChannelPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Members == nil
}

// MemberSet returns the sorted distinct member ids.
func MemberSet(ids []string) []string {
	set := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set = append(set, id)
		}
	}
	slices.Sort(set)
	return slices.Compact(set)
}

// SameMembers compares two member lists as sets.
func SameMembers(a, b []string) bool {
	return slices.Equal(MemberSet(a), MemberSet(b))
}

// PrivateChannelID derives a stable document id from a member set, so that
// creating the same direct-message channel twice targets the same document.
func PrivateChannelID(members []string) string {
	sum := sha256.Sum256([]byte(strings.Join(MemberSet(members), "\x00")))
	return "dm-" + hex.EncodeToString(sum[:16])
}
