package domain

import "time"

// DefaultCreatorName fills messages whose denormalized creator name is
// missing.
const DefaultCreatorName = "Unknown"

type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"userIds"`
}

type Message struct {
	DocID           string     `json:"docId"`
	ChannelID       string     `json:"channelId"`
	CreatedBy       string     `json:"createdBy"`
	CreatorName     string     `json:"creatorName"`
	CreatorPhotoURL string     `json:"creatorPhotoURL"`
	Message         string     `json:"message"`
	Timestamp       time.Time  `json:"timestamp"`
	Members         []string   `json:"members"`
	Reactions       []Reaction `json:"reactions"`
	// SameDay is a client-local edit-mode flag.
	SameDay bool `json:"sameDay"`
}

// ThreadMessage is a reply nested under the message MessageID.
type ThreadMessage struct {
	DocID           string     `json:"docId"`
	MessageID       string     `json:"messageId"`
	CreatedBy       string     `json:"createdBy"`
	CreatorName     string     `json:"creatorName"`
	CreatorPhotoURL string     `json:"creatorPhotoURL"`
	Message         string     `json:"message"`
	Timestamp       time.Time  `json:"timestamp"`
	Reactions       []Reaction `json:"reactions"`
	SameDay         bool       `json:"sameDay"`
}

// MessagePatch is one of TextEdit or ReactionToggle.
type MessagePatch interface {
	isMessagePatch()
}

// TextEdit replaces the message text. Only the creator may apply it.
type TextEdit struct {
	Text string
}

// ReactionToggle flips UserID's vote on Emoji. An empty UserID means the
// acting user.
type ReactionToggle struct {
	Emoji  string
	UserID string
}

func (TextEdit) isMessagePatch()       {}
func (ReactionToggle) isMessagePatch() {}
