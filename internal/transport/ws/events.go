package ws

import (
	"encoding/json"
	"time"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/service"
)

// Event types - Client → Server
const (
	EventTypeChannelSelect  = "channel.select"
	EventTypeThreadOpen     = "thread.open"
	EventTypeMessageSend    = "message.send"
	EventTypeMessageEdit    = "message.edit"
	EventTypeReactionToggle = "reaction.toggle"
	EventTypeMessageDelete  = "message.delete"
	EventTypePing           = "ping"
)

// Event types - Server → Client
const (
	EventTypeChannelsSnapshot = "channels.snapshot"
	EventTypeChannelCurrent   = "channel.current"
	EventTypeMessagesSnapshot = "messages.snapshot"
	EventTypeThreadSnapshot   = "thread.snapshot"
	EventTypeUsersSnapshot    = "users.snapshot"
	EventTypePong             = "pong"
	EventTypeError            = "error"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

type ChannelSelectPayload struct {
	ChannelID string `json:"channelId"`
}

// ThreadOpenPayload with an empty ParentID closes the open thread.
type ThreadOpenPayload struct {
	ParentID string `json:"parentId"`
}

type MessageSendPayload struct {
	Message  string `json:"message"`
	ParentID string `json:"parentId,omitempty"`
}

type MessageEditPayload struct {
	DocID    string `json:"docId"`
	ParentID string `json:"parentId,omitempty"`
	Message  string `json:"message"`
}

type ReactionTogglePayload struct {
	DocID    string `json:"docId"`
	ParentID string `json:"parentId,omitempty"`
	Emoji    string `json:"emoji"`
}

type MessageDeletePayload struct {
	DocID    string `json:"docId"`
	ParentID string `json:"parentId,omitempty"`
}

// --- Server → Client payloads ---

type ChannelsPayload struct {
	Channels []domain.Channel `json:"channels"`
}

type MessagesPayload struct {
	Messages []domain.Message                 `json:"messages"`
	Replies  map[string][]domain.ThreadMessage `json:"replies"`
}

type ThreadPayload = service.ThreadView

type UsersPayload struct {
	Users []domain.User `json:"users"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, channelID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      eventType,
		ChannelID: channelID,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	}, nil
}
