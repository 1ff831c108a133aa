package domain

import (
	"github.com/vedran77/pulsesync/internal/timeconv"
)

// Document field names. They are the stored wire format and must not change.
const (
	FieldChannelID       = "channelId"
	FieldCreatedBy       = "createdBy"
	FieldCreatorName     = "creatorName"
	FieldCreatorPhotoURL = "creatorPhotoURL"
	FieldMessage         = "message"
	FieldMessageID       = "messageId"
	FieldTimestamp       = "timestamp"
	FieldMembers         = "members"
	FieldReactions       = "reactions"
	FieldSameDay         = "sameDay"
	FieldEmoji           = "emoji"
	FieldUserIDs         = "userIds"

	FieldUserID   = "userId"
	FieldName     = "name"
	FieldPhotoURL = "photoURL"
	FieldEmail    = "email"
	FieldStatus   = "status"

	FieldDescription = "description"
	FieldIsPrivate   = "isPrivate"
	FieldCreatedAt   = "createdAt"
)

func UserFromDoc(id string, data map[string]any) User {
	u := User{
		UserID:   str(data, FieldUserID),
		Name:     str(data, FieldName),
		PhotoURL: str(data, FieldPhotoURL),
		Email:    str(data, FieldEmail),
		Status:   boolean(data, FieldStatus),
	}
	if u.UserID == "" {
		u.UserID = id
	}
	return u
}

func (u User) ToDoc() map[string]any {
	return map[string]any{
		FieldUserID:   u.UserID,
		FieldName:     u.Name,
		FieldPhotoURL: u.PhotoURL,
		FieldEmail:    u.Email,
		FieldStatus:   u.Status,
	}
}

func ChannelFromDoc(id string, data map[string]any) Channel {
	return Channel{
		ID:          id,
		Name:        str(data, FieldName),
		Description: str(data, FieldDescription),
		CreatedBy:   str(data, FieldCreatedBy),
		Members:     strs(data[FieldMembers]),
		IsPrivate:   boolean(data, FieldIsPrivate),
		CreatedAt:   timeconv.Normalize(data[FieldCreatedAt]),
	}
}

// ToDoc omits CreatedAt; the store stamps it on create.
func (c Channel) ToDoc() map[string]any {
	return map[string]any{
		FieldName:        c.Name,
		FieldDescription: c.Description,
		FieldCreatedBy:   c.CreatedBy,
		FieldMembers:     toAnySlice(c.Members),
		FieldIsPrivate:   c.IsPrivate,
	}
}

// ToDoc renders the patch as a merge patch of the set fields only.
func (p ChannelPatch) ToDoc() map[string]any {
	doc := make(map[string]any)
	if p.Name != nil {
		doc[FieldName] = *p.Name
	}
	if p.Description != nil {
		doc[FieldDescription] = *p.Description
	}
	if p.Members != nil {
		doc[FieldMembers] = toAnySlice(p.Members)
	}
	return doc
}

// MessageFromDoc decodes a stored message, substituting defaults for the
// denormalized creator fields when they are missing.
func MessageFromDoc(id string, data map[string]any, defaultAvatar string) Message {
	return Message{
		DocID:           id,
		ChannelID:       str(data, FieldChannelID),
		CreatedBy:       str(data, FieldCreatedBy),
		CreatorName:     orDefault(str(data, FieldCreatorName), DefaultCreatorName),
		CreatorPhotoURL: orDefault(str(data, FieldCreatorPhotoURL), defaultAvatar),
		Message:         str(data, FieldMessage),
		Timestamp:       timeconv.Normalize(data[FieldTimestamp]),
		Members:         strs(data[FieldMembers]),
		Reactions:       ReactionsFromValue(data[FieldReactions]),
		SameDay:         boolean(data, FieldSameDay),
	}
}

// ToDoc omits DocID and Timestamp; the caller sets the timestamp sentinel.
func (m Message) ToDoc() map[string]any {
	return map[string]any{
		FieldChannelID:       m.ChannelID,
		FieldCreatedBy:       m.CreatedBy,
		FieldCreatorName:     m.CreatorName,
		FieldCreatorPhotoURL: m.CreatorPhotoURL,
		FieldMessage:         m.Message,
		FieldMembers:         toAnySlice(m.Members),
		FieldReactions:       ReactionsToValue(m.Reactions),
		FieldSameDay:         m.SameDay,
	}
}

func ThreadMessageFromDoc(parentID, id string, data map[string]any, defaultAvatar string) ThreadMessage {
	tm := ThreadMessage{
		DocID:           id,
		MessageID:       str(data, FieldMessageID),
		CreatedBy:       str(data, FieldCreatedBy),
		CreatorName:     orDefault(str(data, FieldCreatorName), DefaultCreatorName),
		CreatorPhotoURL: orDefault(str(data, FieldCreatorPhotoURL), defaultAvatar),
		Message:         str(data, FieldMessage),
		Timestamp:       timeconv.Normalize(data[FieldTimestamp]),
		Reactions:       ReactionsFromValue(data[FieldReactions]),
		SameDay:         boolean(data, FieldSameDay),
	}
	if tm.MessageID == "" {
		tm.MessageID = parentID
	}
	return tm
}

func (tm ThreadMessage) ToDoc() map[string]any {
	return map[string]any{
		FieldMessageID:       tm.MessageID,
		FieldCreatedBy:       tm.CreatedBy,
		FieldCreatorName:     tm.CreatorName,
		FieldCreatorPhotoURL: tm.CreatorPhotoURL,
		FieldMessage:         tm.Message,
		FieldReactions:       ReactionsToValue(tm.Reactions),
		FieldSameDay:         tm.SameDay,
	}
}

// ReactionsFromValue decodes a stored reaction array. Malformed entries are
// skipped.
func ReactionsFromValue(v any) []Reaction {
	items, ok := v.([]any)
	if !ok {
		return []Reaction{}
	}
	out := make([]Reaction, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		emoji := str(m, FieldEmoji)
		if emoji == "" {
			continue
		}
		out = append(out, Reaction{Emoji: emoji, UserIDs: strs(m[FieldUserIDs])})
	}
	return out
}

func ReactionsToValue(rs []Reaction) []any {
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, map[string]any{
			FieldEmoji:   r.Emoji,
			FieldUserIDs: toAnySlice(r.UserIDs),
		})
	}
	return out
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func strs(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string{}, items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
