package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/metrics"
	"github.com/vedran77/pulsesync/internal/reaction"
	"github.com/vedran77/pulsesync/internal/repository"
	"github.com/vedran77/pulsesync/pkg/validator"
	"go.uber.org/zap"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotMessageOwner  = errors.New("only the message sender can perform this action")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrForeignReaction  = errors.New("reactions can only be toggled for yourself")
	ErrUnsupportedPatch = errors.New("unsupported message patch")
)

// ProfileResolver looks up the profiles denormalized into new messages.
type ProfileResolver interface {
	ResolveNames(ctx context.Context, userIDs []string) ([]domain.User, error)
}

// MessageService writes messages and thread replies. Every mutation goes
// through the Policy.
type MessageService struct {
	store         repository.DocumentStore
	profiles      ProfileResolver
	policy        Policy
	defaultAvatar string
	log           *zap.Logger
}

func NewMessageService(store repository.DocumentStore, profiles ProfileResolver, policy Policy, defaultAvatar string, logger *zap.Logger) *MessageService {
	if policy == nil {
		policy = CreatorPolicy{}
	}
	return &MessageService{
		store:         store,
		profiles:      profiles,
		policy:        policy,
		defaultAvatar: defaultAvatar,
		log:           logger,
	}
}

// AddMessage stores msg with a server timestamp and returns its id. Missing
// creator fields are filled from the profile; missing members are copied
// from the channel.
func (s *MessageService) AddMessage(ctx context.Context, msg domain.Message) (string, error) {
	if strings.TrimSpace(msg.ChannelID) == "" || msg.CreatedBy == "" {
		return "", s.reject("validation", fmt.Errorf("%w: channel and creator are required", ErrInvalidMessage))
	}
	if errs := validator.ValidateMessage(msg.Message); errs.HasErrors() {
		return "", s.reject("validation", fmt.Errorf("%w: %s", ErrInvalidMessage, errs.Error()))
	}

	if msg.Members == nil {
		doc, err := s.store.Get(ctx, repository.ChannelsCollection, msg.ChannelID)
		if err != nil {
			return "", fmt.Errorf("reading channel %s: %w", msg.ChannelID, err)
		}
		if doc == nil {
			return "", ErrChannelNotFound
		}
		msg.Members = domain.ChannelFromDoc(doc.ID, doc.Data).Members
	}
	msg.CreatorName, msg.CreatorPhotoURL = s.creator(ctx, msg.CreatedBy, msg.CreatorName, msg.CreatorPhotoURL)
	if msg.Reactions == nil {
		msg.Reactions = []domain.Reaction{}
	}

	data := msg.ToDoc()
	data[domain.FieldTimestamp] = repository.ServerTimestamp{}

	id, err := s.store.Add(ctx, repository.MessagesCollection, data)
	if err != nil {
		return "", fmt.Errorf("adding message: %w", err)
	}
	s.log.Debug("message added", zap.String("message_id", id), zap.String("channel_id", msg.ChannelID))
	return id, nil
}

// AddThreadMessage stores reply under parentID and returns its id.
func (s *MessageService) AddThreadMessage(ctx context.Context, parentID string, reply domain.ThreadMessage) (string, error) {
	if reply.CreatedBy == "" {
		return "", s.reject("validation", fmt.Errorf("%w: creator is required", ErrInvalidMessage))
	}
	if errs := validator.ValidateMessage(reply.Message); errs.HasErrors() {
		return "", s.reject("validation", fmt.Errorf("%w: %s", ErrInvalidMessage, errs.Error()))
	}

	parent, err := s.store.Get(ctx, repository.MessagesCollection, parentID)
	if err != nil {
		return "", fmt.Errorf("reading parent message %s: %w", parentID, err)
	}
	if parent == nil {
		return "", ErrMessageNotFound
	}

	reply.MessageID = parentID
	reply.CreatorName, reply.CreatorPhotoURL = s.creator(ctx, reply.CreatedBy, reply.CreatorName, reply.CreatorPhotoURL)
	if reply.Reactions == nil {
		reply.Reactions = []domain.Reaction{}
	}

	data := reply.ToDoc()
	data[domain.FieldTimestamp] = repository.ServerTimestamp{}

	id, err := s.store.Add(ctx, repository.ThreadsCollection(parentID), data)
	if err != nil {
		return "", fmt.Errorf("adding thread message: %w", err)
	}
	return id, nil
}

// creator fills blank name and avatar from the user's profile. A failed
// lookup falls back to the defaults rather than failing the send.
func (s *MessageService) creator(ctx context.Context, userID, name, photo string) (string, string) {
	if name != "" && photo != "" {
		return name, photo
	}
	if s.profiles != nil {
		users, err := s.profiles.ResolveNames(ctx, []string{userID})
		if err != nil {
			s.log.Warn("resolving message creator failed", zap.String("user_id", userID), zap.Error(err))
		} else if len(users) == 1 {
			if name == "" {
				name = users[0].Name
			}
			if photo == "" {
				photo = users[0].PhotoURL
			}
		}
	}
	if name == "" {
		name = domain.DefaultCreatorName
	}
	if photo == "" {
		photo = s.defaultAvatar
	}
	return name, photo
}

func (s *MessageService) GetMessage(ctx context.Context, docID string) (*domain.Message, error) {
	doc, err := s.store.Get(ctx, repository.MessagesCollection, docID)
	if err != nil {
		return nil, fmt.Errorf("reading message %s: %w", docID, err)
	}
	if doc == nil {
		return nil, ErrMessageNotFound
	}
	msg := domain.MessageFromDoc(doc.ID, doc.Data, s.defaultAvatar)
	return &msg, nil
}

// UpdateMessage applies patch to a channel message on behalf of
// actingUserID.
func (s *MessageService) UpdateMessage(ctx context.Context, docID, actingUserID string, patch domain.MessagePatch) error {
	return s.applyPatch(ctx, "", docID, actingUserID, patch)
}

// UpdateThreadMessage applies patch to a reply under parentID.
func (s *MessageService) UpdateThreadMessage(ctx context.Context, parentID, docID, actingUserID string, patch domain.MessagePatch) error {
	if parentID == "" {
		return s.reject("validation", fmt.Errorf("%w: parent id is required", ErrInvalidMessage))
	}
	return s.applyPatch(ctx, parentID, docID, actingUserID, patch)
}

// applyPatch runs the policy check and the merge against the freshly read
// document inside one atomic transform, so concurrent reaction toggles from
// different users do not overwrite each other.
func (s *MessageService) applyPatch(ctx context.Context, parentID, docID, actingUserID string, patch domain.MessagePatch) error {
	var mutate func(ref MessageRef, data map[string]any) (map[string]any, error)

	switch p := patch.(type) {
	case domain.TextEdit:
		if errs := validator.ValidateMessage(p.Text); errs.HasErrors() {
			return s.reject("validation", fmt.Errorf("%w: %s", ErrInvalidMessage, errs.Error()))
		}
		mutate = func(ref MessageRef, _ map[string]any) (map[string]any, error) {
			if !s.policy.CanEditMessage(actingUserID, ref) {
				return nil, ErrNotMessageOwner
			}
			return map[string]any{domain.FieldMessage: p.Text}, nil
		}
	case domain.ReactionToggle:
		if p.UserID == "" {
			p.UserID = actingUserID
		}
		if p.UserID != actingUserID {
			return s.reject("forbidden", ErrForeignReaction)
		}
		if errs := validator.ValidateEmoji(p.Emoji); errs.HasErrors() {
			return s.reject("validation", fmt.Errorf("%w: %s", ErrInvalidMessage, errs.Error()))
		}
		mutate = func(_ MessageRef, data map[string]any) (map[string]any, error) {
			current := domain.ReactionsFromValue(data[domain.FieldReactions])
			next := reaction.Toggle(current, p.Emoji, p.UserID)
			return map[string]any{domain.FieldReactions: domain.ReactionsToValue(next)}, nil
		}
	default:
		return s.reject("validation", fmt.Errorf("%w: %T", ErrUnsupportedPatch, patch))
	}

	rootID := docID
	if parentID != "" {
		rootID = parentID
	}
	if err := s.checkChannelAccess(ctx, rootID, actingUserID); err != nil {
		return err
	}

	err := s.store.Transform(ctx, messagePath(parentID), docID, func(cur repository.Document) (map[string]any, error) {
		ref := MessageRef{
			DocID:     cur.ID,
			ParentID:  parentID,
			CreatedBy: domain.MessageFromDoc(cur.ID, cur.Data, "").CreatedBy,
		}
		return mutate(ref, cur.Data)
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrMessageNotFound
	case errors.Is(err, ErrNotMessageOwner):
		return s.reject("forbidden", err)
	case err != nil:
		return fmt.Errorf("updating message %s: %w", docID, err)
	}
	return nil
}

// DeleteMessage removes a message or, with isThread, the reply docID under
// parentID. Deleting a channel message also removes its replies.
func (s *MessageService) DeleteMessage(ctx context.Context, docID, actingUserID string, isThread bool, parentID string) error {
	if isThread && parentID == "" {
		return s.reject("validation", fmt.Errorf("%w: parent id is required", ErrInvalidMessage))
	}
	if !isThread {
		parentID = ""
	}
	rootID := docID
	if isThread {
		rootID = parentID
	}
	if err := s.checkChannelAccess(ctx, rootID, actingUserID); err != nil {
		return err
	}
	path := messagePath(parentID)

	doc, err := s.store.Get(ctx, path, docID)
	if err != nil {
		return fmt.Errorf("reading message %s: %w", docID, err)
	}
	if doc == nil {
		return ErrMessageNotFound
	}

	ref := MessageRef{
		DocID:     docID,
		ParentID:  parentID,
		CreatedBy: domain.MessageFromDoc(doc.ID, doc.Data, "").CreatedBy,
	}
	if !s.policy.CanDeleteMessage(actingUserID, ref) {
		return s.reject("forbidden", ErrNotMessageOwner)
	}

	if err := s.store.Delete(ctx, path, docID); err != nil {
		return fmt.Errorf("deleting message %s: %w", docID, err)
	}
	if !isThread {
		s.deleteReplies(ctx, docID)
	}
	return nil
}

// checkChannelAccess hides the messages of private channels from
// non-members. rootID is a channel message; replies are checked through
// their parent.
func (s *MessageService) checkChannelAccess(ctx context.Context, rootID, actingUserID string) error {
	root, err := s.store.Get(ctx, repository.MessagesCollection, rootID)
	if err != nil {
		return fmt.Errorf("reading message %s: %w", rootID, err)
	}
	if root == nil {
		return ErrMessageNotFound
	}

	channelID, _ := root.Data[domain.FieldChannelID].(string)
	if channelID == "" {
		return nil
	}
	doc, err := s.store.Get(ctx, repository.ChannelsCollection, channelID)
	if err != nil {
		return fmt.Errorf("reading channel %s: %w", channelID, err)
	}
	if doc != nil && !domain.ChannelFromDoc(doc.ID, doc.Data).VisibleTo(actingUserID) {
		return s.reject("forbidden", ErrMessageNotFound)
	}
	return nil
}

func (s *MessageService) deleteReplies(ctx context.Context, parentID string) {
	path := repository.ThreadsCollection(parentID)
	replies, err := s.store.Find(ctx, repository.Query{Collection: path})
	if err != nil {
		s.log.Warn("listing replies of deleted message failed", zap.String("message_id", parentID), zap.Error(err))
		return
	}
	for _, r := range replies {
		if err := s.store.Delete(ctx, path, r.ID); err != nil {
			s.log.Warn("deleting reply failed",
				zap.String("message_id", parentID),
				zap.String("reply_id", r.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *MessageService) reject(reason string, err error) error {
	metrics.RejectedMutations.WithLabelValues(reason).Inc()
	return err
}

func messagePath(parentID string) string {
	if parentID == "" {
		return repository.MessagesCollection
	}
	return repository.ThreadsCollection(parentID)
}
