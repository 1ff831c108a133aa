package service

import (
	"context"
	"errors"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/repository"
	"go.uber.org/zap"
)

// Core holds the process-wide pieces every session shares: the store, the
// user directory and the message writer.
type Core struct {
	Store    repository.DocumentStore
	Users    *UserDirectory
	Messages *MessageService
	Ordering Ordering
	Log      *zap.Logger
}

func NewCore(store repository.DocumentStore, users *UserDirectory, messages *MessageService, ordering Ordering, logger *zap.Logger) *Core {
	return &Core{
		Store:    store,
		Users:    users,
		Messages: messages,
		Ordering: ordering,
		Log:      logger,
	}
}

// Session is one user's view: a channel selection and the message stream
// that follows it.
type Session struct {
	UserID   string
	Channels *ChannelRegistry
	Stream   *MessageStream

	log    *zap.Logger
	unbind func()
}

func (c *Core) NewSession(userID string) *Session {
	log := c.Log.With(zap.String("user_id", userID))
	s := &Session{
		UserID:   userID,
		Channels: NewChannelRegistry(c.Store, log),
		Stream:   NewMessageStream(c.Messages, c.Ordering, log),
		log:      log,
	}
	s.unbind = s.Channels.ObserveCurrentChannel().Subscribe(s.follow)
	return s
}

func (s *Session) follow(ch *domain.Channel) {
	if ch == nil {
		return
	}
	if err := s.Stream.LoadMessagesForChannel(ch.ID); err != nil {
		s.log.Error("loading channel messages failed", zap.String("channel_id", ch.ID), zap.Error(err))
	}
}

// SelectChannel selects a channel the user can see. The stream follows the
// selection.
func (s *Session) SelectChannel(ctx context.Context, channelID string) error {
	ch, err := s.Channels.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			s.log.Warn("selected channel does not exist", zap.String("channel_id", channelID))
		}
		return err
	}
	if !ch.VisibleTo(s.UserID) {
		return ErrChannelNotFound
	}
	return s.Channels.SelectChannel(ctx, channelID)
}

// Close stops following the selection and releases every subscription.
func (s *Session) Close() {
	s.unbind()
	s.Stream.Close()
	s.Channels.Close()
}
