package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/live"
	"github.com/vedran77/pulsesync/internal/metrics"
	"github.com/vedran77/pulsesync/internal/repository"
	"github.com/vedran77/pulsesync/pkg/validator"
	"go.uber.org/zap"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrInvalidChannel  = errors.New("invalid channel")
)

const (
	scopeChannelList = "channels"
	scopeCurrent     = "current"
)

type CreateChannelInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	CreatedBy   string   `json:"-"`
	Members     []string `json:"members"`
	IsPrivate   bool     `json:"isPrivate"`
}

// ChannelRegistry owns the channel list and one user's current selection.
// Subscribers of ObserveCurrentChannel must not call SelectChannel from
// their callback.
type ChannelRegistry struct {
	store repository.DocumentStore
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	selectMu sync.Mutex

	mu         sync.Mutex
	currentGen uint64
	current    *live.Value[*domain.Channel]
	channels   *live.Value[[]domain.Channel]
	scope      *live.Scope
}

func NewChannelRegistry(store repository.DocumentStore, logger *zap.Logger) *ChannelRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelRegistry{
		store:    store,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		current:  live.NewValue[*domain.Channel](nil),
		channels: live.NewValue([]domain.Channel{}),
		scope:    live.NewScope(),
	}
}

func (r *ChannelRegistry) CreateChannel(ctx context.Context, in CreateChannelInput) (*domain.Channel, error) {
	members := domain.MemberSet(in.Members)
	if len(members) == 0 && in.CreatedBy != "" {
		members = []string{in.CreatedBy}
	}
	if errs := validator.ValidateChannel(in.Name, in.IsPrivate, members); errs.HasErrors() {
		metrics.RejectedMutations.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("%w: %s", ErrInvalidChannel, errs.Error())
	}

	ch := domain.Channel{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		Members:     members,
		IsPrivate:   in.IsPrivate,
	}
	data := ch.ToDoc()
	data[domain.FieldCreatedAt] = repository.ServerTimestamp{}

	id, err := r.store.Add(ctx, repository.ChannelsCollection, data)
	if err != nil {
		return nil, fmt.Errorf("creating channel: %w", err)
	}
	return r.GetChannel(ctx, id)
}

func (r *ChannelRegistry) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	doc, err := r.store.Get(ctx, repository.ChannelsCollection, id)
	if err != nil {
		return nil, fmt.Errorf("reading channel %s: %w", id, err)
	}
	if doc == nil {
		return nil, ErrChannelNotFound
	}
	ch := domain.ChannelFromDoc(doc.ID, doc.Data)
	return &ch, nil
}

// SelectChannel publishes the channel as current and keeps it live. An
// unknown id is logged and leaves the previous selection in place.
func (r *ChannelRegistry) SelectChannel(ctx context.Context, id string) error {
	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	ch, err := r.GetChannel(ctx, id)
	if errors.Is(err, ErrChannelNotFound) {
		r.log.Warn("selected channel does not exist", zap.String("channel_id", id))
		return err
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.currentGen++
	gen := r.currentGen
	r.current.Set(ch)
	r.mu.Unlock()

	// The old channel's subscription goes before the new one opens.
	r.scope.Release(scopeCurrent)

	sub, err := r.store.Subscribe(r.ctx, repository.ByID(repository.ChannelsCollection, id), func(docs []repository.Document) {
		r.onCurrent(gen, docs)
	})
	if err != nil {
		return fmt.Errorf("subscribing to channel %s: %w", id, err)
	}
	metrics.LiveSubscriptions.WithLabelValues("channel").Inc()
	r.scope.Add(scopeCurrent, func() {
		sub.Close()
		metrics.LiveSubscriptions.WithLabelValues("channel").Dec()
	})
	return nil
}

func (r *ChannelRegistry) onCurrent(gen uint64, docs []repository.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.currentGen {
		metrics.StaleSnapshots.WithLabelValues("channel").Inc()
		return
	}
	metrics.Snapshots.WithLabelValues("channel").Inc()
	if len(docs) == 0 {
		// Channels are not deleted in normal flow; keep the last value.
		return
	}
	ch := domain.ChannelFromDoc(docs[0].ID, docs[0].Data)
	r.current.Set(&ch)
}

func (r *ChannelRegistry) CurrentChannel() *domain.Channel {
	return r.current.Get()
}

func (r *ChannelRegistry) ObserveCurrentChannel() live.Observable[*domain.Channel] {
	return r.current
}

// ObserveChannels returns the live list of every channel, oldest first.
func (r *ChannelRegistry) ObserveChannels() (live.Observable[[]domain.Channel], error) {
	if err := r.ensureChannelList(); err != nil {
		return nil, err
	}
	return r.channels, nil
}

// ObserveAllChannelsLive calls onChange with the current list and every
// later one until the returned cancel func is called.
func (r *ChannelRegistry) ObserveAllChannelsLive(onChange func([]domain.Channel)) (func(), error) {
	if err := r.ensureChannelList(); err != nil {
		return nil, err
	}
	return r.channels.Subscribe(onChange), nil
}

func (r *ChannelRegistry) ensureChannelList() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scope.Has(scopeChannelList) {
		return nil
	}
	sub, err := r.store.Subscribe(r.ctx, repository.Query{Collection: repository.ChannelsCollection}, r.onChannels)
	if err != nil {
		return fmt.Errorf("subscribing to channels: %w", err)
	}
	metrics.LiveSubscriptions.WithLabelValues("channels").Inc()
	r.scope.Add(scopeChannelList, func() {
		sub.Close()
		metrics.LiveSubscriptions.WithLabelValues("channels").Dec()
	})
	return nil
}

func (r *ChannelRegistry) onChannels(docs []repository.Document) {
	metrics.Snapshots.WithLabelValues("channels").Inc()
	r.channels.Set(decodeChannels(docs))
}

// ListChannels is a one-shot read of every channel, oldest first.
func (r *ChannelRegistry) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	docs, err := r.store.Find(ctx, repository.Query{Collection: repository.ChannelsCollection})
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return decodeChannels(docs), nil
}

func decodeChannels(docs []repository.Document) []domain.Channel {
	chs := make([]domain.Channel, 0, len(docs))
	for _, doc := range docs {
		chs = append(chs, domain.ChannelFromDoc(doc.ID, doc.Data))
	}
	sortByTime(chs, func(c domain.Channel) time.Time { return c.CreatedAt }, Ascending)
	return chs
}

// FindPrivateChannelByMembers returns the private channels whose member set
// equals memberIDs, ignoring order and duplicates.
func (r *ChannelRegistry) FindPrivateChannelByMembers(ctx context.Context, memberIDs []string) ([]domain.Channel, error) {
	docs, err := r.store.Find(ctx, repository.Where(repository.ChannelsCollection, domain.FieldIsPrivate, true))
	if err != nil {
		return nil, fmt.Errorf("finding private channels: %w", err)
	}
	matches := []domain.Channel{}
	for _, ch := range decodeChannels(docs) {
		if domain.SameMembers(ch.Members, memberIDs) {
			matches = append(matches, ch)
		}
	}
	return matches, nil
}

// OpenPrivateChannel returns the private channel for creatorID and
// memberIDs, creating it if none exists. The document id is derived from
// the member set, so two concurrent first contacts converge on one channel.
func (r *ChannelRegistry) OpenPrivateChannel(ctx context.Context, creatorID string, memberIDs []string) (*domain.Channel, error) {
	members := domain.MemberSet(append([]string{creatorID}, memberIDs...))
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no members", ErrInvalidChannel)
	}

	existing, err := r.FindPrivateChannelByMembers(ctx, members)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	id := domain.PrivateChannelID(members)
	ch := domain.Channel{CreatedBy: creatorID, Members: members, IsPrivate: true}
	data := ch.ToDoc()
	data[domain.FieldCreatedAt] = repository.ServerTimestamp{}

	err = r.store.Create(ctx, repository.ChannelsCollection, id, data)
	if errors.Is(err, repository.ErrAlreadyExists) {
		r.log.Debug("private channel created concurrently", zap.String("channel_id", id))
	} else if err != nil {
		return nil, fmt.Errorf("creating private channel: %w", err)
	}
	return r.GetChannel(ctx, id)
}

// UpdateChannel merges patch into the channel. Unset fields are untouched.
func (r *ChannelRegistry) UpdateChannel(ctx context.Context, id string, patch domain.ChannelPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	if patch.Members != nil {
		patch.Members = domain.MemberSet(patch.Members)
	}

	err := r.store.Transform(ctx, repository.ChannelsCollection, id, func(cur repository.Document) (map[string]any, error) {
		merged := domain.ChannelFromDoc(cur.ID, repository.Merge(cur.Data, patch.ToDoc()))
		if errs := validator.ValidateChannel(merged.Name, merged.IsPrivate, merged.Members); errs.HasErrors() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidChannel, errs.Error())
		}
		return patch.ToDoc(), nil
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrChannelNotFound
	case errors.Is(err, ErrInvalidChannel):
		metrics.RejectedMutations.WithLabelValues("validation").Inc()
		return err
	case err != nil:
		return fmt.Errorf("updating channel %s: %w", id, err)
	}
	return nil
}

// Close releases the list and selection subscriptions.
func (r *ChannelRegistry) Close() {
	r.cancel()
	r.scope.Close()
}
