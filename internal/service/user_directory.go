package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/live"
	"github.com/vedran77/pulsesync/internal/metrics"
	"github.com/vedran77/pulsesync/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUserNotFound = errors.New("user not found")

const pointReadTimeout = 10 * time.Second

type userHandle struct {
	v *live.Value[domain.User]

	mu sync.Mutex
	// live is set once the collection subscription has delivered this user,
	// after which point reads no longer overwrite it.
	live bool

	// idle marks a handle that was unsubscribed and absent from the last
	// snapshot. Guarded by UserDirectory.mu.
	idle bool
}

// UserDirectory caches user profiles behind one subscription to the whole
// users collection. Handles are shared: every ObserveUser call for the same
// id returns the same live value while it is cached.
//
// The cache holds every existing user plus the ids someone subscribes to.
// A handle for an id without a profile is evicted once it has gone
// unsubscribed through two snapshots, so probing unknown ids cannot grow
// it without bound.
type UserDirectory struct {
	store         repository.DocumentStore
	log           *zap.Logger
	defaultAvatar string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*userHandle
	all     *live.Value[[]domain.User]

	// subMu serializes Start and Close.
	subMu sync.Mutex
	sub   repository.Subscription
}

func NewUserDirectory(store repository.DocumentStore, logger *zap.Logger, defaultAvatar string) *UserDirectory {
	ctx, cancel := context.WithCancel(context.Background())
	return &UserDirectory{
		store:         store,
		log:           logger,
		defaultAvatar: defaultAvatar,
		ctx:           ctx,
		cancel:        cancel,
		handles:       make(map[string]*userHandle),
		all:           live.NewValue([]domain.User{}),
	}
}

// Start opens the collection subscription. Later calls, including the
// implicit ones from ObserveUser and ObserveAllUsers, reuse it, or retry
// when an earlier attempt failed.
func (d *UserDirectory) Start() error {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	if d.ctx.Err() != nil {
		return errors.New("user directory closed")
	}
	d.mu.Lock()
	running := d.sub != nil
	d.mu.Unlock()
	if running {
		return nil
	}

	sub, err := d.store.Subscribe(d.ctx, repository.Query{Collection: repository.UsersCollection}, d.onSnapshot)
	if err != nil {
		d.log.Error("user directory subscription failed", zap.Error(err))
		return fmt.Errorf("subscribing to users: %w", err)
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	metrics.LiveSubscriptions.WithLabelValues("users").Inc()
	return nil
}

// CachedUsers reports how many per-user handles are cached.
func (d *UserDirectory) CachedUsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *UserDirectory) onSnapshot(docs []repository.Document) {
	metrics.Snapshots.WithLabelValues("users").Inc()

	users := make([]domain.User, 0, len(docs))
	byID := make(map[string]domain.User, len(docs))
	for _, doc := range docs {
		u := domain.UserFromDoc(doc.ID, doc.Data)
		if u.PhotoURL == "" {
			u.PhotoURL = d.defaultAvatar
		}
		users = append(users, u)
		byID[u.UserID] = u
	}

	d.mu.Lock()
	for id, h := range d.handles {
		if _, ok := byID[id]; ok || h.v.Subscribers() > 0 {
			h.idle = false
			continue
		}
		if h.idle {
			delete(d.handles, id)
			continue
		}
		h.idle = true
	}
	handles := maps.Clone(d.handles)
	d.mu.Unlock()

	for id, h := range handles {
		h.mu.Lock()
		if u, ok := byID[id]; ok {
			h.live = true
			if h.v.Get() != u {
				h.v.Set(u)
			}
		} else if h.live {
			// Deleted accounts fall back to the placeholder.
			h.live = false
			h.v.Set(domain.PlaceholderUser(id, d.defaultAvatar))
		}
		h.mu.Unlock()
	}
	d.all.Set(users)
}

// ObserveUser returns the shared live handle for userID. An unseen id
// starts as the placeholder and is filled by a point read.
func (d *UserDirectory) ObserveUser(userID string) live.Observable[domain.User] {
	d.mu.Lock()
	h, ok := d.handles[userID]
	if !ok {
		h = &userHandle{v: live.NewValue(domain.PlaceholderUser(userID, d.defaultAvatar))}
		d.handles[userID] = h
	}
	d.mu.Unlock()

	if !ok {
		// Start logs a failure and the next call retries it.
		_ = d.Start()
		go d.pointRead(userID)
	}
	return h.v
}

func (d *UserDirectory) pointRead(userID string) {
	ctx, cancel := context.WithTimeout(d.ctx, pointReadTimeout)
	defer cancel()

	u, err := d.lookup(ctx, userID)
	if err != nil {
		d.log.Warn("user point read failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if u == nil {
		d.log.Debug("user not found, keeping placeholder", zap.String("user_id", userID))
		return
	}

	d.mu.Lock()
	h := d.handles[userID]
	d.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	if !h.live {
		h.v.Set(*u)
	}
	h.mu.Unlock()
}

func (d *UserDirectory) lookup(ctx context.Context, userID string) (*domain.User, error) {
	doc, err := d.store.Get(ctx, repository.UsersCollection, userID)
	if err != nil || doc == nil {
		return nil, err
	}
	u := domain.UserFromDoc(doc.ID, doc.Data)
	if u.PhotoURL == "" {
		u.PhotoURL = d.defaultAvatar
	}
	return &u, nil
}

func (d *UserDirectory) ObserveName(userID string) live.Observable[string] {
	return live.Map(d.ObserveUser(userID), func(u domain.User) string { return u.Name })
}

func (d *UserDirectory) ObserveAvatarURL(userID string) live.Observable[string] {
	return live.Map(d.ObserveUser(userID), func(u domain.User) string { return u.PhotoURL })
}

func (d *UserDirectory) ObserveStatus(userID string) live.Observable[bool] {
	return live.Map(d.ObserveUser(userID), func(u domain.User) bool { return u.Status })
}

// ObserveAllUsers returns every user in snapshot order.
func (d *UserDirectory) ObserveAllUsers() live.Observable[[]domain.User] {
	_ = d.Start()
	return d.all
}

// ListUsers is a one-shot read of every profile.
func (d *UserDirectory) ListUsers(ctx context.Context) ([]domain.User, error) {
	docs, err := d.store.Find(ctx, repository.Query{Collection: repository.UsersCollection})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]domain.User, 0, len(docs))
	for _, doc := range docs {
		u := domain.UserFromDoc(doc.ID, doc.Data)
		if u.PhotoURL == "" {
			u.PhotoURL = d.defaultAvatar
		}
		users = append(users, u)
	}
	return users, nil
}

// ResolveNames point-reads each id once. Ids without a document resolve to
// the placeholder.
func (d *UserDirectory) ResolveNames(ctx context.Context, userIDs []string) ([]domain.User, error) {
	out := make([]domain.User, len(userIDs))
	g, ctx := errgroup.WithContext(ctx)
	for i, id := range userIDs {
		g.Go(func() error {
			u, err := d.lookup(ctx, id)
			if err != nil {
				return fmt.Errorf("resolving user %s: %w", id, err)
			}
			if u == nil {
				out[i] = domain.PlaceholderUser(id, d.defaultAvatar)
				return nil
			}
			out[i] = *u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureUser creates the profile document for a newly seen identity.
// Existing profiles are left untouched.
func (d *UserDirectory) EnsureUser(ctx context.Context, u domain.User) error {
	if u.UserID == "" {
		return fmt.Errorf("ensure user: empty id")
	}
	err := d.store.Create(ctx, repository.UsersCollection, u.UserID, u.ToDoc())
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil
	}
	return err
}

// SetStatus records presence.
func (d *UserDirectory) SetStatus(ctx context.Context, userID string, online bool) error {
	err := d.store.Update(ctx, repository.UsersCollection, userID, map[string]any{domain.FieldStatus: online})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

// FindByEmail returns nil, nil when no profile carries the address.
func (d *UserDirectory) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	docs, err := d.store.Find(ctx, repository.Where(repository.UsersCollection, domain.FieldEmail, email))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	u := domain.UserFromDoc(docs[0].ID, docs[0].Data)
	return &u, nil
}

// Close drops the collection subscription. Handles keep their last value.
func (d *UserDirectory) Close() {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.cancel()
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub != nil {
		sub.Close()
		metrics.LiveSubscriptions.WithLabelValues("users").Dec()
	}
}
