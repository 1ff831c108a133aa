// Package memory is an in-process DocumentStore with live queries. It
// backs the test suites and the STORE_BACKEND=memory development mode.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/pulsesync/internal/repository"
	"go.uber.org/zap"
)

type collection struct {
	order []string
	docs  map[string]map[string]any
}

type Store struct {
	mu    sync.Mutex
	cols  map[string]*collection
	subs  map[uint64]*subscription
	next  uint64
	now   func() time.Time
	newID func() string
	log   *zap.Logger
}

func New(logger *zap.Logger) *Store {
	return &Store{
		cols:  make(map[string]*collection),
		subs:  make(map[uint64]*subscription),
		now:   time.Now,
		newID: uuid.NewString,
		log:   logger,
	}
}

// SetClock overrides the clock used for server timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Subscriptions counts open live queries on a collection path.
func (s *Store) Subscriptions(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.q.Collection == path {
			n++
		}
	}
	return n
}

func (s *Store) col(path string) *collection {
	c, ok := s.cols[path]
	if !ok {
		c = &collection{docs: make(map[string]map[string]any)}
		s.cols[path] = c
	}
	return c
}

func (s *Store) Get(ctx context.Context, path, id string) (*repository.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.col(path).docs[id]
	if !ok {
		return nil, nil
	}
	return &repository.Document{ID: id, Data: copyMap(data)}, nil
}

func (s *Store) Find(ctx context.Context, q repository.Query) ([]repository.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query(q), nil
}

// query must be called with s.mu held.
func (s *Store) query(q repository.Query) []repository.Document {
	c := s.col(q.Collection)
	docs := make([]repository.Document, 0, len(c.order))
	for _, id := range c.order {
		doc := repository.Document{ID: id, Data: c.docs[id]}
		if !q.Where.Matches(doc) {
			continue
		}
		docs = append(docs, repository.Document{ID: id, Data: copyMap(doc.Data)})
	}
	return docs
}

func (s *Store) Add(ctx context.Context, path string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	s.insert(path, id, data)
	return id, nil
}

func (s *Store) Create(ctx context.Context, path, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.col(path).docs[id]; ok {
		return fmt.Errorf("%s/%s: %w", path, id, repository.ErrAlreadyExists)
	}
	s.insert(path, id, data)
	return nil
}

// insert must be called with s.mu held.
func (s *Store) insert(path, id string, data map[string]any) {
	c := s.col(path)
	c.order = append(c.order, id)
	c.docs[id] = s.resolve(data)
	s.publish(path)
}

func (s *Store) resolve(data map[string]any) map[string]any {
	now := s.now().UTC()
	return copyMap(repository.ResolveServerTimestamps(data, func() any { return now }))
}

func (s *Store) Update(ctx context.Context, path, id string, patch map[string]any) error {
	return s.Transform(ctx, path, id, func(repository.Document) (map[string]any, error) {
		return patch, nil
	})
}

// Transform holds the store lock across fn, so concurrent transforms on the
// same document are serialized.
func (s *Store) Transform(ctx context.Context, path, id string, fn repository.TransformFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.col(path)
	data, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", path, id, repository.ErrNotFound)
	}
	patch, err := fn(repository.Document{ID: id, Data: copyMap(data)})
	if err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}
	c.docs[id] = repository.Merge(data, s.resolve(patch))
	s.publish(path)
	return nil
}

func (s *Store) Delete(ctx context.Context, path, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.col(path)
	if _, ok := c.docs[id]; !ok {
		return nil
	}
	delete(c.docs, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	s.publish(path)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, q repository.Query, fn repository.SnapshotFunc) (repository.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		store:  s,
		q:      q,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
	}

	s.mu.Lock()
	sub.id = s.next
	s.next++
	s.subs[sub.id] = sub
	sub.offer(s.query(q))
	s.mu.Unlock()

	s.log.Debug("subscription opened", zap.String("collection", q.Collection), zap.Uint64("sub", sub.id))
	go sub.run(ctx)
	return sub, nil
}

// publish must be called with s.mu held.
func (s *Store) publish(path string) {
	for _, sub := range s.subs {
		if sub.q.Collection == path {
			sub.offer(s.query(sub.q))
		}
	}
}

func (s *Store) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// subscription delivers the most recent snapshot to fn on its own
// goroutine. Snapshots are full result sets, so intermediate ones that were
// never delivered can be dropped.
type subscription struct {
	store  *Store
	id     uint64
	q      repository.Query
	fn     repository.SnapshotFunc
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []repository.Document
	has     bool

	wake chan struct{}
	once sync.Once
}

func (sub *subscription) offer(docs []repository.Document) {
	sub.mu.Lock()
	sub.pending = docs
	sub.has = true
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run(ctx context.Context) {
	defer sub.store.remove(sub.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.wake:
		}

		sub.mu.Lock()
		docs, has := sub.pending, sub.has
		sub.pending, sub.has = nil, false
		sub.mu.Unlock()

		if has && ctx.Err() == nil {
			sub.fn(docs)
		}
	}
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.cancel()
		sub.store.remove(sub.id)
		sub.store.log.Debug("subscription closed", zap.String("collection", sub.q.Collection), zap.Uint64("sub", sub.id))
	})
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = item
		}
		return out
	}
	return v
}
