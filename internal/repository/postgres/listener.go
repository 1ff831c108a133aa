package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/vedran77/pulsesync/internal/repository"
	"go.uber.org/zap"
)

// Listen holds a dedicated connection on NotifyChannel and refreshes the
// live queries of every collection it hears about. It blocks until ctx is
// done or the connection fails.
func (s *DocumentStore) Listen(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	s.log.Info("listening for document changes", zap.String("channel", NotifyChannel))

	// Anything written before LISTEN took effect would otherwise be missed.
	s.refreshAll()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}
		s.refresh(n.Payload)
	}
}

func (s *DocumentStore) Subscribe(ctx context.Context, q repository.Query, fn repository.SnapshotFunc) (repository.Subscription, error) {
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
	s.mu.Unlock()

	sub.poke()
	go sub.run(ctx)
	return sub, nil
}

// Subscriptions counts open live queries.
func (s *DocumentStore) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *DocumentStore) refresh(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.q.Collection == collection {
			sub.poke()
		}
	}
}

func (s *DocumentStore) refreshAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.poke()
	}
}

func (s *DocumentStore) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// subscription re-queries when poked. Pokes that arrive while a query is
// running collapse into one follow-up query.
type subscription struct {
	store  *DocumentStore
	id     uint64
	q      repository.Query
	fn     repository.SnapshotFunc
	wake   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (sub *subscription) poke() {
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

		docs, err := sub.store.Find(ctx, sub.q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.store.log.Warn("live query failed",
				zap.String("collection", sub.q.Collection), zap.Error(err))
			continue
		}
		if ctx.Err() == nil {
			sub.fn(docs)
		}
	}
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.cancel()
		sub.store.remove(sub.id)
	})
	return nil
}
