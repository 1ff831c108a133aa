package live

import "sync"

// Observable is a read-only view of a live value.
type Observable[T any] interface {
	// Get returns the current value.
	Get() T
	// Subscribe calls fn with the current value and then with every
	// subsequent value until the returned cancel func is called.
	Subscribe(fn func(T)) (cancel func())
}

// Value holds a value and pushes every change to its subscribers.
// Deliveries for one Value are serialized in Set order. A subscriber must
// not call Set on the same Value from inside its callback.
type Value[T any] struct {
	deliver sync.Mutex

	mu   sync.RWMutex
	v    T
	subs map[uint64]func(T)
	next uint64
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[uint64]func(T))}
}

func (lv *Value[T]) Get() T {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.v
}

// Set replaces the value and notifies subscribers.
func (lv *Value[T]) Set(v T) {
	lv.deliver.Lock()
	defer lv.deliver.Unlock()

	lv.mu.Lock()
	lv.v = v
	fns := make([]func(T), 0, len(lv.subs))
	for _, fn := range lv.subs {
		fns = append(fns, fn)
	}
	lv.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Update applies f to the current value under the delivery lock so
// concurrent read-modify-write callers do not lose each other's changes.
func (lv *Value[T]) Update(f func(T) T) {
	lv.deliver.Lock()
	defer lv.deliver.Unlock()

	lv.mu.Lock()
	v := f(lv.v)
	lv.v = v
	fns := make([]func(T), 0, len(lv.subs))
	for _, fn := range lv.subs {
		fns = append(fns, fn)
	}
	lv.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (lv *Value[T]) Subscribe(fn func(T)) func() {
	lv.deliver.Lock()
	lv.mu.Lock()
	id := lv.next
	lv.next++
	lv.subs[id] = fn
	cur := lv.v
	lv.mu.Unlock()
	fn(cur)
	lv.deliver.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lv.mu.Lock()
			delete(lv.subs, id)
			lv.mu.Unlock()
		})
	}
}

// Subscribers reports how many callbacks are attached.
func (lv *Value[T]) Subscribers() int {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return len(lv.subs)
}

type mapped[T, U any] struct {
	src Observable[T]
	f   func(T) U
}

// Map derives a projection of src. It does not hold a subscription of its
// own; each Subscribe on the result subscribes to src.
func Map[T, U any](src Observable[T], f func(T) U) Observable[U] {
	return mapped[T, U]{src: src, f: f}
}

func (m mapped[T, U]) Get() U {
	return m.f(m.src.Get())
}

func (m mapped[T, U]) Subscribe(fn func(U)) func() {
	return m.src.Subscribe(func(t T) { fn(m.f(t)) })
}
