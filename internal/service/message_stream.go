package service

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/live"
	"github.com/vedran77/pulsesync/internal/metrics"
	"github.com/vedran77/pulsesync/internal/repository"
	"go.uber.org/zap"
)

type StreamState int

const (
	StateIdle StreamState = iota
	StateLoading
	StateLive
)

func (s StreamState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	}
	return "idle"
}

// ThreadView is the reply list of the thread opened with LoadThreadMessages.
type ThreadView struct {
	ParentID string                 `json:"parentId"`
	Replies  []domain.ThreadMessage `json:"replies"`
}

const (
	scopeMessages = "messages"
	scopeThread   = "thread"
	replyPrefix   = "reply:"
)

// MessageStream keeps the messages of one channel live, together with the
// reply list of every loaded message and at most one open thread.
//
// Loading another channel tears down every subscription of the previous one
// before the new query is issued. Snapshots from a replaced subscription
// are dropped. Subscribers of the observed values must not call the Load,
// Unload or Close methods from their callback.
type MessageStream struct {
	*MessageService

	store         repository.DocumentStore
	ordering      Ordering
	defaultAvatar string
	log           *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// loop serializes loads and snapshot handling.
	loop sync.Mutex

	mu           sync.Mutex
	state        StreamState
	channelID    string
	gen          uint64
	threadParent string
	threadGen    uint64
	replySeq     map[string]uint64
	nextSeq      uint64
	closed       bool

	scope    *live.Scope
	messages *live.Value[[]domain.Message]
	replies  *live.Value[map[string][]domain.ThreadMessage]
	thread   *live.Value[ThreadView]
}

func NewMessageStream(svc *MessageService, ordering Ordering, logger *zap.Logger) *MessageStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageStream{
		MessageService: svc,
		store:          svc.store,
		ordering:       ordering,
		defaultAvatar:  svc.defaultAvatar,
		log:            logger,
		ctx:            ctx,
		cancel:         cancel,
		replySeq:       make(map[string]uint64),
		scope:          live.NewScope(),
		messages:       live.NewValue([]domain.Message{}),
		replies:        live.NewValue(map[string][]domain.ThreadMessage{}),
		thread:         live.NewValue(ThreadView{Replies: []domain.ThreadMessage{}}),
	}
}

// LoadMessagesForChannel switches the stream to channelID. Loading the
// channel that is already loaded is a no-op.
func (s *MessageStream) LoadMessagesForChannel(channelID string) error {
	s.loop.Lock()
	defer s.loop.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("load channel %s: stream closed", channelID)
	}
	if channelID == s.channelID && s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.channelID = channelID
	s.state = StateLoading
	s.threadParent = ""
	s.threadGen++
	clear(s.replySeq)
	s.mu.Unlock()

	s.teardown()

	sub, err := s.store.Subscribe(s.ctx, repository.Where(repository.MessagesCollection, domain.FieldChannelID, channelID), func(docs []repository.Document) {
		s.onMessages(gen, docs)
	})
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateIdle
			s.channelID = ""
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribing to messages of %s: %w", channelID, err)
	}
	metrics.LiveSubscriptions.WithLabelValues("messages").Inc()
	s.scope.Add(scopeMessages, func() {
		sub.Close()
		metrics.LiveSubscriptions.WithLabelValues("messages").Dec()
	})

	s.log.Debug("channel loading", zap.String("channel_id", channelID))
	return nil
}

// teardown releases every subscription and clears the published state.
// Callers hold loop.
func (s *MessageStream) teardown() {
	s.scope.ReleaseAll()
	s.messages.Set([]domain.Message{})
	s.replies.Set(map[string][]domain.ThreadMessage{})
	s.thread.Set(ThreadView{Replies: []domain.ThreadMessage{}})
}

func (s *MessageStream) onMessages(gen uint64, docs []repository.Document) {
	s.loop.Lock()
	defer s.loop.Unlock()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		metrics.StaleSnapshots.WithLabelValues("messages").Inc()
		return
	}
	s.state = StateLive
	s.mu.Unlock()
	metrics.Snapshots.WithLabelValues("messages").Inc()

	msgs := make([]domain.Message, 0, len(docs))
	for _, doc := range docs {
		msgs = append(msgs, domain.MessageFromDoc(doc.ID, doc.Data, s.defaultAvatar))
	}
	sortByTime(msgs, func(m domain.Message) time.Time { return m.Timestamp }, s.ordering.Messages)

	s.syncReplies(gen, msgs)
	s.messages.Set(msgs)
}

// syncReplies keeps exactly one reply subscription per listed message.
// Subscriptions of messages that left the list are released; running ones
// are left alone.
func (s *MessageStream) syncReplies(gen uint64, msgs []domain.Message) {
	want := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		want[m.DocID] = true
	}

	var gone []string
	for _, key := range s.scope.Keys() {
		parentID, ok := strings.CutPrefix(key, replyPrefix)
		if ok && !want[parentID] {
			gone = append(gone, parentID)
		}
	}
	if len(gone) > 0 {
		s.mu.Lock()
		for _, id := range gone {
			delete(s.replySeq, id)
		}
		s.mu.Unlock()
		for _, id := range gone {
			s.scope.Release(replyPrefix + id)
		}
		s.replies.Update(func(cur map[string][]domain.ThreadMessage) map[string][]domain.ThreadMessage {
			next := maps.Clone(cur)
			for _, id := range gone {
				delete(next, id)
			}
			return next
		})
	}

	for _, m := range msgs {
		if !s.scope.Has(replyPrefix + m.DocID) {
			s.subscribeReplies(gen, m.DocID)
		}
	}
}

func (s *MessageStream) subscribeReplies(gen uint64, parentID string) {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	s.replySeq[parentID] = seq
	s.mu.Unlock()

	sub, err := s.store.Subscribe(s.ctx, repository.Query{Collection: repository.ThreadsCollection(parentID)}, func(docs []repository.Document) {
		s.onReplies(gen, parentID, seq, docs)
	})
	if err != nil {
		// Left unsubscribed; the next snapshot of the channel retries.
		s.log.Warn("subscribing to replies failed", zap.String("message_id", parentID), zap.Error(err))
		return
	}
	metrics.LiveSubscriptions.WithLabelValues("replies").Inc()
	s.scope.Add(replyPrefix+parentID, func() {
		sub.Close()
		metrics.LiveSubscriptions.WithLabelValues("replies").Dec()
	})
}

func (s *MessageStream) onReplies(gen uint64, parentID string, seq uint64, docs []repository.Document) {
	s.loop.Lock()
	defer s.loop.Unlock()

	s.mu.Lock()
	stale := gen != s.gen || s.replySeq[parentID] != seq
	s.mu.Unlock()
	if stale {
		metrics.StaleSnapshots.WithLabelValues("replies").Inc()
		return
	}
	metrics.Snapshots.WithLabelValues("replies").Inc()

	replies := s.decodeReplies(parentID, docs, s.ordering.ThreadFanout)
	s.replies.Update(func(cur map[string][]domain.ThreadMessage) map[string][]domain.ThreadMessage {
		next := maps.Clone(cur)
		next[parentID] = replies
		return next
	})
}

// LoadThreadMessages opens the thread of parentID, replacing any other open
// thread. Opening the thread that is already open is a no-op.
func (s *MessageStream) LoadThreadMessages(parentID string) error {
	if parentID == "" {
		s.CloseThread()
		return nil
	}

	s.loop.Lock()
	defer s.loop.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("load thread %s: stream closed", parentID)
	}
	if parentID == s.threadParent {
		s.mu.Unlock()
		return nil
	}
	s.threadGen++
	tgen := s.threadGen
	s.threadParent = parentID
	s.mu.Unlock()

	s.scope.Release(scopeThread)
	s.thread.Set(ThreadView{ParentID: parentID, Replies: []domain.ThreadMessage{}})

	sub, err := s.store.Subscribe(s.ctx, repository.Query{Collection: repository.ThreadsCollection(parentID)}, func(docs []repository.Document) {
		s.onThread(tgen, parentID, docs)
	})
	if err != nil {
		s.mu.Lock()
		if s.threadGen == tgen {
			s.threadParent = ""
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribing to thread %s: %w", parentID, err)
	}
	metrics.LiveSubscriptions.WithLabelValues("thread").Inc()
	s.scope.Add(scopeThread, func() {
		sub.Close()
		metrics.LiveSubscriptions.WithLabelValues("thread").Dec()
	})
	return nil
}

func (s *MessageStream) onThread(tgen uint64, parentID string, docs []repository.Document) {
	s.loop.Lock()
	defer s.loop.Unlock()

	s.mu.Lock()
	stale := tgen != s.threadGen
	s.mu.Unlock()
	if stale {
		metrics.StaleSnapshots.WithLabelValues("thread").Inc()
		return
	}
	metrics.Snapshots.WithLabelValues("thread").Inc()

	s.thread.Set(ThreadView{
		ParentID: parentID,
		Replies:  s.decodeReplies(parentID, docs, s.ordering.OpenThread),
	})
}

// CloseThread drops the open thread, if any.
func (s *MessageStream) CloseThread() {
	s.loop.Lock()
	defer s.loop.Unlock()

	s.mu.Lock()
	if s.threadParent == "" {
		s.mu.Unlock()
		return
	}
	s.threadParent = ""
	s.threadGen++
	s.mu.Unlock()

	s.scope.Release(scopeThread)
	s.thread.Set(ThreadView{Replies: []domain.ThreadMessage{}})
}

func (s *MessageStream) decodeReplies(parentID string, docs []repository.Document, order SortOrder) []domain.ThreadMessage {
	replies := make([]domain.ThreadMessage, 0, len(docs))
	for _, doc := range docs {
		replies = append(replies, domain.ThreadMessageFromDoc(parentID, doc.ID, doc.Data, s.defaultAvatar))
	}
	sortByTime(replies, func(tm domain.ThreadMessage) time.Time { return tm.Timestamp }, order)
	return replies
}

func (s *MessageStream) ObserveMessages() live.Observable[[]domain.Message] {
	return s.messages
}

// ObserveReplies returns the reply list of one loaded message, in thread
// fanout order. It is empty until the message's replies have arrived.
func (s *MessageStream) ObserveReplies(parentID string) live.Observable[[]domain.ThreadMessage] {
	return live.Map[map[string][]domain.ThreadMessage](s.replies, func(m map[string][]domain.ThreadMessage) []domain.ThreadMessage {
		if r, ok := m[parentID]; ok {
			return r
		}
		return []domain.ThreadMessage{}
	})
}

// ObserveAllReplies returns the reply lists of every loaded message keyed by
// parent id.
func (s *MessageStream) ObserveAllReplies() live.Observable[map[string][]domain.ThreadMessage] {
	return s.replies
}

func (s *MessageStream) ObserveThread() live.Observable[ThreadView] {
	return s.thread
}

func (s *MessageStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *MessageStream) CurrentChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

func (s *MessageStream) ThreadParentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadParent
}

// Unload returns the stream to Idle and releases every subscription.
func (s *MessageStream) Unload() {
	s.loop.Lock()
	defer s.loop.Unlock()

	s.mu.Lock()
	s.gen++
	s.threadGen++
	s.state = StateIdle
	s.channelID = ""
	s.threadParent = ""
	clear(s.replySeq)
	s.mu.Unlock()

	s.teardown()
}

func (s *MessageStream) Close() {
	s.Unload()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.scope.Close()
}
