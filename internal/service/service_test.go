package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/repository"
	"github.com/vedran77/pulsesync/internal/repository/memory"
	"github.com/vedran77/pulsesync/internal/service"
	"go.uber.org/zap"
)

const avatar = "/img/avatar.png"

type fixture struct {
	store *memory.Store
	users *service.UserDirectory
	msgs  *service.MessageService
	core  *service.Core
}

func newFixture(t *testing.T, policy service.Policy) *fixture {
	t.Helper()
	log := zap.NewNop()
	store := memory.New(log)
	users := service.NewUserDirectory(store, log, avatar)
	msgs := service.NewMessageService(store, users, policy, avatar, log)
	t.Cleanup(users.Close)
	return &fixture{
		store: store,
		users: users,
		msgs:  msgs,
		core:  service.NewCore(store, users, msgs, service.DefaultOrdering, log),
	}
}

func (f *fixture) stream(t *testing.T) *service.MessageStream {
	t.Helper()
	s := service.NewMessageStream(f.msgs, service.DefaultOrdering, zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func putMessage(t *testing.T, store repository.DocumentStore, id, channelID, createdBy, text string, ts time.Time) {
	t.Helper()
	err := store.Create(context.Background(), repository.MessagesCollection, id, map[string]any{
		domain.FieldChannelID: channelID,
		domain.FieldCreatedBy: createdBy,
		domain.FieldMessage:   text,
		domain.FieldTimestamp: ts,
		domain.FieldMembers:   []any{createdBy},
		domain.FieldReactions: []any{},
	})
	if err != nil {
		t.Fatalf("seeding message %s: %v", id, err)
	}
}

func putReply(t *testing.T, store repository.DocumentStore, parentID, id, text string, ts time.Time) {
	t.Helper()
	err := store.Create(context.Background(), repository.ThreadsCollection(parentID), id, map[string]any{
		domain.FieldMessageID: parentID,
		domain.FieldCreatedBy: "u1",
		domain.FieldMessage:   text,
		domain.FieldTimestamp: ts,
	})
	if err != nil {
		t.Fatalf("seeding reply %s: %v", id, err)
	}
}

func messageIDs(msgs []domain.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.DocID
	}
	return ids
}

func replyIDs(replies []domain.ThreadMessage) []string {
	ids := make([]string, len(replies))
	for i, r := range replies {
		ids[i] = r.DocID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMessageStream_OrdersMessagesAscending(t *testing.T) {
	f := newFixture(t, nil)
	putMessage(t, f.store, "m2", "c1", "u1", "third", at(2))
	putMessage(t, f.store, "m0", "c1", "u1", "first", at(0))
	putMessage(t, f.store, "m1", "c1", "u1", "second", at(1))
	putMessage(t, f.store, "other", "c2", "u1", "elsewhere", at(3))

	s := f.stream(t)
	if err := s.LoadMessagesForChannel("c1"); err != nil {
		t.Fatalf("LoadMessagesForChannel failed: %v", err)
	}

	want := []string{"m0", "m1", "m2"}
	waitFor(t, func() bool { return equalIDs(messageIDs(s.ObserveMessages().Get()), want) })
	if s.State() != service.StateLive {
		t.Errorf("state = %v, want live", s.State())
	}

	msg := s.ObserveMessages().Get()[0]
	if msg.CreatorName != domain.DefaultCreatorName || msg.CreatorPhotoURL != avatar {
		t.Errorf("missing creator fields not defaulted: %+v", msg)
	}
}

func TestMessageStream_ReplyOrdering(t *testing.T) {
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "u1", "parent", at(0))
	putReply(t, f.store, "m1", "r0", "a", at(1))
	putReply(t, f.store, "m1", "r2", "c", at(3))
	putReply(t, f.store, "m1", "r1", "b", at(2))

	s := f.stream(t)
	if err := s.LoadMessagesForChannel("c1"); err != nil {
		t.Fatalf("LoadMessagesForChannel failed: %v", err)
	}

	// Per-message reply lists are newest first.
	waitFor(t, func() bool {
		return equalIDs(replyIDs(s.ObserveReplies("m1").Get()), []string{"r2", "r1", "r0"})
	})

	// The open thread is oldest first.
	if err := s.LoadThreadMessages("m1"); err != nil {
		t.Fatalf("LoadThreadMessages failed: %v", err)
	}
	waitFor(t, func() bool {
		v := s.ObserveThread().Get()
		return v.ParentID == "m1" && equalIDs(replyIDs(v.Replies), []string{"r0", "r1", "r2"})
	})
}

func TestMessageStream_ConfigurableFanoutOrder(t *testing.T) {
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "u1", "parent", at(0))
	putReply(t, f.store, "m1", "r0", "a", at(1))
	putReply(t, f.store, "m1", "r1", "b", at(2))

	ordering := service.DefaultOrdering
	ordering.ThreadFanout = service.Ascending
	s := service.NewMessageStream(f.msgs, ordering, zap.NewNop())
	t.Cleanup(s.Close)

	if err := s.LoadMessagesForChannel("c1"); err != nil {
		t.Fatalf("LoadMessagesForChannel failed: %v", err)
	}
	waitFor(t, func() bool {
		return equalIDs(replyIDs(s.ObserveReplies("m1").Get()), []string{"r0", "r1"})
	})
}

func TestMessageStream_SameChannelIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "u1", "hi", at(0))

	s := f.stream(t)
	for i := 0; i < 3; i++ {
		if err := s.LoadMessagesForChannel("c1"); err != nil {
			t.Fatalf("LoadMessagesForChannel failed: %v", err)
		}
	}
	if n := f.store.Subscriptions(repository.MessagesCollection); n != 1 {
		t.Errorf("message subscriptions = %d, want 1", n)
	}
	waitFor(t, func() bool { return f.store.Subscriptions(repository.ThreadsCollection("m1")) == 1 })

	if err := s.LoadThreadMessages("m1"); err != nil {
		t.Fatalf("LoadThreadMessages failed: %v", err)
	}
	if err := s.LoadThreadMessages("m1"); err != nil {
		t.Fatalf("LoadThreadMessages failed: %v", err)
	}
	// One fanout subscription plus the open thread.
	if n := f.store.Subscriptions(repository.ThreadsCollection("m1")); n != 2 {
		t.Errorf("thread subscriptions = %d, want 2", n)
	}
}

func TestMessageStream_ChannelSwitchTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	putMessage(t, f.store, "a1", "c1", "u1", "in c1", at(0))
	putReply(t, f.store, "a1", "ra", "reply", at(1))
	putMessage(t, f.store, "b1", "c2", "u1", "in c2", at(0))

	s := f.stream(t)
	if err := s.LoadMessagesForChannel("c1"); err != nil {
		t.Fatalf("load c1: %v", err)
	}
	waitFor(t, func() bool { return len(s.ObserveReplies("a1").Get()) == 1 })
	if err := s.LoadThreadMessages("a1"); err != nil {
		t.Fatalf("LoadThreadMessages failed: %v", err)
	}

	if err := s.LoadMessagesForChannel("c2"); err != nil {
		t.Fatalf("load c2: %v", err)
	}
	if n := f.store.Subscriptions(repository.ThreadsCollection("a1")); n != 0 {
		t.Errorf("c1 thread subscriptions after switch = %d, want 0", n)
	}
	if s.ThreadParentID() != "" || s.ObserveThread().Get().ParentID != "" {
		t.Error("open thread survived the channel switch")
	}

	waitFor(t, func() bool { return equalIDs(messageIDs(s.ObserveMessages().Get()), []string{"b1"}) })

	// Writes to the old channel must not leak into the new list.
	putMessage(t, f.store, "a2", "c1", "u1", "late", at(5))
	time.Sleep(50 * time.Millisecond)
	if ids := messageIDs(s.ObserveMessages().Get()); !equalIDs(ids, []string{"b1"}) {
		t.Errorf("messages after switch = %v", ids)
	}
	if _, ok := s.ObserveAllReplies().Get()["a1"]; ok {
		t.Error("replies of the old channel are still published")
	}
	if n := f.store.Subscriptions(repository.MessagesCollection); n != 1 {
		t.Errorf("message subscriptions = %d, want 1", n)
	}
}

func TestMessageStream_UnloadAndClose(t *testing.T) {
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "u1", "hi", at(0))

	s := f.stream(t)
	if err := s.LoadMessagesForChannel("c1"); err != nil {
		t.Fatalf("LoadMessagesForChannel failed: %v", err)
	}
	waitFor(t, func() bool { return len(s.ObserveMessages().Get()) == 1 })

	s.Unload()
	if s.State() != service.StateIdle || s.CurrentChannelID() != "" {
		t.Errorf("state after unload = %v %q", s.State(), s.CurrentChannelID())
	}
	if len(s.ObserveMessages().Get()) != 0 {
		t.Error("messages survived unload")
	}
	if n := f.store.Subscriptions(repository.MessagesCollection); n != 0 {
		t.Errorf("subscriptions after unload = %d", n)
	}

	s.Close()
	if err := s.LoadMessagesForChannel("c1"); err == nil {
		t.Error("expected error loading a closed stream")
	}
}

func TestMessageService_EditAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "userA", "original", at(0))

	err := f.msgs.UpdateMessage(ctx, "m1", "userB", domain.TextEdit{Text: "x"})
	if !errors.Is(err, service.ErrNotMessageOwner) {
		t.Fatalf("edit by non-creator: got %v, want ErrNotMessageOwner", err)
	}
	if err := f.msgs.UpdateMessage(ctx, "m1", "userA", domain.TextEdit{Text: "x"}); err != nil {
		t.Fatalf("edit by creator failed: %v", err)
	}
	msg, err := f.msgs.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Message != "x" {
		t.Errorf("message = %q, want x", msg.Message)
	}

	err = f.msgs.UpdateMessage(ctx, "missing", "userA", domain.TextEdit{Text: "x"})
	if !errors.Is(err, service.ErrMessageNotFound) {
		t.Errorf("edit of missing message: got %v", err)
	}
	err = f.msgs.UpdateMessage(ctx, "m1", "userA", domain.TextEdit{Text: "  "})
	if !errors.Is(err, service.ErrInvalidMessage) {
		t.Errorf("blank edit: got %v", err)
	}
	err = f.msgs.UpdateMessage(ctx, "m1", "userA", nil)
	if !errors.Is(err, service.ErrUnsupportedPatch) {
		t.Errorf("nil patch: got %v", err)
	}
}

func TestMessageService_ReactionToggle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "userA", "hi", at(0))

	// Anyone may react.
	if err := f.msgs.UpdateMessage(ctx, "m1", "userB", domain.ReactionToggle{Emoji: "👍"}); err != nil {
		t.Fatalf("reaction failed: %v", err)
	}
	err := f.msgs.UpdateMessage(ctx, "m1", "userB", domain.ReactionToggle{Emoji: "👍", UserID: "userC"})
	if !errors.Is(err, service.ErrForeignReaction) {
		t.Errorf("toggle for another user: got %v", err)
	}

	msg, _ := f.msgs.GetMessage(ctx, "m1")
	if len(msg.Reactions) != 1 || msg.Reactions[0].UserIDs[0] != "userB" {
		t.Errorf("reactions = %+v", msg.Reactions)
	}
}

func TestMessageService_ConcurrentReactionsAreNotLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "u0", "hi", at(0))

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.msgs.UpdateMessage(ctx, "m1", u, domain.ReactionToggle{Emoji: "🔥"}); err != nil {
				t.Errorf("toggle by %s: %v", u, err)
			}
		}()
	}
	wg.Wait()

	msg, _ := f.msgs.GetMessage(ctx, "m1")
	if len(msg.Reactions) != 1 || len(msg.Reactions[0].UserIDs) != len(users) {
		t.Errorf("reactions = %+v, want one entry with %d voters", msg.Reactions, len(users))
	}
}

func TestMessageService_DeletePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("permissive by default", func(t *testing.T) {
		f := newFixture(t, nil)
		putMessage(t, f.store, "m1", "c1", "userA", "hi", at(0))
		if err := f.msgs.DeleteMessage(ctx, "m1", "userB", false, ""); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := f.msgs.GetMessage(ctx, "m1"); !errors.Is(err, service.ErrMessageNotFound) {
			t.Errorf("message still present: %v", err)
		}
	})

	t.Run("creator only", func(t *testing.T) {
		f := newFixture(t, service.CreatorPolicy{DeleteRequiresCreator: true})
		putMessage(t, f.store, "m1", "c1", "userA", "hi", at(0))
		err := f.msgs.DeleteMessage(ctx, "m1", "userB", false, "")
		if !errors.Is(err, service.ErrNotMessageOwner) {
			t.Fatalf("delete by non-creator: got %v", err)
		}
		if err := f.msgs.DeleteMessage(ctx, "m1", "userA", false, ""); err != nil {
			t.Fatalf("delete by creator failed: %v", err)
		}
	})

	t.Run("cascades to replies", func(t *testing.T) {
		f := newFixture(t, nil)
		putMessage(t, f.store, "m1", "c1", "userA", "hi", at(0))
		putReply(t, f.store, "m1", "r1", "a", at(1))
		putReply(t, f.store, "m1", "r2", "b", at(2))

		if err := f.msgs.DeleteMessage(ctx, "r1", "u1", true, "m1"); err != nil {
			t.Fatalf("reply delete failed: %v", err)
		}
		if err := f.msgs.DeleteMessage(ctx, "m1", "userA", false, ""); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		left, _ := f.store.Find(ctx, repository.Query{Collection: repository.ThreadsCollection("m1")})
		if len(left) != 0 {
			t.Errorf("%d replies left after parent delete", len(left))
		}
	})
}

func TestMessageService_AddThreadMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	putMessage(t, f.store, "m1", "c1", "u1", "parent", at(0))

	_, err := f.msgs.AddThreadMessage(ctx, "missing", domain.ThreadMessage{CreatedBy: "u1", Message: "x"})
	if !errors.Is(err, service.ErrMessageNotFound) {
		t.Errorf("reply to missing parent: got %v", err)
	}

	id, err := f.msgs.AddThreadMessage(ctx, "m1", domain.ThreadMessage{CreatedBy: "u1", Message: "reply"})
	if err != nil {
		t.Fatalf("AddThreadMessage failed: %v", err)
	}
	doc, _ := f.store.Get(ctx, repository.ThreadsCollection("m1"), id)
	reply := domain.ThreadMessageFromDoc("m1", doc.ID, doc.Data, avatar)
	if reply.MessageID != "m1" || reply.CreatorName != domain.PlaceholderName {
		t.Errorf("reply = %+v", reply)
	}

	if err := f.msgs.UpdateThreadMessage(ctx, "m1", id, "u2", domain.TextEdit{Text: "hijack"}); !errors.Is(err, service.ErrNotMessageOwner) {
		t.Errorf("thread edit by non-creator: got %v", err)
	}
}

func TestChannelRegistry_FindPrivateChannelByMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := service.NewChannelRegistry(f.store, zap.NewNop())
	t.Cleanup(r.Close)

	dm, err := r.CreateChannel(ctx, service.CreateChannelInput{CreatedBy: "u1", Members: []string{"u1", "u2"}, IsPrivate: true})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if _, err := r.CreateChannel(ctx, service.CreateChannelInput{Name: "general", CreatedBy: "u1", Members: []string{"u1", "u2"}}); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	found, err := r.FindPrivateChannelByMembers(ctx, []string{"u2", "u1"})
	if err != nil {
		t.Fatalf("FindPrivateChannelByMembers failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != dm.ID {
		t.Errorf("found = %+v, want the private channel %s", found, dm.ID)
	}

	found, err = r.FindPrivateChannelByMembers(ctx, []string{"u1", "u3"})
	if err != nil {
		t.Fatalf("FindPrivateChannelByMembers failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("found = %+v, want none", found)
	}

	opened, err := r.OpenPrivateChannel(ctx, "u2", []string{"u1"})
	if err != nil {
		t.Fatalf("OpenPrivateChannel failed: %v", err)
	}
	if opened.ID != dm.ID {
		t.Errorf("OpenPrivateChannel created %s instead of reusing %s", opened.ID, dm.ID)
	}
}

func TestChannelRegistry_OpenPrivateChannelConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := service.NewChannelRegistry(f.store, zap.NewNop())
	t.Cleanup(r.Close)

	ids := make([]string, 2)
	var wg sync.WaitGroup
	for i, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := r.OpenPrivateChannel(ctx, pair[0], []string{pair[1]})
			if err != nil {
				t.Errorf("OpenPrivateChannel failed: %v", err)
				return
			}
			ids[i] = ch.ID
		}()
	}
	wg.Wait()

	if ids[0] != ids[1] {
		t.Errorf("concurrent opens produced %v", ids)
	}
	found, _ := r.FindPrivateChannelByMembers(ctx, []string{"u1", "u2"})
	if len(found) != 1 {
		t.Errorf("%d private channels for one pair, want 1", len(found))
	}
	if !found[0].IsDirect() {
		t.Error("opened channel is not a direct channel")
	}
}

func TestChannelRegistry_CreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := service.NewChannelRegistry(f.store, zap.NewNop())
	t.Cleanup(r.Close)

	if _, err := r.CreateChannel(ctx, service.CreateChannelInput{CreatedBy: "u1"}); !errors.Is(err, service.ErrInvalidChannel) {
		t.Fatalf("public channel without name: got %v", err)
	}

	ch, err := r.CreateChannel(ctx, service.CreateChannelInput{Name: "general", Description: "all", CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if len(ch.Members) != 1 || ch.Members[0] != "u1" || ch.CreatedAt.IsZero() {
		t.Errorf("created channel = %+v", ch)
	}

	desc := "announcements"
	if err := r.UpdateChannel(ctx, ch.ID, domain.ChannelPatch{Description: &desc}); err != nil {
		t.Fatalf("UpdateChannel failed: %v", err)
	}
	got, _ := r.GetChannel(ctx, ch.ID)
	if got.Name != "general" || got.Description != "announcements" {
		t.Errorf("merge patch result = %+v", got)
	}

	empty := ""
	if err := r.UpdateChannel(ctx, ch.ID, domain.ChannelPatch{Name: &empty}); !errors.Is(err, service.ErrInvalidChannel) {
		t.Errorf("clearing a public channel name: got %v", err)
	}
	if err := r.UpdateChannel(ctx, "missing", domain.ChannelPatch{Description: &desc}); !errors.Is(err, service.ErrChannelNotFound) {
		t.Errorf("update of missing channel: got %v", err)
	}

	list, err := r.ListChannels(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("ListChannels = %v, %v", list, err)
	}
}

func TestChannelRegistry_SelectChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := service.NewChannelRegistry(f.store, zap.NewNop())
	t.Cleanup(r.Close)

	ch, err := r.CreateChannel(ctx, service.CreateChannelInput{Name: "general", CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if err := r.SelectChannel(ctx, ch.ID); err != nil {
		t.Fatalf("SelectChannel failed: %v", err)
	}

	if err := r.SelectChannel(ctx, "missing"); !errors.Is(err, service.ErrChannelNotFound) {
		t.Errorf("select missing: got %v", err)
	}
	if cur := r.CurrentChannel(); cur == nil || cur.ID != ch.ID {
		t.Errorf("selection changed after a failed select: %+v", cur)
	}

	name := "renamed"
	if err := r.UpdateChannel(ctx, ch.ID, domain.ChannelPatch{Name: &name}); err != nil {
		t.Fatalf("UpdateChannel failed: %v", err)
	}
	waitFor(t, func() bool { return r.CurrentChannel().Name == "renamed" })

	var mu sync.Mutex
	var seen int
	cancel, err := r.ObserveAllChannelsLive(func(chs []domain.Channel) {
		mu.Lock()
		seen = len(chs)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("ObserveAllChannelsLive failed: %v", err)
	}
	defer cancel()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	})
	if n := f.store.Subscriptions(repository.ChannelsCollection); n != 2 {
		t.Errorf("channel subscriptions = %d, want list plus selection", n)
	}
}

func TestUserDirectory_SingleSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if err := f.users.EnsureUser(ctx, domain.User{UserID: "u1", Name: "Ana"}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	h1 := f.users.ObserveUser("u1")
	h2 := f.users.ObserveUser("u1")
	if h1 != h2 {
		t.Fatal("ObserveUser returned different handles for one id")
	}
	f.users.ObserveName("u2")
	f.users.ObserveAllUsers()

	waitFor(t, func() bool { return h1.Get().Name == "Ana" })
	if h1.Get().PhotoURL != avatar {
		t.Errorf("photo = %q, want default avatar", h1.Get().PhotoURL)
	}
	if n := f.store.Subscriptions(repository.UsersCollection); n != 1 {
		t.Errorf("user subscriptions = %d, want 1", n)
	}

	if err := f.store.Update(ctx, repository.UsersCollection, "u1", map[string]any{domain.FieldName: "Ana B"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	waitFor(t, func() bool { return h1.Get().Name == "Ana B" && h2.Get().Name == "Ana B" })

	if err := f.users.SetStatus(ctx, "u1", true); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	waitFor(t, func() bool { return f.users.ObserveStatus("u1").Get() })
}

func TestUserDirectory_Placeholder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if got := f.users.ObserveName("ghost").Get(); got != domain.PlaceholderName {
		t.Errorf("name = %q, want placeholder", got)
	}

	if err := f.users.EnsureUser(ctx, domain.User{UserID: "u1", Name: "Ana", PhotoURL: "/a.png"}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	// A second EnsureUser leaves the profile alone.
	if err := f.users.EnsureUser(ctx, domain.User{UserID: "u1", Name: "Other"}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	users, err := f.users.ResolveNames(ctx, []string{"u1", "ghost"})
	if err != nil {
		t.Fatalf("ResolveNames failed: %v", err)
	}
	if users[0].Name != "Ana" || users[0].PhotoURL != "/a.png" {
		t.Errorf("users[0] = %+v", users[0])
	}
	if users[1].Name != domain.PlaceholderName || users[1].UserID != "ghost" {
		t.Errorf("users[1] = %+v", users[1])
	}

	if err := f.users.SetStatus(ctx, "ghost", true); !errors.Is(err, service.ErrUserNotFound) {
		t.Errorf("SetStatus on missing user: got %v", err)
	}
}

func TestSession_SendReactAndToggleOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sess := f.core.NewSession("u1")
	t.Cleanup(sess.Close)

	ch, err := sess.Channels.CreateChannel(ctx, service.CreateChannelInput{Name: "general", CreatedBy: "u1", Members: []string{"u1"}})
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	before := time.Now().UTC().Truncate(time.Second)
	id, err := sess.Stream.AddMessage(ctx, domain.Message{ChannelID: ch.ID, CreatedBy: "u1", Message: "hi"})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	if err := sess.SelectChannel(ctx, ch.ID); err != nil {
		t.Fatalf("SelectChannel failed: %v", err)
	}
	waitFor(t, func() bool { return len(sess.Stream.ObserveMessages().Get()) == 1 })

	msg := sess.Stream.ObserveMessages().Get()[0]
	if msg.DocID != id || msg.Message != "hi" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Timestamp.Before(before) {
		t.Errorf("timestamp %v is before send time %v", msg.Timestamp, before)
	}
	if len(msg.Members) != 1 || msg.Members[0] != "u1" {
		t.Errorf("members = %v, want the channel's members", msg.Members)
	}

	if err := sess.Stream.UpdateMessage(ctx, id, "u1", domain.ReactionToggle{Emoji: "👍", UserID: "u1"}); err != nil {
		t.Fatalf("reaction failed: %v", err)
	}
	waitFor(t, func() bool {
		rs := sess.Stream.ObserveMessages().Get()[0].Reactions
		return len(rs) == 1 && rs[0].Emoji == "👍" && len(rs[0].UserIDs) == 1 && rs[0].UserIDs[0] == "u1"
	})

	if err := sess.Stream.UpdateMessage(ctx, id, "u1", domain.ReactionToggle{Emoji: "👍", UserID: "u1"}); err != nil {
		t.Fatalf("second reaction failed: %v", err)
	}
	waitFor(t, func() bool { return len(sess.Stream.ObserveMessages().Get()[0].Reactions) == 0 })
}

func TestSession_HidesForeignPrivateChannels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	owner := f.core.NewSession("u1")
	t.Cleanup(owner.Close)
	stranger := f.core.NewSession("u9")
	t.Cleanup(stranger.Close)

	dm, err := owner.Channels.OpenPrivateChannel(ctx, "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("OpenPrivateChannel failed: %v", err)
	}
	if err := stranger.SelectChannel(ctx, dm.ID); !errors.Is(err, service.ErrChannelNotFound) {
		t.Errorf("stranger selecting a private channel: got %v", err)
	}
	if err := owner.SelectChannel(ctx, dm.ID); err != nil {
		t.Errorf("member selecting own channel: %v", err)
	}
	if owner.Stream.CurrentChannelID() != dm.ID {
		t.Errorf("stream follows %q, want %q", owner.Stream.CurrentChannelID(), dm.ID)
	}
}

func TestMessageService_PrivateChannelMessagesHiddenFromOutsiders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := service.NewChannelRegistry(f.store, zap.NewNop())
	t.Cleanup(r.Close)

	dm, err := r.OpenPrivateChannel(ctx, "u1", []string{"u2"})
	if err != nil {
		t.Fatalf("OpenPrivateChannel failed: %v", err)
	}
	putMessage(t, f.store, "m1", dm.ID, "u1", "secret", at(0))
	putReply(t, f.store, "m1", "r1", "also secret", at(1))

	outsider := []struct {
		name string
		run  func() error
	}{
		{"react", func() error {
			return f.msgs.UpdateMessage(ctx, "m1", "u9", domain.ReactionToggle{Emoji: "👍"})
		}},
		{"react on reply", func() error {
			return f.msgs.UpdateThreadMessage(ctx, "m1", "r1", "u9", domain.ReactionToggle{Emoji: "👍"})
		}},
		{"delete", func() error { return f.msgs.DeleteMessage(ctx, "m1", "u9", false, "") }},
		{"delete reply", func() error { return f.msgs.DeleteMessage(ctx, "r1", "u9", true, "m1") }},
	}
	for _, tt := range outsider {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, service.ErrMessageNotFound) {
				t.Errorf("got %v, want ErrMessageNotFound", err)
			}
		})
	}

	msg, err := f.msgs.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("message gone after rejected delete: %v", err)
	}
	if len(msg.Reactions) != 0 {
		t.Errorf("reactions = %+v, want none", msg.Reactions)
	}

	// Members keep full access.
	if err := f.msgs.UpdateMessage(ctx, "m1", "u2", domain.ReactionToggle{Emoji: "👍"}); err != nil {
		t.Errorf("member reaction failed: %v", err)
	}
	if err := f.msgs.DeleteMessage(ctx, "r1", "u2", true, "m1"); err != nil {
		t.Errorf("member reply delete failed: %v", err)
	}
}

func TestUserDirectory_StartRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	store.subscribeFailures = 1
	users := service.NewUserDirectory(store, zap.NewNop(), avatar)
	t.Cleanup(users.Close)

	if err := users.Start(); !errors.Is(err, errUnavailable) {
		t.Fatalf("first Start: got %v, want the subscribe error", err)
	}

	if err := users.EnsureUser(ctx, domain.User{UserID: "u1", Name: "Ana"}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	all := users.ObserveAllUsers()
	waitFor(t, func() bool { return len(all.Get()) == 1 })

	if err := users.Start(); err != nil {
		t.Errorf("Start after recovery: %v", err)
	}
	mem := store.DocumentStore.(*memory.Store)
	if n := mem.Subscriptions(repository.UsersCollection); n != 1 {
		t.Errorf("user subscriptions = %d, want 1", n)
	}
}

func TestUserDirectory_EvictsUnusedUnknownHandles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if err := f.users.EnsureUser(ctx, domain.User{UserID: "u1", Name: "Ana"}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	f.users.ObserveUser("u1")
	f.users.ObserveUser("ghost1")
	f.users.ObserveName("ghost2")
	cancel := f.users.ObserveName("ghost3").Subscribe(func(string) {})
	t.Cleanup(cancel)
	if n := f.users.CachedUsers(); n != 4 {
		t.Fatalf("cached = %d, want 4", n)
	}

	all := f.users.ObserveAllUsers()
	for _, name := range []string{"Ana 1", "Ana 2"} {
		if err := f.store.Update(ctx, repository.UsersCollection, "u1", map[string]any{domain.FieldName: name}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		waitFor(t, func() bool {
			us := all.Get()
			return len(us) == 1 && us[0].Name == name
		})
	}

	// u1 has a profile and ghost3 has a subscriber.
	if n := f.users.CachedUsers(); n != 2 {
		t.Errorf("cached = %d, want 2", n)
	}
	if got := f.users.ObserveName("ghost1").Get(); got != domain.PlaceholderName {
		t.Errorf("re-observed ghost = %q, want placeholder", got)
	}
	if got := f.users.ObserveName("u1").Get(); got != "Ana 2" {
		t.Errorf("u1 name = %q", got)
	}
}
