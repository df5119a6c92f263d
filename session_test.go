package meridian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

// ── Fakes ────────────────────────────────────────────────

// fakeStore is a MessageStore whose behavior is set per test through
// function fields. Unset fields succeed with zero values.
type fakeStore struct {
	mu         sync.Mutex
	writeFn    func(ctx context.Context, msg *Message) (string, error)
	readFn     func(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error)
	markFn     func(ctx context.Context, ids []string, userID string) error
	editFn     func(ctx context.Context, chatID, messageID, text string) error
	deleteFn   func(ctx context.Context, chatID, messageID string) error
	writes     []Message
	reads      []string // beforeID per call
	markCalls  [][]string
	nextID     int
}

func (f *fakeStore) Write(ctx context.Context, msg *Message) (string, error) {
	f.mu.Lock()
	f.writes = append(f.writes, *msg)
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	fn := f.writeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return id, nil
}

func (f *fakeStore) ReadPage(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
	f.mu.Lock()
	f.reads = append(f.reads, beforeID)
	fn := f.readFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, chatID, beforeID, limit)
	}
	return nil, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, messageIDs []string, userID string) error {
	f.mu.Lock()
	f.markCalls = append(f.markCalls, append([]string{}, messageIDs...))
	fn := f.markFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, messageIDs, userID)
	}
	return nil
}

func (f *fakeStore) Edit(ctx context.Context, chatID, messageID, text string) error {
	if f.editFn != nil {
		return f.editFn(ctx, chatID, messageID, text)
	}
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, chatID, messageID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, chatID, messageID)
	}
	return nil
}

func (f *fakeStore) markedBatches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.markCalls))
	copy(out, f.markCalls)
	return out
}

// fakeFeed is a Subscriber that hands the test direct access to the
// session's push and error callbacks.
type fakeFeed struct {
	mu       sync.Mutex
	onData   func([]Message)
	onErr    func(error)
	subErr   error
	subs     int
	unsubs   int
}

func (f *fakeFeed) Subscribe(chatID string, onData func([]Message), onError func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.subs++
	f.onData = onData
	f.onErr = onError
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) push(msgs []Message) {
	f.mu.Lock()
	fn := f.onData
	f.mu.Unlock()
	fn(msgs)
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	fn := f.onErr
	f.mu.Unlock()
	fn(err)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiError *APIError
	if !errors.As(err, &apiError) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiError.Code != code {
		t.Fatalf("expected code %s, got %s", code, apiError.Code)
	}
}

func newTestSession(t *testing.T, store MessageStore, feed Subscriber) *ChatSession {
	t.Helper()
	s, err := NewChatSession(SessionConfig{
		ChatID:  "chat-1",
		ActorID: "me",
		Store:   store,
		Feed:    feed,
	})
	if err != nil {
		t.Fatalf("NewChatSession: %v", err)
	}
	return s
}

// ── Tests ────────────────────────────────────────────────

func TestNewChatSessionValidation(t *testing.T) {
	store := &fakeStore{}

	_, err := NewChatSession(SessionConfig{ChatID: "chat-1", Store: store})
	assertCode(t, err, CodeAuth)

	_, err = NewChatSession(SessionConfig{ActorID: "me", Store: store})
	assertCode(t, err, CodeValidation)

	_, err = NewChatSession(SessionConfig{ChatID: "chat-1", ActorID: "me"})
	assertCode(t, err, CodeValidation)
}

func TestSessionInitialize(t *testing.T) {
	t.Run("reverses page into display order", func(t *testing.T) {
		store := &fakeStore{
			readFn: func(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
				// Newest first, as the server returns.
				return []Message{
					mkMsg("srv-2", "them", "b", 20),
					mkMsg("srv-1", "them", "a", 10),
				}, nil
			},
		}
		feed := &fakeFeed{}
		s := newTestSession(t, store, feed)
		defer s.Close()

		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		msgs := s.Messages()
		if len(msgs) != 2 || msgs[0].ID != "srv-1" || msgs[1].ID != "srv-2" {
			t.Fatalf("expected ascending order [srv-1 srv-2], got %v", msgs)
		}
		if s.HasMore() {
			t.Error("short page must set HasMore false")
		}
		if feed.subs != 1 {
			t.Errorf("expected 1 subscription, got %d", feed.subs)
		}
	})

	t.Run("full page sets HasMore", func(t *testing.T) {
		store := &fakeStore{
			readFn: func(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
				page := make([]Message, limit)
				for i := range page {
					page[i] = mkMsg(fmt.Sprintf("srv-%03d", limit-i), "them", "x", limit-i)
				}
				return page, nil
			},
		}
		s := newTestSession(t, store, &fakeFeed{})
		defer s.Close()

		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		if !s.HasMore() {
			t.Error("full page must set HasMore true")
		}
	})

	t.Run("read failure is an initialization error", func(t *testing.T) {
		store := &fakeStore{
			readFn: func(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
				return nil, errors.New("boom")
			},
		}
		s := newTestSession(t, store, &fakeFeed{})
		defer s.Close()

		assertCode(t, s.Initialize(context.Background()), CodeInitialization)
	})

	t.Run("subscribe failure is an initialization error", func(t *testing.T) {
		s := newTestSession(t, &fakeStore{}, &fakeFeed{subErr: errors.New("no feed")})
		defer s.Close()

		assertCode(t, s.Initialize(context.Background()), CodeInitialization)
	})
}

func TestSessionSend(t *testing.T) {
	t.Run("empty text rejected", func(t *testing.T) {
		s := newTestSession(t, &fakeStore{}, nil)
		defer s.Close()
		_, err := s.Send(context.Background(), "", MessageTypeText)
		assertCode(t, err, CodeValidation)
	})

	t.Run("success swaps optimistic id for server id", func(t *testing.T) {
		store := &fakeStore{}
		s := newTestSession(t, store, nil)
		defer s.Close()

		msg, err := s.Send(context.Background(), "hello", MessageTypeText)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.IsOptimistic() {
			t.Errorf("returned message should carry the server id, got %s", msg.ID)
		}
		if msg.ClientID == "" {
			t.Error("sent message must carry a client id for echo dedup")
		}

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].ID != msg.ID {
			t.Fatalf("expected confirmed message in list, got %v", msgs)
		}
		if len(store.writes) != 1 || !store.writes[0].IsOptimistic() {
			t.Error("store should have received the optimistic message")
		}
	})

	t.Run("failure removes optimistic and enables retry", func(t *testing.T) {
		failing := true
		store := &fakeStore{}
		store.writeFn = func(ctx context.Context, msg *Message) (string, error) {
			if failing {
				return "", errors.New("network down")
			}
			return "srv-1", nil
		}
		s := newTestSession(t, store, nil)
		defer s.Close()

		_, err := s.Send(context.Background(), "hello", MessageTypeText)
		assertCode(t, err, CodeSend)
		if len(s.Messages()) != 0 {
			t.Fatal("failed optimistic message must be removed from the list")
		}

		failedID := store.writes[0].ID
		failing = false
		msg, err := s.Retry(context.Background(), failedID)
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if msg.Text != "hello" {
			t.Errorf("retry must resend original text, got %q", msg.Text)
		}

		// A second retry of the same id has nothing to resend.
		_, err = s.Retry(context.Background(), failedID)
		assertCode(t, err, CodeRetry)
	})
}

func TestSessionLoadMore(t *testing.T) {
	t.Run("prepends older page before first confirmed id", func(t *testing.T) {
		store := &fakeStore{
			readFn: func(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
				if beforeID == "" {
					page := make([]Message, limit)
					for i := range page {
						page[i] = mkMsg(fmt.Sprintf("srv-%03d", 2*limit-i), "them", "x", 2*limit-i)
					}
					return page, nil
				}
				return []Message{mkMsg("srv-000", "them", "oldest", 0)}, nil
			},
		}
		s := newTestSession(t, store, nil)
		defer s.Close()

		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		before := len(s.Messages())
		if err := s.LoadMore(context.Background()); err != nil {
			t.Fatalf("LoadMore: %v", err)
		}
		msgs := s.Messages()
		if len(msgs) != before+1 {
			t.Fatalf("expected %d messages, got %d", before+1, len(msgs))
		}
		if msgs[0].ID != "srv-000" {
			t.Errorf("older page must land at the front, got %s", msgs[0].ID)
		}
		if store.reads[1] == "" || IsOptimisticID(store.reads[1]) {
			t.Errorf("beforeID must be the first confirmed id, got %q", store.reads[1])
		}
		if s.HasMore() {
			t.Error("short page must clear HasMore")
		}
	})

	t.Run("no-op when exhausted", func(t *testing.T) {
		store := &fakeStore{} // empty first page
		s := newTestSession(t, store, nil)
		defer s.Close()

		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		if err := s.LoadMore(context.Background()); err != nil {
			t.Fatalf("LoadMore: %v", err)
		}
		if len(store.reads) != 1 {
			t.Errorf("exhausted session must not hit the store, got %d reads", len(store.reads))
		}
	})

	t.Run("concurrent call is a no-op", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{})
		first := true
		store := &fakeStore{}
		store.readFn = func(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
			if beforeID == "" {
				page := make([]Message, limit)
				for i := range page {
					page[i] = mkMsg(fmt.Sprintf("srv-%03d", limit-i), "them", "x", limit-i)
				}
				return page, nil
			}
			if first {
				first = false
				close(entered)
				<-release
			}
			return nil, nil
		}
		s := newTestSession(t, store, nil)
		defer s.Close()

		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		done := make(chan struct{})
		go func() {
			s.LoadMore(context.Background())
			close(done)
		}()
		<-entered

		// Second call must return immediately without touching the store.
		if err := s.LoadMore(context.Background()); err != nil {
			t.Fatalf("LoadMore: %v", err)
		}
		if got := len(store.reads); got != 2 {
			t.Errorf("expected 2 store reads (initial + in-flight), got %d", got)
		}
		close(release)
		<-done
	})
}

func TestSessionServerPush(t *testing.T) {
	store := &fakeStore{}
	feed := &fakeFeed{}
	s := newTestSession(t, store, feed)
	defer s.Close()

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// A feed failure leaves a sticky connection error...
	feed.fail(errors.New("socket closed"))
	if s.ConnectionError() == nil {
		t.Fatal("feed error must surface through ConnectionError")
	}
	assertCode(t, s.ConnectionError(), CodeRealtime)

	// ...which the next successful push clears.
	feed.push([]Message{mkMsg("srv-1", "them", "hi", 0)})
	if s.ConnectionError() != nil {
		t.Error("successful push must clear the sticky connection error")
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("expected pushed snapshot, got %v", msgs)
	}
}

func TestSessionPushConfirmsOptimistic(t *testing.T) {
	block := make(chan struct{})
	store := &fakeStore{}
	store.writeFn = func(ctx context.Context, msg *Message) (string, error) {
		<-block
		return "srv-9", nil
	}
	feed := &fakeFeed{}
	s := newTestSession(t, store, feed)
	defer s.Close()

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Send(context.Background(), "hello", MessageTypeText)
		close(done)
	}()

	// Wait for the optimistic insert, then deliver the snapshot that
	// confirms it while the write is still in flight.
	waitFor(t, func() bool { return len(s.Messages()) == 1 })
	echo := mkMsg("srv-9", "me", "hello", 0)
	echo.ClientID = s.Messages()[0].ClientID
	feed.push([]Message{echo})

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "srv-9" {
		t.Fatalf("snapshot echo must replace the optimistic message, got %v", msgs)
	}

	close(block)
	<-done
	if got := s.Messages(); len(got) != 1 {
		t.Fatalf("write completion must not duplicate the message, got %v", got)
	}
}

func TestSessionEditAndDelete(t *testing.T) {
	seed := func(t *testing.T, store *fakeStore) *ChatSession {
		store.readFn = func(ctx context.Context, chatID, beforeID string, limit int) ([]Message, error) {
			return []Message{mkMsg("srv-1", "me", "original", 0)}, nil
		}
		s := newTestSession(t, store, nil)
		if err := s.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		return s
	}

	t.Run("edit patches locally", func(t *testing.T) {
		store := &fakeStore{}
		s := seed(t, store)
		defer s.Close()

		if err := s.EditMessage(context.Background(), "srv-1", "fixed"); err != nil {
			t.Fatalf("EditMessage: %v", err)
		}
		m := s.Messages()[0]
		if m.Text != "fixed" || m.EditedAt == nil {
			t.Errorf("expected patched message, got %+v", m)
		}
	})

	t.Run("edit failure rolls back", func(t *testing.T) {
		store := &fakeStore{editFn: func(ctx context.Context, chatID, messageID, text string) error {
			return errors.New("rejected")
		}}
		s := seed(t, store)
		defer s.Close()

		assertCode(t, s.EditMessage(context.Background(), "srv-1", "fixed"), CodeSend)
		m := s.Messages()[0]
		if m.Text != "original" || m.EditedAt != nil {
			t.Errorf("expected rollback to original, got %+v", m)
		}
	})

	t.Run("delete failure rolls back", func(t *testing.T) {
		store := &fakeStore{deleteFn: func(ctx context.Context, chatID, messageID string) error {
			return errors.New("rejected")
		}}
		s := seed(t, store)
		defer s.Close()

		assertCode(t, s.DeleteMessage(context.Background(), "srv-1"), CodeSend)
		if s.Messages()[0].DeletedAt != nil {
			t.Error("expected rollback of soft delete")
		}
	})

	t.Run("unknown id rejected", func(t *testing.T) {
		store := &fakeStore{}
		s := seed(t, store)
		defer s.Close()

		assertCode(t, s.EditMessage(context.Background(), "nope", "x"), CodeValidation)
		assertCode(t, s.DeleteMessage(context.Background(), "nope"), CodeValidation)
	})
}

func TestSessionRefreshAndClose(t *testing.T) {
	store := &fakeStore{}
	feed := &fakeFeed{}
	s := newTestSession(t, store, feed)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if feed.subs != 2 || feed.unsubs != 1 {
		t.Errorf("refresh must resubscribe: subs=%d unsubs=%d", feed.subs, feed.unsubs)
	}

	s.Close()
	s.Close() // idempotent
	if feed.unsubs != 2 {
		t.Errorf("close must unsubscribe exactly once, unsubs=%d", feed.unsubs)
	}

	_, err := s.Send(context.Background(), "late", MessageTypeText)
	assertCode(t, err, CodeSend)

	// Pushes after close are ignored.
	feed.push([]Message{mkMsg("srv-1", "them", "late", 0)})
	if len(s.Messages()) != 0 {
		t.Error("push after close must be a no-op")
	}
}

func TestSessionDispatchesEffectsAndReceipts(t *testing.T) {
	store := &fakeStore{}
	feed := &fakeFeed{}
	effects := NewEffectDispatcher(EffectDispatcherConfig{})
	receipts := NewReceiptMarker(store, "me", time.Hour, testLogger())

	s, err := NewChatSession(SessionConfig{
		ChatID:   "chat-1",
		ActorID:  "me",
		Store:    store,
		Feed:     feed,
		Effects:  effects,
		Receipts: receipts,
	})
	if err != nil {
		t.Fatalf("NewChatSession: %v", err)
	}
	defer s.Close()

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	feed.push([]Message{
		mkMsg("srv-1", "them", "incoming", 0),
		mkMsg("srv-2", "me", "own", 1),
	})
	effects.Wait()

	if got := effects.History().Len(); got != 1 {
		t.Errorf("expected 1 notification (own message excluded), got %d", got)
	}
	if got := effects.Badge().Value(); got != 1 {
		t.Errorf("expected badge 1, got %d", got)
	}
	waitFor(t, func() bool { return len(store.markedBatches()) == 1 })
	batch := store.markedBatches()[0]
	if len(batch) != 1 || batch[0] != "srv-1" {
		t.Errorf("expected receipt for srv-1 only, got %v", batch)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
