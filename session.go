package meridian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Chat Session (optimistic reconciliation store)
// ============================================================================

// DefaultPageSize is the batch size for history pages.
const DefaultPageSize = 50

// SessionConfig configures a ChatSession.
type SessionConfig struct {
	ChatID  string
	ActorID string

	Store MessageStore
	Feed  Subscriber

	// Optional collaborators. Nil disables the concern.
	Receipts *ReceiptMarker
	Effects  *EffectDispatcher

	// PageSize defaults to DefaultPageSize.
	PageSize int

	// OnError receives every pipeline error in addition to the typed
	// return value. Optional.
	OnError func(error)

	Logger zerolog.Logger

	// Now overrides the clock; tests use it. Defaults to time.Now.
	Now func() time.Time
}

// failedSend remembers the content of a send whose write failed, keyed
// by the removed optimistic id, so Retry can resend it.
type failedSend struct {
	text    string
	msgType string
}

// ChatSession owns the visible message list for one open chat. It is the
// single source of truth for what the user sees: optimistic sends are
// inserted immediately and reconciled against the authoritative snapshot
// feed via Merge. A session is not shared across chats.
type ChatSession struct {
	chatID   string
	actorID  string
	store    MessageStore
	feed     Subscriber
	receipts *ReceiptMarker
	effects  *EffectDispatcher
	pageSize int
	onError  func(error)
	log      zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	messages    []Message
	hasMore     bool
	loadingMore bool
	connErr     error
	unsubscribe func()
	initialized bool
	closed      bool
	failed      map[string]failedSend
}

// NewChatSession creates a session for one chat. The caller must
// Initialize it before use and Close it when the chat view goes away.
func NewChatSession(cfg SessionConfig) (*ChatSession, error) {
	if cfg.ActorID == "" {
		return nil, apiErr(CodeAuth, "no authenticated actor")
	}
	if cfg.ChatID == "" {
		return nil, apiErr(CodeValidation, "chat id is required")
	}
	if cfg.Store == nil {
		return nil, apiErr(CodeValidation, "message store is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ChatSession{
		chatID:   cfg.ChatID,
		actorID:  cfg.ActorID,
		store:    cfg.Store,
		feed:     cfg.Feed,
		receipts: cfg.Receipts,
		effects:  cfg.Effects,
		pageSize: cfg.PageSize,
		onError:  cfg.OnError,
		log:      cfg.Logger,
		now:      cfg.Now,
		failed:   make(map[string]failedSend),
	}, nil
}

// Initialize loads the most recent page and opens the live subscription.
func (s *ChatSession) Initialize(ctx context.Context) error {
	page, err := s.store.ReadPage(ctx, s.chatID, "", s.pageSize)
	if err != nil {
		return s.fail(apiErr(CodeInitialization, fmt.Sprintf("initial load failed: %v", err)))
	}
	reverseInPlace(page)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.messages = page
	s.hasMore = len(page) == s.pageSize
	s.connErr = nil
	s.initialized = true
	s.mu.Unlock()

	if s.feed != nil {
		unsub, err := s.feed.Subscribe(s.chatID, s.onServerPush, s.onFeedError)
		if err != nil {
			return s.fail(apiErr(CodeInitialization, fmt.Sprintf("subscribe failed: %v", err)))
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			unsub()
			return nil
		}
		s.unsubscribe = unsub
		s.mu.Unlock()
	}
	return nil
}

// Refresh tears down the subscription and redoes Initialize. Idempotent;
// also the explicit way to clear a sticky connection error.
func (s *ChatSession) Refresh(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return s.Initialize(ctx)
}

// Send appends an optimistic message immediately, then writes it to the
// remote store. On success the optimistic entry is swapped for its
// confirmed identity; on failure it is removed and a send-error is
// returned. The returned message is the optimistic one.
func (s *ChatSession) Send(ctx context.Context, text, msgType string) (*Message, error) {
	if text == "" {
		return nil, s.fail(apiErr(CodeValidation, "message text is empty"))
	}
	if msgType == "" {
		msgType = MessageTypeText
	}

	clientID := uuid.NewString()
	optimistic := Message{
		ID:        optimisticPrefix + clientID,
		ClientID:  clientID,
		ChatID:    s.chatID,
		SenderID:  s.actorID,
		Text:      text,
		Type:      msgType,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.fail(apiErr(CodeSend, "session closed"))
	}
	next := append(copyMessages(s.messages), optimistic)
	sortMessages(next)
	s.messages = next
	s.mu.Unlock()

	serverID, err := s.store.Write(ctx, &optimistic)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &optimistic, nil
	}
	if err != nil {
		s.messages = removeByID(s.messages, optimistic.ID)
		s.failed[optimistic.ID] = failedSend{text: text, msgType: msgType}
		s.mu.Unlock()
		return nil, s.fail(apiErr(CodeSend, fmt.Sprintf("write failed: %v", err)))
	}
	// Confirm in place: swap the id so the next snapshot dedups by
	// identity. Position may change later when the authoritative
	// timestamp arrives and the list re-sorts.
	next = copyMessages(s.messages)
	for i := range next {
		if next[i].ID == optimistic.ID {
			next[i].ID = serverID
			break
		}
	}
	s.messages = next
	s.mu.Unlock()

	confirmed := optimistic
	confirmed.ID = serverID
	return &confirmed, nil
}

// Retry resends a previously failed message using its original content
// under a fresh optimistic id.
func (s *ChatSession) Retry(ctx context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	f, ok := s.failed[messageID]
	if ok {
		delete(s.failed, messageID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, s.fail(apiErr(CodeRetry, "no failed send with id "+messageID))
	}
	msg, err := s.Send(ctx, f.text, f.msgType)
	if err != nil {
		return nil, s.fail(apiErr(CodeRetry, fmt.Sprintf("resend failed: %v", err)))
	}
	return msg, nil
}

// LoadMore fetches the next older page. A no-op while a previous call is
// in flight or when the last page came back short.
func (s *ChatSession) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingMore || !s.hasMore || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.loadingMore = true
	beforeID := ""
	for i := range s.messages {
		if !s.messages[i].IsOptimistic() {
			beforeID = s.messages[i].ID
			break
		}
	}
	s.mu.Unlock()

	page, err := s.store.ReadPage(ctx, s.chatID, beforeID, s.pageSize)

	s.mu.Lock()
	s.loadingMore = false
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return s.fail(apiErr(CodeLoadMore, fmt.Sprintf("page load failed: %v", err)))
	}
	reverseInPlace(page)
	s.hasMore = len(page) == s.pageSize
	next := append(page, copyMessages(s.messages)...)
	next = dedupByID(next)
	sortMessages(next)
	s.messages = next
	s.mu.Unlock()
	return nil
}

// EditMessage optimistically patches the local copy, then issues the
// remote update; failure restores the previous local state.
func (s *ChatSession) EditMessage(ctx context.Context, messageID, text string) error {
	if text == "" {
		return s.fail(apiErr(CodeValidation, "message text is empty"))
	}
	now := s.now()
	restore, ok := s.patchLocal(messageID, func(m *Message) {
		m.Text = text
		m.EditedAt = &now
	})
	if !ok {
		return s.fail(apiErr(CodeValidation, "unknown message "+messageID))
	}
	if err := s.store.Edit(ctx, s.chatID, messageID, text); err != nil {
		s.restoreLocal(messageID, restore)
		return s.fail(apiErr(CodeSend, fmt.Sprintf("edit failed: %v", err)))
	}
	return nil
}

// DeleteMessage optimistically soft-deletes the local copy, then issues
// the remote update; failure restores the previous local state.
func (s *ChatSession) DeleteMessage(ctx context.Context, messageID string) error {
	now := s.now()
	restore, ok := s.patchLocal(messageID, func(m *Message) {
		m.DeletedAt = &now
	})
	if !ok {
		return s.fail(apiErr(CodeValidation, "unknown message "+messageID))
	}
	if err := s.store.SoftDelete(ctx, s.chatID, messageID); err != nil {
		s.restoreLocal(messageID, restore)
		return s.fail(apiErr(CodeSend, fmt.Sprintf("delete failed: %v", err)))
	}
	return nil
}

// Messages returns a copy of the visible list, ascending by timestamp.
func (s *ChatSession) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMessages(s.messages)
}

// HasMore reports whether older pages are known to exist.
func (s *ChatSession) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// ConnectionError returns the sticky realtime error, nil when the feed
// is healthy. Cleared by the next successful push or an explicit Refresh.
func (s *ChatSession) ConnectionError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}

// Close tears down the subscription and detaches the session. Idempotent.
// In-flight remote writes are not cancelled; their completion callbacks
// become no-ops.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if s.effects != nil {
		s.effects.CancelChat(s.chatID)
	}
}

// ── Subscription callbacks ───────────────────────────────

// onServerPush reconciles an authoritative snapshot into the visible
// list and hands the delta to the side-effect dispatcher and the
// read-receipt throttler.
func (s *ChatSession) onServerPush(server []Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	merged, delta := Merge(s.messages, server, s.actorID)
	s.messages = merged
	s.connErr = nil
	var recent []Message
	if len(delta) > 0 && s.effects != nil {
		recent = tailMessages(merged, analysisContextWindow)
	}
	s.mu.Unlock()

	if len(delta) == 0 {
		return
	}
	if s.effects != nil {
		s.effects.Dispatch(s.chatID, delta, recent, s.actorID)
	}
	if s.receipts != nil {
		go s.receipts.Observe(context.Background(), delta)
	}
}

func (s *ChatSession) onFeedError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connErr = apiErr(CodeRealtime, err.Error())
	s.mu.Unlock()

	s.log.Warn().Err(err).Str("chat", s.chatID).Msg("subscription dropped")
	if s.onError != nil {
		s.onError(s.connErr)
	}
}

// ── Internal helpers ─────────────────────────────────────

func (s *ChatSession) fail(err *APIError) error {
	if s.onError != nil {
		s.onError(err)
	}
	return err
}

// patchLocal applies fn to a copy of the identified message and swaps in
// a new list, returning the prior copy for rollback.
func (s *ChatSession) patchLocal(messageID string, fn func(*Message)) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			prior := s.messages[i]
			next := copyMessages(s.messages)
			fn(&next[i])
			s.messages = next
			return prior, true
		}
	}
	return Message{}, false
}

func (s *ChatSession) restoreLocal(messageID string, prior Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := copyMessages(s.messages)
	for i := range next {
		if next[i].ID == messageID {
			next[i] = prior
			break
		}
	}
	s.messages = next
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func removeByID(msgs []Message, id string) []Message {
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].ID != id {
			out = append(out, msgs[i])
		}
	}
	return out
}

func dedupByID(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		if _, dup := seen[msgs[i].ID]; dup {
			continue
		}
		seen[msgs[i].ID] = struct{}{}
		out = append(out, msgs[i])
	}
	return out
}

func tailMessages(msgs []Message, n int) []Message {
	if len(msgs) <= n {
		return copyMessages(msgs)
	}
	return copyMessages(msgs[len(msgs)-n:])
}

func reverseInPlace(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
