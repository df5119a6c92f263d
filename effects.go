package meridian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Side-Effect Dispatcher
// ============================================================================

const (
	// analysisContextWindow bounds how much chat history rides along
	// with an analysis request.
	analysisContextWindow = 50
	// analysisMinTextLen skips trivially short messages.
	analysisMinTextLen = 3
	// analysisCooldown suppresses re-submission when the same message
	// arrives twice through transient re-subscription.
	analysisCooldown = 5 * time.Second
	// deadLetterCap bounds the dead-letter ring.
	deadLetterCap = 50
)

// Analyzer hands a message plus recent context to an external analysis
// collaborator. Best effort: the dispatcher never retries.
type Analyzer interface {
	Analyze(ctx context.Context, msg Message, contextMessages []Message, userID string) ([]Suggestion, error)
}

// DeadLetter records a terminally failed side effect.
type DeadLetter struct {
	At        time.Time
	Stage     string // "notification", "badge", "analysis"
	ChatID    string
	MessageID string
	Err       string
}

// EffectDispatcherConfig configures an EffectDispatcher. History and
// Badge are required; Analyzer and OnSuggestions are optional.
type EffectDispatcherConfig struct {
	History       *NotificationHistory
	Badge         *BadgeCounter
	Analyzer      Analyzer
	OnSuggestions func(chatID, messageID string, suggestions []Suggestion)
	Logger        zerolog.Logger

	// Overrides for tests. Zero values select the package defaults.
	MinTextLen  int
	Cooldown    time.Duration
	AnalysisCtx context.Context
	Now         func() time.Time
}

// EffectDispatcher fires the per-message side effects: local
// notification, badge bump, and analysis hand-off. Each action runs
// independently; failures are logged, recorded in a bounded dead-letter
// ring, and never propagate to the message pipeline. Shared by all open
// chats.
type EffectDispatcher struct {
	history       *NotificationHistory
	badge         *BadgeCounter
	analyzer      Analyzer
	onSuggestions func(chatID, messageID string, suggestions []Suggestion)
	log           zerolog.Logger
	minTextLen    int
	cooldown      time.Duration
	analysisCtx   context.Context
	now           func() time.Time

	mu        sync.Mutex
	submitted map[string]time.Time // messageID -> last analysis submission
	byChat    map[string][]string  // chatID -> submitted messageIDs, for CancelChat
	dead      []DeadLetter

	wg sync.WaitGroup
}

// NewEffectDispatcher creates a dispatcher.
func NewEffectDispatcher(cfg EffectDispatcherConfig) *EffectDispatcher {
	if cfg.History == nil {
		cfg.History = NewNotificationHistory(0)
	}
	if cfg.Badge == nil {
		cfg.Badge = NewBadgeCounter()
	}
	if cfg.MinTextLen <= 0 {
		cfg.MinTextLen = analysisMinTextLen
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = analysisCooldown
	}
	if cfg.AnalysisCtx == nil {
		cfg.AnalysisCtx = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EffectDispatcher{
		history:       cfg.History,
		badge:         cfg.Badge,
		analyzer:      cfg.Analyzer,
		onSuggestions: cfg.OnSuggestions,
		log:           cfg.Logger,
		minTextLen:    cfg.MinTextLen,
		cooldown:      cfg.Cooldown,
		analysisCtx:   cfg.AnalysisCtx,
		now:           cfg.Now,
		submitted:     make(map[string]time.Time),
		byChat:        make(map[string][]string),
	}
}

// History returns the notification history service.
func (d *EffectDispatcher) History() *NotificationHistory { return d.history }

// Badge returns the badge counter service.
func (d *EffectDispatcher) Badge() *BadgeCounter { return d.badge }

// Dispatch fires side effects for every delta message not authored by
// the local actor, in list order. Invocations are fire-and-forget:
// completion order is unspecified and must not be relied upon.
func (d *EffectDispatcher) Dispatch(chatID string, delta, recent []Message, localActorID string) {
	for i := range delta {
		m := delta[i]
		if m.SenderID == localActorID {
			continue
		}

		d.spawn("notification", &m, func() error {
			d.history.Store("New message", m.Text, m.ChatID, m.ID)
			return nil
		})
		d.spawn("badge", &m, func() error {
			d.badge.Increment()
			return nil
		})

		if d.analyzer != nil && d.shouldAnalyze(&m) {
			msg := m
			ctxMsgs := recent
			d.spawn("analysis", &m, func() error {
				suggestions, err := d.analyzer.Analyze(d.analysisCtx, msg, ctxMsgs, localActorID)
				if err != nil {
					return err
				}
				if d.onSuggestions != nil && len(suggestions) > 0 {
					d.onSuggestions(msg.ChatID, msg.ID, suggestions)
				}
				return nil
			})
		}
	}
}

// CancelChat clears the analysis cooldown bookkeeping for a closed chat.
func (d *EffectDispatcher) CancelChat(chatID string) {
	d.mu.Lock()
	for _, id := range d.byChat[chatID] {
		delete(d.submitted, id)
	}
	delete(d.byChat, chatID)
	d.mu.Unlock()
}

// DeadLetters returns a copy of the dead-letter ring, oldest first.
func (d *EffectDispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.dead))
	copy(out, d.dead)
	return out
}

// Wait blocks until every in-flight side effect has finished. Tests use
// it; production code never should.
func (d *EffectDispatcher) Wait() {
	d.wg.Wait()
}

// ── Internals ────────────────────────────────────────────

// shouldAnalyze applies the analysis guards and, when they pass, records
// the submission in a single synchronous step so a duplicate arrival
// inside the cooldown cannot race past it.
func (d *EffectDispatcher) shouldAnalyze(m *Message) bool {
	if m.Type != MessageTypeText || len(m.Text) < d.minTextLen {
		return false
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.submitted[m.ID]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.submitted[m.ID] = now
	d.byChat[m.ChatID] = append(d.byChat[m.ChatID], m.ID)
	return true
}

// spawn runs one side effect in its own goroutine, swallowing errors and
// panics into the log and the dead-letter ring.
func (d *EffectDispatcher) spawn(stage string, m *Message, fn func() error) {
	d.wg.Add(1)
	chatID, messageID := m.ChatID, m.ID
	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.bury(stage, chatID, messageID, fmt.Errorf("panic: %v", rec))
			}
		}()
		if err := fn(); err != nil {
			d.bury(stage, chatID, messageID, err)
		}
	}()
}

func (d *EffectDispatcher) bury(stage, chatID, messageID string, err error) {
	d.log.Warn().
		Str("stage", stage).
		Str("chat", chatID).
		Str("message", messageID).
		Err(err).
		Msg("side effect failed")

	d.mu.Lock()
	if len(d.dead) >= deadLetterCap {
		d.dead = d.dead[len(d.dead)-deadLetterCap+1:]
	}
	d.dead = append(d.dead, DeadLetter{
		At:        d.now(),
		Stage:     stage,
		ChatID:    chatID,
		MessageID: messageID,
		Err:       err.Error(),
	})
	d.mu.Unlock()
}
