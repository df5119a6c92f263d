package meridian

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Read-Receipt Throttler
// ============================================================================

// DefaultReceiptWindow is the minimum gap between two batched mark-read
// writes during a message burst.
const DefaultReceiptWindow = 750 * time.Millisecond

// ReceiptMarker rate-limits mark-as-read writes. Incoming deltas
// accumulate into one pending batch; at most one batched write is issued
// per throttle window, and ids from a failed batch stay pending so the
// next window retries them passively.
type ReceiptMarker struct {
	store   MessageStore
	userID  string
	limiter *rate.Limiter
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewReceiptMarker creates a throttled receipt writer for one user.
// window <= 0 selects DefaultReceiptWindow.
func NewReceiptMarker(store MessageStore, userID string, window time.Duration, log zerolog.Logger) *ReceiptMarker {
	if window <= 0 {
		window = DefaultReceiptWindow
	}
	return &ReceiptMarker{
		store:   store,
		userID:  userID,
		limiter: rate.NewLimiter(rate.Every(window), 1),
		log:     log,
		pending: make(map[string]struct{}),
	}
}

// Observe queues read receipts for delta messages the user has not
// authored or already read, then flushes one batch if the throttle
// window allows. Write failures are logged, never surfaced; the ids ride
// the next window.
func (r *ReceiptMarker) Observe(ctx context.Context, delta []Message) {
	r.mu.Lock()
	for i := range delta {
		m := &delta[i]
		if m.SenderID == r.userID || m.ReadByUser(r.userID) || m.IsOptimistic() {
			continue
		}
		r.pending[m.ID] = struct{}{}
	}
	if len(r.pending) == 0 || !r.limiter.Allow() {
		r.mu.Unlock()
		return
	}
	batch := r.takePendingLocked()
	r.mu.Unlock()

	r.flush(ctx, batch)
}

// MarkAll issues an unconditional batched mark-read for every listed
// message not authored or already read by the user, bypassing the
// throttle. Used on screen focus and first mount.
func (r *ReceiptMarker) MarkAll(ctx context.Context, msgs []Message) error {
	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == r.userID || m.ReadByUser(r.userID) || m.IsOptimistic() {
			continue
		}
		ids = append(ids, m.ID)
	}

	// Fold in whatever a previous failed batch left behind.
	r.mu.Lock()
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.pending = make(map[string]struct{})
	r.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := r.store.MarkRead(ctx, ids, r.userID); err != nil {
		r.requeue(ids)
		return err
	}
	return nil
}

// Pending returns the number of receipts waiting for the next window.
func (r *ReceiptMarker) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *ReceiptMarker) takePendingLocked() []string {
	batch := make([]string, 0, len(r.pending))
	for id := range r.pending {
		batch = append(batch, id)
	}
	r.pending = make(map[string]struct{})
	return batch
}

func (r *ReceiptMarker) flush(ctx context.Context, ids []string) {
	if err := r.store.MarkRead(ctx, ids, r.userID); err != nil {
		r.log.Warn().Err(err).Int("count", len(ids)).Msg("mark read batch failed; will retry next window")
		r.requeue(ids)
	}
}

func (r *ReceiptMarker) requeue(ids []string) {
	r.mu.Lock()
	for _, id := range ids {
		r.pending[id] = struct{}{}
	}
	r.mu.Unlock()
}
