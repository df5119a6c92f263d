package meridian

import (
	"sort"
	"time"
)

// ============================================================================
// Deduplication Engine
// ============================================================================

// DedupTolerance is the window within which an optimistic message and a
// server message with the same sender and text are treated as the same
// logical send. A genuine duplicate send of identical text inside this
// window collapses to one message; accepted as a rare false positive.
const DedupTolerance = 5 * time.Second

// DedupKey identifies a logical send when two messages do not share an
// id. Derived, never stored.
type DedupKey struct {
	SenderID string
	Text     string
	Bucket   int64
}

// KeyFor derives the DedupKey for a message. Timestamps are bucketed by
// DedupTolerance; an optimistic message and its confirmed counterpart
// always land within one bucket of each other, which sameSend accounts
// for by comparing raw timestamps instead of buckets.
func KeyFor(m *Message) DedupKey {
	return DedupKey{
		SenderID: m.SenderID,
		Text:     m.Text,
		Bucket:   m.Timestamp.UnixMilli() / DedupTolerance.Milliseconds(),
	}
}

// sameSend reports whether an optimistic message and a server message
// represent the same logical send. An echoed client id is an exact
// match; otherwise fall back to the content/time heuristic.
func sameSend(opt, srv *Message) bool {
	if opt.ClientID != "" && opt.ClientID == srv.ClientID {
		return true
	}
	if opt.SenderID != srv.SenderID || opt.Text != srv.Text {
		return false
	}
	d := srv.Timestamp.Sub(opt.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= DedupTolerance
}

// Merge reconciles the current visible list with a fresh authoritative
// snapshot from the server. It returns the new canonical list (sorted
// ascending by timestamp) and the delta: server messages genuinely new
// to the user, excluding the local actor's own.
//
// Merge is a pure function of its inputs so the reducer step cannot be
// interleaved mid-computation; it never mutates previous or snapshot.
func Merge(previous, snapshot []Message, localActorID string) (merged, delta []Message) {
	// Server state is authoritative for anything with a confirmed id.
	serverByID := make(map[string]struct{}, len(snapshot))
	for i := range snapshot {
		serverByID[snapshot[i].ID] = struct{}{}
	}

	knownIDs := make(map[string]struct{}, len(previous))
	for i := range previous {
		knownIDs[previous[i].ID] = struct{}{}
	}

	// Optimistic messages still in flight are retained; ones the server
	// snapshot now represents are dropped (confirmed elsewhere).
	var retained []Message
	confirmedServer := make(map[string]struct{})
	for i := range previous {
		prev := &previous[i]
		if !prev.IsOptimistic() {
			continue
		}
		matched := ""
		for j := range snapshot {
			srv := &snapshot[j]
			if _, taken := confirmedServer[srv.ID]; taken {
				continue
			}
			if sameSend(prev, srv) {
				matched = srv.ID
				break
			}
		}
		if matched != "" {
			confirmedServer[matched] = struct{}{}
			continue
		}
		retained = append(retained, *prev)
	}

	// Merge result: all server messages plus retained optimistic ones,
	// deduplicated by id.
	merged = make([]Message, 0, len(snapshot)+len(retained))
	seen := make(map[string]struct{}, len(snapshot)+len(retained))
	for i := range snapshot {
		if _, dup := seen[snapshot[i].ID]; dup {
			continue
		}
		seen[snapshot[i].ID] = struct{}{}
		merged = append(merged, snapshot[i])
	}
	for i := range retained {
		if _, dup := seen[retained[i].ID]; dup {
			continue
		}
		seen[retained[i].ID] = struct{}{}
		merged = append(merged, retained[i])
	}
	sortMessages(merged)

	// Delta: server messages not previously visible, not a confirmation
	// of an optimistic send, and not authored by the local actor.
	for i := range snapshot {
		srv := &snapshot[i]
		if _, known := knownIDs[srv.ID]; known {
			continue
		}
		if _, confirmed := confirmedServer[srv.ID]; confirmed {
			continue
		}
		if srv.SenderID == localActorID {
			continue
		}
		delta = append(delta, *srv)
	}
	sortMessages(delta)

	return merged, delta
}

// sortMessages orders ascending by timestamp, breaking ties by id so
// repeated merges are deterministic.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
