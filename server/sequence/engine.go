// Package sequence implements per-journey ordering and the delivery
// guarantees layered on it: dense sequence allocation, monotone ack
// cursors, gap detection, resync, and retry of unacknowledged HIGH
// updates.
package sequence

import (
	"context"
	"time"

	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
	"github.com/itskum47/convoy/server/store"
)

// fullResyncGap is the missed-record count beyond which replaying history
// stops being worth it and the subscriber gets a fresh snapshot instead.
const fullResyncGap = 10

// Engine owns sequence numbers and ack cursors for every journey.
type Engine struct {
	store store.Store
	cache cache.Cache
}

// NewEngine wires an Engine over the shared cache and store.
func NewEngine(st store.Store, ch cache.Cache) *Engine {
	return &Engine{store: st, cache: ch}
}

// Next allocates the next sequence number for a journey. Numbers are dense
// and start at 1; allocation is atomic across nodes.
func (e *Engine) Next(ctx context.Context, journeyID string) (int64, error) {
	return e.cache.NextSequence(ctx, journeyID)
}

// Current reads the highest sequence allocated so far, 0 for a fresh
// journey.
func (e *Engine) Current(ctx context.Context, journeyID string) (int64, error) {
	return e.cache.CurrentSequence(ctx, journeyID)
}

// Acknowledge advances the subscriber's cursor to seq and prunes the
// pending queue through it. Stale acks (seq at or behind the cursor) are
// no-ops; the returned value is the effective cursor either way.
func (e *Engine) Acknowledge(ctx context.Context, journeyID, userID string, seq int64) (int64, error) {
	if seq < 0 {
		return 0, domain.InvalidInput("sequence_number must be non-negative")
	}
	cursor, err := e.cache.SetAckCursor(ctx, journeyID, userID, seq)
	if err != nil {
		return 0, err
	}
	if err := e.cache.DropPendingThrough(ctx, journeyID, userID, cursor); err != nil {
		return 0, err
	}
	return cursor, nil
}

// Cursor reads the subscriber's ack cursor.
func (e *Engine) Cursor(ctx context.Context, journeyID, userID string) (int64, error) {
	return e.cache.GetAckCursor(ctx, journeyID, userID)
}

// Gap reports the missed range when a subscriber receives a sequence ahead
// of its cursor: received 7 against cursor 4 misses [5,6]. ok is false
// when the delivery is contiguous (or stale).
func Gap(cursor, received int64) (from, to int64, ok bool) {
	if received <= cursor+1 {
		return 0, 0, false
	}
	return cursor + 1, received - 1, true
}

// ResyncResult is what a subscriber gets back after requesting a resync.
type ResyncResult struct {
	// Full means the gap was too large to replay; Records then holds the
	// latest fix per participant instead of the missed history.
	Full    bool                     `json:"full"`
	Records []*domain.LocationRecord `json:"records"`
	// Cursor is what the subscriber should acknowledge next.
	Cursor int64 `json:"cursor"`
}

// Resync replays history after fromSeq, or serves a snapshot when the
// subscriber is too far behind. The caller's cursor is advanced to the
// journey head so the replayed range is not retried.
func (e *Engine) Resync(ctx context.Context, journeyID, userID string, fromSeq int64) (*ResyncResult, error) {
	if fromSeq < 0 {
		return nil, domain.InvalidInput("from_sequence must be non-negative")
	}
	observability.ResyncRequests.Inc()

	head, err := e.cache.CurrentSequence(ctx, journeyID)
	if err != nil {
		return nil, err
	}

	res := &ResyncResult{Cursor: head}
	if head-fromSeq > fullResyncGap {
		hot, err := e.cache.ListLocations(ctx, journeyID)
		if err != nil {
			return nil, err
		}
		res.Full = true
		res.Records = make([]*domain.LocationRecord, 0, len(hot))
		for _, rec := range hot {
			res.Records = append(res.Records, rec)
		}
	} else {
		recs, err := e.store.ListLocationsAfter(ctx, journeyID, fromSeq)
		if err != nil {
			return nil, err
		}
		res.Records = recs
	}

	if _, err := e.Acknowledge(ctx, journeyID, userID, head); err != nil {
		return nil, err
	}
	return res, nil
}

// EnqueueHigh registers a HIGH-priority record for guaranteed delivery to
// every roster member except the sender. The envelopes sit in the pending
// queues until acknowledged or retried out.
func (e *Engine) EnqueueHigh(ctx context.Context, rec *domain.LocationRecord) error {
	roster, err := e.cache.GetRoster(ctx, rec.JourneyID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, userID := range roster {
		if userID == rec.UserID {
			continue
		}
		env := &domain.PendingEnvelope{
			JourneyID:      rec.JourneyID,
			TargetUserID:   userID,
			SequenceNumber: rec.SequenceNumber,
			Record:         *rec,
			Attempt:        0,
			FirstAttemptAt: now,
			LastAttemptAt:  now,
		}
		if err := e.cache.AppendPending(ctx, env); err != nil {
			return err
		}
	}
	return nil
}
