package sequence

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
)

// Deliverer pushes one envelope to a subscriber's live sessions. Returns
// false when the user has no connected session; the envelope stays queued.
type Deliverer interface {
	Deliver(ctx context.Context, env *domain.PendingEnvelope) bool
}

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// RetryScheduler sweeps the pending queues and redelivers unacknowledged
// HIGH updates with exponential backoff. After maxAttempts redeliveries an
// envelope is dropped and logged; the subscriber recovers it via resync.
type RetryScheduler struct {
	cache       cache.Cache
	deliverer   Deliverer
	maxAttempts int
	interval    time.Duration
	now         func() time.Time
}

// NewRetryScheduler wires a scheduler. interval is the sweep period.
func NewRetryScheduler(ch cache.Cache, d Deliverer, maxAttempts int, interval time.Duration) *RetryScheduler {
	return &RetryScheduler{
		cache:       ch,
		deliverer:   d,
		maxAttempts: maxAttempts,
		interval:    interval,
		now:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *RetryScheduler) SetClock(now func() time.Time) { s.now = now }

// Run sweeps until ctx is cancelled. Call from its own goroutine.
func (s *RetryScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep walks every active journey's pending queues once. Exposed so tests
// can drive the scheduler without real time.
func (s *RetryScheduler) Sweep(ctx context.Context) {
	journeys, err := s.cache.ListActiveJourneys(ctx)
	if err != nil {
		log.Printf("retry: listing active journeys failed: %v", err)
		return
	}
	for _, journeyID := range journeys {
		roster, err := s.cache.GetRoster(ctx, journeyID)
		if err != nil {
			log.Printf("retry: roster for %s failed: %v", journeyID, err)
			continue
		}
		depth := 0
		for _, userID := range roster {
			n, err := s.sweepQueue(ctx, journeyID, userID)
			if err != nil {
				log.Printf("retry: queue %s/%s failed: %v", journeyID, userID, err)
				continue
			}
			depth += n
		}
		observability.PendingQueueDepth.WithLabelValues(journeyID).Set(float64(depth))
	}
}

// sweepQueue retries or drops due envelopes for one subscriber and returns
// the remaining queue depth.
func (s *RetryScheduler) sweepQueue(ctx context.Context, journeyID, userID string) (int, error) {
	envs, err := s.cache.ListPending(ctx, journeyID, userID)
	if err != nil {
		return 0, err
	}
	if len(envs) == 0 {
		return 0, nil
	}

	now := s.now()
	kept := envs[:0]
	changed := false
	for i := range envs {
		env := envs[i]
		if now.Before(env.LastAttemptAt.Add(backoff(env.Attempt))) {
			kept = append(kept, env)
			continue
		}
		if env.Attempt >= s.maxAttempts {
			observability.RetryDrops.Inc()
			log.Printf("retry: dropping seq %d for %s/%s after %d attempts",
				env.SequenceNumber, journeyID, userID, env.Attempt)
			changed = true
			continue
		}
		env.Attempt++
		env.LastAttemptAt = now
		observability.RetryAttempts.Inc()
		if s.deliverer.Deliver(ctx, &env) {
			observability.FanoutDeliveries.WithLabelValues("location-update").Inc()
		}
		kept = append(kept, env)
		changed = true
	}

	if changed {
		if err := s.cache.ReplacePending(ctx, journeyID, userID, kept); err != nil {
			return len(kept), err
		}
	}
	return len(kept), nil
}

// backoff doubles per attempt from retryBaseDelay, capped at retryMaxDelay.
func backoff(attempt int) time.Duration {
	d := retryBaseDelay << attempt
	if d > retryMaxDelay || d <= 0 {
		return retryMaxDelay
	}
	return d
}
