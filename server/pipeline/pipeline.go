// Package pipeline is the ingestion path for location updates: validate,
// authorize, rate-limit, classify, throttle, sequence, persist, detect,
// fan out. Updates from the same sender in the same journey are processed
// strictly in order; different senders proceed in parallel.
package pipeline

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/detector"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
	"github.com/itskum47/convoy/server/sequence"
	"github.com/itskum47/convoy/server/store"
)

// stripes bounds how many (journey, sender) pairs can be serialized
// independently.
const stripes = 64

// Broadcaster fans accepted events out to realtime subscribers. The
// gateway implements it; tests and offline tools use NopBroadcaster.
type Broadcaster interface {
	BroadcastLocation(ctx context.Context, rec *domain.LocationRecord)
	BroadcastLagAlert(ctx context.Context, alert *domain.LagAlert)
	BroadcastArrival(ctx context.Context, journeyID, userID string)
}

// NopBroadcaster drops every event.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastLocation(context.Context, *domain.LocationRecord) {}
func (NopBroadcaster) BroadcastLagAlert(context.Context, *domain.LagAlert)       {}
func (NopBroadcaster) BroadcastArrival(context.Context, string, string)          {}

// Pipeline processes location updates end to end.
type Pipeline struct {
	store   store.Store
	cache   cache.Cache
	seq     *sequence.Engine
	lag     *detector.LagDetector
	arrival *detector.ArrivalDetector
	fanout  Broadcaster
	rateMax int64
	now     func() time.Time
	locks   [stripes]sync.Mutex
}

// New wires a Pipeline. rateMax is the per-user accepted-update budget per
// minute.
func New(st store.Store, ch cache.Cache, seq *sequence.Engine, lag *detector.LagDetector, arr *detector.ArrivalDetector, fanout Broadcaster, rateMax int) *Pipeline {
	return &Pipeline{
		store:   st,
		cache:   ch,
		seq:     seq,
		lag:     lag,
		arrival: arr,
		fanout:  fanout,
		rateMax: int64(rateMax),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Process runs one update through the full path. A throttled update
// returns a result with Success=false and no error; rejections surface as
// domain errors.
func (p *Pipeline) Process(ctx context.Context, senderID string, upd *domain.LocationUpdate) (*domain.UpdateResult, error) {
	started := time.Now()
	defer func() {
		observability.PipelineDuration.Observe(time.Since(started).Seconds())
	}()

	if err := upd.Validate(); err != nil {
		return nil, err
	}

	j, err := p.store.GetJourney(ctx, upd.JourneyID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, domain.NotFound("journey %s not found", upd.JourneyID)
	}
	if j.Status != domain.JourneyActive {
		return nil, domain.PreconditionFailed("journey %s is %s, not accepting locations", j.JourneyID, j.Status)
	}

	if err := p.authorizeSender(ctx, j, senderID); err != nil {
		return nil, err
	}

	if err := p.checkRate(ctx, senderID); err != nil {
		return nil, err
	}

	// Serialize per (journey, sender) so sequence order matches arrival
	// order for one device.
	lock := p.stripe(j.JourneyID, senderID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := p.lastFix(ctx, j.JourneyID, senderID)
	if err != nil {
		return nil, err
	}

	var leaderFix *domain.LocationRecord
	if senderID != j.LeaderID {
		if leaderFix, err = p.lastFix(ctx, j.JourneyID, j.LeaderID); err != nil {
			return nil, err
		}
	}

	activeAlert, err := p.store.GetActiveLagAlert(ctx, j.JourneyID, senderID)
	if err != nil {
		return nil, err
	}

	priority := p.classify(j, senderID, upd, prev, leaderFix, activeAlert != nil)
	now := p.now()
	if reason, dropped := throttle(priority, prev, upd.Metadata.BatteryLevel, now); dropped {
		observability.UpdatesThrottled.WithLabelValues(string(reason)).Inc()
		return &domain.UpdateResult{Success: false, Priority: priority}, nil
	}

	seqNum, err := p.seq.Next(ctx, j.JourneyID)
	if err != nil {
		return nil, err
	}

	rec := &domain.LocationRecord{
		RecordID:       uuid.NewString(),
		JourneyID:      j.JourneyID,
		UserID:         senderID,
		Latitude:       upd.Latitude,
		Longitude:      upd.Longitude,
		Accuracy:       upd.Accuracy,
		Heading:        upd.Heading,
		Speed:          upd.Speed,
		Altitude:       upd.Altitude,
		Timestamp:      now,
		SequenceNumber: seqNum,
		Priority:       priority,
		Metadata:       upd.Metadata,
	}

	if err := p.store.InsertLocation(ctx, rec); err != nil {
		return nil, err
	}

	// The hot cache is best-effort once the durable write landed; readers
	// fall back to Postgres on a miss.
	if err := p.cache.SetLocation(ctx, rec); err != nil {
		observability.HotCacheWriteFailures.Inc()
		log.Printf("pipeline: hot write for %s/%s failed: %v", j.JourneyID, senderID, err)
	}

	result := &domain.UpdateResult{
		Success:        true,
		SequenceNumber: seqNum,
		Priority:       priority,
		Record:         rec,
	}

	alerts, err := p.lag.Evaluate(ctx, j, rec)
	if err != nil {
		log.Printf("pipeline: lag evaluation for %s/%s failed: %v", j.JourneyID, senderID, err)
	}
	for _, alert := range alerts {
		if alert.UserID == senderID && alert.IsActive {
			result.LagAlert = alert
		}
		p.fanout.BroadcastLagAlert(ctx, alert)
		observability.FanoutDeliveries.WithLabelValues("lag-alert").Inc()
	}

	arrived, err := p.arrival.Evaluate(ctx, j, rec)
	if err != nil {
		log.Printf("pipeline: arrival evaluation for %s/%s failed: %v", j.JourneyID, senderID, err)
	}
	if arrived {
		result.ArrivalDetected = true
		p.fanout.BroadcastArrival(ctx, j.JourneyID, senderID)
		observability.FanoutDeliveries.WithLabelValues("arrival-detected").Inc()
	}

	if priority == domain.PriorityHigh {
		if err := p.seq.EnqueueHigh(ctx, rec); err != nil {
			log.Printf("pipeline: pending enqueue for %s seq %d failed: %v", j.JourneyID, seqNum, err)
		}
	}
	p.fanout.BroadcastLocation(ctx, rec)
	observability.FanoutDeliveries.WithLabelValues("location-update").Inc()
	observability.UpdatesProcessed.WithLabelValues(string(priority)).Inc()

	return result, nil
}

// authorizeSender admits roster members, reconciling the hot roster from
// the durable participant row when the cache entry is missing.
func (p *Pipeline) authorizeSender(ctx context.Context, j *domain.Journey, senderID string) error {
	roster, err := p.cache.GetRoster(ctx, j.JourneyID)
	if err != nil {
		return err
	}
	for _, id := range roster {
		if id == senderID {
			return nil
		}
	}
	part, err := p.store.GetParticipant(ctx, j.JourneyID, senderID)
	if err != nil {
		return err
	}
	if part == nil || !part.CanStream() {
		return domain.Forbidden("user %s may not stream to journey %s", senderID, j.JourneyID)
	}
	if err := p.cache.AddRosterMember(ctx, j.JourneyID, senderID); err != nil {
		log.Printf("pipeline: roster reconcile for %s/%s failed: %v", j.JourneyID, senderID, err)
	}
	return nil
}

func (p *Pipeline) checkRate(ctx context.Context, senderID string) error {
	window := p.now().Unix() / 60
	count, err := p.cache.IncrWindow(ctx, cache.RateLimitKey(senderID, window), time.Minute)
	if err != nil {
		return err
	}
	if count > p.rateMax {
		observability.UpdatesThrottled.WithLabelValues("rate_limit").Inc()
		return domain.TooManyRequests("user %s exceeded %d updates per minute", senderID, p.rateMax)
	}
	return nil
}

// lastFix prefers the hot cache, falling back to the durable store when
// the TTL expired.
func (p *Pipeline) lastFix(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error) {
	rec, err := p.cache.GetLocation(ctx, journeyID, userID)
	if err != nil || rec != nil {
		return rec, err
	}
	return p.store.GetLastLocation(ctx, journeyID, userID)
}

func (p *Pipeline) stripe(journeyID, userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(journeyID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return &p.locks[h.Sum32()%stripes]
}
