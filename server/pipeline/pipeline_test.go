package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/detector"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/sequence"
	"github.com/itskum47/convoy/server/store"
)

var origin = domain.Coordinate{Latitude: -1.2921, Longitude: 36.8219}

func north(meters float64) domain.Coordinate {
	return domain.Coordinate{
		Latitude:  origin.Latitude + meters/111320.0,
		Longitude: origin.Longitude,
	}
}

// recordingBroadcaster captures fan-out events for assertions.
type recordingBroadcaster struct {
	mu        sync.Mutex
	locations []*domain.LocationRecord
	alerts    []*domain.LagAlert
	arrivals  []string
}

func (b *recordingBroadcaster) BroadcastLocation(_ context.Context, rec *domain.LocationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locations = append(b.locations, rec)
}

func (b *recordingBroadcaster) BroadcastLagAlert(_ context.Context, alert *domain.LagAlert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, alert)
}

func (b *recordingBroadcaster) BroadcastArrival(_ context.Context, journeyID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arrivals = append(b.arrivals, userID)
}

type fixture struct {
	p       *Pipeline
	st      *store.MemoryStore
	ch      *cache.MemoryCache
	fanout  *recordingBroadcaster
	journey *domain.Journey
	clock   time.Time
}

func newFixture(t *testing.T, dest *domain.Coordinate) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	ch := cache.NewMemoryCache()
	now := time.Now()
	j := &domain.Journey{
		JourneyID:          "j1",
		Name:               "cbd convoy",
		LeaderID:           "leader",
		Status:             domain.JourneyActive,
		Destination:        dest,
		LagThresholdMeters: 500,
		CreatedAt:          now,
		UpdatedAt:          now,
		StartedAt:          &now,
	}
	require.NoError(t, st.CreateJourney(ctx, j))
	for _, u := range []string{"leader", "follower"} {
		role := domain.RoleFollower
		if u == "leader" {
			role = domain.RoleLeader
		}
		require.NoError(t, st.UpsertParticipant(ctx, &domain.Participant{
			JourneyID: "j1", UserID: u, Role: role, Status: domain.ParticipantActive,
		}))
	}
	require.NoError(t, ch.SeedRoster(ctx, "j1", []string{"leader", "follower"}))

	fanout := &recordingBroadcaster{}
	eng := sequence.NewEngine(st, ch)
	lag := detector.NewLagDetector(st, ch, 1000)
	arr := detector.NewArrivalDetector(st, 100, 1.39)
	p := New(st, ch, eng, lag, arr, fanout, 60)

	f := &fixture{p: p, st: st, ch: ch, fanout: fanout, journey: j, clock: now}
	p.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) update(at domain.Coordinate) *domain.LocationUpdate {
	return &domain.LocationUpdate{
		JourneyID: "j1",
		Latitude:  at.Latitude,
		Longitude: at.Longitude,
		Accuracy:  5,
		Metadata:  domain.UpdateMetadata{BatteryLevel: 90, IsMoving: true},
	}
}

func TestLeaderUpdatesAreHighAndSequenced(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		f.clock = f.clock.Add(time.Second)
		res, err := f.p.Process(ctx, "leader", f.update(north(float64(want)*20)))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, domain.PriorityHigh, res.Priority)
		assert.Equal(t, want, res.SequenceNumber)
	}

	// HIGH updates land in the follower's pending queue, not the sender's.
	envs, err := f.ch.ListPending(ctx, "j1", "follower")
	require.NoError(t, err)
	assert.Len(t, envs, 3)
	own, _ := f.ch.ListPending(ctx, "j1", "leader")
	assert.Empty(t, own)

	assert.Len(t, f.fanout.locations, 3)
}

func TestStatusChangeIsHigh(t *testing.T) {
	f := newFixture(t, nil)
	upd := f.update(origin)
	upd.Metadata.StatusChange = true
	res, err := f.p.Process(context.Background(), "follower", upd)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
}

func TestLaggingFollowerIsPromotedToHigh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.p.Process(ctx, "leader", f.update(origin))
	require.NoError(t, err)

	// Falling 700m behind crosses the lag threshold: the crossing fix
	// itself rides HIGH and raises a warning.
	f.clock = f.clock.Add(5 * time.Second)
	res, err := f.p.Process(ctx, "follower", f.update(north(-700)))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
	require.NotNil(t, res.LagAlert)
	assert.Equal(t, domain.SeverityWarning, res.LagAlert.Severity)
	require.Len(t, f.fanout.alerts, 1)

	// The crossing fix is queued for at-least-once delivery to the rest
	// of the room.
	envs, err := f.ch.ListPending(ctx, "j1", "leader")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, res.SequenceNumber, envs[0].SequenceNumber)

	// Still behind the leader, still HIGH.
	f.clock = f.clock.Add(5 * time.Second)
	res, err = f.p.Process(ctx, "follower", f.update(north(-690)))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
}

func TestMediumForJumpsAndNearDestination(t *testing.T) {
	dest := north(5000)
	f := newFixture(t, &dest)
	ctx := context.Background()

	// First fix has no previous point and sits far from the destination.
	res, err := f.p.Process(ctx, "follower", f.update(origin))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, res.Priority)

	// A 200m jump since the last fix is MEDIUM.
	f.clock = f.clock.Add(15 * time.Second)
	res, err = f.p.Process(ctx, "follower", f.update(north(200)))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, res.Priority)

	// Crawling inside the arrival geofence (100m) stays MEDIUM.
	f.clock = f.clock.Add(15 * time.Second)
	require.NoError(t, f.ch.SetLocation(ctx, &domain.LocationRecord{
		JourneyID: "j1", UserID: "follower",
		Latitude: north(4920).Latitude, Longitude: north(4920).Longitude,
		Timestamp: f.clock.Add(-15 * time.Second), SequenceNumber: 2, Priority: domain.PriorityLow,
	}))
	res, err = f.p.Process(ctx, "follower", f.update(north(4930)))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, res.Priority)

	// 400m out is beyond the geofence; a small move there is ordinary
	// LOW traffic.
	f.clock = f.clock.Add(15 * time.Second)
	require.NoError(t, f.ch.SetLocation(ctx, &domain.LocationRecord{
		JourneyID: "j1", UserID: "follower",
		Latitude: north(4590).Latitude, Longitude: north(4590).Longitude,
		Timestamp: f.clock.Add(-15 * time.Second), SequenceNumber: 3, Priority: domain.PriorityLow,
	}))
	res, err = f.p.Process(ctx, "follower", f.update(north(4600)))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, res.Priority)
}

func TestIntervalThrottle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.p.Process(ctx, "follower", f.update(origin))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, domain.PriorityLow, res.Priority)

	// 4s later a LOW update is still inside the 10s window.
	f.clock = f.clock.Add(4 * time.Second)
	res, err = f.p.Process(ctx, "follower", f.update(north(10)))
	require.NoError(t, err)
	assert.False(t, res.Success)

	// The same gap admits a MEDIUM update (3s window).
	res, err = f.p.Process(ctx, "follower", f.update(north(200)))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.PriorityMedium, res.Priority)
}

func TestBatteryConservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// A sender's very first fix always lands, battery notwithstanding.
	first := f.update(origin)
	first.Metadata.BatteryLevel = 15
	res, err := f.p.Process(ctx, "follower", first)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.PriorityLow, res.Priority)

	// From the second fix on, battery below 20% drops LOW and MEDIUM.
	for i := 1; i <= 4; i++ {
		f.clock = f.clock.Add(200 * time.Millisecond)
		next := f.update(north(float64(i)))
		next.Metadata.BatteryLevel = 15
		res, err = f.p.Process(ctx, "follower", next)
		require.NoError(t, err)
		assert.False(t, res.Success, "fix %d", i)
	}

	// Battery below 50% drops LOW only; a MEDIUM jump still lands.
	f.clock = f.clock.Add(time.Minute)
	low := f.update(north(10))
	low.Metadata.BatteryLevel = 40
	res, err = f.p.Process(ctx, "follower", low)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.PriorityLow, res.Priority)

	jump := f.update(north(200))
	jump.Metadata.BatteryLevel = 40
	res, err = f.p.Process(ctx, "follower", jump)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.PriorityMedium, res.Priority)

	// HIGH outruns battery policy.
	f.clock = f.clock.Add(time.Second)
	critical := f.update(north(210))
	critical.Metadata.BatteryLevel = 5
	critical.Metadata.StatusChange = true
	res, err = f.p.Process(ctx, "follower", critical)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Pin the clock to a minute boundary so every attempt lands in one
	// rate-limit window.
	f.clock = f.clock.Truncate(time.Minute)

	// Leader updates are HIGH so the interval throttle never drops them;
	// the 61st inside one minute hits the rate limiter.
	for i := 0; i < 60; i++ {
		f.clock = f.clock.Add(500 * time.Millisecond)
		_, err := f.p.Process(ctx, "leader", f.update(north(float64(i))))
		require.NoError(t, err)
	}
	_, err := f.p.Process(ctx, "leader", f.update(origin))
	assert.Equal(t, domain.KindTooManyRequests, domain.KindOf(err))
}

func TestRejectsOutsiderAndInactiveJourney(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.p.Process(ctx, "stranger", f.update(origin))
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	f.journey.Status = domain.JourneyCompleted
	require.NoError(t, f.st.UpdateJourney(ctx, f.journey))
	_, err = f.p.Process(ctx, "leader", f.update(origin))
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))

	_, err = f.p.Process(ctx, "leader", &domain.LocationUpdate{JourneyID: "ghost", Latitude: 0, Longitude: 0})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestRosterReconciliationOnCacheMiss(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Simulate a cold cache: the roster entry is gone but the durable
	// participant row says the user may stream.
	require.NoError(t, f.ch.RemoveRosterMember(ctx, "j1", "follower"))
	res, err := f.p.Process(ctx, "follower", f.update(origin))
	require.NoError(t, err)
	assert.True(t, res.Success)

	roster, err := f.ch.GetRoster(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, roster, "follower")
}

func TestArrivalFlowsThroughPipeline(t *testing.T) {
	dest := origin
	f := newFixture(t, &dest)
	ctx := context.Background()

	speed := 0.5
	upd := f.update(north(40))
	upd.Speed = &speed
	res, err := f.p.Process(ctx, "follower", upd)
	require.NoError(t, err)
	assert.True(t, res.ArrivalDetected)
	assert.Equal(t, []string{"follower"}, f.fanout.arrivals)

	p, err := f.st.GetParticipant(ctx, "j1", "follower")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantArrived, p.Status)
}

func TestHotCacheHoldsLatestFix(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.p.Process(ctx, "leader", f.update(origin))
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Second)
	_, err = f.p.Process(ctx, "leader", f.update(north(100)))
	require.NoError(t, err)

	hot, err := f.ch.GetLocation(ctx, "j1", "leader")
	require.NoError(t, err)
	require.NotNil(t, hot)
	assert.Equal(t, int64(2), hot.SequenceNumber)
	assert.InDelta(t, north(100).Latitude, hot.Latitude, 1e-9)
}
