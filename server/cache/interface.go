package cache

import (
	"context"
	"time"

	"github.com/itskum47/convoy/server/domain"
)

// HotLocationTTL bounds how long a stale fix stays servable.
const HotLocationTTL = 5 * time.Minute

// PendingTTL bounds how long undelivered HIGH envelopes are retained.
const PendingTTL = time.Hour

// Cache is the hot-state surface: sequence counters, rosters, rooms,
// latest locations, ack cursors, pending-delivery queues, rate limits and
// serialization keys. Implementations: RedisCache (production) and
// MemoryCache (tests / single-node dev). All mutations use the backend's
// atomic primitives; none of these methods require external locking.
type Cache interface {
	// Hot locations: one entry per (journey, participant), overwritten by
	// each accepted update.
	SetLocation(ctx context.Context, rec *domain.LocationRecord) error
	GetLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error)
	ListLocations(ctx context.Context, journeyID string) (map[string]*domain.LocationRecord, error)

	// Sequence allocation. NextSequence is atomic and dense per journey,
	// starting at 1.
	NextSequence(ctx context.Context, journeyID string) (int64, error)
	CurrentSequence(ctx context.Context, journeyID string) (int64, error)

	// Ack cursors are monotone non-decreasing; SetAckCursor returns the
	// effective cursor after the write (unchanged if seq was behind).
	SetAckCursor(ctx context.Context, journeyID, userID string, seq int64) (int64, error)
	GetAckCursor(ctx context.Context, journeyID, userID string) (int64, error)

	// Pending HIGH-priority delivery queues, FIFO per (journey, target).
	AppendPending(ctx context.Context, env *domain.PendingEnvelope) error
	ListPending(ctx context.Context, journeyID, userID string) ([]domain.PendingEnvelope, error)
	ReplacePending(ctx context.Context, journeyID, userID string, envs []domain.PendingEnvelope) error
	DropPendingThrough(ctx context.Context, journeyID, userID string, seq int64) error

	// Roster: the set of participant ids currently streaming in a journey.
	AddRosterMember(ctx context.Context, journeyID, userID string) error
	RemoveRosterMember(ctx context.Context, journeyID, userID string) error
	GetRoster(ctx context.Context, journeyID string) ([]string, error)
	SeedRoster(ctx context.Context, journeyID string, userIDs []string) error

	// Leader pointer, written on start and retained after end for analytics.
	SetLeader(ctx context.Context, journeyID, userID string) error
	GetLeader(ctx context.Context, journeyID string) (string, error)

	// Active-journey set.
	AddActiveJourney(ctx context.Context, journeyID string) error
	RemoveActiveJourney(ctx context.Context, journeyID string) error
	ListActiveJourneys(ctx context.Context) ([]string, error)

	// Rooms: live connection ids subscribed to a journey.
	AddRoomMember(ctx context.Context, journeyID, connID string) error
	RemoveRoomMember(ctx context.Context, journeyID, connID string) error
	GetRoomMembers(ctx context.Context, journeyID string) ([]string, error)

	// Connection registry: connection id -> user id.
	SetConnUser(ctx context.Context, connID, userID string) error
	GetConnUser(ctx context.Context, connID string) (string, error)
	DeleteConn(ctx context.Context, connID string) error

	// IncrWindow bumps a windowed counter, setting the TTL on first
	// increment. Used for the per-user location rate limit.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// TryLock acquires a short serialization key (SETNX semantics).
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error

	Close() error
}
