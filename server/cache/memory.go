package cache

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/convoy/server/domain"
)

// MemoryCache is an in-process Cache for tests and single-node dev.
// TTLs are tracked per entry and enforced lazily on read.
type MemoryCache struct {
	mu sync.Mutex

	locations map[string]*domain.LocationRecord // LocationKey -> record
	locExpiry map[string]time.Time

	sequences map[string]int64 // journeyID -> counter
	cursors   map[string]int64 // CursorKey -> last ack

	pending map[string][]domain.PendingEnvelope // PendingKey -> FIFO

	sets map[string]map[string]struct{} // roster/room/active keys -> members

	strings map[string]string // leader + conn keys

	counters  map[string]int64 // rate-limit keys
	ctrExpiry map[string]time.Time
	locks     map[string]time.Time // lock name -> expiry
	now       func() time.Time
}

// NewMemoryCache returns an empty cache using wall-clock time.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		locations: make(map[string]*domain.LocationRecord),
		locExpiry: make(map[string]time.Time),
		sequences: make(map[string]int64),
		cursors:   make(map[string]int64),
		pending:   make(map[string][]domain.PendingEnvelope),
		sets:      make(map[string]map[string]struct{}),
		strings:   make(map[string]string),
		counters:  make(map[string]int64),
		ctrExpiry: make(map[string]time.Time),
		locks:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the time source; tests use it to expire windows.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCache) Close() error { return nil }

// --- Hot locations ---

func (c *MemoryCache) SetLocation(ctx context.Context, rec *domain.LocationRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := LocationKey(rec.JourneyID, rec.UserID)
	cp := *rec
	c.locations[key] = &cp
	c.locExpiry[key] = c.now().Add(HotLocationTTL)
	return nil
}

func (c *MemoryCache) GetLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := LocationKey(journeyID, userID)
	rec, ok := c.locations[key]
	if !ok || c.now().After(c.locExpiry[key]) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (c *MemoryCache) ListLocations(ctx context.Context, journeyID string) (map[string]*domain.LocationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*domain.LocationRecord)
	for key, rec := range c.locations {
		if rec.JourneyID != journeyID || c.now().After(c.locExpiry[key]) {
			continue
		}
		cp := *rec
		out[rec.UserID] = &cp
	}
	return out, nil
}

// --- Sequences and cursors ---

func (c *MemoryCache) NextSequence(ctx context.Context, journeyID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequences[journeyID]++
	return c.sequences[journeyID], nil
}

func (c *MemoryCache) CurrentSequence(ctx context.Context, journeyID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequences[journeyID], nil
}

func (c *MemoryCache) SetAckCursor(ctx context.Context, journeyID, userID string, seq int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := CursorKey(journeyID, userID)
	if seq > c.cursors[key] {
		c.cursors[key] = seq
	}
	return c.cursors[key], nil
}

func (c *MemoryCache) GetAckCursor(ctx context.Context, journeyID, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[CursorKey(journeyID, userID)], nil
}

// --- Pending delivery queues ---

func (c *MemoryCache) AppendPending(ctx context.Context, env *domain.PendingEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PendingKey(env.JourneyID, env.TargetUserID)
	c.pending[key] = append(c.pending[key], *env)
	return nil
}

func (c *MemoryCache) ListPending(ctx context.Context, journeyID, userID string) ([]domain.PendingEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	envs := c.pending[PendingKey(journeyID, userID)]
	out := make([]domain.PendingEnvelope, len(envs))
	copy(out, envs)
	return out, nil
}

func (c *MemoryCache) ReplacePending(ctx context.Context, journeyID, userID string, envs []domain.PendingEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PendingKey(journeyID, userID)
	if len(envs) == 0 {
		delete(c.pending, key)
		return nil
	}
	cp := make([]domain.PendingEnvelope, len(envs))
	copy(cp, envs)
	c.pending[key] = cp
	return nil
}

func (c *MemoryCache) DropPendingThrough(ctx context.Context, journeyID, userID string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PendingKey(journeyID, userID)
	var keep []domain.PendingEnvelope
	for _, env := range c.pending[key] {
		if env.SequenceNumber > seq {
			keep = append(keep, env)
		}
	}
	if len(keep) == 0 {
		delete(c.pending, key)
	} else {
		c.pending[key] = keep
	}
	return nil
}

// --- Sets (roster, rooms, active journeys) ---

func (c *MemoryCache) setAdd(key, member string) {
	if c.sets[key] == nil {
		c.sets[key] = make(map[string]struct{})
	}
	c.sets[key][member] = struct{}{}
}

func (c *MemoryCache) setMembers(key string) []string {
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	return out
}

func (c *MemoryCache) AddRosterMember(ctx context.Context, journeyID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAdd(RosterKey(journeyID), userID)
	return nil
}

func (c *MemoryCache) RemoveRosterMember(ctx context.Context, journeyID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets[RosterKey(journeyID)], userID)
	return nil
}

func (c *MemoryCache) GetRoster(ctx context.Context, journeyID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setMembers(RosterKey(journeyID)), nil
}

func (c *MemoryCache) SeedRoster(ctx context.Context, journeyID string, userIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := RosterKey(journeyID)
	c.sets[key] = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		c.sets[key][id] = struct{}{}
	}
	return nil
}

func (c *MemoryCache) SetLeader(ctx context.Context, journeyID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[LeaderKey(journeyID)] = userID
	return nil
}

func (c *MemoryCache) GetLeader(ctx context.Context, journeyID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strings[LeaderKey(journeyID)], nil
}

func (c *MemoryCache) AddActiveJourney(ctx context.Context, journeyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAdd(ActiveJourneysKey(), journeyID)
	return nil
}

func (c *MemoryCache) RemoveActiveJourney(ctx context.Context, journeyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets[ActiveJourneysKey()], journeyID)
	return nil
}

func (c *MemoryCache) ListActiveJourneys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setMembers(ActiveJourneysKey()), nil
}

func (c *MemoryCache) AddRoomMember(ctx context.Context, journeyID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAdd(RoomKey(journeyID), connID)
	return nil
}

func (c *MemoryCache) RemoveRoomMember(ctx context.Context, journeyID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets[RoomKey(journeyID)], connID)
	return nil
}

func (c *MemoryCache) GetRoomMembers(ctx context.Context, journeyID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setMembers(RoomKey(journeyID)), nil
}

// --- Connection registry ---

func (c *MemoryCache) SetConnUser(ctx context.Context, connID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[ConnKey(connID)] = userID
	return nil
}

func (c *MemoryCache) GetConnUser(ctx context.Context, connID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strings[ConnKey(connID)], nil
}

func (c *MemoryCache) DeleteConn(ctx context.Context, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.strings, ConnKey(connID))
	return nil
}

// --- Rate limiting ---

func (c *MemoryCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.ctrExpiry[key]; ok && c.now().After(exp) {
		delete(c.counters, key)
		delete(c.ctrExpiry, key)
	}
	c.counters[key]++
	if c.counters[key] == 1 {
		c.ctrExpiry[key] = c.now().Add(window)
	}
	return c.counters[key], nil
}

// --- Serialization keys ---

func (c *MemoryCache) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, held := c.locks[name]; held && c.now().Before(exp) {
		return false, nil
	}
	c.locks[name] = c.now().Add(ttl)
	return true, nil
}

func (c *MemoryCache) Unlock(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, name)
	return nil
}
