package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/convoy/server/domain"
)

// MemoryStore holds the durable entities in process memory. It implements
// the Store interface for tests and single-node dev.
type MemoryStore struct {
	mu           sync.RWMutex
	journeys     map[string]*domain.Journey
	participants map[string]map[string]*domain.Participant // journeyID -> userID -> p
	memberships  map[string]map[string]domain.ParticipantStatus
	users        map[string]struct{}
	locations    map[string][]*domain.LocationRecord // journeyID -> append order
	alerts       map[string]*domain.LagAlert         // alertID -> alert
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		journeys:     make(map[string]*domain.Journey),
		participants: make(map[string]map[string]*domain.Participant),
		memberships:  make(map[string]map[string]domain.ParticipantStatus),
		users:        make(map[string]struct{}),
		locations:    make(map[string][]*domain.LocationRecord),
		alerts:       make(map[string]*domain.LagAlert),
	}
}

func (s *MemoryStore) Close() {}

// AddUser provisions a user id so invites can resolve it. Test helper on
// the memory backend; production reads the users table.
func (s *MemoryStore) AddUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
}

// --- Journeys ---

func (s *MemoryStore) CreateJourney(ctx context.Context, j *domain.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.journeys[j.JourneyID] = &cp
	return nil
}

func (s *MemoryStore) GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journeys[journeyID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateJourney(ctx context.Context, j *domain.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.journeys[j.JourneyID] = &cp
	return nil
}

// --- Participants ---

func (s *MemoryStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participants[p.JourneyID] == nil {
		s.participants[p.JourneyID] = make(map[string]*domain.Participant)
	}
	cp := *p
	s.participants[p.JourneyID][p.UserID] = &cp

	// Keep the membership index in lockstep with every participant write.
	if s.memberships[p.UserID] == nil {
		s.memberships[p.UserID] = make(map[string]domain.ParticipantStatus)
	}
	s.memberships[p.UserID][p.JourneyID] = p.Status
	return nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[journeyID][userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, journeyID string) ([]*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Participant, 0, len(s.participants[journeyID]))
	for _, p := range s.participants[journeyID] {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListMembershipsByUser(ctx context.Context, userID string) ([]*domain.JourneyMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.JourneyMembership, 0, len(s.memberships[userID]))
	for journeyID, status := range s.memberships[userID] {
		out = append(out, &domain.JourneyMembership{
			JourneyID: journeyID,
			UserID:    userID,
			Status:    status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JourneyID < out[j].JourneyID })
	return out, nil
}

func (s *MemoryStore) UserExists(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok, nil
}

// --- Location history ---

func (s *MemoryStore) InsertLocation(ctx context.Context, rec *domain.LocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.locations[rec.JourneyID] = append(s.locations[rec.JourneyID], &cp)
	return nil
}

func (s *MemoryStore) GetLastLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.locations[journeyID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].UserID == userID {
			cp := *recs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListLocationsAfter(ctx context.Context, journeyID string, afterSeq int64) ([]*domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.LocationRecord
	for _, rec := range s.locations[journeyID] {
		if rec.SequenceNumber > afterSeq {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *MemoryStore) ListLocationHistory(ctx context.Context, journeyID string, limit int) ([]*domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.locations[journeyID]
	start := 0
	if limit > 0 && len(recs) > limit {
		start = len(recs) - limit
	}
	out := make([]*domain.LocationRecord, 0, len(recs)-start)
	for _, rec := range recs[start:] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// --- Lag alerts ---

func (s *MemoryStore) CreateLagAlert(ctx context.Context, a *domain.LagAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[a.AlertID] = &cp
	return nil
}

func (s *MemoryStore) GetActiveLagAlert(ctx context.Context, journeyID, userID string) (*domain.LagAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.JourneyID == journeyID && a.UserID == userID && a.IsActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateLagAlertSeverity(ctx context.Context, alertID string, severity domain.AlertSeverity, distance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil
	}
	a.Severity = severity
	a.DistanceMeters = distance
	return nil
}

func (s *MemoryStore) ResolveLagAlert(ctx context.Context, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || !a.IsActive {
		return nil
	}
	a.IsActive = false
	resolved := at
	a.ResolvedAt = &resolved
	return nil
}

func (s *MemoryStore) ListLagAlerts(ctx context.Context, journeyID string) ([]*domain.LagAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.LagAlert
	for _, a := range s.alerts {
		if a.JourneyID == journeyID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
