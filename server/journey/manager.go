// Package journey owns the journey lifecycle and the participant roster.
// All transitions run through the Manager so the state machine stays closed:
// PENDING -> ACTIVE -> COMPLETED, with CANCELLED reachable from PENDING
// only. An underway journey must be ended, not cancelled. Terminal states
// never transition again.
package journey

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
	"github.com/itskum47/convoy/server/store"
)

// CreateRequest carries the client-settable journey fields.
type CreateRequest struct {
	Name               string             `json:"name"`
	Destination        *domain.Coordinate `json:"destination,omitempty"`
	DestinationAddress string             `json:"destination_address,omitempty"`
	LagThresholdMeters float64            `json:"lag_threshold_meters,omitempty"`
}

// UpdateRequest carries the fields mutable while a journey is PENDING.
// Nil pointers mean "leave unchanged".
type UpdateRequest struct {
	Name               *string            `json:"name,omitempty"`
	Destination        *domain.Coordinate `json:"destination,omitempty"`
	DestinationAddress *string            `json:"destination_address,omitempty"`
	LagThresholdMeters *float64           `json:"lag_threshold_meters,omitempty"`
}

// Manager coordinates the durable store and the hot cache for every
// lifecycle and roster mutation.
type Manager struct {
	store store.Store
	cache cache.Cache

	defaultLagThreshold float64
	minLagThreshold     float64

	now func() time.Time
}

// NewManager wires a Manager. Threshold values come from config.
func NewManager(st store.Store, ch cache.Cache, defaultLag, minLag float64) *Manager {
	return &Manager{
		store:               st,
		cache:               ch,
		defaultLagThreshold: defaultLag,
		minLagThreshold:     minLag,
		now:                 time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Create registers a PENDING journey with the caller as leader. The leader
// is enrolled as an ACTIVE participant immediately; no separate accept step.
func (m *Manager) Create(ctx context.Context, leaderID string, req CreateRequest) (*domain.Journey, error) {
	if req.Name == "" {
		return nil, domain.InvalidInput("journey name is required")
	}
	if req.Destination != nil && !req.Destination.Valid() {
		return nil, domain.InvalidInput("destination out of range")
	}
	threshold := req.LagThresholdMeters
	if threshold == 0 {
		threshold = m.defaultLagThreshold
	}
	if threshold < m.minLagThreshold {
		return nil, domain.InvalidInput("lag threshold below minimum %.0fm", m.minLagThreshold)
	}

	now := m.now()
	j := &domain.Journey{
		JourneyID:          uuid.NewString(),
		Name:               req.Name,
		LeaderID:           leaderID,
		Status:             domain.JourneyPending,
		Destination:        req.Destination,
		DestinationAddress: req.DestinationAddress,
		LagThresholdMeters: threshold,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateJourney(ctx, j); err != nil {
		return nil, err
	}
	joined := now
	leader := &domain.Participant{
		JourneyID:        j.JourneyID,
		UserID:           leaderID,
		Role:             domain.RoleLeader,
		Status:           domain.ParticipantActive,
		JoinedAt:         &joined,
		ConnectionStatus: domain.ConnDisconnected,
	}
	if err := m.store.UpsertParticipant(ctx, leader); err != nil {
		return nil, err
	}
	log.Printf("journey %s created by %s", j.JourneyID, leaderID)
	return j, nil
}

// Get fetches a journey, NotFound when absent.
func (m *Manager) Get(ctx context.Context, journeyID string) (*domain.Journey, error) {
	j, err := m.store.GetJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, domain.NotFound("journey %s not found", journeyID)
	}
	return j, nil
}

// Update mutates journey settings. Leader only, PENDING only.
func (m *Manager) Update(ctx context.Context, journeyID, callerID string, req UpdateRequest) (*domain.Journey, error) {
	j, err := m.Get(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != callerID {
		return nil, domain.Forbidden("only the leader may update the journey")
	}
	if j.Status != domain.JourneyPending {
		return nil, domain.PreconditionFailed("journey %s is %s, settings are frozen", journeyID, j.Status)
	}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, domain.InvalidInput("journey name is required")
		}
		j.Name = *req.Name
	}
	if req.Destination != nil {
		if !req.Destination.Valid() {
			return nil, domain.InvalidInput("destination out of range")
		}
		j.Destination = req.Destination
	}
	if req.DestinationAddress != nil {
		j.DestinationAddress = *req.DestinationAddress
	}
	if req.LagThresholdMeters != nil {
		if *req.LagThresholdMeters < m.minLagThreshold {
			return nil, domain.InvalidInput("lag threshold below minimum %.0fm", m.minLagThreshold)
		}
		j.LagThresholdMeters = *req.LagThresholdMeters
	}
	j.UpdatedAt = m.now()
	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Start transitions PENDING -> ACTIVE. Leader only. Every ACCEPTED
// participant is promoted to ACTIVE and the hot roster is seeded so the
// pipeline never round-trips to Postgres per update.
func (m *Manager) Start(ctx context.Context, journeyID, callerID string) (*domain.Journey, error) {
	j, err := m.Get(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != callerID {
		return nil, domain.Forbidden("only the leader may start the journey")
	}
	if j.Status != domain.JourneyPending {
		return nil, domain.PreconditionFailed("journey %s is %s, cannot start", journeyID, j.Status)
	}

	now := m.now()
	j.Status = domain.JourneyActive
	j.StartedAt = &now
	j.UpdatedAt = now
	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return nil, err
	}

	participants, err := m.store.ListParticipants(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	roster := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.Status == domain.ParticipantAccepted {
			p.Status = domain.ParticipantActive
			joined := now
			p.JoinedAt = &joined
			if err := m.store.UpsertParticipant(ctx, p); err != nil {
				return nil, err
			}
		}
		if p.Status == domain.ParticipantActive {
			roster = append(roster, p.UserID)
		}
	}

	if err := m.cache.SeedRoster(ctx, journeyID, roster); err != nil {
		return nil, err
	}
	if err := m.cache.SetLeader(ctx, journeyID, j.LeaderID); err != nil {
		return nil, err
	}
	if err := m.cache.AddActiveJourney(ctx, journeyID); err != nil {
		return nil, err
	}
	observability.ActiveJourneys.Inc()
	log.Printf("journey %s started with %d streaming participants", journeyID, len(roster))
	return j, nil
}

// End transitions ACTIVE -> COMPLETED. Leader only.
func (m *Manager) End(ctx context.Context, journeyID, callerID string) (*domain.Journey, error) {
	j, err := m.Get(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != callerID {
		return nil, domain.Forbidden("only the leader may end the journey")
	}
	if j.Status != domain.JourneyActive {
		return nil, domain.PreconditionFailed("journey %s is %s, cannot end", journeyID, j.Status)
	}
	now := m.now()
	j.Status = domain.JourneyCompleted
	j.EndedAt = &now
	j.UpdatedAt = now
	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return nil, err
	}
	if err := m.cache.RemoveActiveJourney(ctx, journeyID); err != nil {
		log.Printf("journey %s: active-set removal failed: %v", journeyID, err)
	}
	observability.ActiveJourneys.Dec()
	log.Printf("journey %s completed", journeyID)
	return j, nil
}

// Cancel transitions PENDING -> CANCELLED. Leader only. An ACTIVE journey
// cannot be cancelled; it has to be ended.
func (m *Manager) Cancel(ctx context.Context, journeyID, callerID string) (*domain.Journey, error) {
	j, err := m.Get(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != callerID {
		return nil, domain.Forbidden("only the leader may cancel the journey")
	}
	if j.Status != domain.JourneyPending {
		return nil, domain.PreconditionFailed("journey %s is %s, cannot cancel", journeyID, j.Status)
	}
	now := m.now()
	j.Status = domain.JourneyCancelled
	j.EndedAt = &now
	j.UpdatedAt = now
	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return nil, err
	}
	log.Printf("journey %s cancelled", journeyID)
	return j, nil
}

// Invite adds a FOLLOWER in INVITED state. Leader only, and only while the
// journey is still PENDING; the roster is frozen once underway. Re-inviting
// a user who declined or left is allowed; inviting an INVITED/ACCEPTED/
// ACTIVE/ARRIVED member is a conflict.
func (m *Manager) Invite(ctx context.Context, journeyID, callerID, inviteeID string) (*domain.Participant, error) {
	j, err := m.Get(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != callerID {
		return nil, domain.Forbidden("only the leader may invite participants")
	}
	if j.Status != domain.JourneyPending {
		return nil, domain.PreconditionFailed("journey %s is %s, invitations are closed", journeyID, j.Status)
	}
	if inviteeID == callerID {
		return nil, domain.PreconditionFailed("leader is already a participant")
	}

	known, err := m.store.UserExists(ctx, inviteeID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, domain.NotFound("user %s not found", inviteeID)
	}

	existing, err := m.store.GetParticipant(ctx, journeyID, inviteeID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case domain.ParticipantDeclined, domain.ParticipantLeft:
			// fall through to re-invite
		default:
			return nil, domain.Conflict("user %s is already %s in journey %s", inviteeID, existing.Status, journeyID)
		}
	}

	p := &domain.Participant{
		JourneyID:        journeyID,
		UserID:           inviteeID,
		Role:             domain.RoleFollower,
		Status:           domain.ParticipantInvited,
		InvitedBy:        callerID,
		ConnectionStatus: domain.ConnDisconnected,
	}
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	log.Printf("journey %s: %s invited %s", journeyID, callerID, inviteeID)
	return p, nil
}

// Accept moves the caller INVITED -> ACCEPTED, or straight to ACTIVE when
// the journey is already underway. Invitations are only issued while
// PENDING; accepting one late enters the roster at once.
func (m *Manager) Accept(ctx context.Context, journeyID, callerID string) (*domain.Participant, error) {
	j, err := m.Get(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, domain.PreconditionFailed("journey %s is %s, cannot accept", journeyID, j.Status)
	}
	p, err := m.store.GetParticipant(ctx, journeyID, callerID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Status != domain.ParticipantInvited {
		return nil, domain.NotFound("no pending invitation for %s in journey %s", callerID, journeyID)
	}

	now := m.now()
	if j.Status == domain.JourneyActive {
		p.Status = domain.ParticipantActive
		p.JoinedAt = &now
		if err := m.cache.AddRosterMember(ctx, journeyID, callerID); err != nil {
			return nil, err
		}
	} else {
		p.Status = domain.ParticipantAccepted
	}
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	log.Printf("journey %s: %s accepted (now %s)", journeyID, callerID, p.Status)
	return p, nil
}

// Decline moves the caller INVITED -> DECLINED.
func (m *Manager) Decline(ctx context.Context, journeyID, callerID string) (*domain.Participant, error) {
	if _, err := m.Get(ctx, journeyID); err != nil {
		return nil, err
	}
	p, err := m.store.GetParticipant(ctx, journeyID, callerID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Status != domain.ParticipantInvited {
		return nil, domain.NotFound("no pending invitation for %s in journey %s", callerID, journeyID)
	}
	p.Status = domain.ParticipantDeclined
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Leave removes the caller from the roster. Followers only; the leader
// must cancel or end instead.
func (m *Manager) Leave(ctx context.Context, journeyID, callerID string) (*domain.Participant, error) {
	j, err := m.Get(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID == callerID {
		return nil, domain.Forbidden("the leader cannot leave; end or cancel the journey instead")
	}
	p, err := m.store.GetParticipant(ctx, journeyID, callerID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.NotFound("user %s is not a participant of journey %s", callerID, journeyID)
	}
	switch p.Status {
	case domain.ParticipantLeft:
		return nil, domain.PreconditionFailed("user %s already left journey %s", callerID, journeyID)
	case domain.ParticipantDeclined:
		return nil, domain.PreconditionFailed("user %s declined journey %s", callerID, journeyID)
	}

	now := m.now()
	p.Status = domain.ParticipantLeft
	p.LeftAt = &now
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	if err := m.cache.RemoveRosterMember(ctx, journeyID, callerID); err != nil {
		log.Printf("journey %s: roster removal of %s failed: %v", journeyID, callerID, err)
	}
	log.Printf("journey %s: %s left", journeyID, callerID)
	return p, nil
}

// Roster returns the full participant list for a journey.
func (m *Manager) Roster(ctx context.Context, journeyID string) ([]*domain.Participant, error) {
	if _, err := m.Get(ctx, journeyID); err != nil {
		return nil, err
	}
	return m.store.ListParticipants(ctx, journeyID)
}

// MembershipsForUser lists every journey the user has been part of.
func (m *Manager) MembershipsForUser(ctx context.Context, userID string) ([]*domain.JourneyMembership, error) {
	return m.store.ListMembershipsByUser(ctx, userID)
}

// Authorize returns the caller's participant row when they may read a
// journey's realtime data (any non-declined membership), Forbidden
// otherwise.
func (m *Manager) Authorize(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	if _, err := m.Get(ctx, journeyID); err != nil {
		return nil, err
	}
	p, err := m.store.GetParticipant(ctx, journeyID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Status == domain.ParticipantDeclined {
		return nil, domain.Forbidden("user %s has no access to journey %s", userID, journeyID)
	}
	return p, nil
}

// AllParticipantsArrived reports whether every streaming participant,
// leader included, has reached ARRIVED. LEFT and DECLINED members do not
// count against arrival.
func (m *Manager) AllParticipantsArrived(ctx context.Context, journeyID string) (bool, error) {
	participants, err := m.store.ListParticipants(ctx, journeyID)
	if err != nil {
		return false, err
	}
	sawArrived := false
	for _, p := range participants {
		switch p.Status {
		case domain.ParticipantArrived:
			sawArrived = true
		case domain.ParticipantLeft, domain.ParticipantDeclined:
			// out of the convoy, ignore
		default:
			return false, nil
		}
	}
	return sawArrived, nil
}

// MarkConnection records realtime liveness on the participant row.
func (m *Manager) MarkConnection(ctx context.Context, journeyID, userID string, status domain.ConnectionStatus) error {
	p, err := m.store.GetParticipant(ctx, journeyID, userID)
	if err != nil || p == nil {
		return err
	}
	now := m.now()
	p.ConnectionStatus = status
	p.LastSeenAt = &now
	return m.store.UpsertParticipant(ctx, p)
}
