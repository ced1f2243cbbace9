package store

import (
	"context"
	"time"

	"github.com/itskum47/convoy/server/domain"
)

// Store is the durable backend for journeys, participants, location history
// and lag alerts. Implementations: PostgresStore (production) and
// MemoryStore (tests / single-node dev).
//
// Lookups return (nil, nil) when the entity is absent; callers translate
// that to domain.NotFound where the contract demands it.
type Store interface {
	// Journeys
	CreateJourney(ctx context.Context, j *domain.Journey) error
	GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error)
	UpdateJourney(ctx context.Context, j *domain.Journey) error

	// Participants. UpsertParticipant also maintains the user->journey
	// membership index so "journeys for user" never scans.
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	GetParticipant(ctx context.Context, journeyID, userID string) (*domain.Participant, error)
	ListParticipants(ctx context.Context, journeyID string) ([]*domain.Participant, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]*domain.JourneyMembership, error)

	// UserExists consults the provisioned user directory; the identity
	// provider owns credentials, this only answers "is the id known".
	UserExists(ctx context.Context, userID string) (bool, error)

	// Location history (append-only).
	InsertLocation(ctx context.Context, rec *domain.LocationRecord) error
	GetLastLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error)
	ListLocationsAfter(ctx context.Context, journeyID string, afterSeq int64) ([]*domain.LocationRecord, error)
	ListLocationHistory(ctx context.Context, journeyID string, limit int) ([]*domain.LocationRecord, error)

	// Lag alerts. GetActiveLagAlert returns the single active alert for the
	// pair, or nil.
	CreateLagAlert(ctx context.Context, a *domain.LagAlert) error
	GetActiveLagAlert(ctx context.Context, journeyID, userID string) (*domain.LagAlert, error)
	UpdateLagAlertSeverity(ctx context.Context, alertID string, severity domain.AlertSeverity, distance float64) error
	ResolveLagAlert(ctx context.Context, alertID string, at time.Time) error
	ListLagAlerts(ctx context.Context, journeyID string) ([]*domain.LagAlert, error)

	Close()
}
