package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/convoy/server/domain"
)

func seedJourney(t *testing.T, s *MemoryStore, journeyID, leaderID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.CreateJourney(context.Background(), &domain.Journey{
		JourneyID:          journeyID,
		Name:               "test journey",
		LeaderID:           leaderID,
		Status:             domain.JourneyActive,
		LagThresholdMeters: 500,
		CreatedAt:          now,
		UpdatedAt:          now,
	}))
}

func TestJourneyRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.GetJourney(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	seedJourney(t, s, "j1", "u1")
	got, err = s.GetJourney(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.LeaderID)
	assert.Equal(t, domain.JourneyActive, got.Status)

	got.Status = domain.JourneyCompleted
	now := time.Now()
	got.EndedAt = &now
	require.NoError(t, s.UpdateJourney(ctx, got))

	reread, err := s.GetJourney(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyCompleted, reread.Status)
	require.NotNil(t, reread.EndedAt)
}

func TestParticipantUpsertMaintainsMembershipIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedJourney(t, s, "j1", "u1")
	seedJourney(t, s, "j2", "u1")

	require.NoError(t, s.UpsertParticipant(ctx, &domain.Participant{
		JourneyID: "j1", UserID: "u2", Role: domain.RoleFollower, Status: domain.ParticipantInvited,
	}))
	require.NoError(t, s.UpsertParticipant(ctx, &domain.Participant{
		JourneyID: "j2", UserID: "u2", Role: domain.RoleFollower, Status: domain.ParticipantActive,
	}))

	memberships, err := s.ListMembershipsByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, "j1", memberships[0].JourneyID)
	assert.Equal(t, domain.ParticipantInvited, memberships[0].Status)
	assert.Equal(t, domain.ParticipantActive, memberships[1].Status)

	// Status change is reflected in the index, not appended.
	require.NoError(t, s.UpsertParticipant(ctx, &domain.Participant{
		JourneyID: "j1", UserID: "u2", Role: domain.RoleFollower, Status: domain.ParticipantAccepted,
	}))
	memberships, err = s.ListMembershipsByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, domain.ParticipantAccepted, memberships[0].Status)
}

func TestLocationHistoryOrderAndResync(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedJourney(t, s, "j1", "u1")

	for seq := int64(1); seq <= 20; seq++ {
		require.NoError(t, s.InsertLocation(ctx, &domain.LocationRecord{
			RecordID:       "rec-" + string(rune('a'+seq)),
			JourneyID:      "j1",
			UserID:         "u1",
			Latitude:       -1.29,
			Longitude:      36.82,
			Timestamp:      time.Now(),
			SequenceNumber: seq,
			Priority:       domain.PriorityHigh,
		}))
	}

	last, err := s.GetLastLocation(ctx, "j1", "u1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(20), last.SequenceNumber)

	// Resync from sequence 5 returns 6..20 ascending.
	recs, err := s.ListLocationsAfter(ctx, "j1", 5)
	require.NoError(t, err)
	require.Len(t, recs, 15)
	assert.Equal(t, int64(6), recs[0].SequenceNumber)
	assert.Equal(t, int64(20), recs[len(recs)-1].SequenceNumber)

	// History limit keeps the most recent, ascending.
	recent, err := s.ListLocationHistory(ctx, "j1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(18), recent[0].SequenceNumber)
	assert.Equal(t, int64(20), recent[2].SequenceNumber)
}

func TestLagAlertLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedJourney(t, s, "j1", "u1")

	alert := &domain.LagAlert{
		AlertID:        "a1",
		JourneyID:      "j1",
		UserID:         "u2",
		DistanceMeters: 750,
		Severity:       domain.SeverityWarning,
		IsActive:       true,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.CreateLagAlert(ctx, alert))

	active, err := s.GetActiveLagAlert(ctx, "j1", "u2")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "a1", active.AlertID)

	// Severity upgrade in place.
	require.NoError(t, s.UpdateLagAlertSeverity(ctx, "a1", domain.SeverityCritical, 1200))
	active, _ = s.GetActiveLagAlert(ctx, "j1", "u2")
	assert.Equal(t, domain.SeverityCritical, active.Severity)
	assert.Equal(t, 1200.0, active.DistanceMeters)

	// Resolution is monotone: active -> resolved once.
	resolvedAt := time.Now()
	require.NoError(t, s.ResolveLagAlert(ctx, "a1", resolvedAt))
	active, err = s.GetActiveLagAlert(ctx, "j1", "u2")
	require.NoError(t, err)
	assert.Nil(t, active)

	all, err := s.ListLagAlerts(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)
	require.NotNil(t, all[0].ResolvedAt)
}

func TestUserDirectory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.UserExists(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	s.AddUser("u1")
	ok, err = s.UserExists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
