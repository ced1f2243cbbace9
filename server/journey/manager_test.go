package journey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *cache.MemoryCache) {
	t.Helper()
	st := store.NewMemoryStore()
	ch := cache.NewMemoryCache()
	return NewManager(st, ch, 500, 100), st, ch
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "road trip"})
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyPending, j.Status)
	assert.Equal(t, 500.0, j.LagThresholdMeters)

	// The creator is enrolled as ACTIVE leader immediately.
	p, err := st.GetParticipant(ctx, j.JourneyID, "leader")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.RoleLeader, p.Role)
	assert.Equal(t, domain.ParticipantActive, p.Status)

	_, err = m.Create(ctx, "leader", CreateRequest{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = m.Create(ctx, "leader", CreateRequest{Name: "x", LagThresholdMeters: 50})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = m.Create(ctx, "leader", CreateRequest{
		Name:        "x",
		Destination: &domain.Coordinate{Latitude: 95, Longitude: 0},
	})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestUpdateOnlyWhilePending(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "trip"})
	require.NoError(t, err)

	name := "renamed"
	updated, err := m.Update(ctx, j.JourneyID, "leader", UpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	_, err = m.Update(ctx, j.JourneyID, "stranger", UpdateRequest{Name: &name})
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	_, err = m.Start(ctx, j.JourneyID, "leader")
	require.NoError(t, err)
	_, err = m.Update(ctx, j.JourneyID, "leader", UpdateRequest{Name: &name})
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))
}

func TestLifecycleStateMachineIsClosed(t *testing.T) {
	m, _, ch := newTestManager(t)
	ctx := context.Background()

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "trip"})
	require.NoError(t, err)

	// End before start is a precondition failure.
	_, err = m.End(ctx, j.JourneyID, "leader")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))

	started, err := m.Start(ctx, j.JourneyID, "leader")
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyActive, started.Status)
	require.NotNil(t, started.StartedAt)

	active, err := ch.ListActiveJourneys(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, j.JourneyID)

	// Double-start rejected.
	_, err = m.Start(ctx, j.JourneyID, "leader")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))

	ended, err := m.End(ctx, j.JourneyID, "leader")
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyCompleted, ended.Status)
	require.NotNil(t, ended.EndedAt)

	active, _ = ch.ListActiveJourneys(ctx)
	assert.NotContains(t, active, j.JourneyID)

	// COMPLETED is terminal: no cancel, no restart.
	_, err = m.Cancel(ctx, j.JourneyID, "leader")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))
	_, err = m.Start(ctx, j.JourneyID, "leader")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))
}

func TestCancelOnlyWhilePending(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pending, err := m.Create(ctx, "leader", CreateRequest{Name: "a"})
	require.NoError(t, err)
	cancelled, err := m.Cancel(ctx, pending.JourneyID, "leader")
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyCancelled, cancelled.Status)
	require.NotNil(t, cancelled.EndedAt)

	// Cancelling twice is a precondition failure, not idempotent success.
	_, err = m.Cancel(ctx, pending.JourneyID, "leader")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))

	// An underway journey must be ended, never cancelled.
	active, err := m.Create(ctx, "leader", CreateRequest{Name: "b"})
	require.NoError(t, err)
	_, err = m.Start(ctx, active.JourneyID, "leader")
	require.NoError(t, err)
	_, err = m.Cancel(ctx, active.JourneyID, "leader")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))

	got, err := m.Get(ctx, active.JourneyID)
	require.NoError(t, err)
	assert.Equal(t, domain.JourneyActive, got.Status)
}

func TestInviteFlow(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	st.AddUser("follower")

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "trip"})
	require.NoError(t, err)

	_, err = m.Invite(ctx, j.JourneyID, "follower", "someone")
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	_, err = m.Invite(ctx, j.JourneyID, "leader", "ghost")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	p, err := m.Invite(ctx, j.JourneyID, "leader", "follower")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantInvited, p.Status)
	assert.Equal(t, domain.RoleFollower, p.Role)
	assert.Equal(t, "leader", p.InvitedBy)

	// Duplicate invite while pending is a conflict.
	_, err = m.Invite(ctx, j.JourneyID, "leader", "follower")
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	// Declining reopens the door for a re-invite.
	_, err = m.Decline(ctx, j.JourneyID, "follower")
	require.NoError(t, err)
	p, err = m.Invite(ctx, j.JourneyID, "leader", "follower")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantInvited, p.Status)

	// The leader cannot invite themselves.
	_, err = m.Invite(ctx, j.JourneyID, "leader", "leader")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))

	// Once underway the roster is frozen.
	st.AddUser("latecomer")
	_, err = m.Start(ctx, j.JourneyID, "leader")
	require.NoError(t, err)
	_, err = m.Invite(ctx, j.JourneyID, "leader", "latecomer")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))
}

func TestAcceptBeforeAndAfterStart(t *testing.T) {
	m, st, ch := newTestManager(t)
	ctx := context.Background()
	st.AddUser("early")
	st.AddUser("late")

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "trip"})
	require.NoError(t, err)
	_, err = m.Invite(ctx, j.JourneyID, "leader", "early")
	require.NoError(t, err)
	_, err = m.Invite(ctx, j.JourneyID, "leader", "late")
	require.NoError(t, err)

	// Accepting a pending journey parks the member at ACCEPTED.
	p, err := m.Accept(ctx, j.JourneyID, "early")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantAccepted, p.Status)

	// Start promotes ACCEPTED members and seeds the roster.
	_, err = m.Start(ctx, j.JourneyID, "leader")
	require.NoError(t, err)
	roster, err := ch.GetRoster(ctx, j.JourneyID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"leader", "early"}, roster)

	// Late joiner goes straight to ACTIVE and into the roster.
	p, err = m.Accept(ctx, j.JourneyID, "late")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantActive, p.Status)
	roster, _ = ch.GetRoster(ctx, j.JourneyID)
	assert.ElementsMatch(t, []string{"leader", "early", "late"}, roster)

	// Accept without an invite.
	_, err = m.Accept(ctx, j.JourneyID, "stranger")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestLeave(t *testing.T) {
	m, st, ch := newTestManager(t)
	ctx := context.Background()
	st.AddUser("follower")

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "trip"})
	require.NoError(t, err)
	_, err = m.Invite(ctx, j.JourneyID, "leader", "follower")
	require.NoError(t, err)
	_, err = m.Accept(ctx, j.JourneyID, "follower")
	require.NoError(t, err)
	_, err = m.Start(ctx, j.JourneyID, "leader")
	require.NoError(t, err)

	_, err = m.Leave(ctx, j.JourneyID, "leader")
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	p, err := m.Leave(ctx, j.JourneyID, "follower")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantLeft, p.Status)
	require.NotNil(t, p.LeftAt)

	roster, _ := ch.GetRoster(ctx, j.JourneyID)
	assert.NotContains(t, roster, "follower")

	_, err = m.Leave(ctx, j.JourneyID, "follower")
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))
}

func TestAllParticipantsArrived(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	st.AddUser("f1")
	st.AddUser("f2")

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "trip"})
	require.NoError(t, err)
	for _, u := range []string{"f1", "f2"} {
		_, err = m.Invite(ctx, j.JourneyID, "leader", u)
		require.NoError(t, err)
		_, err = m.Accept(ctx, j.JourneyID, u)
		require.NoError(t, err)
	}
	_, err = m.Start(ctx, j.JourneyID, "leader")
	require.NoError(t, err)

	arrive := func(userID string) {
		p, err := st.GetParticipant(ctx, j.JourneyID, userID)
		require.NoError(t, err)
		p.Status = domain.ParticipantArrived
		require.NoError(t, st.UpsertParticipant(ctx, p))
	}

	done, err := m.AllParticipantsArrived(ctx, j.JourneyID)
	require.NoError(t, err)
	assert.False(t, done)

	arrive("leader")
	arrive("f1")
	done, _ = m.AllParticipantsArrived(ctx, j.JourneyID)
	assert.False(t, done)

	// A member who left does not block completion.
	_, err = m.Leave(ctx, j.JourneyID, "f2")
	require.NoError(t, err)
	done, _ = m.AllParticipantsArrived(ctx, j.JourneyID)
	assert.True(t, done)
}

func TestAuthorize(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	st.AddUser("follower")

	j, err := m.Create(ctx, "leader", CreateRequest{Name: "trip"})
	require.NoError(t, err)
	_, err = m.Invite(ctx, j.JourneyID, "leader", "follower")
	require.NoError(t, err)

	// Invited members may read journey state.
	p, err := m.Authorize(ctx, j.JourneyID, "follower")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantInvited, p.Status)

	_, err = m.Authorize(ctx, j.JourneyID, "stranger")
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	_, err = m.Authorize(ctx, "missing", "leader")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
