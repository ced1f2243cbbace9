// Package detector derives lag alerts and arrival events from accepted
// location updates. Detection runs inline in the pipeline after persistence
// so an alert can never reference a fix the history does not hold.
package detector

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

// alertLockTTL bounds how long the per-pair serialization key can be held
// if a node dies mid-evaluation.
const alertLockTTL = 5 * time.Second

// LagDetector compares follower positions against the leader and manages
// the alert lifecycle. At most one active alert exists per
// (journey, participant); severity is upgraded in place, never duplicated.
type LagDetector struct {
	store store.Store
	cache cache.Cache

	criticalMeters float64
	now            func() time.Time
}

// NewLagDetector wires a LagDetector. criticalMeters grades an alert
// CRITICAL instead of WARNING.
func NewLagDetector(st store.Store, ch cache.Cache, criticalMeters float64) *LagDetector {
	return &LagDetector{
		store:          st,
		cache:          ch,
		criticalMeters: criticalMeters,
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (d *LagDetector) SetClock(now func() time.Time) { d.now = now }

// Evaluate runs lag detection for one accepted update. A leader fix is
// checked against every follower's hot location; a follower fix against the
// leader's. The returned alerts are the state changes to fan out: newly
// raised, upgraded, or resolved (IsActive=false).
func (d *LagDetector) Evaluate(ctx context.Context, j *domain.Journey, rec *domain.LocationRecord) ([]*domain.LagAlert, error) {
	if rec.UserID == j.LeaderID {
		return d.evaluateLeaderMove(ctx, j, rec)
	}
	leaderLoc, err := d.leaderLocation(ctx, j)
	if err != nil {
		return nil, err
	}
	if leaderLoc == nil {
		// No leader fix yet, nothing to compare against.
		return nil, nil
	}
	change, err := d.checkPair(ctx, j, rec.UserID, rec.Coordinate(), leaderLoc.Coordinate())
	if err != nil || change == nil {
		return nil, err
	}
	return []*domain.LagAlert{change}, nil
}

// evaluateLeaderMove re-grades every follower against the leader's new
// position. Followers with no hot fix are skipped; their next update will
// be evaluated normally.
func (d *LagDetector) evaluateLeaderMove(ctx context.Context, j *domain.Journey, leaderRec *domain.LocationRecord) ([]*domain.LagAlert, error) {
	locations, err := d.cache.ListLocations(ctx, j.JourneyID)
	if err != nil {
		return nil, err
	}
	var changes []*domain.LagAlert
	for userID, loc := range locations {
		if userID == j.LeaderID {
			continue
		}
		change, err := d.checkPair(ctx, j, userID, loc.Coordinate(), leaderRec.Coordinate())
		if err != nil {
			log.Printf("lag: journey %s user %s evaluation failed: %v", j.JourneyID, userID, err)
			continue
		}
		if change != nil {
			changes = append(changes, change)
		}
	}
	return changes, nil
}

func (d *LagDetector) leaderLocation(ctx context.Context, j *domain.Journey) (*domain.LocationRecord, error) {
	loc, err := d.cache.GetLocation(ctx, j.JourneyID, j.LeaderID)
	if err != nil || loc != nil {
		return loc, err
	}
	// Hot entry expired; fall back to the durable last-known fix.
	return d.store.GetLastLocation(ctx, j.JourneyID, j.LeaderID)
}

// checkPair applies the threshold rules for one (journey, follower) pair
// and mutates the alert record accordingly. Returns the alert when its
// state changed, nil when nothing happened.
func (d *LagDetector) checkPair(ctx context.Context, j *domain.Journey, userID string, follower, leader domain.Coordinate) (*domain.LagAlert, error) {
	distance := domain.HaversineMeters(follower, leader)

	active, err := d.store.GetActiveLagAlert(ctx, j.JourneyID, userID)
	if err != nil {
		return nil, err
	}

	if distance <= j.LagThresholdMeters {
		if active == nil {
			return nil, nil
		}
		now := d.now()
		if err := d.store.ResolveLagAlert(ctx, active.AlertID, now); err != nil {
			return nil, err
		}
		observability.LagAlertsActive.Dec()
		active.IsActive = false
		active.ResolvedAt = &now
		active.DistanceMeters = distance
		log.Printf("lag: journey %s user %s back within %.0fm, alert %s resolved",
			j.JourneyID, userID, j.LagThresholdMeters, active.AlertID)
		return active, nil
	}

	severity := domain.SeverityWarning
	if distance > d.criticalMeters {
		severity = domain.SeverityCritical
	}

	if active != nil {
		if active.Severity == severity {
			return nil, nil
		}
		if severity == domain.SeverityWarning {
			// Never downgrade in place; the alert resolves and a new one
			// forms if the follower drifts out again.
			return nil, nil
		}
		if err := d.store.UpdateLagAlertSeverity(ctx, active.AlertID, severity, distance); err != nil {
			return nil, err
		}
		observability.LagAlertsTotal.WithLabelValues(string(severity)).Inc()
		active.Severity = severity
		active.DistanceMeters = distance
		log.Printf("lag: journey %s user %s upgraded to CRITICAL at %.0fm", j.JourneyID, userID, distance)
		return active, nil
	}

	// Serialize creation per pair so concurrent updates cannot raise two
	// active alerts. Losing the race means the winner's alert covers us.
	lockName := cache.AlertLockName(j.JourneyID, userID)
	ok, err := d.cache.TryLock(ctx, lockName, alertLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	defer func() {
		if err := d.cache.Unlock(ctx, lockName); err != nil {
			log.Printf("lag: unlock %s failed: %v", lockName, err)
		}
	}()

	// Re-check under the lock.
	active, err = d.store.GetActiveLagAlert(ctx, j.JourneyID, userID)
	if err != nil || active != nil {
		return nil, err
	}

	alert := &domain.LagAlert{
		AlertID:        uuid.NewString(),
		JourneyID:      j.JourneyID,
		UserID:         userID,
		DistanceMeters: distance,
		LeaderLat:      leader.Latitude,
		LeaderLon:      leader.Longitude,
		FollowerLat:    follower.Latitude,
		FollowerLon:    follower.Longitude,
		Severity:       severity,
		IsActive:       true,
		CreatedAt:      d.now(),
	}
	if err := d.store.CreateLagAlert(ctx, alert); err != nil {
		return nil, err
	}
	observability.LagAlertsActive.Inc()
	observability.LagAlertsTotal.WithLabelValues(string(severity)).Inc()
	log.Printf("lag: journey %s user %s is %.0fm behind (%s)", j.JourneyID, userID, distance, severity)
	return alert, nil
}
