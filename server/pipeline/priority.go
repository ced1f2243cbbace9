package pipeline

import (
	"time"

	"github.com/itskum47/convoy/server/domain"
)

const (
	// significantJumpMeters promotes an update that moved far since the
	// previous fix.
	significantJumpMeters = 50.0

	// speedDeltaMPS promotes an update whose speed changed by more than
	// 10 km/h against the previous fix.
	speedDeltaMPS = 10.0 / 3.6

	// highInterval and lowInterval are the minimum gaps between accepted
	// updates per sender. HIGH bypasses interval throttling entirely.
	mediumInterval = 3 * time.Second
	lowInterval    = 10 * time.Second

	// Battery conservation cutoffs.
	batteryCritical = 20
	batteryLow      = 50
)

// classify assigns the delivery priority for one update. prev is the
// sender's previous accepted fix and leaderFix the leader's current one
// (either may be nil); hasActiveLag reports an unresolved lag alert for
// the sender. A follower already beyond the journey's lag threshold rides
// HIGH so the fix that crosses the line gets at-least-once delivery.
func (p *Pipeline) classify(j *domain.Journey, senderID string, upd *domain.LocationUpdate, prev, leaderFix *domain.LocationRecord, hasActiveLag bool) domain.Priority {
	if senderID == j.LeaderID {
		return domain.PriorityHigh
	}
	here := domain.Coordinate{Latitude: upd.Latitude, Longitude: upd.Longitude}
	if leaderFix != nil && domain.HaversineMeters(here, leaderFix.Coordinate()) > j.LagThresholdMeters {
		return domain.PriorityHigh
	}
	if hasActiveLag {
		return domain.PriorityHigh
	}
	if upd.Metadata.StatusChange {
		return domain.PriorityHigh
	}

	if prev != nil {
		if domain.HaversineMeters(here, prev.Coordinate()) > significantJumpMeters {
			return domain.PriorityMedium
		}
		if upd.Speed != nil && prev.Speed != nil {
			delta := *upd.Speed - *prev.Speed
			if delta < 0 {
				delta = -delta
			}
			if delta > speedDeltaMPS {
				return domain.PriorityMedium
			}
		}
	}
	if j.Destination != nil && domain.HaversineMeters(here, *j.Destination) < p.arrival.DistanceThreshold() {
		return domain.PriorityMedium
	}
	return domain.PriorityLow
}

// throttleReason is the label recorded when an update is dropped.
type throttleReason string

const (
	reasonInterval throttleReason = "interval"
	reasonBattery  throttleReason = "battery"
)

// throttle decides whether to drop the update before it touches storage.
// HIGH is never throttled, and a sender's first fix always lands so the
// convoy has a position for everyone; battery policy kicks in from the
// second fix on.
func throttle(priority domain.Priority, prev *domain.LocationRecord, batteryLevel int, now time.Time) (throttleReason, bool) {
	if priority == domain.PriorityHigh {
		return "", false
	}
	if prev == nil {
		return "", false
	}
	if batteryLevel < batteryCritical {
		return reasonBattery, true
	}
	if batteryLevel < batteryLow && priority == domain.PriorityLow {
		return reasonBattery, true
	}
	elapsed := now.Sub(prev.Timestamp)
	switch priority {
	case domain.PriorityMedium:
		if elapsed < mediumInterval {
			return reasonInterval, true
		}
	case domain.PriorityLow:
		if elapsed < lowInterval {
			return reasonInterval, true
		}
	}
	return "", false
}
