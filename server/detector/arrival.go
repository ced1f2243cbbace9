package detector

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
	"github.com/itskum47/convoy/server/store"
)

// ArrivalDetector flags a participant ARRIVED when a fix lands inside the
// destination geofence while the device is effectively stationary. The
// transition is one-way: once ARRIVED, later fixes never revert it.
type ArrivalDetector struct {
	store store.Store

	distanceMeters float64
	speedMPS       float64
	now            func() time.Time
}

// NewArrivalDetector wires an ArrivalDetector. distanceMeters is the
// geofence radius; speedMPS is the stationary ceiling.
func NewArrivalDetector(st store.Store, distanceMeters, speedMPS float64) *ArrivalDetector {
	return &ArrivalDetector{
		store:          st,
		distanceMeters: distanceMeters,
		speedMPS:       speedMPS,
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (d *ArrivalDetector) SetClock(now func() time.Time) { d.now = now }

// DistanceThreshold exposes the geofence radius; the pipeline grades
// near-destination fixes against the same value.
func (d *ArrivalDetector) DistanceThreshold() float64 { return d.distanceMeters }

// Evaluate checks one accepted update against the journey destination.
// Returns true only on the transition into ARRIVED; repeats inside the
// geofence return false.
func (d *ArrivalDetector) Evaluate(ctx context.Context, j *domain.Journey, rec *domain.LocationRecord) (bool, error) {
	if j.Destination == nil {
		return false, nil
	}
	if domain.HaversineMeters(rec.Coordinate(), *j.Destination) > d.distanceMeters {
		return false, nil
	}
	if !d.stationary(rec) {
		return false, nil
	}

	p, err := d.store.GetParticipant(ctx, j.JourneyID, rec.UserID)
	if err != nil {
		return false, err
	}
	if p == nil || p.Status == domain.ParticipantArrived {
		return false, nil
	}
	if p.Status != domain.ParticipantActive && p.Status != domain.ParticipantAccepted {
		return false, nil
	}

	p.Status = domain.ParticipantArrived
	now := d.now()
	p.LastSeenAt = &now
	if err := d.store.UpsertParticipant(ctx, p); err != nil {
		return false, err
	}
	observability.Arrivals.Inc()
	log.Printf("arrival: journey %s user %s reached the destination", j.JourneyID, rec.UserID)
	return true, nil
}

// stationary is satisfied when the speed reading is below the ceiling or
// missing entirely; a device inside the geofence without a speed fix
// counts as arrived.
func (d *ArrivalDetector) stationary(rec *domain.LocationRecord) bool {
	if rec.Speed == nil {
		return true
	}
	return *rec.Speed < d.speedMPS
}
