package domain

import (
	"time"
)

// JourneyStatus is the lifecycle state of a journey.
type JourneyStatus string

const (
	JourneyPending   JourneyStatus = "PENDING"
	JourneyActive    JourneyStatus = "ACTIVE"
	JourneyCompleted JourneyStatus = "COMPLETED"
	JourneyCancelled JourneyStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s JourneyStatus) Terminal() bool {
	return s == JourneyCompleted || s == JourneyCancelled
}

// ParticipantRole is fixed for the lifetime of the membership.
type ParticipantRole string

const (
	RoleLeader   ParticipantRole = "LEADER"
	RoleFollower ParticipantRole = "FOLLOWER"
)

// ParticipantStatus tracks the invitation/membership sub-state.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "INVITED"
	ParticipantAccepted ParticipantStatus = "ACCEPTED"
	ParticipantDeclined ParticipantStatus = "DECLINED"
	ParticipantActive   ParticipantStatus = "ACTIVE"
	ParticipantArrived  ParticipantStatus = "ARRIVED"
	ParticipantLeft     ParticipantStatus = "LEFT"
)

// ConnectionStatus is the realtime liveness of a participant's session.
type ConnectionStatus string

const (
	ConnConnected    ConnectionStatus = "CONNECTED"
	ConnDisconnected ConnectionStatus = "DISCONNECTED"
	ConnReconnecting ConnectionStatus = "RECONNECTING"
)

// Priority of a location update, assigned by the classifier.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// AlertSeverity grades a lag alert.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Coordinate is a WGS84 point.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid checks the coordinate is inside the lat/lon plane.
func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// Journey is the durable trip entity. Exactly one leader for its lifetime.
type Journey struct {
	JourneyID          string        `json:"journey_id" db:"journey_id"`
	Name               string        `json:"name" db:"name"`
	LeaderID           string        `json:"leader_id" db:"leader_id"`
	Status             JourneyStatus `json:"status" db:"status"`
	Destination        *Coordinate   `json:"destination,omitempty" db:"destination"`
	DestinationAddress string        `json:"destination_address,omitempty" db:"destination_address"`
	LagThresholdMeters float64       `json:"lag_threshold_meters" db:"lag_threshold_meters"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty" db:"started_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// Participant is one user's membership in one journey.
type Participant struct {
	JourneyID        string            `json:"journey_id" db:"journey_id"`
	UserID           string            `json:"user_id" db:"user_id"`
	Role             ParticipantRole   `json:"role" db:"role"`
	Status           ParticipantStatus `json:"status" db:"status"`
	InvitedBy        string            `json:"invited_by,omitempty" db:"invited_by"`
	JoinedAt         *time.Time        `json:"joined_at,omitempty" db:"joined_at"`
	LeftAt           *time.Time        `json:"left_at,omitempty" db:"left_at"`
	ConnectionStatus ConnectionStatus  `json:"connection_status" db:"connection_status"`
	LastSeenAt       *time.Time        `json:"last_seen_at,omitempty" db:"last_seen_at"`
}

// CanStream reports whether this participant may submit location updates.
func (p *Participant) CanStream() bool {
	return p.Status == ParticipantActive || p.Status == ParticipantAccepted
}

// UpdateMetadata is client-supplied context riding on each update.
type UpdateMetadata struct {
	BatteryLevel int  `json:"battery_level"`
	IsMoving     bool `json:"is_moving"`
	StatusChange bool `json:"status_change,omitempty"`
}

// LocationUpdate is the inbound DTO for one GPS fix.
type LocationUpdate struct {
	JourneyID string         `json:"journey_id"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Accuracy  float64        `json:"accuracy"`
	Heading   *float64       `json:"heading,omitempty"`  // degrees, 0-360
	Speed     *float64       `json:"speed,omitempty"`    // m/s
	Altitude  *float64       `json:"altitude,omitempty"` // meters
	Metadata  UpdateMetadata `json:"metadata"`
}

// Validate rejects malformed payloads before they reach the pipeline.
func (u *LocationUpdate) Validate() error {
	if u.JourneyID == "" {
		return InvalidInput("journey_id is required")
	}
	if !(Coordinate{Latitude: u.Latitude, Longitude: u.Longitude}).Valid() {
		return InvalidInput("coordinates out of range: lat=%f lon=%f", u.Latitude, u.Longitude)
	}
	if u.Heading != nil && (*u.Heading < 0 || *u.Heading > 360) {
		return InvalidInput("heading out of range: %f", *u.Heading)
	}
	if u.Accuracy < 0 {
		return InvalidInput("accuracy must be non-negative")
	}
	if u.Metadata.BatteryLevel < 0 || u.Metadata.BatteryLevel > 100 {
		return InvalidInput("battery_level out of range: %d", u.Metadata.BatteryLevel)
	}
	return nil
}

// LocationRecord is the immutable persisted form of an accepted update.
type LocationRecord struct {
	RecordID       string         `json:"record_id" db:"record_id"`
	JourneyID      string         `json:"journey_id" db:"journey_id"`
	UserID         string         `json:"user_id" db:"user_id"`
	Latitude       float64        `json:"latitude" db:"latitude"`
	Longitude      float64        `json:"longitude" db:"longitude"`
	Accuracy       float64        `json:"accuracy" db:"accuracy"`
	Heading        *float64       `json:"heading,omitempty" db:"heading"`
	Speed          *float64       `json:"speed,omitempty" db:"speed"`
	Altitude       *float64       `json:"altitude,omitempty" db:"altitude"`
	Timestamp      time.Time      `json:"timestamp" db:"recorded_at"` // server-assigned
	SequenceNumber int64          `json:"sequence_number" db:"sequence_number"`
	Priority       Priority       `json:"priority" db:"priority"`
	Metadata       UpdateMetadata `json:"metadata" db:"metadata"`
}

// Coordinate returns the record position as a Coordinate.
func (r *LocationRecord) Coordinate() Coordinate {
	return Coordinate{Latitude: r.Latitude, Longitude: r.Longitude}
}

// LagAlert records a follower drifting beyond the journey lag threshold.
// At most one active alert per (journey, participant).
type LagAlert struct {
	AlertID        string        `json:"alert_id" db:"alert_id"`
	JourneyID      string        `json:"journey_id" db:"journey_id"`
	UserID         string        `json:"user_id" db:"user_id"`
	DistanceMeters float64       `json:"distance_meters" db:"distance_meters"`
	LeaderLat      float64       `json:"leader_lat" db:"leader_lat"`
	LeaderLon      float64       `json:"leader_lon" db:"leader_lon"`
	FollowerLat    float64       `json:"follower_lat" db:"follower_lat"`
	FollowerLon    float64       `json:"follower_lon" db:"follower_lon"`
	Severity       AlertSeverity `json:"severity" db:"severity"`
	IsActive       bool          `json:"is_active" db:"is_active"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
}

// UpdateResult is what the pipeline returns to the caller for one update.
type UpdateResult struct {
	Success         bool            `json:"success"`
	SequenceNumber  int64           `json:"sequence_number,omitempty"`
	Priority        Priority        `json:"priority"`
	Record          *LocationRecord `json:"-"`
	LagAlert        *LagAlert       `json:"lag_alert,omitempty"`
	ArrivalDetected bool            `json:"arrival_detected,omitempty"`
}

// JourneyMembership is the secondary-index row answering "which journeys
// does this user belong to" without scanning participants.
type JourneyMembership struct {
	JourneyID string            `json:"journey_id"`
	UserID    string            `json:"user_id"`
	Status    ParticipantStatus `json:"status"`
}

// PendingEnvelope is one HIGH-priority update awaiting acknowledgement by a
// specific subscriber. Entries live in the cache with a 1h TTL and are
// removed on ack or on retry give-up.
type PendingEnvelope struct {
	JourneyID      string         `json:"journey_id"`
	TargetUserID   string         `json:"target_user_id"`
	SequenceNumber int64          `json:"sequence_number"`
	Record         LocationRecord `json:"record"`
	Attempt        int            `json:"attempt"`
	FirstAttemptAt time.Time      `json:"first_attempt_at"`
	LastAttemptAt  time.Time      `json:"last_attempt_at"`
}
