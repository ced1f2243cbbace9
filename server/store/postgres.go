package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the idempotent schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// exec runs a write with one retry on transient failure, then surfaces the
// error as an upstream failure.
func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	_, err := s.pool.Exec(ctx, query, args...)
	if err == nil || ctx.Err() != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	if _, retryErr := s.pool.Exec(ctx, query, args...); retryErr != nil {
		return domain.Upstream(retryErr, "store write failed")
	}
	return nil
}

// --- Journeys ---

func (s *PostgresStore) CreateJourney(ctx context.Context, j *domain.Journey) error {
	query := `
		INSERT INTO journeys (journey_id, name, leader_id, status, dest_lat, dest_lon, destination_address, lag_threshold_meters, created_at, updated_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	var destLat, destLon *float64
	if j.Destination != nil {
		destLat, destLon = &j.Destination.Latitude, &j.Destination.Longitude
	}
	return s.exec(ctx, query,
		j.JourneyID, j.Name, j.LeaderID, j.Status, destLat, destLon,
		j.DestinationAddress, j.LagThresholdMeters, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.EndedAt,
	)
}

func (s *PostgresStore) GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	query := `
		SELECT journey_id, name, leader_id, status, dest_lat, dest_lon, destination_address, lag_threshold_meters, created_at, updated_at, started_at, ended_at
		FROM journeys WHERE journey_id = $1
	`
	var j domain.Journey
	var destLat, destLon *float64
	err := s.pool.QueryRow(ctx, query, journeyID).Scan(
		&j.JourneyID, &j.Name, &j.LeaderID, &j.Status, &destLat, &destLon,
		&j.DestinationAddress, &j.LagThresholdMeters, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if destLat != nil && destLon != nil {
		j.Destination = &domain.Coordinate{Latitude: *destLat, Longitude: *destLon}
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJourney(ctx context.Context, j *domain.Journey) error {
	query := `
		UPDATE journeys
		SET name = $2, status = $3, dest_lat = $4, dest_lon = $5, destination_address = $6,
		    lag_threshold_meters = $7, updated_at = $8, started_at = $9, ended_at = $10
		WHERE journey_id = $1
	`
	var destLat, destLon *float64
	if j.Destination != nil {
		destLat, destLon = &j.Destination.Latitude, &j.Destination.Longitude
	}
	return s.exec(ctx, query,
		j.JourneyID, j.Name, j.Status, destLat, destLon, j.DestinationAddress,
		j.LagThresholdMeters, j.UpdatedAt, j.StartedAt, j.EndedAt,
	)
}

// --- Participants ---

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO participants (journey_id, user_id, role, status, invited_by, joined_at, left_at, connection_status, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (journey_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			invited_by = EXCLUDED.invited_by,
			joined_at = EXCLUDED.joined_at,
			left_at = EXCLUDED.left_at,
			connection_status = EXCLUDED.connection_status,
			last_seen_at = EXCLUDED.last_seen_at
	`
	return s.exec(ctx, query,
		p.JourneyID, p.UserID, p.Role, p.Status, p.InvitedBy,
		p.JoinedAt, p.LeftAt, p.ConnectionStatus, p.LastSeenAt,
	)
}

func (s *PostgresStore) GetParticipant(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	query := `
		SELECT journey_id, user_id, role, status, invited_by, joined_at, left_at, connection_status, last_seen_at
		FROM participants WHERE journey_id = $1 AND user_id = $2
	`
	var p domain.Participant
	err := s.pool.QueryRow(ctx, query, journeyID, userID).Scan(
		&p.JourneyID, &p.UserID, &p.Role, &p.Status, &p.InvitedBy,
		&p.JoinedAt, &p.LeftAt, &p.ConnectionStatus, &p.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, journeyID string) ([]*domain.Participant, error) {
	query := `
		SELECT journey_id, user_id, role, status, invited_by, joined_at, left_at, connection_status, last_seen_at
		FROM participants WHERE journey_id = $1 ORDER BY user_id
	`
	rows, err := s.pool.Query(ctx, query, journeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(
			&p.JourneyID, &p.UserID, &p.Role, &p.Status, &p.InvitedBy,
			&p.JoinedAt, &p.LeftAt, &p.ConnectionStatus, &p.LastSeenAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMembershipsByUser(ctx context.Context, userID string) ([]*domain.JourneyMembership, error) {
	// Served by idx_participants_user; never scans the journey space.
	query := `SELECT journey_id, user_id, status FROM participants WHERE user_id = $1 ORDER BY journey_id`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.JourneyMembership
	for rows.Next() {
		var m domain.JourneyMembership
		if err := rows.Scan(&m.JourneyID, &m.UserID, &m.Status); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}

// --- Location history ---

func (s *PostgresStore) InsertLocation(ctx context.Context, rec *domain.LocationRecord) error {
	query := `
		INSERT INTO locations (record_id, journey_id, user_id, latitude, longitude, accuracy, heading, speed, altitude, recorded_at, sequence_number, priority, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	return s.exec(ctx, query,
		rec.RecordID, rec.JourneyID, rec.UserID, rec.Latitude, rec.Longitude,
		rec.Accuracy, rec.Heading, rec.Speed, rec.Altitude, rec.Timestamp,
		rec.SequenceNumber, rec.Priority, rec.Metadata,
	)
}

func scanLocation(row pgx.Row) (*domain.LocationRecord, error) {
	var rec domain.LocationRecord
	err := row.Scan(
		&rec.RecordID, &rec.JourneyID, &rec.UserID, &rec.Latitude, &rec.Longitude,
		&rec.Accuracy, &rec.Heading, &rec.Speed, &rec.Altitude, &rec.Timestamp,
		&rec.SequenceNumber, &rec.Priority, &rec.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const locationColumns = `record_id, journey_id, user_id, latitude, longitude, accuracy, heading, speed, altitude, recorded_at, sequence_number, priority, metadata`

func (s *PostgresStore) GetLastLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations WHERE journey_id = $1 AND user_id = $2
		ORDER BY sequence_number DESC LIMIT 1
	`
	rec, err := scanLocation(s.pool.QueryRow(ctx, query, journeyID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) ListLocationsAfter(ctx context.Context, journeyID string, afterSeq int64) ([]*domain.LocationRecord, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations WHERE journey_id = $1 AND sequence_number > $2
		ORDER BY sequence_number ASC
	`
	return s.queryLocations(ctx, query, journeyID, afterSeq)
}

func (s *PostgresStore) ListLocationHistory(ctx context.Context, journeyID string, limit int) ([]*domain.LocationRecord, error) {
	query := `
		SELECT ` + locationColumns + ` FROM (
			SELECT ` + locationColumns + `
			FROM locations WHERE journey_id = $1
			ORDER BY sequence_number DESC LIMIT $2
		) recent ORDER BY sequence_number ASC
	`
	return s.queryLocations(ctx, query, journeyID, limit)
}

func (s *PostgresStore) queryLocations(ctx context.Context, query string, args ...any) ([]*domain.LocationRecord, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.LocationRecord
	for rows.Next() {
		rec, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Lag alerts ---

func (s *PostgresStore) CreateLagAlert(ctx context.Context, a *domain.LagAlert) error {
	query := `
		INSERT INTO lag_alerts (alert_id, journey_id, user_id, distance_meters, leader_lat, leader_lon, follower_lat, follower_lon, severity, is_active, created_at, resolved_at, acknowledged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	return s.exec(ctx, query,
		a.AlertID, a.JourneyID, a.UserID, a.DistanceMeters,
		a.LeaderLat, a.LeaderLon, a.FollowerLat, a.FollowerLon,
		a.Severity, a.IsActive, a.CreatedAt, a.ResolvedAt, a.AcknowledgedAt,
	)
}

const alertColumns = `alert_id, journey_id, user_id, distance_meters, leader_lat, leader_lon, follower_lat, follower_lon, severity, is_active, created_at, resolved_at, acknowledged_at`

func scanAlert(row pgx.Row) (*domain.LagAlert, error) {
	var a domain.LagAlert
	err := row.Scan(
		&a.AlertID, &a.JourneyID, &a.UserID, &a.DistanceMeters,
		&a.LeaderLat, &a.LeaderLon, &a.FollowerLat, &a.FollowerLon,
		&a.Severity, &a.IsActive, &a.CreatedAt, &a.ResolvedAt, &a.AcknowledgedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetActiveLagAlert(ctx context.Context, journeyID, userID string) (*domain.LagAlert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM lag_alerts WHERE journey_id = $1 AND user_id = $2 AND is_active
	`
	a, err := scanAlert(s.pool.QueryRow(ctx, query, journeyID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) UpdateLagAlertSeverity(ctx context.Context, alertID string, severity domain.AlertSeverity, distance float64) error {
	return s.exec(ctx, `UPDATE lag_alerts SET severity = $2, distance_meters = $3 WHERE alert_id = $1 AND is_active`, alertID, severity, distance)
}

func (s *PostgresStore) ResolveLagAlert(ctx context.Context, alertID string, at time.Time) error {
	return s.exec(ctx, `UPDATE lag_alerts SET is_active = FALSE, resolved_at = $2 WHERE alert_id = $1 AND is_active`, alertID, at)
}

func (s *PostgresStore) ListLagAlerts(ctx context.Context, journeyID string) ([]*domain.LagAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM lag_alerts WHERE journey_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, journeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.LagAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
