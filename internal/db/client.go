package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

type Client struct {
	db *sql.DB
}

// SessionRecord is a driving session row of the journal
type SessionRecord struct {
	ID         string
	VehicleID  string
	Context    string
	StartedAt  time.Time
	EndedAt    time.Time
	PointCount int
	LastLat    sql.NullFloat64
	LastLng    sql.NullFloat64
	TripMeterM sql.NullFloat64
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// DB exposes the underlying handle for the migrator
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// RecordSession writes a started or ended driving session. Writes may
// arrive in any order: a start never reopens an ended session and the point
// count never goes down.
func (c *Client) RecordSession(ctx context.Context, tc types.TrackingContext, s types.DrivingSession) error {
	query := `
		INSERT INTO driving_sessions (
			id, vehicle_id, context, started_at, ended_at,
			point_count, last_latitude, last_longitude, trip_meter_m
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = COALESCE(EXCLUDED.ended_at, driving_sessions.ended_at),
			point_count = GREATEST(EXCLUDED.point_count, driving_sessions.point_count),
			last_latitude = EXCLUDED.last_latitude,
			last_longitude = EXCLUDED.last_longitude,
			trip_meter_m = EXCLUDED.trip_meter_m
		WHERE driving_sessions.ended_at IS NULL OR EXCLUDED.ended_at IS NOT NULL
	`
	var lat, lng, meter sql.NullFloat64
	if p := s.LastKnownPosition; p != nil {
		lat = sql.NullFloat64{Float64: p.Coordinate.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: p.Coordinate.Lng, Valid: true}
		if p.TripMeterM != nil {
			meter = sql.NullFloat64{Float64: *p.TripMeterM, Valid: true}
		}
	}

	var endedAt interface{}
	if !s.EndedAt.IsZero() {
		endedAt = s.EndedAt
	}

	_, err := c.db.ExecContext(ctx, query,
		s.ID, s.VehicleID, tc.String(), s.StartedAt, endedAt,
		s.PointCount, lat, lng, meter,
	)
	return err
}

// GetSessions retrieves the sessions of a vehicle that started in a time range
func (c *Client) GetSessions(ctx context.Context, vehicleID string, start, end time.Time) ([]*SessionRecord, error) {
	query := `
		SELECT id, vehicle_id, context, started_at, ended_at,
			point_count, last_latitude, last_longitude, trip_meter_m
		FROM driving_sessions
		WHERE vehicle_id = $1 AND started_at BETWEEN $2 AND $3
		ORDER BY started_at DESC
	`
	rows, err := c.db.QueryContext(ctx, query, vehicleID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var (
			r       SessionRecord
			endedAt sql.NullTime
		)
		if err := rows.Scan(
			&r.ID, &r.VehicleID, &r.Context, &r.StartedAt, &endedAt,
			&r.PointCount, &r.LastLat, &r.LastLng, &r.TripMeterM,
		); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		sessions = append(sessions, &r)
	}
	return sessions, rows.Err()
}

// StoreTrackingStats stores a stats snapshot
func (c *Client) StoreTrackingStats(ctx context.Context, stats map[string]interface{}) error {
	query := `
		INSERT INTO tracking_stats (
			time, events_received, samples_accepted, ordering_violations,
			malformed_samples, unknown_events, sessions_started, sessions_ended,
			active_sessions, error_counts, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	errs := stats["error_counts"].([4]uint64)
	errArray := make([]int64, len(errs))
	for i, v := range errs {
		errArray[i] = int64(v)
	}

	uptime := stats["uptime"].(time.Duration).Seconds()

	_, err := c.db.ExecContext(ctx, query,
		time.Now(),
		stats["events_received"],
		stats["samples_accepted"],
		stats["ordering_violations"],
		stats["malformed_samples"],
		stats["unknown_events"],
		stats["sessions_started"],
		stats["sessions_ended"],
		stats["active_sessions"],
		pq.Array(errArray),
		int64(uptime),
	)
	return err
}

// GetTrackingStats retrieves stats snapshots for a time range
func (c *Client) GetTrackingStats(ctx context.Context, start, end time.Time) ([]map[string]interface{}, error) {
	query := `
		SELECT
			time, events_received, samples_accepted, ordering_violations,
			malformed_samples, unknown_events, sessions_started, sessions_ended,
			active_sessions, error_counts, uptime_seconds
		FROM tracking_stats
		WHERE time BETWEEN $1 AND $2
		ORDER BY time DESC
	`

	rows, err := c.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []map[string]interface{}
	for rows.Next() {
		var (
			timestamp          time.Time
			eventsReceived     int64
			samplesAccepted    int64
			orderingViolations int64
			malformedSamples   int64
			unknownEvents      int64
			sessionsStarted    int64
			sessionsEnded      int64
			activeSessions     int64
			errorCounts        []int64
			uptimeSeconds      int64
		)

		if err := rows.Scan(
			&timestamp,
			&eventsReceived,
			&samplesAccepted,
			&orderingViolations,
			&malformedSamples,
			&unknownEvents,
			&sessionsStarted,
			&sessionsEnded,
			&activeSessions,
			pq.Array(&errorCounts),
			&uptimeSeconds,
		); err != nil {
			return nil, err
		}

		errs := [4]uint64{}
		for i, v := range errorCounts {
			if i < len(errs) {
				errs[i] = uint64(v)
			}
		}

		stats = append(stats, map[string]interface{}{
			"time":                timestamp,
			"events_received":     eventsReceived,
			"samples_accepted":    samplesAccepted,
			"ordering_violations": orderingViolations,
			"malformed_samples":   malformedSamples,
			"unknown_events":      unknownEvents,
			"sessions_started":    sessionsStarted,
			"sessions_ended":      sessionsEnded,
			"active_sessions":     activeSessions,
			"error_counts":        errs,
			"uptime_seconds":      uptimeSeconds,
		})
	}

	return stats, rows.Err()
}
