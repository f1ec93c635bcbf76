package migrations

import "time"

// InitialSchema creates the session journal and stats tables
var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		CREATE TABLE IF NOT EXISTS driving_sessions (
			id TEXT PRIMARY KEY,
			vehicle_id TEXT NOT NULL,
			context TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			point_count INTEGER NOT NULL DEFAULT 0,
			last_latitude DOUBLE PRECISION,
			last_longitude DOUBLE PRECISION,
			trip_meter_m DOUBLE PRECISION
		);

		CREATE INDEX IF NOT EXISTS idx_driving_sessions_vehicle ON driving_sessions (vehicle_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_driving_sessions_ended_at ON driving_sessions (ended_at);

		CREATE TABLE IF NOT EXISTS tracking_stats (
			time TIMESTAMPTZ NOT NULL,
			events_received BIGINT NOT NULL,
			samples_accepted BIGINT NOT NULL,
			ordering_violations BIGINT NOT NULL,
			malformed_samples BIGINT NOT NULL,
			unknown_events BIGINT NOT NULL,
			sessions_started BIGINT NOT NULL,
			sessions_ended BIGINT NOT NULL,
			active_sessions BIGINT NOT NULL,
			error_counts BIGINT[] NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);

		SELECT create_hypertable('tracking_stats', 'time');

		CREATE INDEX IF NOT EXISTS idx_tracking_stats_time ON tracking_stats (time DESC);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS tracking_stats;
		DROP TABLE IF EXISTS driving_sessions;
	`,
	CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
}
