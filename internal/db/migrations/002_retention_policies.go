package migrations

import "time"

var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	SELECT add_retention_policy('tracking_stats', INTERVAL '90 days');

	CREATE MATERIALIZED VIEW IF NOT EXISTS tracking_stats_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		MAX(events_received) AS events_received,
		MAX(samples_accepted) AS samples_accepted,
		MAX(ordering_violations) AS ordering_violations,
		MAX(sessions_started) AS sessions_started,
		MAX(sessions_ended) AS sessions_ended
	FROM tracking_stats
	GROUP BY day
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS tracking_stats_daily;
	SELECT remove_retention_policy('tracking_stats');
	`,
	CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
}

// All lists every migration in apply order
var All = []*Migration{InitialSchema, RetentionPolicies}
