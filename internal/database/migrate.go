package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the full DDL for the signup system. The partial unique index
// on signups backs the one-active-signup-per-user-per-run invariant at the
// database level, independent of the application-level check.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	registration_policy JSONB NOT NULL DEFAULT '{"buckets": []}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	starts_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_runs_event_id ON runs(event_id);

CREATE TABLE IF NOT EXISTS user_con_profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS team_members (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	user_con_profile_id TEXT NOT NULL REFERENCES user_con_profiles(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	receive_signup_email TEXT NOT NULL DEFAULT 'all_signups'
		CHECK (receive_signup_email IN ('all_signups', 'non_waitlist_signups', 'no'))
);

CREATE INDEX IF NOT EXISTS idx_team_members_event_id ON team_members(event_id);

CREATE TABLE IF NOT EXISTS signups (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	user_con_profile_id TEXT NOT NULL REFERENCES user_con_profiles(id) ON DELETE CASCADE,
	state TEXT NOT NULL CHECK (state IN ('confirmed', 'waitlisted', 'withdrawn')),
	bucket_key TEXT,
	requested_bucket_key TEXT,
	counted BOOLEAN NOT NULL DEFAULT FALSE,
	waitlist_position INTEGER,
	updated_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (state <> 'waitlisted' OR counted = FALSE)
);

CREATE INDEX IF NOT EXISTS idx_signups_run_id ON signups(run_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signups_one_active_per_user
	ON signups(run_id, user_con_profile_id) WHERE state <> 'withdrawn';
`

// Migrate applies the schema. All statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
