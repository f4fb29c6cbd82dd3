package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmaitland/con-signups/internal/model"
)

// pgLockNotAvailable is the PostgreSQL error code raised when lock_timeout
// expires while waiting for the advisory lock.
const pgLockNotAvailable = "55P03"

// PostgresStore implements Store on PostgreSQL via pgx.
//
// Mutual exclusion per run uses a transaction-scoped advisory lock keyed by
// "run_<id>_signups". Unlike a row-level SELECT ... FOR UPDATE on a counter
// row, the advisory lock serializes allocation decisions that span many
// signup rows at once, and releases automatically at commit or rollback.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a PostgresStore. lockTimeout bounds the wait
// for the per-run advisory lock; zero selects a 5s default.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// runLockKey builds the advisory lock key for a run's signups.
func runLockKey(runID string) string {
	return fmt.Sprintf("run_%s_signups", runID)
}

// WithRunLock opens a transaction, takes the run's advisory lock with a
// bounded wait, runs fn, and commits. Any error from fn rolls everything
// back, cascading promotions included.
func (s *PostgresStore) WithRunLock(ctx context.Context, runID string, fn func(tx RunTx) error) (err error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = pgtx.Rollback(ctx)
		}
	}()

	// lock_timeout also governs advisory lock waits; the failure surfaces
	// as SQLSTATE 55P03.
	_, err = pgtx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	if _, err = pgtx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, runLockKey(runID)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			err = ErrLockTimeout
			return err
		}
		return fmt.Errorf("acquire run lock: %w", err)
	}

	if err = fn(&pgRunTx{tx: pgtx, runID: runID}); err != nil {
		return err
	}
	if err = pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateEvent inserts a new event with its registration policy as JSONB.
func (s *PostgresStore) CreateEvent(ctx context.Context, event *model.Event) error {
	policy, err := json.Marshal(event.RegistrationPolicy)
	if err != nil {
		return fmt.Errorf("marshal registration policy: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, name, registration_policy, created_at)
		 VALUES ($1, $2, $3, $4)`,
		event.ID, event.Name, policy, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns a single event or ErrNotFound.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT id, name, registration_policy, created_at FROM events WHERE id = $1`, id))
}

// ListEvents returns all events ordered by creation time descending.
func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, registration_policy, created_at
		 FROM events ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	var policy []byte
	if err := row.Scan(&e.ID, &e.Name, &policy, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if err := json.Unmarshal(policy, &e.RegistrationPolicy); err != nil {
		return nil, fmt.Errorf("unmarshal registration policy: %w", err)
	}
	return &e, nil
}

// CreateRun inserts a new run.
func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, event_id, title, starts_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.EventID, run.Title, run.StartsAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun returns a single run or ErrNotFound.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_id, title, starts_at, created_at FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.EventID, &r.Title, &r.StartsAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// CreateUserConProfile inserts a new attendee profile.
func (s *PostgresStore) CreateUserConProfile(ctx context.Context, profile *model.UserConProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_con_profiles (id, name, email, created_at)
		 VALUES ($1, $2, $3, $4)`,
		profile.ID, profile.Name, profile.Email, profile.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user con profile: %w", err)
	}
	return nil
}

// GetUserConProfile returns a single profile or ErrNotFound.
func (s *PostgresStore) GetUserConProfile(ctx context.Context, id string) (*model.UserConProfile, error) {
	var p model.UserConProfile
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, created_at FROM user_con_profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user con profile: %w", err)
	}
	return &p, nil
}

// CreateTeamMember attaches a staff member to an event.
func (s *PostgresStore) CreateTeamMember(ctx context.Context, member *model.TeamMember) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO team_members (id, event_id, user_con_profile_id, email, receive_signup_email)
		 VALUES ($1, $2, $3, $4, $5)`,
		member.ID, member.EventID, member.UserConProfileID, member.Email, string(member.ReceiveSignupEmail),
	)
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	return nil
}

// TeamMembers returns all team members for an event.
func (s *PostgresStore) TeamMembers(ctx context.Context, eventID string) ([]model.TeamMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, user_con_profile_id, email, receive_signup_email
		 FROM team_members WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	var members []model.TeamMember
	for rows.Next() {
		var m model.TeamMember
		var pref string
		if err := rows.Scan(&m.ID, &m.EventID, &m.UserConProfileID, &m.Email, &pref); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		m.ReceiveSignupEmail = model.EmailPreference(pref)
		members = append(members, m)
	}
	return members, rows.Err()
}

const signupColumns = `id, run_id, user_con_profile_id, state, bucket_key,
	requested_bucket_key, counted, waitlist_position, updated_by, created_at, updated_at`

// GetSignup returns a single signup or ErrNotFound.
func (s *PostgresStore) GetSignup(ctx context.Context, id string) (*model.Signup, error) {
	return scanSignup(s.pool.QueryRow(ctx,
		`SELECT `+signupColumns+` FROM signups WHERE id = $1`, id))
}

// ListSignups returns all signups for a run, waitlisted rows first by
// position, remaining rows by creation time.
func (s *PostgresStore) ListSignups(ctx context.Context, runID string) ([]model.Signup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signupColumns+` FROM signups
		 WHERE run_id = $1
		 ORDER BY waitlist_position NULLS LAST, created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	defer rows.Close()
	return collectSignups(rows)
}

func collectSignups(rows pgx.Rows) ([]model.Signup, error) {
	var signups []model.Signup
	for rows.Next() {
		su, err := scanSignup(rows)
		if err != nil {
			return nil, err
		}
		signups = append(signups, *su)
	}
	return signups, rows.Err()
}

func scanSignup(row pgx.Row) (*model.Signup, error) {
	var su model.Signup
	var state string
	var bucketKey, requestedKey, updatedBy *string
	var waitlistPos *int
	err := row.Scan(&su.ID, &su.RunID, &su.UserConProfileID, &state, &bucketKey,
		&requestedKey, &su.Counted, &waitlistPos, &updatedBy, &su.CreatedAt, &su.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan signup: %w", err)
	}
	su.State = model.SignupState(state)
	su.BucketKey = deref(bucketKey)
	su.RequestedBucketKey = deref(requestedKey)
	su.UpdatedBy = deref(updatedBy)
	if waitlistPos != nil {
		su.WaitlistPosition = *waitlistPos
	}
	return &su, nil
}

// pgRunTx implements RunTx on an open pgx transaction holding a run's
// advisory lock.
type pgRunTx struct {
	tx    pgx.Tx
	runID string
}

func (t *pgRunTx) Event(ctx context.Context) (*model.Event, error) {
	return scanEvent(t.tx.QueryRow(ctx,
		`SELECT e.id, e.name, e.registration_policy, e.created_at
		 FROM events e JOIN runs r ON r.event_id = e.id
		 WHERE r.id = $1`, t.runID))
}

func (t *pgRunTx) Signups(ctx context.Context) ([]model.Signup, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+signupColumns+` FROM signups
		 WHERE run_id = $1
		 ORDER BY waitlist_position NULLS LAST, created_at ASC`, t.runID)
	if err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	defer rows.Close()
	return collectSignups(rows)
}

func (t *pgRunTx) SignupByID(ctx context.Context, id string) (*model.Signup, error) {
	return scanSignup(t.tx.QueryRow(ctx,
		`SELECT `+signupColumns+` FROM signups WHERE id = $1 AND run_id = $2`, id, t.runID))
}

func (t *pgRunTx) ActiveSignupForUser(ctx context.Context, userConProfileID string) (*model.Signup, error) {
	return scanSignup(t.tx.QueryRow(ctx,
		`SELECT `+signupColumns+` FROM signups
		 WHERE run_id = $1 AND user_con_profile_id = $2 AND state <> 'withdrawn'`,
		t.runID, userConProfileID))
}

func (t *pgRunTx) NextWaitlistPosition(ctx context.Context) (int, error) {
	// Positions stay monotonic across withdrawals because withdrawn rows
	// keep their position.
	var next int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(waitlist_position), 0) + 1 FROM signups WHERE run_id = $1`,
		t.runID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next waitlist position: %w", err)
	}
	return next, nil
}

func (t *pgRunTx) InsertSignup(ctx context.Context, signup *model.Signup) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO signups (`+signupColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		signup.ID, signup.RunID, signup.UserConProfileID, string(signup.State),
		nullable(signup.BucketKey), nullable(signup.RequestedBucketKey), signup.Counted,
		nullableInt(signup.WaitlistPosition), nullable(signup.UpdatedBy),
		signup.CreatedAt, signup.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signup: %w", err)
	}
	return nil
}

func (t *pgRunTx) UpdateSignup(ctx context.Context, signup *model.Signup) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE signups
		 SET state = $1, bucket_key = $2, requested_bucket_key = $3, counted = $4,
		     waitlist_position = $5, updated_by = $6, updated_at = $7
		 WHERE id = $8 AND run_id = $9`,
		string(signup.State), nullable(signup.BucketKey), nullable(signup.RequestedBucketKey),
		signup.Counted, nullableInt(signup.WaitlistPosition), nullable(signup.UpdatedBy),
		signup.UpdatedAt, signup.ID, signup.RunID,
	)
	if err != nil {
		return fmt.Errorf("update signup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
