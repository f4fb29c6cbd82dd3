// Package repository implements persistence for the signup system. It
// defines the Store contract plus two implementations: a PostgreSQL store
// using pgx directly (no ORM) with per-run advisory locks, and an in-memory
// store with a keyed mutex for tests and single-process use.
package repository

import (
	"context"
	"errors"

	"github.com/pmaitland/con-signups/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrLockTimeout is returned when the per-run signup lock cannot be
// acquired within the bounded wait. The operation left no partial state
// and may be retried.
var ErrLockTimeout = errors.New("timed out waiting for run signup lock")

// Store is the persistence contract for the signup system.
//
// Every mutation of a run's signups goes through WithRunLock, which
// serializes concurrent operations per run: two racing signup attempts
// cannot both observe the same free slot. Reads outside the lock see
// committed state only.
type Store interface {
	// WithRunLock acquires the run's signup lock, opens a transaction, and
	// runs fn. The lock is held until all of fn's changes commit; if fn
	// returns an error every change rolls back and the error is returned.
	// Lock acquisition has a bounded wait and fails with ErrLockTimeout.
	//
	// Code already inside fn must not call WithRunLock again for the same
	// run; nested steps receive the open RunTx instead.
	WithRunLock(ctx context.Context, runID string, fn func(tx RunTx) error) error

	CreateEvent(ctx context.Context, event *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)

	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)

	CreateUserConProfile(ctx context.Context, profile *model.UserConProfile) error
	GetUserConProfile(ctx context.Context, id string) (*model.UserConProfile, error)

	CreateTeamMember(ctx context.Context, member *model.TeamMember) error
	TeamMembers(ctx context.Context, eventID string) ([]model.TeamMember, error)

	GetSignup(ctx context.Context, id string) (*model.Signup, error)
	ListSignups(ctx context.Context, runID string) ([]model.Signup, error)
}

// RunTx is the view of one run's data inside a held lock. All reads see the
// transaction's own uncommitted writes.
type RunTx interface {
	// Event returns the run's event, including its registration policy.
	Event(ctx context.Context) (*model.Event, error)

	// Signups returns every signup for the run, withdrawn included.
	Signups(ctx context.Context) ([]model.Signup, error)

	// SignupByID returns one of the run's signups or ErrNotFound.
	SignupByID(ctx context.Context, id string) (*model.Signup, error)

	// ActiveSignupForUser returns the user's non-withdrawn signup for the
	// run, or ErrNotFound when the user has none.
	ActiveSignupForUser(ctx context.Context, userConProfileID string) (*model.Signup, error)

	// NextWaitlistPosition returns the next monotonically increasing
	// waitlist position for the run. Positions are never reused, even
	// after withdrawal.
	NextWaitlistPosition(ctx context.Context) (int, error)

	InsertSignup(ctx context.Context, signup *model.Signup) error
	UpdateSignup(ctx context.Context, signup *model.Signup) error
}
