package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmaitland/con-signups/internal/model"
)

func seedRun(t *testing.T, store *MemoryStore) (eventID, runID string) {
	t.Helper()
	ctx := context.Background()
	event := &model.Event{ID: "event-1", Name: "Test Event", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateEvent(ctx, event))
	run := &model.Run{ID: "run-1", EventID: event.ID, StartsAt: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateRun(ctx, run))
	return event.ID, run.ID
}

func TestWithRunLockCommitsOnSuccess(t *testing.T) {
	store := NewMemoryStore()
	_, runID := seedRun(t, store)
	ctx := context.Background()

	err := store.WithRunLock(ctx, runID, func(tx RunTx) error {
		return tx.InsertSignup(ctx, &model.Signup{
			ID: "signup-1", RunID: runID, UserConProfileID: "user-1",
			State: model.SignupStateConfirmed, Counted: true,
		})
	})
	require.NoError(t, err)

	signups, err := store.ListSignups(ctx, runID)
	require.NoError(t, err)
	require.Len(t, signups, 1)
	assert.Equal(t, "signup-1", signups[0].ID)
}

func TestWithRunLockRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	_, runID := seedRun(t, store)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithRunLock(ctx, runID, func(tx RunTx) error {
		if err := tx.InsertSignup(ctx, &model.Signup{ID: "signup-1", RunID: runID, UserConProfileID: "user-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	signups, err := store.ListSignups(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, signups, "staged writes must not survive a failed transaction")
}

func TestWithRunLockUnknownRun(t *testing.T) {
	store := NewMemoryStore()
	err := store.WithRunLock(context.Background(), "nope", func(tx RunTx) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithRunLockBoundedWait(t *testing.T) {
	store := NewMemoryStore()
	store.SetLockTimeout(50 * time.Millisecond)
	_, runID := seedRun(t, store)
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithRunLock(ctx, runID, func(tx RunTx) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := store.WithRunLock(ctx, runID, func(tx RunTx) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout, "second acquirer must time out, not block forever")

	close(release)
	require.NoError(t, <-done)
}

func TestWithRunLockTxReadsSeeStagedWrites(t *testing.T) {
	store := NewMemoryStore()
	_, runID := seedRun(t, store)
	ctx := context.Background()

	err := store.WithRunLock(ctx, runID, func(tx RunTx) error {
		su := &model.Signup{
			ID: "signup-1", RunID: runID, UserConProfileID: "user-1",
			State: model.SignupStateWaitlisted, WaitlistPosition: 1,
		}
		if err := tx.InsertSignup(ctx, su); err != nil {
			return err
		}
		got, err := tx.SignupByID(ctx, "signup-1")
		if err != nil {
			return err
		}
		assert.Equal(t, model.SignupStateWaitlisted, got.State)

		active, err := tx.ActiveSignupForUser(ctx, "user-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "signup-1", active.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestNextWaitlistPositionMonotonic(t *testing.T) {
	store := NewMemoryStore()
	_, runID := seedRun(t, store)
	ctx := context.Background()

	var first, second int
	require.NoError(t, store.WithRunLock(ctx, runID, func(tx RunTx) error {
		var err error
		first, err = tx.NextWaitlistPosition(ctx)
		return err
	}))
	require.NoError(t, store.WithRunLock(ctx, runID, func(tx RunTx) error {
		var err error
		second, err = tx.NextWaitlistPosition(ctx)
		return err
	}))
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second, "positions are never reused")
}

func TestActiveSignupForUserIgnoresWithdrawn(t *testing.T) {
	store := NewMemoryStore()
	_, runID := seedRun(t, store)
	ctx := context.Background()

	require.NoError(t, store.WithRunLock(ctx, runID, func(tx RunTx) error {
		return tx.InsertSignup(ctx, &model.Signup{
			ID: "signup-1", RunID: runID, UserConProfileID: "user-1",
			State: model.SignupStateWithdrawn,
		})
	}))
	err := store.WithRunLock(ctx, runID, func(tx RunTx) error {
		_, err := tx.ActiveSignupForUser(ctx, "user-1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
