package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmaitland/con-signups/internal/model"
	"github.com/pmaitland/con-signups/internal/repository"
)

func TestConcurrentSignupsNeverOverfill(t *testing.T) {
	const racers = 16

	env := newTestEnv(t, oneSlotPolicy())
	env.store.SetLockTimeout(5 * time.Second)
	svc := NewSignupService(env.store, nil, nil)
	for i := 0; i < racers; i++ {
		env.addProfile(t, fmt.Sprintf("user-%d", i))
	}

	var wg sync.WaitGroup
	var confirmed, waitlisted atomic.Int64
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			su, err := svc.Create(context.Background(), SignupRequest{
				RunID:              env.runID,
				UserConProfileID:   fmt.Sprintf("user-%d", i),
				RequestedBucketKey: "a",
			})
			if err != nil {
				t.Errorf("signup %d: %v", i, err)
				return
			}
			switch su.State {
			case model.SignupStateConfirmed:
				confirmed.Add(1)
			case model.SignupStateWaitlisted:
				waitlisted.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), confirmed.Load(), "exactly one racer wins the last slot")
	assert.Equal(t, int64(racers-1), waitlisted.Load())

	// The stored rows must agree with what the racers observed.
	all, err := env.store.ListSignups(context.Background(), env.runID)
	require.NoError(t, err)
	require.Len(t, all, racers)
	stored := 0
	positions := make(map[int]bool)
	for _, su := range all {
		if su.ConsumesSlot() {
			stored++
			continue
		}
		require.Equal(t, model.SignupStateWaitlisted, su.State)
		assert.False(t, positions[su.WaitlistPosition], "waitlist position %d reused", su.WaitlistPosition)
		positions[su.WaitlistPosition] = true
	}
	assert.Equal(t, 1, stored)
	assert.Len(t, positions, racers-1)
}

func TestConcurrentWithdrawAndSignupStayConsistent(t *testing.T) {
	const waiters = 8

	env := newTestEnv(t, oneSlotPolicy())
	env.store.SetLockTimeout(5 * time.Second)
	signups := NewSignupService(env.store, nil, nil)
	withdraws := NewWithdrawService(env.store, nil, nil)

	env.addProfile(t, "holder")
	holder := env.signup(t, signups, "holder", "a")
	for i := 0; i < waiters; i++ {
		user := fmt.Sprintf("waiter-%d", i)
		env.addProfile(t, user)
		env.signup(t, signups, user, "a")
	}

	// Race the withdrawal against one more incoming signup: whichever order
	// the lock serializes them into, the bucket must end exactly full.
	env.addProfile(t, "late")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := withdraws.Withdraw(context.Background(), holder.ID, "staff", WithdrawOptions{})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := signups.Create(context.Background(), SignupRequest{
			RunID: env.runID, UserConProfileID: "late", RequestedBucketKey: "a",
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	all, err := env.store.ListSignups(context.Background(), env.runID)
	require.NoError(t, err)
	confirmedCount := 0
	for _, su := range all {
		if su.ConsumesSlot() {
			confirmedCount++
			assert.Equal(t, "a", su.BucketKey)
		}
	}
	assert.Equal(t, 1, confirmedCount, "one slot means one counted confirmed signup")
}

func TestSignupLockTimeoutSurfacesRetryableError(t *testing.T) {
	env := newTestEnv(t, oneSlotPolicy())
	env.store.SetLockTimeout(50 * time.Millisecond)
	env.addProfile(t, "user-x")
	svc := NewSignupService(env.store, nil, nil)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.store.WithRunLock(context.Background(), env.runID, func(tx repository.RunTx) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	_, err := svc.Create(context.Background(), SignupRequest{
		RunID: env.runID, UserConProfileID: "user-x", RequestedBucketKey: "a",
	})
	assert.ErrorIs(t, err, repository.ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)
}
