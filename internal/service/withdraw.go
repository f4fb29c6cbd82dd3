package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/pmaitland/con-signups/internal/model"
	"github.com/pmaitland/con-signups/internal/notifier"
	"github.com/pmaitland/con-signups/internal/repository"
)

// WithdrawOptions tweaks a single withdrawal.
type WithdrawOptions struct {
	// SuppressNotifications skips team-member notification, used by bulk
	// staff operations that send their own summary.
	SuppressNotifications bool
}

// WithdrawResult reports what a withdrawal did: the terminal signup, where
// it sat beforehand, and every promotion the freed slot triggered.
type WithdrawResult struct {
	Signup        model.Signup
	PrevState     model.SignupState
	PrevBucketKey string
	MoveResults   []model.SignupMoveResult
}

// WithdrawService orchestrates withdrawals: mark the signup withdrawn and,
// when a counted confirmed slot was freed, fill the vacancy inside the
// same locked transaction. The withdrawal and its cascading promotions
// commit or roll back together.
type WithdrawService struct {
	store    repository.Store
	notifier *notifier.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewWithdrawService constructs a WithdrawService. The notifier may be nil
// to disable withdrawal notifications.
func NewWithdrawService(store repository.Store, n *notifier.Notifier, logger *slog.Logger) *WithdrawService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WithdrawService{
		store:    store,
		notifier: n,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Withdraw marks the signup withdrawn on behalf of whodunit. Withdrawing
// an already-withdrawn signup fails with ErrAlreadyWithdrawn and changes
// nothing.
func (s *WithdrawService) Withdraw(ctx context.Context, signupID, whodunit string, opts WithdrawOptions) (*WithdrawResult, error) {
	// Read outside the lock only to learn which run to lock; the state
	// checks below re-read under the lock.
	pre, err := s.store.GetSignup(ctx, signupID)
	if err != nil {
		return nil, err
	}

	var res *WithdrawResult
	err = s.store.WithRunLock(ctx, pre.RunID, func(tx repository.RunTx) error {
		su, err := tx.SignupByID(ctx, signupID)
		if err != nil {
			return err
		}
		if su.State == model.SignupStateWithdrawn {
			return ErrAlreadyWithdrawn
		}

		prevState, prevBucketKey, wasCounted := su.State, su.BucketKey, su.Counted
		su.State = model.SignupStateWithdrawn
		su.Counted = false
		su.UpdatedBy = whodunit
		su.UpdatedAt = s.now()
		if err := tx.UpdateSignup(ctx, su); err != nil {
			return err
		}

		var moves []model.SignupMoveResult
		// A waitlisted signup holds no counted slot, so withdrawing one
		// frees nothing and no promotion runs.
		if wasCounted && prevState == model.SignupStateConfirmed {
			moves, err = fillVacancy(ctx, tx, prevBucketKey, s.logger, s.now)
			if err != nil {
				return err
			}
		}
		res = &WithdrawResult{
			Signup:        *su,
			PrevState:     prevState,
			PrevBucketKey: prevBucketKey,
			MoveResults:   moves,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("signup withdrawn",
		"signup_id", res.Signup.ID,
		"run_id", res.Signup.RunID,
		"prev_state", res.PrevState,
		"promotions", len(res.MoveResults),
	)
	if !opts.SuppressNotifications && s.notifier != nil {
		s.notifyTeam(ctx, res)
	}
	return res, nil
}

func (s *WithdrawService) notifyTeam(ctx context.Context, res *WithdrawResult) {
	run, err := s.store.GetRun(ctx, res.Signup.RunID)
	if err != nil {
		s.logger.Error("load run for withdrawal notification", "error", err)
		return
	}
	team, err := s.store.TeamMembers(ctx, run.EventID)
	if err != nil {
		s.logger.Error("load team members for withdrawal notification", "error", err)
		return
	}
	s.notifier.NotifyWithdrawal(res.Signup, res.PrevState, res.PrevBucketKey, res.MoveResults, team)
}
