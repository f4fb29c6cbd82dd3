package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/pmaitland/con-signups/internal/model"
	"github.com/pmaitland/con-signups/internal/presenter"
	"github.com/pmaitland/con-signups/internal/repository"
)

// VacancyFillService promotes waitlisted signups into freed capacity.
// Running out of candidates or capacity is a normal terminal outcome, so
// Fill only fails on infrastructure errors.
type VacancyFillService struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewVacancyFillService constructs a VacancyFillService.
func NewVacancyFillService(store repository.Store, logger *slog.Logger) *VacancyFillService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VacancyFillService{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Fill acquires the run lock itself and runs a vacancy-fill pass for the
// given bucket; an empty bucketKey rechecks every bucket. Callers already
// inside a locked operation use fillVacancy with their open transaction
// instead.
func (s *VacancyFillService) Fill(ctx context.Context, runID, bucketKey string) ([]model.SignupMoveResult, error) {
	var moves []model.SignupMoveResult
	err := s.store.WithRunLock(ctx, runID, func(tx repository.RunTx) error {
		var err error
		moves, err = fillVacancy(ctx, tx, bucketKey, s.logger, s.now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(moves) > 0 {
		s.logger.Info("vacancy fill promoted signups", "run_id", runID, "promotions", len(moves))
	}
	return moves, nil
}

// fillVacancy promotes waitlisted signups while capacity and candidates
// remain. It runs inside an already-held run lock: callers pass their open
// transaction rather than re-acquiring, which is what keeps withdraw's
// cascading promotions in the same all-or-nothing commit.
//
// Order of promotion: the vacated bucket first takes the oldest waitlisted
// signup that requested it; a catch-all bucket falls back to the oldest
// waitlisted signup overall. After the first promotion the pass widens to
// every bucket in display order with the same per-bucket rule, so FIFO by
// waitlist position decides within a bucket and display order breaks ties
// between buckets. Each iteration either promotes one signup or stops, so
// the loop terminates once the waitlist or the capacity is exhausted.
func fillVacancy(ctx context.Context, tx repository.RunTx, vacatedKey string, logger *slog.Logger, now func() time.Time) ([]model.SignupMoveResult, error) {
	event, err := tx.Event(ctx)
	if err != nil {
		return nil, err
	}
	policy := event.RegistrationPolicy

	var moves []model.SignupMoveResult
	scopeKey := vacatedKey
	for {
		signups, err := tx.Signups(ctx)
		if err != nil {
			return nil, err
		}
		waitlisted := sortedWaitlist(signups)
		if len(waitlisted) == 0 {
			break
		}
		counts := presenter.NewSignupCounts(policy, signups).WithLogger(logger)

		candidate, target, ok := choosePromotion(policy, counts, waitlisted, scopeKey)
		if !ok {
			break
		}

		prevState, prevBucketKey := candidate.State, candidate.BucketKey
		candidate.State = model.SignupStateConfirmed
		candidate.Counted = true
		candidate.BucketKey = target.Key
		candidate.UpdatedAt = now()
		if err := tx.UpdateSignup(ctx, &candidate); err != nil {
			return nil, err
		}
		moves = append(moves, model.SignupMoveResult{
			SignupID:      candidate.ID,
			PrevState:     prevState,
			State:         candidate.State,
			PrevBucketKey: prevBucketKey,
			BucketKey:     candidate.BucketKey,
		})

		// The vacated slot is taken now; later iterations recheck every
		// bucket in case other capacity opened up.
		scopeKey = ""
	}
	return moves, nil
}

// choosePromotion picks the next waitlisted signup to promote and the
// bucket it lands in. With a specific scope bucket the per-bucket rule
// applies; with no scope every bucket is considered, oldest signup first.
func choosePromotion(policy model.RegistrationPolicy, counts *presenter.SignupCounts, waitlisted []model.Signup, scopeKey string) (model.Signup, model.Bucket, bool) {
	if scopeKey != "" {
		bucket, ok := policy.BucketWithKey(scopeKey)
		if !ok {
			return model.Signup{}, model.Bucket{}, false
		}
		return candidateForBucket(bucket, counts, waitlisted)
	}

	for _, su := range waitlisted {
		for _, b := range effectiveBuckets(policy) {
			if !b.HasCapacity(counts.ConfirmedCountForBucket(b.Key)) {
				continue
			}
			if b.Key == su.RequestedBucketKey || b.Anything {
				return su, b, true
			}
		}
	}
	return model.Signup{}, model.Bucket{}, false
}

// candidateForBucket finds the signup a single bucket should admit: the
// oldest that requested it, or for a catch-all bucket the oldest overall.
func candidateForBucket(bucket model.Bucket, counts *presenter.SignupCounts, waitlisted []model.Signup) (model.Signup, model.Bucket, bool) {
	if !bucket.HasCapacity(counts.ConfirmedCountForBucket(bucket.Key)) {
		return model.Signup{}, model.Bucket{}, false
	}
	for _, su := range waitlisted {
		if su.RequestedBucketKey == bucket.Key {
			return su, bucket, true
		}
	}
	if bucket.Anything {
		return waitlisted[0], bucket, true
	}
	return model.Signup{}, model.Bucket{}, false
}

// effectiveBuckets returns the policy's buckets, or the synthetic
// unbucketed bucket for a policy that declares none.
func effectiveBuckets(policy model.RegistrationPolicy) []model.Bucket {
	if len(policy.Buckets) == 0 {
		return []model.Bucket{model.UnbucketedBucket()}
	}
	return policy.Buckets
}

// sortedWaitlist returns the run's waitlisted signups in FIFO order:
// waitlist position first, creation time and ID as stable tie-breaks.
func sortedWaitlist(signups []model.Signup) []model.Signup {
	var waitlisted []model.Signup
	for _, su := range signups {
		if su.State == model.SignupStateWaitlisted {
			waitlisted = append(waitlisted, su)
		}
	}
	sort.SliceStable(waitlisted, func(i, j int) bool {
		a, b := waitlisted[i], waitlisted[j]
		if a.WaitlistPosition != b.WaitlistPosition {
			return a.WaitlistPosition < b.WaitlistPosition
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return waitlisted
}
