// Package service implements the signup allocation engine: creating
// signups against bucket capacity, withdrawing them, and promoting
// waitlisted signups when a slot frees up. Every mutation runs inside the
// store's per-run lock so concurrent attempts cannot both claim the same
// slot.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pmaitland/con-signups/internal/model"
	"github.com/pmaitland/con-signups/internal/notifier"
	"github.com/pmaitland/con-signups/internal/presenter"
	"github.com/pmaitland/con-signups/internal/repository"
)

// ErrAlreadyWithdrawn is returned when withdrawing a signup that is already
// withdrawn. Withdrawal is terminal; repeating it must not promote anyone
// a second time.
var ErrAlreadyWithdrawn = errors.New("signup is already withdrawn")

// SignupRequest carries one attendee's attempt to sign up for a run.
type SignupRequest struct {
	RunID              string
	UserConProfileID   string
	RequestedBucketKey string
	ActorID            string
}

// SignupService creates signups. Placement at creation time: the requested
// bucket if it has room, else a catch-all bucket with room, else the
// waitlist. Being waitlisted is a normal outcome, not an error.
type SignupService struct {
	store    repository.Store
	notifier *notifier.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewSignupService constructs a SignupService. The notifier may be nil to
// disable new-signup notifications.
func NewSignupService(store repository.Store, n *notifier.Notifier, logger *slog.Logger) *SignupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignupService{
		store:    store,
		notifier: n,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create signs a user up for a run under the run's lock. The caller is
// assumed to have authorized the action already.
func (s *SignupService) Create(ctx context.Context, req SignupRequest) (*model.Signup, error) {
	if req.RunID == "" {
		return nil, model.NewValidationError("run_id", "run id is required")
	}
	if req.UserConProfileID == "" {
		return nil, model.NewValidationError("user_con_profile_id", "user con profile id is required")
	}
	if _, err := s.store.GetUserConProfile(ctx, req.UserConProfileID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewValidationError("user_con_profile_id", "unknown user con profile %q", req.UserConProfileID)
		}
		return nil, err
	}

	var created *model.Signup
	var eventID string
	err := s.store.WithRunLock(ctx, req.RunID, func(tx repository.RunTx) error {
		event, err := tx.Event(ctx)
		if err != nil {
			return err
		}
		eventID = event.ID
		policy := event.RegistrationPolicy

		if req.RequestedBucketKey != "" {
			if _, ok := policy.BucketWithKey(req.RequestedBucketKey); !ok {
				return model.NewValidationError("requested_bucket_key", "unknown bucket %q", req.RequestedBucketKey)
			}
		}
		if _, err := tx.ActiveSignupForUser(ctx, req.UserConProfileID); err == nil {
			return model.NewValidationError("user_con_profile_id", "already signed up for this run")
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		signups, err := tx.Signups(ctx)
		if err != nil {
			return err
		}
		counts := presenter.NewSignupCounts(policy, signups).WithLogger(s.logger)

		now := s.now()
		su := &model.Signup{
			ID:                 uuid.New().String(),
			RunID:              req.RunID,
			UserConProfileID:   req.UserConProfileID,
			RequestedBucketKey: req.RequestedBucketKey,
			UpdatedBy:          req.ActorID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if bucket, ok := placeSignup(policy, counts, req.RequestedBucketKey); ok {
			su.State = model.SignupStateConfirmed
			su.Counted = true
			su.BucketKey = bucket.Key
		} else {
			su.State = model.SignupStateWaitlisted
			pos, err := tx.NextWaitlistPosition(ctx)
			if err != nil {
				return err
			}
			su.WaitlistPosition = pos
		}
		if err := tx.InsertSignup(ctx, su); err != nil {
			return err
		}
		created = su
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("signup created",
		"signup_id", created.ID,
		"run_id", created.RunID,
		"state", created.State,
		"bucket_key", created.BucketKey,
	)
	if s.notifier != nil {
		team, err := s.store.TeamMembers(ctx, eventID)
		if err != nil {
			s.logger.Error("load team members for signup notification", "error", err)
		} else {
			s.notifier.NotifyNewSignup(*created, team)
		}
	}
	return created, nil
}

// placeSignup picks the bucket a new signup confirms into, or reports that
// no capacity exists. The requested bucket is tried first, then catch-all
// buckets in display order. A no-preference request goes straight to the
// catch-all buckets; with a bucketless policy the synthetic unbucketed
// bucket admits everyone.
func placeSignup(policy model.RegistrationPolicy, counts *presenter.SignupCounts, requestedKey string) (model.Bucket, bool) {
	var candidates []model.Bucket
	switch {
	case requestedKey != "":
		if b, ok := policy.BucketWithKey(requestedKey); ok {
			candidates = append(candidates, b)
		}
		for _, b := range policy.AnythingBuckets() {
			if b.Key != requestedKey {
				candidates = append(candidates, b)
			}
		}
	case len(policy.Buckets) == 0:
		candidates = append(candidates, model.UnbucketedBucket())
	default:
		candidates = policy.AnythingBuckets()
	}

	for _, b := range candidates {
		if b.HasCapacity(counts.ConfirmedCountForBucket(b.Key)) {
			return b, true
		}
	}
	return model.Bucket{}, false
}
