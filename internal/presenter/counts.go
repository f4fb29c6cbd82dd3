// Package presenter computes read-only signup aggregations for a run:
// per-bucket confirmed counts, waitlist totals, remaining-capacity
// fractions, and human-readable descriptions. It is pure over its inputs
// and is used both for display and by the allocation engine to decide
// whether capacity exists.
package presenter

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pmaitland/con-signups/internal/model"
)

// SignupCounts aggregates one run's signups against its registration policy.
// Withdrawn signups are excluded from every count.
type SignupCounts struct {
	policy   model.RegistrationPolicy
	byState  map[model.SignupState]map[string][]model.Signup
	logger   *slog.Logger
	runLabel string
}

// NewSignupCounts partitions signups by state and bucket key. Every declared
// bucket key plus the no-bucket key is initialized even when empty, so a
// bucket with zero signups still renders as "0 / N".
func NewSignupCounts(policy model.RegistrationPolicy, signups []model.Signup) *SignupCounts {
	c := &SignupCounts{
		policy:  policy,
		byState: make(map[model.SignupState]map[string][]model.Signup, 2),
		logger:  slog.Default(),
	}
	for _, state := range []model.SignupState{model.SignupStateConfirmed, model.SignupStateWaitlisted} {
		buckets := make(map[string][]model.Signup, len(policy.Buckets)+1)
		buckets[""] = nil
		for _, key := range policy.BucketKeys() {
			buckets[key] = nil
		}
		c.byState[state] = buckets
	}
	for _, s := range signups {
		if s.State == model.SignupStateWithdrawn {
			continue
		}
		c.byState[s.State][s.BucketKey] = append(c.byState[s.State][s.BucketKey], s)
		if s.RunID != "" {
			c.runLabel = s.RunID
		}
	}
	return c
}

// WithLogger replaces the logger used to report data-integrity anomalies.
func (c *SignupCounts) WithLogger(logger *slog.Logger) *SignupCounts {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// SignupsByStateAndBucketKey returns the full partition. The nil-bucket key
// ("") is always present, as is every declared bucket key.
func (c *SignupCounts) SignupsByStateAndBucketKey() map[model.SignupState]map[string][]model.Signup {
	return c.byState
}

// ConfirmedCount returns the number of confirmed, counted signups across
// all buckets.
func (c *SignupCounts) ConfirmedCount() int {
	total := 0
	for key := range c.byState[model.SignupStateConfirmed] {
		total += c.ConfirmedCountForBucket(key)
	}
	return total
}

// ConfirmedCountForBucket returns the number of confirmed, counted signups
// occupying the given bucket.
func (c *SignupCounts) ConfirmedCountForBucket(key string) int {
	count := 0
	for _, s := range c.byState[model.SignupStateConfirmed][key] {
		if s.Counted {
			count++
		}
	}
	return count
}

// CapacityFractionForBucket returns the fraction of the bucket's capacity
// still open: 1.0 for an unlimited bucket, 0.0 for a zero-slot bucket.
// A confirmed count above total_slots indicates an allocation bug; it is
// logged as an anomaly and reported as 0.0 rather than a negative fraction.
func (c *SignupCounts) CapacityFractionForBucket(key string) float64 {
	bucket, ok := c.policy.BucketWithKey(key)
	if !ok {
		return 0.0
	}
	if bucket.Unlimited() {
		return 1.0
	}
	if bucket.TotalSlots == 0 {
		return 0.0
	}
	confirmed := c.ConfirmedCountForBucket(key)
	if confirmed > bucket.TotalSlots {
		c.logger.Error("bucket over capacity",
			"run_id", c.runLabel,
			"bucket_key", key,
			"confirmed", confirmed,
			"total_slots", bucket.TotalSlots,
		)
		return 0.0
	}
	return float64(bucket.TotalSlots-confirmed) / float64(bucket.TotalSlots)
}

// WaitlistCount returns the total number of waitlisted signups. Waitlisted
// signups are never counted, so this is a plain sum.
func (c *SignupCounts) WaitlistCount() int {
	total := 0
	for _, signups := range c.byState[model.SignupStateWaitlisted] {
		total += len(signups)
	}
	return total
}

// HasWaitlist reports whether any signup is waiting for capacity.
func (c *SignupCounts) HasWaitlist() bool {
	return c.WaitlistCount() > 0
}

// BucketDescriptions renders one "Name: confirmed / total" line per
// declared bucket, in display order.
func (c *SignupCounts) BucketDescriptions() []string {
	out := make([]string, 0, len(c.policy.Buckets))
	for _, b := range c.policy.Buckets {
		out = append(out, c.bucketDescription(b))
	}
	return out
}

func (c *SignupCounts) bucketDescription(b model.Bucket) string {
	name := b.Name
	if name == "" {
		name = b.Key
	}
	if b.Unlimited() {
		return fmt.Sprintf("%s: %d", name, c.ConfirmedCountForBucket(b.Key))
	}
	return fmt.Sprintf("%s: %d / %d", name, c.ConfirmedCountForBucket(b.Key), b.TotalSlots)
}

// SignupsDescription formats the run's signup totals for display. With at
// most one bucket the per-bucket breakdown is omitted; with several the
// breakdown is shown in display order. A waitlist total is appended when
// present.
func (c *SignupCounts) SignupsDescription() string {
	var parts []string
	if len(c.policy.Buckets) <= 1 {
		parts = append(parts, fmt.Sprintf("%d signed up", c.ConfirmedCount()))
	} else {
		parts = append(parts, strings.Join(c.BucketDescriptions(), ", "))
	}
	if c.HasWaitlist() {
		parts = append(parts, fmt.Sprintf("%d waitlisted", c.WaitlistCount()))
	}
	return strings.Join(parts, "; ")
}
