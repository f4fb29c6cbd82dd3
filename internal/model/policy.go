package model

import (
	"fmt"
	"strings"
)

// ValidationError is a user-facing failure: bad input, duplicate signup,
// unknown bucket key. Handlers surface it as a field error, never a 500.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Bucket is a named capacity pool within an event's registration policy
// (e.g. "GM", "Player"). Signups reference buckets by key, not identity,
// so a bucket can be renamed without touching existing signups.
type Bucket struct {
	Key            string `json:"key" yaml:"key"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`
	SlotsLimited   bool   `json:"slots_limited" yaml:"slots_limited"`
	TotalSlots     int    `json:"total_slots" yaml:"total_slots"`
	MinimumSlots   int    `json:"minimum_slots,omitempty" yaml:"minimum_slots,omitempty"`
	PreferredSlots int    `json:"preferred_slots,omitempty" yaml:"preferred_slots,omitempty"`
	Anything       bool   `json:"anything,omitempty" yaml:"anything,omitempty"`
}

// Unlimited reports whether the bucket has no capacity limit.
// When SlotsLimited is false, TotalSlots is ignored entirely.
func (b Bucket) Unlimited() bool {
	return !b.SlotsLimited
}

// HasCapacity reports whether the bucket can admit one more confirmed
// signup given the current confirmed count.
func (b Bucket) HasCapacity(confirmed int) bool {
	if b.Unlimited() {
		return true
	}
	return confirmed < b.TotalSlots
}

// RegistrationPolicy is the ordered bucket list owned by one Event.
// Slice order is the stable display/priority order: it decides which
// bucket wins when several could admit the same signup.
type RegistrationPolicy struct {
	Buckets []Bucket `json:"buckets" yaml:"buckets"`
}

// UnbucketedBucket is the synthetic pseudo-bucket that stands in when a
// policy declares no buckets at all: unlimited, keyed by the empty string,
// and accepting any signup.
func UnbucketedBucket() Bucket {
	return Bucket{Name: "Signups", Anything: true}
}

// BucketWithKey resolves key to its bucket. The empty key resolves to the
// synthetic unbucketed bucket when, and only when, the policy declares no
// buckets of its own.
func (p RegistrationPolicy) BucketWithKey(key string) (Bucket, bool) {
	if key == "" && len(p.Buckets) == 0 {
		return UnbucketedBucket(), true
	}
	for _, b := range p.Buckets {
		if b.Key == key {
			return b, true
		}
	}
	return Bucket{}, false
}

// BucketKeys returns all declared bucket keys in display order.
func (p RegistrationPolicy) BucketKeys() []string {
	keys := make([]string, len(p.Buckets))
	for i, b := range p.Buckets {
		keys[i] = b.Key
	}
	return keys
}

// AnythingBuckets returns the catch-all buckets in display order. Policies
// normally carry at most one, but callers must tolerate several; the first
// in display order wins.
func (p RegistrationPolicy) AnythingBuckets() []Bucket {
	var out []Bucket
	for _, b := range p.Buckets {
		if b.Anything {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks the policy's structure: keys unique and non-blank,
// slot counts non-negative.
func (p RegistrationPolicy) Validate() error {
	seen := make(map[string]bool, len(p.Buckets))
	for i, b := range p.Buckets {
		field := fmt.Sprintf("buckets[%d]", i)
		if strings.TrimSpace(b.Key) == "" {
			return NewValidationError(field, "bucket key must not be blank")
		}
		if seen[b.Key] {
			return NewValidationError(field, "duplicate bucket key %q", b.Key)
		}
		seen[b.Key] = true
		if b.SlotsLimited && b.TotalSlots < 0 {
			return NewValidationError(field, "total_slots must not be negative")
		}
		if b.MinimumSlots < 0 || b.PreferredSlots < 0 {
			return NewValidationError(field, "slot counts must not be negative")
		}
	}
	return nil
}
