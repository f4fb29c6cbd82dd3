package model

import "fmt"

// SignupMoveResult records one signup's state/bucket transition produced
// during a vacancy-fill pass. It exists to tell team members and audit logs
// what happened; it is never persisted except as a plain map attached to a
// deferred notification job.
type SignupMoveResult struct {
	SignupID      string      `json:"signup_id"`
	PrevState     SignupState `json:"prev_state"`
	State         SignupState `json:"state"`
	PrevBucketKey string      `json:"prev_bucket_key,omitempty"`
	BucketKey     string      `json:"bucket_key,omitempty"`
}

// TouchesConfirmed reports whether the move involved a confirmed-state
// signup on either side of the transition. Team members who opted out of
// waitlist-only traffic are notified only when some move touches confirmed.
func (m SignupMoveResult) TouchesConfirmed() bool {
	return m.PrevState == SignupStateConfirmed || m.State == SignupStateConfirmed
}

// ToMap serializes the move result to a plain map for the job boundary;
// notification jobs may run in a different process.
func (m SignupMoveResult) ToMap() map[string]any {
	return map[string]any{
		"signup_id":       m.SignupID,
		"prev_state":      string(m.PrevState),
		"state":           string(m.State),
		"prev_bucket_key": m.PrevBucketKey,
		"bucket_key":      m.BucketKey,
	}
}

// MoveResultFromMap reconstructs a SignupMoveResult serialized by ToMap.
func MoveResultFromMap(h map[string]any) (SignupMoveResult, error) {
	str := func(key string) (string, error) {
		v, ok := h[key]
		if !ok || v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("move result field %q: expected string, got %T", key, v)
		}
		return s, nil
	}

	var m SignupMoveResult
	var err error
	if m.SignupID, err = str("signup_id"); err != nil {
		return SignupMoveResult{}, err
	}
	prevState, err := str("prev_state")
	if err != nil {
		return SignupMoveResult{}, err
	}
	state, err := str("state")
	if err != nil {
		return SignupMoveResult{}, err
	}
	m.PrevState, m.State = SignupState(prevState), SignupState(state)
	if m.PrevState != "" && !m.PrevState.Valid() {
		return SignupMoveResult{}, fmt.Errorf("move result: unknown prev_state %q", prevState)
	}
	if m.State != "" && !m.State.Valid() {
		return SignupMoveResult{}, fmt.Errorf("move result: unknown state %q", state)
	}
	if m.PrevBucketKey, err = str("prev_bucket_key"); err != nil {
		return SignupMoveResult{}, err
	}
	if m.BucketKey, err = str("bucket_key"); err != nil {
		return SignupMoveResult{}, err
	}
	return m, nil
}
