// Package model defines the core domain types for the convention signup system.
package model

import "time"

// SignupState is the lifecycle state of a signup. The set is closed:
// withdrawn is terminal and waitlisted signups never consume capacity.
type SignupState string

const (
	SignupStateConfirmed  SignupState = "confirmed"
	SignupStateWaitlisted SignupState = "waitlisted"
	SignupStateWithdrawn  SignupState = "withdrawn"
)

// Valid reports whether s is one of the known signup states.
func (s SignupState) Valid() bool {
	switch s {
	case SignupStateConfirmed, SignupStateWaitlisted, SignupStateWithdrawn:
		return true
	}
	return false
}

// EmailPreference controls which signup emails a team member receives.
type EmailPreference string

const (
	EmailPrefAllSignups         EmailPreference = "all_signups"
	EmailPrefNonWaitlistSignups EmailPreference = "non_waitlist_signups"
	EmailPrefNo                 EmailPreference = "no"
)

// Event represents a convention event attendees can sign up for.
// Its registration policy is fixed once the event has signups; changing
// a live policy goes through a dedicated staff procedure, never a field edit.
type Event struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	RegistrationPolicy RegistrationPolicy `json:"registration_policy"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Run is one scheduled occurrence of an Event. It owns the set of signups
// contending for its capacity and is the unit of locking: all mutating
// signup operations for a run serialize on a per-run lock.
type Run struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	CreatedAt time.Time `json:"created_at"`
}

// UserConProfile is an attendee's per-convention identity.
type UserConProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// TeamMember is a staff member attached to an event who may receive
// signup and withdrawal notifications.
type TeamMember struct {
	ID                 string          `json:"id"`
	EventID            string          `json:"event_id"`
	UserConProfileID   string          `json:"user_con_profile_id"`
	Email              string          `json:"email"`
	ReceiveSignupEmail EmailPreference `json:"receive_signup_email"`
}

// Signup represents one attendee's registration for one run.
//
// BucketKey is the bucket currently occupied ("" means no bucket).
// RequestedBucketKey is what the attendee asked for; the two differ while a
// signup sits on the waitlist or was overflowed into an anything bucket.
// Counted reports whether the signup consumes a capacity slot right now;
// waitlisted and withdrawn signups are never counted.
type Signup struct {
	ID                 string      `json:"id"`
	RunID              string      `json:"run_id"`
	UserConProfileID   string      `json:"user_con_profile_id"`
	State              SignupState `json:"state"`
	BucketKey          string      `json:"bucket_key,omitempty"`
	RequestedBucketKey string      `json:"requested_bucket_key,omitempty"`
	Counted            bool        `json:"counted"`
	WaitlistPosition   int         `json:"waitlist_position,omitempty"`
	UpdatedBy          string      `json:"updated_by,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// ConsumesSlot reports whether the signup occupies one unit of bucket capacity.
func (s *Signup) ConsumesSlot() bool {
	return s.State == SignupStateConfirmed && s.Counted
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
