package model

import "time"

// CreateEventRequest is the payload for creating a new event with its
// registration policy.
type CreateEventRequest struct {
	Name               string             `json:"name"`
	RegistrationPolicy RegistrationPolicy `json:"registration_policy"`
}

// CreateRunRequest is the payload for scheduling a run of an event.
type CreateRunRequest struct {
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
}

// CreateProfileRequest is the payload for creating an attendee profile.
type CreateProfileRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateTeamMemberRequest is the payload for attaching a staff member to
// an event.
type CreateTeamMemberRequest struct {
	UserConProfileID   string          `json:"user_con_profile_id"`
	ReceiveSignupEmail EmailPreference `json:"receive_signup_email"`
}

// CreateSignupRequest is the payload for signing a user up for a run.
type CreateSignupRequest struct {
	UserConProfileID   string `json:"user_con_profile_id"`
	RequestedBucketKey string `json:"requested_bucket_key"`
}

// WithdrawRequest is the payload for withdrawing a signup.
type WithdrawRequest struct {
	Whodunit              string `json:"whodunit"`
	SuppressNotifications bool   `json:"suppress_notifications"`
}

// VacancyFillRequest is the payload for a staff-triggered vacancy recheck.
type VacancyFillRequest struct {
	BucketKey string `json:"bucket_key"`
}

// RunCountsResponse is the presenter output for one run.
type RunCountsResponse struct {
	ConfirmedCount     int                `json:"confirmed_count"`
	WaitlistCount      int                `json:"waitlist_count"`
	Description        string             `json:"description"`
	BucketDescriptions []string           `json:"bucket_descriptions"`
	CapacityFractions  map[string]float64 `json:"capacity_fractions"`
}
