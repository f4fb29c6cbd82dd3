// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pmaitland/con-signups/internal/model"
	"github.com/pmaitland/con-signups/internal/presenter"
	"github.com/pmaitland/con-signups/internal/repository"
	"github.com/pmaitland/con-signups/internal/service"
)

// SignupHandler holds all HTTP handlers for the signup API.
type SignupHandler struct {
	store     repository.Store
	signups   *service.SignupService
	withdraws *service.WithdrawService
	vacancies *service.VacancyFillService
}

// NewSignupHandler constructs a SignupHandler.
func NewSignupHandler(
	store repository.Store,
	signups *service.SignupService,
	withdraws *service.WithdrawService,
	vacancies *service.VacancyFillService,
) *SignupHandler {
	return &SignupHandler{store: store, signups: signups, withdraws: withdraws, vacancies: vacancies}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrAlreadyWithdrawn):
		writeError(w, http.StatusConflict, "signup is already withdrawn")
	case errors.Is(err, repository.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "run is busy, retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// actor returns the acting user's identity for updated_by stamping. The
// caller is assumed to be authorized upstream.
func actor(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

// ─── Events ───────────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *SignupHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	if err := req.RegistrationPolicy.Validate(); err != nil {
		writeServiceError(w, err)
		return
	}

	event := &model.Event{
		ID:                 uuid.New().String(),
		Name:               req.Name,
		RegistrationPolicy: req.RegistrationPolicy,
		CreatedAt:          time.Now().UTC(),
	}
	if err := h.store.CreateEvent(r.Context(), event); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (h *SignupHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *SignupHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// CreateRun handles POST /events/{id}/runs
func (h *SignupHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if _, err := h.store.GetEvent(r.Context(), eventID); err != nil {
		writeServiceError(w, err)
		return
	}

	var req model.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run := &model.Run{
		ID:        uuid.New().String(),
		EventID:   eventID,
		Title:     req.Title,
		StartsAt:  req.StartsAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRun(r.Context(), run); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// GetRun handles GET /runs/{id}
func (h *SignupHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ─── Profiles and team members ───────────────────────────────────────────────

// CreateProfile handles POST /profiles
func (h *SignupHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "name and email are required")
		return
	}
	profile := &model.UserConProfile{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUserConProfile(r.Context(), profile); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// CreateTeamMember handles POST /events/{id}/team-members
func (h *SignupHandler) CreateTeamMember(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	var req model.CreateTeamMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	profile, err := h.store.GetUserConProfile(r.Context(), req.UserConProfileID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pref := req.ReceiveSignupEmail
	if pref == "" {
		pref = model.EmailPrefAllSignups
	}
	member := &model.TeamMember{
		ID:                 uuid.New().String(),
		EventID:            eventID,
		UserConProfileID:   profile.ID,
		Email:              profile.Email,
		ReceiveSignupEmail: pref,
	}
	if err := h.store.CreateTeamMember(r.Context(), member); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

// ─── Signups ─────────────────────────────────────────────────────────────────

// CreateSignup handles POST /runs/{id}/signups
// Places the signup in a bucket or on the waitlist under the run's lock.
func (h *SignupHandler) CreateSignup(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	signup, err := h.signups.Create(r.Context(), service.SignupRequest{
		RunID:              chi.URLParam(r, "id"),
		UserConProfileID:   req.UserConProfileID,
		RequestedBucketKey: req.RequestedBucketKey,
		ActorID:            actor(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, signup)
}

// ListSignups handles GET /runs/{id}/signups
func (h *SignupHandler) ListSignups(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeServiceError(w, err)
		return
	}
	signups, err := h.store.ListSignups(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list signups")
		return
	}
	if signups == nil {
		signups = []model.Signup{}
	}
	writeJSON(w, http.StatusOK, signups)
}

// RunCounts handles GET /runs/{id}/counts
// Returns the presenter's aggregation for display.
func (h *SignupHandler) RunCounts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	event, err := h.store.GetEvent(r.Context(), run.EventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	signups, err := h.store.ListSignups(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list signups")
		return
	}

	counts := presenter.NewSignupCounts(event.RegistrationPolicy, signups)
	fractions := make(map[string]float64, len(event.RegistrationPolicy.Buckets))
	for _, key := range event.RegistrationPolicy.BucketKeys() {
		fractions[key] = counts.CapacityFractionForBucket(key)
	}
	writeJSON(w, http.StatusOK, model.RunCountsResponse{
		ConfirmedCount:     counts.ConfirmedCount(),
		WaitlistCount:      counts.WaitlistCount(),
		Description:        counts.SignupsDescription(),
		BucketDescriptions: counts.BucketDescriptions(),
		CapacityFractions:  fractions,
	})
}

// Withdraw handles POST /signups/{id}/withdraw
func (h *SignupHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req model.WithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	whodunit := req.Whodunit
	if whodunit == "" {
		whodunit = actor(r)
	}
	res, err := h.withdraws.Withdraw(r.Context(), chi.URLParam(r, "id"), whodunit, service.WithdrawOptions{
		SuppressNotifications: req.SuppressNotifications,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signup":          res.Signup,
		"prev_state":      res.PrevState,
		"prev_bucket_key": res.PrevBucketKey,
		"move_results":    res.MoveResults,
	})
}

// VacancyFill handles POST /runs/{id}/vacancy-fill
// Staff-triggered recheck; an empty bucket_key rechecks every bucket.
func (h *SignupHandler) VacancyFill(w http.ResponseWriter, r *http.Request) {
	var req model.VacancyFillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	moves, err := h.vacancies.Fill(r.Context(), chi.URLParam(r, "id"), req.BucketKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if moves == nil {
		moves = []model.SignupMoveResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"move_results": moves})
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
