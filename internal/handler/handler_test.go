package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmaitland/con-signups/internal/model"
	"github.com/pmaitland/con-signups/internal/repository"
	"github.com/pmaitland/con-signups/internal/service"
)

func newTestRouter(t *testing.T) (*chi.Mux, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	signups := service.NewSignupService(store, nil, nil)
	withdraws := service.NewWithdrawService(store, nil, nil)
	vacancies := service.NewVacancyFillService(store, nil)
	h := NewSignupHandler(store, signups, withdraws, vacancies)

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Post("/{id}/runs", h.CreateRun)
		r.Post("/{id}/team-members", h.CreateTeamMember)
	})
	r.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", h.GetRun)
		r.Post("/signups", h.CreateSignup)
		r.Get("/signups", h.ListSignups)
		r.Get("/counts", h.RunCounts)
		r.Post("/vacancy-fill", h.VacancyFill)
	})
	r.Post("/profiles", h.CreateProfile)
	r.Post("/signups/{id}/withdraw", h.Withdraw)
	return r, store
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "test-actor")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func createEvent(t *testing.T, r http.Handler, policy model.RegistrationPolicy) model.Event {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/events", model.CreateEventRequest{
		Name: "Test Event", RegistrationPolicy: policy,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[model.Event](t, rec)
}

func createRun(t *testing.T, r http.Handler, eventID string) model.Run {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/events/"+eventID+"/runs", model.CreateRunRequest{Title: "Friday"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[model.Run](t, rec)
}

func createProfile(t *testing.T, r http.Handler, name string) model.UserConProfile {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/profiles", model.CreateProfileRequest{
		Name: name, Email: name + "@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[model.UserConProfile](t, rec)
}

func TestSignupFlowEndToEnd(t *testing.T) {
	r, _ := newTestRouter(t)

	event := createEvent(t, r, model.RegistrationPolicy{Buckets: []model.Bucket{
		{Key: "a", Name: "Players", SlotsLimited: true, TotalSlots: 1},
	}})
	run := createRun(t, r, event.ID)
	alice := createProfile(t, r, "alice")
	bob := createProfile(t, r, "bob")

	rec := doJSON(t, r, http.MethodPost, "/runs/"+run.ID+"/signups", model.CreateSignupRequest{
		UserConProfileID: alice.ID, RequestedBucketKey: "a",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[model.Signup](t, rec)
	assert.Equal(t, model.SignupStateConfirmed, first.State)
	assert.Equal(t, "a", first.BucketKey)

	rec = doJSON(t, r, http.MethodPost, "/runs/"+run.ID+"/signups", model.CreateSignupRequest{
		UserConProfileID: bob.ID, RequestedBucketKey: "a",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decodeBody[model.Signup](t, rec)
	assert.Equal(t, model.SignupStateWaitlisted, second.State)
	assert.Equal(t, 1, second.WaitlistPosition)

	rec = doJSON(t, r, http.MethodGet, "/runs/"+run.ID+"/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decodeBody[model.RunCountsResponse](t, rec)
	assert.Equal(t, 1, counts.ConfirmedCount)
	assert.Equal(t, 1, counts.WaitlistCount)
	assert.Equal(t, 0.0, counts.CapacityFractions["a"])

	// Withdrawing the confirmed signup promotes the waitlisted one and
	// reports the move.
	rec = doJSON(t, r, http.MethodPost, "/signups/"+first.ID+"/withdraw", model.WithdrawRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	withdrawal := decodeBody[struct {
		Signup      model.Signup             `json:"signup"`
		PrevState   model.SignupState        `json:"prev_state"`
		MoveResults []model.SignupMoveResult `json:"move_results"`
	}](t, rec)
	assert.Equal(t, model.SignupStateWithdrawn, withdrawal.Signup.State)
	assert.Equal(t, "test-actor", withdrawal.Signup.UpdatedBy)
	assert.Equal(t, model.SignupStateConfirmed, withdrawal.PrevState)
	require.Len(t, withdrawal.MoveResults, 1)
	assert.Equal(t, second.ID, withdrawal.MoveResults[0].SignupID)
	assert.Equal(t, "a", withdrawal.MoveResults[0].BucketKey)

	rec = doJSON(t, r, http.MethodGet, "/runs/"+run.ID+"/counts", nil)
	counts = decodeBody[model.RunCountsResponse](t, rec)
	assert.Equal(t, 1, counts.ConfirmedCount)
	assert.Equal(t, 0, counts.WaitlistCount)
}

func TestCreateSignupValidationMapsTo422(t *testing.T) {
	r, _ := newTestRouter(t)
	event := createEvent(t, r, model.RegistrationPolicy{Buckets: []model.Bucket{
		{Key: "a", SlotsLimited: true, TotalSlots: 1},
	}})
	run := createRun(t, r, event.ID)
	alice := createProfile(t, r, "alice")

	rec := doJSON(t, r, http.MethodPost, "/runs/"+run.ID+"/signups", model.CreateSignupRequest{
		UserConProfileID: alice.ID, RequestedBucketKey: "nope",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[model.ErrorResponse](t, rec)
	assert.Contains(t, body.Error, "requested_bucket_key")
}

func TestCreateSignupUnknownRunMapsTo404(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := createProfile(t, r, "alice")

	rec := doJSON(t, r, http.MethodPost, "/runs/missing/signups", model.CreateSignupRequest{
		UserConProfileID: alice.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWithdrawConflictMapsTo409(t *testing.T) {
	r, _ := newTestRouter(t)
	event := createEvent(t, r, model.RegistrationPolicy{})
	run := createRun(t, r, event.ID)
	alice := createProfile(t, r, "alice")

	rec := doJSON(t, r, http.MethodPost, "/runs/"+run.ID+"/signups", model.CreateSignupRequest{
		UserConProfileID: alice.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	su := decodeBody[model.Signup](t, rec)

	rec = doJSON(t, r, http.MethodPost, "/signups/"+su.ID+"/withdraw", model.WithdrawRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/signups/"+su.ID+"/withdraw", model.WithdrawRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateEventRejectsInvalidPolicy(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/events", model.CreateEventRequest{
		Name: "Broken",
		RegistrationPolicy: model.RegistrationPolicy{Buckets: []model.Bucket{
			{Key: "a"}, {Key: "a"},
		}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateEventRejectsUnknownFields(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/events", map[string]any{
		"name": "X", "bogus": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVacancyFillEndpoint(t *testing.T) {
	r, store := newTestRouter(t)
	event := createEvent(t, r, model.RegistrationPolicy{Buckets: []model.Bucket{
		{Key: "a", SlotsLimited: true, TotalSlots: 2},
	}})
	run := createRun(t, r, event.ID)

	var waitlistedID string
	for i := 0; i < 3; i++ {
		p := createProfile(t, r, fmt.Sprintf("user-%d", i))
		rec := doJSON(t, r, http.MethodPost, "/runs/"+run.ID+"/signups", model.CreateSignupRequest{
			UserConProfileID: p.ID, RequestedBucketKey: "a",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		su := decodeBody[model.Signup](t, rec)
		if su.State == model.SignupStateWaitlisted {
			waitlistedID = su.ID
		}
	}
	require.NotEmpty(t, waitlistedID)

	// Nothing is free yet: the recheck is a no-op.
	rec := doJSON(t, r, http.MethodPost, "/runs/"+run.ID+"/vacancy-fill", model.VacancyFillRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[struct {
		MoveResults []model.SignupMoveResult `json:"move_results"`
	}](t, rec)
	assert.Empty(t, res.MoveResults)

	// Free a slot behind the service's back, then recheck.
	ctx := context.Background()
	signups, err := store.ListSignups(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, store.WithRunLock(ctx, run.ID, func(tx repository.RunTx) error {
		for _, su := range signups {
			if !su.ConsumesSlot() {
				continue
			}
			su.State = model.SignupStateWithdrawn
			su.Counted = false
			return tx.UpdateSignup(ctx, &su)
		}
		return nil
	}))

	rec = doJSON(t, r, http.MethodPost, "/runs/"+run.ID+"/vacancy-fill", model.VacancyFillRequest{BucketKey: "a"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decodeBody[struct {
		MoveResults []model.SignupMoveResult `json:"move_results"`
	}](t, rec)
	require.Len(t, res.MoveResults, 1)
	assert.Equal(t, waitlistedID, res.MoveResults[0].SignupID)

	rec = doJSON(t, r, http.MethodGet, "/runs/"+run.ID+"/counts", nil)
	counts := decodeBody[model.RunCountsResponse](t, rec)
	assert.Equal(t, 2, counts.ConfirmedCount)
	assert.Equal(t, 0, counts.WaitlistCount)
}

func TestHealthCheck(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}
