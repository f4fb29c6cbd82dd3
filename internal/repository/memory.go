package repository

import (
	"context"
	"sync"
	"time"

	"github.com/pmaitland/con-signups/internal/model"
)

// MemoryStore implements Store entirely in memory. It backs the test suite
// and single-process deployments; the per-run lock is a keyed semaphore
// with the same bounded-wait contract as the Postgres advisory lock, and
// writes inside WithRunLock are staged and applied atomically only when fn
// succeeds, mirroring transaction rollback.
type MemoryStore struct {
	mu              sync.RWMutex
	events          map[string]model.Event
	runs            map[string]model.Run
	profiles        map[string]model.UserConProfile
	teamMembers     map[string][]model.TeamMember
	signups         map[string]model.Signup
	runSignupOrder  map[string][]string
	nextWaitlistPos map[string]int

	locks       sync.Map // runID -> chan struct{}, cap 1
	lockTimeout time.Duration
}

// NewMemoryStore constructs an empty MemoryStore with a 2s lock timeout.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:          make(map[string]model.Event),
		runs:            make(map[string]model.Run),
		profiles:        make(map[string]model.UserConProfile),
		teamMembers:     make(map[string][]model.TeamMember),
		signups:         make(map[string]model.Signup),
		runSignupOrder:  make(map[string][]string),
		nextWaitlistPos: make(map[string]int),
		lockTimeout:     2 * time.Second,
	}
}

// SetLockTimeout overrides the bounded wait for the per-run lock.
func (s *MemoryStore) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

func (s *MemoryStore) runLock(runID string) chan struct{} {
	sem, _ := s.locks.LoadOrStore(runID, make(chan struct{}, 1))
	return sem.(chan struct{})
}

// WithRunLock serializes mutations per run behind a keyed semaphore with a
// bounded wait, then runs fn against a staged copy of the run's signups.
// The staged writes are applied only when fn returns nil.
func (s *MemoryStore) WithRunLock(ctx context.Context, runID string, fn func(tx RunTx) error) error {
	sem := s.runLock(runID)
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	tx, err := s.beginRunTx(runID)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commitRunTx(tx)
	return nil
}

func (s *MemoryStore) beginRunTx(runID string) (*memRunTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	event, ok := s.events[run.EventID]
	if !ok {
		return nil, ErrNotFound
	}

	tx := &memRunTx{
		runID:   runID,
		event:   event,
		signups: make(map[string]model.Signup),
		order:   append([]string(nil), s.runSignupOrder[runID]...),
		nextPos: s.nextWaitlistPos[runID],
	}
	if tx.nextPos == 0 {
		tx.nextPos = 1
	}
	for _, id := range tx.order {
		tx.signups[id] = s.signups[id]
	}
	return tx, nil
}

func (s *MemoryStore) commitRunTx(tx *memRunTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tx.order {
		s.signups[id] = tx.signups[id]
	}
	s.runSignupOrder[tx.runID] = append([]string(nil), tx.order...)
	s.nextWaitlistPos[tx.runID] = tx.nextPos
}

// CreateEvent stores a new event.
func (s *MemoryStore) CreateEvent(ctx context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = *event
	return nil
}

// GetEvent returns a single event or ErrNotFound.
func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// ListEvents returns all events.
func (s *MemoryStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, e)
	}
	return events, nil
}

// CreateRun stores a new run.
func (s *MemoryStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[run.EventID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = *run
	return nil
}

// GetRun returns a single run or ErrNotFound.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// CreateUserConProfile stores a new attendee profile.
func (s *MemoryStore) CreateUserConProfile(ctx context.Context, profile *model.UserConProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = *profile
	return nil
}

// GetUserConProfile returns a single profile or ErrNotFound.
func (s *MemoryStore) GetUserConProfile(ctx context.Context, id string) (*model.UserConProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// CreateTeamMember attaches a staff member to an event.
func (s *MemoryStore) CreateTeamMember(ctx context.Context, member *model.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[member.EventID]; !ok {
		return ErrNotFound
	}
	s.teamMembers[member.EventID] = append(s.teamMembers[member.EventID], *member)
	return nil
}

// TeamMembers returns all team members for an event.
func (s *MemoryStore) TeamMembers(ctx context.Context, eventID string) ([]model.TeamMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.TeamMember(nil), s.teamMembers[eventID]...), nil
}

// GetSignup returns a single signup or ErrNotFound.
func (s *MemoryStore) GetSignup(ctx context.Context, id string) (*model.Signup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	su, ok := s.signups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &su, nil
}

// ListSignups returns all signups for a run in insertion order.
func (s *MemoryStore) ListSignups(ctx context.Context, runID string) ([]model.Signup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.runSignupOrder[runID]
	signups := make([]model.Signup, 0, len(order))
	for _, id := range order {
		signups = append(signups, s.signups[id])
	}
	return signups, nil
}

// memRunTx is a staged view of one run's signups. Reads see the staged
// writes; nothing is visible outside until commit.
type memRunTx struct {
	runID   string
	event   model.Event
	signups map[string]model.Signup
	order   []string
	nextPos int
}

func (t *memRunTx) Event(ctx context.Context) (*model.Event, error) {
	e := t.event
	return &e, nil
}

func (t *memRunTx) Signups(ctx context.Context) ([]model.Signup, error) {
	signups := make([]model.Signup, 0, len(t.order))
	for _, id := range t.order {
		signups = append(signups, t.signups[id])
	}
	return signups, nil
}

func (t *memRunTx) SignupByID(ctx context.Context, id string) (*model.Signup, error) {
	su, ok := t.signups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &su, nil
}

func (t *memRunTx) ActiveSignupForUser(ctx context.Context, userConProfileID string) (*model.Signup, error) {
	for _, id := range t.order {
		su := t.signups[id]
		if su.UserConProfileID == userConProfileID && su.State != model.SignupStateWithdrawn {
			return &su, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memRunTx) NextWaitlistPosition(ctx context.Context) (int, error) {
	pos := t.nextPos
	t.nextPos++
	return pos, nil
}

func (t *memRunTx) InsertSignup(ctx context.Context, signup *model.Signup) error {
	if _, ok := t.signups[signup.ID]; !ok {
		t.order = append(t.order, signup.ID)
	}
	t.signups[signup.ID] = *signup
	return nil
}

func (t *memRunTx) UpdateSignup(ctx context.Context, signup *model.Signup) error {
	if _, ok := t.signups[signup.ID]; !ok {
		return ErrNotFound
	}
	t.signups[signup.ID] = *signup
	return nil
}
