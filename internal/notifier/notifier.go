// Package notifier dispatches signup and withdrawal emails to event team
// members. Sends are deferred by a fixed delay so the database transaction
// that produced them is committed and visible by the time a job runs, and
// move results cross the job boundary as plain maps.
package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pmaitland/con-signups/internal/model"
)

// WithdrawalNotice is the payload delivered to one team member when a
// signup is withdrawn. MoveResults holds serialized move maps; use Moves
// to get them back as typed values.
type WithdrawalNotice struct {
	Signup        model.Signup
	PrevState     model.SignupState
	PrevBucketKey string
	MoveResults   []map[string]any
	TeamMember    model.TeamMember
}

// Moves deserializes the notice's move results.
func (n WithdrawalNotice) Moves() ([]model.SignupMoveResult, error) {
	moves := make([]model.SignupMoveResult, 0, len(n.MoveResults))
	for _, h := range n.MoveResults {
		m, err := model.MoveResultFromMap(h)
		if err != nil {
			return nil, err
		}
		moves = append(moves, m)
	}
	return moves, nil
}

// NewSignupNotice is the payload delivered to one team member when a new
// signup is created.
type NewSignupNotice struct {
	Signup     model.Signup
	TeamMember model.TeamMember
}

// Mailer delivers notices. Implementations may run in a different process
// from the one that enqueued the job.
type Mailer interface {
	SendWithdrawal(ctx context.Context, notice WithdrawalNotice) error
	SendNewSignup(ctx context.Context, notice NewSignupNotice) error
}

// SlogMailer logs notices instead of sending mail. It is the default
// delivery in development and tests.
type SlogMailer struct {
	Logger *slog.Logger
}

func (m *SlogMailer) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// SendWithdrawal logs a withdrawal notice.
func (m *SlogMailer) SendWithdrawal(ctx context.Context, notice WithdrawalNotice) error {
	m.logger().Info("withdrawal email",
		"to", notice.TeamMember.Email,
		"signup_id", notice.Signup.ID,
		"prev_state", notice.PrevState,
		"moves", len(notice.MoveResults),
	)
	return nil
}

// SendNewSignup logs a new-signup notice.
func (m *SlogMailer) SendNewSignup(ctx context.Context, notice NewSignupNotice) error {
	m.logger().Info("new signup email",
		"to", notice.TeamMember.Email,
		"signup_id", notice.Signup.ID,
		"state", notice.Signup.State,
	)
	return nil
}

// Notifier fans notices out to team members, honoring each member's
// receive_signup_email preference, after a fixed delay.
type Notifier struct {
	mailer Mailer
	delay  time.Duration
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New constructs a Notifier. delay is how long sends wait before firing;
// production uses ~30s to outlast the enclosing transaction, tests use 0.
func New(mailer Mailer, delay time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mailer: mailer, delay: delay, logger: logger}
}

// NotifyWithdrawal schedules a withdrawal notice for every team member the
// preference filter admits. Move results are serialized to plain maps at
// enqueue time.
func (n *Notifier) NotifyWithdrawal(signup model.Signup, prevState model.SignupState, prevBucketKey string, moves []model.SignupMoveResult, team []model.TeamMember) {
	payload := make([]map[string]any, len(moves))
	for i, m := range moves {
		payload[i] = m.ToMap()
	}
	for _, tm := range team {
		if !wantsWithdrawalEmail(tm.ReceiveSignupEmail, prevState, moves) {
			continue
		}
		notice := WithdrawalNotice{
			Signup:        signup,
			PrevState:     prevState,
			PrevBucketKey: prevBucketKey,
			MoveResults:   payload,
			TeamMember:    tm,
		}
		n.schedule(func(ctx context.Context) error { return n.mailer.SendWithdrawal(ctx, notice) })
	}
}

// NotifyNewSignup schedules a new-signup notice for every team member the
// preference filter admits.
func (n *Notifier) NotifyNewSignup(signup model.Signup, team []model.TeamMember) {
	for _, tm := range team {
		if !wantsNewSignupEmail(tm.ReceiveSignupEmail, signup.State) {
			continue
		}
		notice := NewSignupNotice{Signup: signup, TeamMember: tm}
		n.schedule(func(ctx context.Context) error { return n.mailer.SendNewSignup(ctx, notice) })
	}
}

// Flush blocks until every scheduled send has run. Used by tests and by
// graceful shutdown.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

func (n *Notifier) schedule(send func(ctx context.Context) error) {
	n.wg.Add(1)
	time.AfterFunc(n.delay, func() {
		defer n.wg.Done()
		if err := send(context.Background()); err != nil {
			n.logger.Error("notification send failed", "error", err)
		}
	})
}

// wantsWithdrawalEmail applies the team member's preference: "no" means
// never, "non_waitlist_signups" means only when a confirmed-state signup
// was touched somewhere in the withdrawal or its promotions.
func wantsWithdrawalEmail(pref model.EmailPreference, prevState model.SignupState, moves []model.SignupMoveResult) bool {
	switch pref {
	case model.EmailPrefNo:
		return false
	case model.EmailPrefNonWaitlistSignups:
		if prevState == model.SignupStateConfirmed {
			return true
		}
		for _, m := range moves {
			if m.TouchesConfirmed() {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// wantsNewSignupEmail applies the team member's preference to a new signup.
func wantsNewSignupEmail(pref model.EmailPreference, state model.SignupState) bool {
	switch pref {
	case model.EmailPrefNo:
		return false
	case model.EmailPrefNonWaitlistSignups:
		return state != model.SignupStateWaitlisted
	default:
		return true
	}
}
