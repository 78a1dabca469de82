// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tempoforge/turnsync/internal/session"
	"github.com/tempoforge/turnsync/internal/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupEngine(t *testing.T) (*Engine, *store.Store, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewWithClient(client, "", time.Hour, zerolog.Nop())
	clock := &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	e := New(st, 3, zerolog.Nop())
	e.now = clock.Now
	return e, st, clock
}

func draftPerParticipant(budgets ...int64) *session.Session {
	s := &session.Session{
		SessionID: uuid.NewString(),
		SyncMode:  session.ModePerParticipant,
	}
	for i, b := range budgets {
		s.Participants = append(s.Participants, session.Participant{
			ParticipantID:    uuid.NewString(),
			ParticipantIndex: i,
			TotalTimeMS:      b,
		})
		s.TotalTimeMS += b
	}
	return s
}

func TestCreateSessionInitializesLedgers(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000))
	require.NoError(t, err)

	assert.Equal(t, session.StatusPending, created.Status)
	assert.Equal(t, int64(1), created.Version)
	for _, p := range created.Participants {
		assert.Equal(t, int64(300000), p.TimeRemainingMS)
		assert.Zero(t, p.TimeUsedMS)
		assert.Zero(t, p.CycleCount)
		assert.False(t, p.IsActive)
	}
	assert.Nil(t, created.SessionStartedAt)
}

func TestCreateSessionRejectsInvalidDraft(t *testing.T) {
	e, _, _ := setupEngine(t)

	draft := draftPerParticipant(300000)
	draft.SessionID = "not-a-uuid"
	_, err := e.CreateSession(context.Background(), draft)
	var verr *session.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "session_id", verr.Field)
}

func TestStartActivatesLowestIndex(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000))
	require.NoError(t, err)

	started, err := e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	assert.Equal(t, session.StatusRunning, started.Status)
	assert.Equal(t, created.Participants[0].ParticipantID, started.ActiveParticipantID)
	assert.True(t, started.Participants[0].IsActive)
	require.NotNil(t, started.CycleStartedAt)
	assert.Equal(t, clock.Now(), *started.CycleStartedAt)
	require.NotNil(t, started.SessionStartedAt)
}

func TestStartRejectsNonPending(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	_, err = e.StartSession(ctx, created.SessionID)
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, session.StatusRunning, inv.Status)
}

func TestSwitchSettlesAndRotates(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	after, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	first := after.Participant(created.Participants[0].ParticipantID)
	require.NotNil(t, first)
	assert.Equal(t, int64(295000), first.TimeRemainingMS)
	assert.Equal(t, int64(5000), first.TimeUsedMS)
	assert.Equal(t, 1, first.CycleCount)
	assert.False(t, first.IsActive)

	second := after.Participant(created.Participants[1].ParticipantID)
	require.NotNil(t, second)
	assert.True(t, second.IsActive)
	assert.Equal(t, second.ParticipantID, after.ActiveParticipantID)
	assert.Equal(t, clock.Now(), *after.CycleStartedAt)
}

func TestSwitchAwardsIncrement(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	draft := draftPerParticipant(60000, 60000)
	draft.IncrementMS = 2000
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	after, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	// 60000 - 10000 elapsed + 2000 increment.
	first := after.Participant(created.Participants[0].ParticipantID)
	assert.Equal(t, int64(52000), first.TimeRemainingMS)
}

func TestSwitchWrapsRotation(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	var last *session.Session
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		var err error
		last, err = e.SwitchCycle(ctx, created.SessionID, nil)
		require.NoError(t, err)
	}

	// Three switches over three seats wrap back to the first.
	assert.Equal(t, created.Participants[0].ParticipantID, last.ActiveParticipantID)
	// A completed cycle clears the has_gone markers.
	for _, p := range last.Participants {
		assert.False(t, p.HasGone)
		assert.Equal(t, 1, p.CycleCount)
	}
}

func TestSwitchExplicitTarget(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	target := created.Participants[2].ParticipantID
	after, err := e.SwitchCycle(ctx, created.SessionID, &NextTarget{ParticipantID: target})
	require.NoError(t, err)
	assert.Equal(t, target, after.ActiveParticipantID)

	_, err = e.SwitchCycle(ctx, created.SessionID, &NextTarget{ParticipantID: uuid.NewString()})
	var verr *session.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "next_participant_id", verr.Field)
}

func TestSingleParticipantSwitchCountsCycles(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	after, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	p := &after.Participants[0]
	assert.Equal(t, 1, p.CycleCount)
	assert.True(t, p.IsActive)
	assert.Equal(t, p.ParticipantID, after.ActiveParticipantID)
}

func TestPausePreservesTimeAndResumeContinues(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(7 * time.Second)
	paused, err := e.PauseSession(ctx, created.SessionID)
	require.NoError(t, err)

	assert.Equal(t, session.StatusPaused, paused.Status)
	assert.Nil(t, paused.CycleStartedAt)
	first := paused.Participant(created.Participants[0].ParticipantID)
	assert.Equal(t, int64(293000), first.TimeRemainingMS)
	// Pausing is not a turn.
	assert.Zero(t, first.CycleCount)
	assert.False(t, first.HasGone)
	// Nobody is active while paused, but the seat is remembered.
	for _, p := range paused.Participants {
		assert.False(t, p.IsActive)
	}
	assert.Equal(t, first.ParticipantID, paused.ActiveParticipantID)

	// Wall time during the pause is not charged.
	clock.Advance(time.Minute)
	resumed, err := e.ResumeSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, resumed.Status)
	assert.True(t, resumed.Participants[0].IsActive)
	assert.Equal(t, int64(293000), resumed.Participants[0].TimeRemainingMS)
	assert.Equal(t, clock.Now(), *resumed.CycleStartedAt)
}

func TestPauseAndResumeRejectWrongStatus(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000))
	require.NoError(t, err)

	var inv *InvalidTransitionError
	_, err = e.PauseSession(ctx, created.SessionID)
	require.ErrorAs(t, err, &inv)

	_, err = e.ResumeSession(ctx, created.SessionID)
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, session.StatusPending, inv.Status)
}

func TestCompleteSettlesRunningSession(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	done, err := e.CompleteSession(ctx, created.SessionID, false)
	require.NoError(t, err)

	assert.Equal(t, session.StatusCompleted, done.Status)
	require.NotNil(t, done.SessionCompletedAt)
	assert.Empty(t, done.ActiveParticipantID)
	first := done.Participant(created.Participants[0].ParticipantID)
	assert.Equal(t, int64(4000), first.TimeUsedMS)
	// Completing is not a turn.
	assert.Zero(t, first.CycleCount)
}

func TestCancelAndCompleteFromPending(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000))
	require.NoError(t, err)

	// A session that never started may still be closed out.
	done, err := e.CompleteSession(ctx, created.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, done.Status)

	other, err := e.CreateSession(ctx, draftPerParticipant(300000))
	require.NoError(t, err)
	cancelled, err := e.CompleteSession(ctx, other.SessionID, true)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, cancelled.Status)

	_, err = e.CompleteSession(ctx, done.SessionID, false)
	var inv *InvalidTransitionError
	assert.ErrorAs(t, err, &inv)
}

func TestDeleteIsIdempotent(t *testing.T) {
	e, _, _ := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000))
	require.NoError(t, err)

	require.NoError(t, e.DeleteSession(ctx, created.SessionID))
	require.NoError(t, e.DeleteSession(ctx, created.SessionID))

	_, err = e.GetCurrentState(ctx, created.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRotationSkipsExpiredParticipants(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(3000, 300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	// Burn the first seat's whole budget, then cycle back around.
	clock.Advance(5 * time.Second)
	after, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	first := after.Participant(created.Participants[0].ParticipantID)
	assert.True(t, first.HasExpired)
	assert.Zero(t, first.TimeRemainingMS)

	clock.Advance(time.Second)
	_, err = e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	wrapped, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	// The exhausted seat is skipped on the wrap.
	assert.Equal(t, created.Participants[1].ParticipantID, wrapped.ActiveParticipantID)

	// And cannot be targeted explicitly.
	_, err = e.SwitchCycle(ctx, created.SessionID, &NextTarget{ParticipantID: first.ParticipantID})
	var verr *session.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAllExpiredEndsSession(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(2000, 2000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	_, err = e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	ended, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	assert.Equal(t, session.StatusExpired, ended.Status)
	require.NotNil(t, ended.SessionCompletedAt)
	assert.Empty(t, ended.ActiveParticipantID)
}

func TestLazyTimeoutOnRead(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	draft := draftPerParticipant(2000)
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	// Nobody switches; the clock alone exhausts the budget. The next
	// read applies the default end_session policy.
	clock.Advance(10 * time.Second)
	got, err := e.GetCurrentState(ctx, created.SessionID)
	require.NoError(t, err)

	assert.Equal(t, session.StatusExpired, got.Status)
	p := got.Participants[0]
	assert.Zero(t, p.TimeRemainingMS)
	assert.True(t, p.HasExpired)
	assert.Equal(t, int64(10000), p.TimeUsedMS)
}

func TestLazyTimeoutSkipCycle(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	draft := draftPerParticipant(2000, 300000)
	draft.TimeoutAction = &session.TimeoutAction{Type: session.TimeoutSkipCycle}
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	got, err := e.GetCurrentState(ctx, created.SessionID)
	require.NoError(t, err)

	// The session keeps running; the clock moved to the next seat.
	assert.Equal(t, session.StatusRunning, got.Status)
	assert.Equal(t, created.Participants[1].ParticipantID, got.ActiveParticipantID)
	assert.True(t, got.Participant(created.Participants[0].ParticipantID).HasExpired)
}

func TestLazyTimeoutNotifyKeepsRunning(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	draft := draftPerParticipant(2000, 300000)
	draft.TimeoutAction = &session.TimeoutAction{Type: session.TimeoutNotify, Action: "flag"}
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	started, err := e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	got, err := e.GetCurrentState(ctx, created.SessionID)
	require.NoError(t, err)

	assert.Equal(t, session.StatusRunning, got.Status)
	assert.Equal(t, started.ActiveParticipantID, got.ActiveParticipantID)
	assert.Zero(t, got.Participants[0].TimeRemainingMS)

	// A second read does not re-trigger the timeout.
	v := got.Version
	clock.Advance(time.Second)
	again, err := e.GetCurrentState(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v, again.Version)
}

func TestPerCycleResetsBudgetEachTurn(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	draft := &session.Session{
		SessionID:      uuid.NewString(),
		SyncMode:       session.ModePerCycle,
		TimePerCycleMS: 30000,
		Participants: []session.Participant{
			{ParticipantID: uuid.NewString(), ParticipantIndex: 0},
			{ParticipantID: uuid.NewString(), ParticipantIndex: 1},
		},
	}
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	wrapped, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	// Back at the first seat with a fresh cycle budget; total usage kept.
	first := wrapped.Participant(draft.Participants[0].ParticipantID)
	assert.Equal(t, int64(30000), first.TimeRemainingMS)
	assert.Equal(t, int64(10000), first.TimeUsedMS)
}

func TestGlobalModeDebitsSessionBudget(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	draft := &session.Session{
		SessionID:   uuid.NewString(),
		SyncMode:    session.ModeGlobal,
		TotalTimeMS: 20000,
		Participants: []session.Participant{
			{ParticipantID: uuid.NewString(), ParticipantIndex: 0},
			{ParticipantID: uuid.NewString(), ParticipantIndex: 1},
		},
	}
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), created.TimeRemainingMS)

	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	after, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12000), after.TimeRemainingMS)
	assert.Equal(t, int64(8000), after.TimeUsedMS)

	// Exhausting the shared budget expires the whole session.
	clock.Advance(15 * time.Second)
	ended, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, ended.Status)
	assert.Zero(t, ended.TimeRemainingMS)
}

func TestCountUpAccruesAndCaps(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	draft := &session.Session{
		SessionID: uuid.NewString(),
		SyncMode:  session.ModeCountUp,
		MaxTimeMS: 15000,
		Participants: []session.Participant{
			{ParticipantID: uuid.NewString(), ParticipantIndex: 0},
			{ParticipantID: uuid.NewString(), ParticipantIndex: 1},
		},
	}
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	after, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), after.TimeUsedMS)
	assert.Equal(t, session.StatusRunning, after.Status)

	clock.Advance(20 * time.Second)
	capped, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, capped.Status)
	assert.Equal(t, int64(15000), capped.TimeUsedMS)
}

func TestPerGroupSharesBudgetAcrossMembers(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	a1, a2 := uuid.NewString(), uuid.NewString()
	b1 := uuid.NewString()
	draft := &session.Session{
		SessionID: uuid.NewString(),
		SyncMode:  session.ModePerGroup,
		Participants: []session.Participant{
			{ParticipantID: a1, ParticipantIndex: 0, GroupID: "alpha"},
			{ParticipantID: b1, ParticipantIndex: 1, GroupID: "beta"},
			{ParticipantID: a2, ParticipantIndex: 2, GroupID: "alpha"},
		},
		Groups: []session.Group{
			{GroupID: "alpha", TotalTimeMS: 10000, ParticipantIDs: []string{a1, a2}},
			{GroupID: "beta", TotalTimeMS: 300000, ParticipantIDs: []string{b1}},
		},
	}
	created, err := e.CreateSession(ctx, draft)
	require.NoError(t, err)
	started, err := e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", started.ActiveGroupID)

	clock.Advance(4 * time.Second)
	after, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)

	alpha := after.Group("alpha")
	assert.Equal(t, int64(6000), alpha.TimeRemainingMS)
	assert.Equal(t, int64(4000), alpha.TimeUsedMS)
	assert.Equal(t, "beta", after.ActiveGroupID)
	assert.Equal(t, b1, after.ActiveParticipantID)

	// Drain alpha via its second member, then verify its seats are
	// skipped once the pooled budget is gone.
	clock.Advance(time.Second)
	_, err = e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	drained, err := e.SwitchCycle(ctx, created.SessionID, nil)
	require.NoError(t, err)
	assert.Zero(t, drained.Group("alpha").TimeRemainingMS)
	assert.Equal(t, b1, drained.ActiveParticipantID)

	_, err = e.SwitchCycle(ctx, created.SessionID, &NextTarget{GroupID: "alpha"})
	var verr *session.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "next_group_id", verr.Field)
}

func TestConcurrentSwitchesBothSettle(t *testing.T) {
	e, _, clock := setupEngine(t)
	ctx := context.Background()

	created, err := e.CreateSession(ctx, draftPerParticipant(300000, 300000, 300000))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, created.SessionID)
	require.NoError(t, err)
	clock.Advance(time.Second)

	// Two racing switches: the loser retries on the conflict and lands
	// on the raced-in state.
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := e.SwitchCycle(ctx, created.SessionID, nil)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := e.GetCurrentState(ctx, created.SessionID)
	require.NoError(t, err)
	// start wrote v2, each switch one more.
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, created.Participants[2].ParticipantID, got.ActiveParticipantID)
}

func TestMutateMissingSession(t *testing.T) {
	e, _, _ := setupEngine(t)

	_, err := e.StartSession(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
