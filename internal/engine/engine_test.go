package engine

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func twoProblems() []Problem {
	return []Problem{
		{ID: "p1", Slug: "two-sum", Difficulty: "easy"},
		{ID: "p2", Slug: "lru-cache", Difficulty: "medium"},
	}
}

func intp(v int) *int { return &v }

func activeFrame() Event {
	return Event{
		Type:             EvtBattleState,
		Status:           StatusActive,
		Participants:     []string{"alice", "bob"},
		Problems:         twoProblems(),
		SecondsRemaining: intp(1800),
	}
}

func mustApply(t *testing.T, s State, ev Event) ([]Effect, State) {
	t.Helper()
	effects, next, err := Apply(s, ev)
	if err != nil {
		t.Fatalf("Apply(%s): unexpected err %v", ev.Type, err)
	}
	if err := CheckInvariants(next); err != nil {
		t.Fatalf("after %s: %v", ev.Type, err)
	}
	return effects, next
}

func tick(t *testing.T, s State, n int) ([]Effect, State) {
	t.Helper()
	var effects []Effect
	for i := 0; i < n; i++ {
		effects, s = mustApply(t, s, Event{Type: EvtTick, Timer: s.Timer})
	}
	return effects, s
}

// a session that has finished its preparation countdown and sits on problem 0
func inProblemPhase(t *testing.T) State {
	t.Helper()
	s := NewState("b1", "alice", DefaultRules())
	_, s = mustApply(t, s, Event{Type: EvtConnected})
	_, s = mustApply(t, s, activeFrame())
	effects, s := tick(t, s, s.Rules.PrepSeconds)
	if !ContainsEffect(effects, EffStartProblemTimer) {
		t.Fatalf("expected problem timer after preparation, got %+v", effects)
	}
	return s
}

func TestFirstActiveFrameStartsPreparation(t *testing.T) {
	s := NewState("b1", "alice", DefaultRules())

	_, s = mustApply(t, s, Event{Type: EvtBattleState, Status: StatusWaiting, Problems: twoProblems()})
	if s.Status != StatusWaiting {
		t.Fatalf("want waiting, got %q", s.Status)
	}
	if s.Timer != TimerNone {
		t.Fatalf("no timer may run while waiting, got %s", s.Timer)
	}

	effects, s := mustApply(t, s, activeFrame())
	if !ContainsEffect(effects, EffStartPrepTimer) {
		t.Fatalf("want StartPrepTimer, got %+v", effects)
	}
	if s.Timer != TimerPreparation || s.PrepLeft != 10 {
		t.Fatalf("want preparation at 10, got %s at %d", s.Timer, s.PrepLeft)
	}
}

func TestDuplicateActiveFrameDoesNotRestartPreparation(t *testing.T) {
	s := NewState("b1", "alice", DefaultRules())
	_, s = mustApply(t, s, activeFrame())
	_, s = tick(t, s, 3)

	effects, s := mustApply(t, s, activeFrame())
	if len(effects) != 0 {
		t.Fatalf("duplicate active must be a no-op, got %+v", effects)
	}
	if s.PrepLeft != 7 {
		t.Fatalf("preparation restarted: PrepLeft=%d", s.PrepLeft)
	}

	// scoreboard_update reporting active is just as idempotent
	effects, _ = mustApply(t, s, Event{Type: EvtScoreboardUpdate, Status: StatusActive})
	if len(effects) != 0 {
		t.Fatalf("want no effects, got %+v", effects)
	}
}

func TestActiveWithoutProblemsIsRejected(t *testing.T) {
	s := NewState("b1", "alice", DefaultRules())
	_, _, err := Apply(s, Event{Type: EvtBattleState, Status: StatusActive})
	if !errors.Is(err, ErrNoProblems) {
		t.Fatalf("want ErrNoProblems, got %v", err)
	}
}

func TestProblemsAreNeverReplaced(t *testing.T) {
	s := inProblemPhase(t)
	frame := activeFrame()
	frame.Problems = []Problem{{ID: "other"}}

	_, s = mustApply(t, s, frame)
	if len(s.Problems) != 2 || s.Problems[0].ID != "p1" {
		t.Fatalf("problems mutated: %+v", s.Problems)
	}
}

func TestTooManyParticipants(t *testing.T) {
	s := NewState("b1", "alice", DefaultRules())
	frame := activeFrame()
	frame.Participants = []string{"a", "b", "c"}
	_, _, err := Apply(s, frame)
	if !errors.Is(err, ErrTooManyParticipants) {
		t.Fatalf("want ErrTooManyParticipants, got %v", err)
	}
}

// Scenario 1: preparation reaches 0, problem 0 runs, expiry moves to problem 1.
func TestScenario_ExpiryAdvances(t *testing.T) {
	s := inProblemPhase(t)
	if s.Cursor != 0 || s.ProblemLeft != 30 || s.Timer != TimerProblem {
		t.Fatalf("want problem 0 at 30s, got cursor=%d left=%d timer=%s", s.Cursor, s.ProblemLeft, s.Timer)
	}

	effects, s := tick(t, s, 30)
	if !ContainsEffect(effects, EffStartProblemTimer) {
		t.Fatalf("want timer restart, got %+v", effects)
	}
	if s.Cursor != 1 || s.ProblemLeft != 30 {
		t.Fatalf("want problem 1 at 30s, got cursor=%d left=%d", s.Cursor, s.ProblemLeft)
	}
}

// Scenario 2: expiry on the last problem stops the clock and requests the end.
func TestScenario_LastExpirySendsRequestEnd(t *testing.T) {
	s := inProblemPhase(t)
	_, s = tick(t, s, 30)

	effects, s := tick(t, s, 30)
	if !ContainsEffect(effects, EffStopTimers) || !ContainsEffect(effects, EffSendRequestEnd) {
		t.Fatalf("want StopTimers+SendRequestEnd, got %+v", effects)
	}
	if s.Timer != TimerNone || !s.Exhausted || s.Cursor != 1 {
		t.Fatalf("unexpected state timer=%s exhausted=%v cursor=%d", s.Timer, s.Exhausted, s.Cursor)
	}

	// late tick from the stopped clock
	_, _, err := Apply(s, Event{Type: EvtTick, Timer: TimerProblem})
	if !errors.Is(err, ErrStaleTick) {
		t.Fatalf("want ErrStaleTick, got %v", err)
	}
}

// Scenario 3: acceptance advances immediately; a rejection does not.
func TestScenario_AcceptanceAdvances(t *testing.T) {
	s := inProblemPhase(t)
	_, s = tick(t, s, 5)

	effects, s := mustApply(t, s, Event{Type: EvtSubmit, ProblemID: "p1", Code: "x", Language: "python"})
	if !ContainsEffect(effects, EffSendSubmit) || !s.Pending {
		t.Fatalf("want SendSubmit and pending, got %+v pending=%v", effects, s.Pending)
	}

	effects, s = mustApply(t, s, Event{Type: EvtSubmissionResult, Result: &SubmissionResult{ProblemID: "p1", Status: ResultAccepted, PointsEarned: intp(10)}})
	if !ContainsEffect(effects, EffStartProblemTimer) {
		t.Fatalf("want timer restart, got %+v", effects)
	}
	if s.Cursor != 1 || s.ProblemLeft != 30 || s.Pending || !s.MySolved["p1"] {
		t.Fatalf("unexpected state cursor=%d left=%d pending=%v solved=%v", s.Cursor, s.ProblemLeft, s.Pending, s.MySolved)
	}

	_, s = mustApply(t, s, Event{Type: EvtSubmit, ProblemID: "p2", Code: "y", Language: "python"})
	effects, s = mustApply(t, s, Event{Type: EvtSubmissionResult, Result: &SubmissionResult{ProblemID: "p2", Status: ResultWrongAnswer}})
	if len(effects) != 0 {
		t.Fatalf("rejection must not touch timers, got %+v", effects)
	}
	if s.Cursor != 1 || s.LastResult.Status != ResultWrongAnswer {
		t.Fatalf("want cursor 1 with wrong_answer surfaced, got %d %+v", s.Cursor, s.LastResult)
	}
}

func TestAcceptingLastProblemStopsWithoutRequestEnd(t *testing.T) {
	s := inProblemPhase(t)
	_, s = mustApply(t, s, Event{Type: EvtSelectProblem, Index: 1})

	effects, s := mustApply(t, s, Event{Type: EvtSubmissionResult, Result: &SubmissionResult{ProblemID: "p2", Status: ResultAccepted}})
	if !ContainsEffect(effects, EffStopTimers) {
		t.Fatalf("want StopTimers, got %+v", effects)
	}
	if ContainsEffect(effects, EffSendRequestEnd) {
		t.Fatalf("accepting the last problem must not request the end")
	}
	if s.Timer != TimerNone || !s.Exhausted {
		t.Fatalf("want stopped and exhausted, got %s %v", s.Timer, s.Exhausted)
	}
}

// Scenario 4: a rejoining participant already mid-battle gets the problem
// clock straight away, without a second preparation countdown.
func TestScenario_RejoinMidBattleStartsProblemTimer(t *testing.T) {
	base := NewState("b1", "alice", DefaultRules())
	s := Restore(base, []Event{
		activeFrame(),
		{Type: EvtSubmissionResult, Result: &SubmissionResult{ProblemID: "p1", Status: ResultAccepted}},
	})
	if s.Status != StatusActive || s.Timer != TimerNone || !s.PrepStarted {
		t.Fatalf("restore: status=%s timer=%s prep=%v", s.Status, s.Timer, s.PrepStarted)
	}

	// restored sessions have no clock until the server confirms the battle
	_, s, _ = Apply(s, Event{Type: EvtConnected})
	effects, s := mustApply(t, s, activeFrame())
	if ContainsEffect(effects, EffStartPrepTimer) {
		t.Fatalf("preparation must not run again")
	}
	if !ContainsEffect(effects, EffStartProblemTimer) {
		t.Fatalf("want StartProblemTimer, got %+v", effects)
	}
	if s.Cursor != 1 || s.ProblemLeft != 30 {
		t.Fatalf("want first unsolved problem at full time, got cursor=%d left=%d", s.Cursor, s.ProblemLeft)
	}
}

func TestRejoinWithEverythingSolvedRunsNoClock(t *testing.T) {
	s := Restore(NewState("b1", "alice", DefaultRules()), []Event{activeFrame()})
	frame := activeFrame()
	frame.SolvedIDs = []string{"p1", "p2"}

	effects, s := mustApply(t, s, frame)
	if len(effects) != 0 || !s.Exhausted {
		t.Fatalf("want exhausted with no timer, got %+v exhausted=%v", effects, s.Exhausted)
	}
}

// Scenario 5: battle_ended with 12 seconds left freezes everything.
func TestScenario_BattleEndedStopsClock(t *testing.T) {
	s := inProblemPhase(t)
	_, s = tick(t, s, 18)
	if s.ProblemLeft != 12 {
		t.Fatalf("setup: want 12s left, got %d", s.ProblemLeft)
	}

	end := &BattleEnd{Winner: "alice", Scores: []ScoreEntry{{Username: "alice", Score: 10, ProblemsSolved: 1}, {Username: "bob"}}, EndedAt: time.Now()}
	effects, s := mustApply(t, s, Event{Type: EvtBattleEnded, End: end})
	if !ContainsEffect(effects, EffStopTimers) || !ContainsEffect(effects, EffSuppressReconnect) {
		t.Fatalf("want StopTimers+SuppressReconnect, got %+v", effects)
	}
	if s.Status != StatusCompleted || s.Timer != TimerNone {
		t.Fatalf("want completed with no timer, got %s %s", s.Status, s.Timer)
	}

	cursor := s.Cursor
	_, next, err := Apply(s, Event{Type: EvtTick, Timer: TimerProblem})
	if !errors.Is(err, ErrSessionCompleted) || next.Cursor != cursor {
		t.Fatalf("tick after end: err=%v cursor=%d", err, next.Cursor)
	}
}

func TestTerminalImmutability(t *testing.T) {
	s := inProblemPhase(t)
	_, s = mustApply(t, s, Event{Type: EvtBattleEnded, End: &BattleEnd{IsDraw: true, Scores: []ScoreEntry{{Username: "alice", Score: 10}}}})
	frozen := s.Clone()

	late := []Event{
		activeFrame(),
		{Type: EvtBattleState, Status: StatusWaiting},
		{Type: EvtScoreboardUpdate, Scores: []ScoreEntry{{Username: "alice", Score: 99}}, SecondsRemaining: intp(5)},
		{Type: EvtClockTick, SecondsRemaining: intp(1)},
		{Type: EvtSubmissionResult, Result: &SubmissionResult{Status: ResultAccepted}},
		{Type: EvtBattleEnded, End: &BattleEnd{Winner: "bob"}},
		{Type: EvtTick, Timer: TimerProblem},
		{Type: EvtSubmit, ProblemID: "p1"},
		{Type: EvtRequestEnd},
		{Type: EvtSelectProblem, Index: 1},
	}
	for _, ev := range late {
		effects, next, err := Apply(s, ev)
		if !errors.Is(err, ErrSessionCompleted) {
			t.Fatalf("%s: want ErrSessionCompleted, got %v", ev.Type, err)
		}
		if len(effects) != 0 {
			t.Fatalf("%s: want no effects, got %+v", ev.Type, effects)
		}
		if next.Status != frozen.Status || next.Scores[0].Score != 10 || next.Timer != TimerNone || next.Cursor != frozen.Cursor || !next.Ended.IsDraw {
			t.Fatalf("%s: session changed after completion", ev.Type)
		}
	}
}

func TestReconnectOnlyBeforeCompletion(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(t *testing.T) State
		wantRetry bool
	}{
		{
			name:      "uninitialized",
			setup:     func(t *testing.T) State { return NewState("b1", "alice", DefaultRules()) },
			wantRetry: true,
		},
		{
			name:      "active",
			setup:     inProblemPhase,
			wantRetry: true,
		},
		{
			name: "completed",
			setup: func(t *testing.T) State {
				s := inProblemPhase(t)
				_, s = mustApply(t, s, Event{Type: EvtBattleEnded, End: &BattleEnd{}})
				return s
			},
			wantRetry: false,
		},
		{
			name: "cancelled by server",
			setup: func(t *testing.T) State {
				s := inProblemPhase(t)
				_, s = mustApply(t, s, Event{Type: EvtBattleState, Status: ParseStatus("cancelled")})
				return s
			},
			wantRetry: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			effects, s, err := Apply(tc.setup(t), Event{Type: EvtConnectionLost})
			if err != nil {
				t.Fatalf("unexpected err %v", err)
			}
			if got := ContainsEffect(effects, EffScheduleReconnect); got != tc.wantRetry {
				t.Fatalf("ScheduleReconnect: got %v, want %v", got, tc.wantRetry)
			}
			if s.Connected {
				t.Fatalf("connection indicator still set")
			}
		})
	}
}

func TestSubmitGuards(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T) State
		ev      Event
		wantErr error
	}{
		{
			name:    "not active",
			setup:   func(t *testing.T) State { return NewState("b1", "alice", DefaultRules()) },
			ev:      Event{Type: EvtSubmit, ProblemID: "p1"},
			wantErr: ErrBattleNotActive,
		},
		{
			name: "disconnected",
			setup: func(t *testing.T) State {
				s := inProblemPhase(t)
				_, s = mustApply(t, s, Event{Type: EvtConnectionLost})
				return s
			},
			ev:      Event{Type: EvtSubmit, ProblemID: "p1"},
			wantErr: ErrNotConnected,
		},
		{
			name: "already pending",
			setup: func(t *testing.T) State {
				s := inProblemPhase(t)
				_, s = mustApply(t, s, Event{Type: EvtSubmit, ProblemID: "p1"})
				return s
			},
			ev:      Event{Type: EvtSubmit, ProblemID: "p1"},
			wantErr: ErrSubmissionPending,
		},
		{
			name:    "unknown problem",
			setup:   inProblemPhase,
			ev:      Event{Type: EvtSubmit, ProblemID: "nope"},
			wantErr: ErrUnknownProblem,
		},
		{
			name:    "select out of range",
			setup:   inProblemPhase,
			ev:      Event{Type: EvtSelectProblem, Index: 2},
			wantErr: ErrIndexOutOfRange,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			effects, _, err := Apply(tc.setup(t), tc.ev)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
			if len(effects) != 0 {
				t.Fatalf("guarded action emitted %+v", effects)
			}
		})
	}
}

func TestConnectionLossClearsPending(t *testing.T) {
	s := inProblemPhase(t)
	_, s = mustApply(t, s, Event{Type: EvtSubmit, ProblemID: "p1"})
	_, s = mustApply(t, s, Event{Type: EvtConnectionLost})
	_, s = mustApply(t, s, Event{Type: EvtConnected})

	effects, _ := mustApply(t, s, Event{Type: EvtSubmit, ProblemID: "p1"})
	if !ContainsEffect(effects, EffSendSubmit) {
		t.Fatalf("want a fresh submit after reconnect, got %+v", effects)
	}
}

func TestOfflineSubmitHoldsThePendingSlot(t *testing.T) {
	s := inProblemPhase(t)
	_, s = mustApply(t, s, Event{Type: EvtConnectionLost})

	effects, s := mustApply(t, s, Event{Type: EvtSubmitOffline, ProblemID: "p1"})
	if len(effects) != 0 || !s.Pending || !s.PendingREST {
		t.Fatalf("want pending REST submit without effects, got %+v pending=%v rest=%v", effects, s.Pending, s.PendingREST)
	}

	for _, typ := range []EventType{EvtSubmitOffline, EvtSubmit} {
		if _, _, err := Apply(s, Event{Type: typ, ProblemID: "p1"}); !errors.Is(err, ErrSubmissionPending) {
			t.Fatalf("%s while a REST submit is in flight: want ErrSubmissionPending, got %v", typ, err)
		}
	}

	// failed redials do not release a REST submission
	_, s = mustApply(t, s, Event{Type: EvtConnectionLost})
	if !s.Pending {
		t.Fatalf("connection loss released the REST submission")
	}

	_, s = mustApply(t, s, Event{Type: EvtSubmissionResult, Result: &SubmissionResult{ProblemID: "p1", Status: ResultAccepted}})
	if s.Pending || s.PendingREST || s.Cursor != 1 {
		t.Fatalf("want cursor 1 and nothing pending, got cursor=%d pending=%v rest=%v", s.Cursor, s.Pending, s.PendingREST)
	}
}

func TestOfflineSubmitGuards(t *testing.T) {
	s := inProblemPhase(t)
	_, s = mustApply(t, s, Event{Type: EvtConnectionLost})

	if _, _, err := Apply(s, Event{Type: EvtSubmitOffline, ProblemID: "nope"}); !errors.Is(err, ErrUnknownProblem) {
		t.Fatalf("want ErrUnknownProblem, got %v", err)
	}
	if _, _, err := Apply(NewState("b1", "alice", DefaultRules()), Event{Type: EvtSubmitOffline, ProblemID: "p1"}); !errors.Is(err, ErrBattleNotActive) {
		t.Fatalf("want ErrBattleNotActive, got %v", err)
	}

	_, s = mustApply(t, s, Event{Type: EvtSubmitOffline, ProblemID: "p1"})
	_, s = mustApply(t, s, Event{Type: EvtSubmitAborted})
	if s.Pending || s.PendingREST {
		t.Fatalf("abort left pending=%v rest=%v", s.Pending, s.PendingREST)
	}
	_, _ = mustApply(t, s, Event{Type: EvtSubmitOffline, ProblemID: "p1"})
}

func TestLateAcceptanceKeepsCurrentClock(t *testing.T) {
	s := inProblemPhase(t)
	_, s = mustApply(t, s, Event{Type: EvtSubmit, ProblemID: "p1"})
	// p1's time box runs out before its verdict arrives
	_, s = tick(t, s, s.Rules.ProblemSeconds)
	if s.Cursor != 1 {
		t.Fatalf("want clock on problem 1, got %d", s.Cursor)
	}
	_, s = tick(t, s, 5)

	effects, s := mustApply(t, s, Event{Type: EvtSubmissionResult, Result: &SubmissionResult{ProblemID: "p1", Status: ResultAccepted}})
	if len(effects) != 0 {
		t.Fatalf("late verdict touched the clock: %+v", effects)
	}
	if !s.MySolved["p1"] || s.Cursor != 1 || s.Exhausted || s.ProblemLeft != s.Rules.ProblemSeconds-5 {
		t.Fatalf("unexpected state solved=%v cursor=%d exhausted=%v left=%d", s.MySolved, s.Cursor, s.Exhausted, s.ProblemLeft)
	}
}

func TestRequestEndIsIdempotent(t *testing.T) {
	s := inProblemPhase(t)
	effects, s := mustApply(t, s, Event{Type: EvtRequestEnd})
	if !ContainsEffect(effects, EffSendRequestEnd) {
		t.Fatalf("want SendRequestEnd, got %+v", effects)
	}
	effects, _ = mustApply(t, s, Event{Type: EvtRequestEnd})
	if len(effects) != 0 {
		t.Fatalf("second request_end must be a no-op, got %+v", effects)
	}
}

func TestManualSelectionResetsClock(t *testing.T) {
	s := inProblemPhase(t)
	_, s = tick(t, s, 10)

	effects, s := mustApply(t, s, Event{Type: EvtSelectProblem, Index: 1})
	if !ContainsEffect(effects, EffStartProblemTimer) || s.ProblemLeft != 30 || s.Cursor != 1 {
		t.Fatalf("want reset on problem 1, got %+v left=%d cursor=%d", effects, s.ProblemLeft, s.Cursor)
	}
}

func TestApplyNeverMutatesInput(t *testing.T) {
	s := inProblemPhase(t)
	before := s.Clone()

	_, _ = mustApply(t, s, Event{Type: EvtSubmissionResult, Result: &SubmissionResult{ProblemID: "p1", Status: ResultAccepted}})
	_, _ = mustApply(t, s, Event{Type: EvtScoreboardUpdate, Scores: []ScoreEntry{{Username: "x"}}})

	if len(s.MySolved) != len(before.MySolved) || s.MySolved["p1"] {
		t.Fatalf("solved set mutated in place")
	}
}

// Random walks over every event kind must keep the invariants: one timer while
// active, cursor in bounds, nothing running once completed.
func TestInvariantsHoldUnderRandomEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	results := []ResultStatus{ResultAccepted, ResultWrongAnswer, ResultTimeLimit}

	for run := 0; run < 200; run++ {
		s := NewState("b1", "alice", Rules{PrepSeconds: 2, ProblemSeconds: 3})
		for step := 0; step < 80; step++ {
			var ev Event
			switch rng.Intn(10) {
			case 0:
				ev = activeFrame()
			case 1:
				ev = Event{Type: EvtConnected}
			case 2:
				ev = Event{Type: EvtConnectionLost}
			case 3:
				ev = Event{Type: EvtSubmit, ProblemID: twoProblems()[rng.Intn(2)].ID}
				if rng.Intn(2) == 0 {
					ev.Type = EvtSubmitOffline
				}
			case 4:
				ev = Event{Type: EvtSubmissionResult, Result: &SubmissionResult{Status: results[rng.Intn(len(results))]}}
			case 5:
				ev = Event{Type: EvtSelectProblem, Index: rng.Intn(3) - 1}
			case 6:
				if rng.Intn(8) == 0 {
					ev = Event{Type: EvtBattleEnded, End: &BattleEnd{}}
				} else {
					ev = Event{Type: EvtClockTick, SecondsRemaining: intp(rng.Intn(100))}
				}
			default:
				ev = Event{Type: EvtTick, Timer: s.Timer}
			}

			_, next, err := Apply(s, ev)
			if err == nil {
				s = next
			}
			if err := CheckInvariants(s); err != nil {
				t.Fatalf("run %d step %d after %s: %v", run, step, ev.Type, err)
			}
		}
	}
}
