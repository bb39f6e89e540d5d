package engine

import (
	"errors"
	"slices"
	"time"
)

var ErrSessionCompleted = errors.New("session already completed")
var ErrStaleTick = errors.New("stale timer tick")
var ErrNotConnected = errors.New("not connected")
var ErrBattleNotActive = errors.New("battle not active")
var ErrSubmissionPending = errors.New("submission already pending")
var ErrNoProblems = errors.New("battle has no problems")
var ErrUnknownProblem = errors.New("problem not in this battle")
var ErrIndexOutOfRange = errors.New("problem index out of range")
var ErrNotInProblemPhase = errors.New("problem timer not running")
var ErrTooManyParticipants = errors.New("more than two participants")
var ErrUnsupportedEvent = errors.New("unsupported event")

type Status string

const (
	StatusUninitialized Status = ""
	StatusWaiting       Status = "waiting"
	StatusActive        Status = "active"
	StatusCompleted     Status = "completed"
)

type TimerKind string

const (
	TimerNone        TimerKind = ""
	TimerPreparation TimerKind = "preparation"
	TimerProblem     TimerKind = "problem"
)

type ResultStatus string

const (
	ResultAccepted     ResultStatus = "accepted"
	ResultWrongAnswer  ResultStatus = "wrong_answer"
	ResultTimeLimit    ResultStatus = "time_limit"
	ResultRuntimeError ResultStatus = "runtime_error"
	ResultCompileError ResultStatus = "compile_error"
	ResultError        ResultStatus = "error"
)

type Problem struct {
	ID         string
	Slug       string
	Title      string
	Difficulty string
}

type ScoreEntry struct {
	Username       string
	Score          int
	ProblemsSolved int
}

type SubmissionResult struct {
	ProblemID       string
	Status          ResultStatus
	PointsEarned    *int
	ExecutionTimeMS *int
	Message         string
}

type BattleEnd struct {
	Winner  string // empty on a draw
	IsDraw  bool
	Scores  []ScoreEntry
	EndedAt time.Time
}

type Rules struct {
	PrepSeconds    int
	ProblemSeconds int
}

// State is the canonical session view plus the local timer state. It is owned
// by a single writer; Apply never mutates the maps or slices of its input.
type State struct {
	BattleID         string
	Me               string
	Status           Status
	Participants     []string
	Problems         []Problem
	SecondsRemaining int
	MySolved         map[string]bool
	Scores           []ScoreEntry
	LastResult       *SubmissionResult
	Ended            *BattleEnd
	Rules            Rules

	Timer        TimerKind
	PrepStarted  bool
	PrepLeft     int
	Cursor       int
	ProblemLeft  int
	Exhausted    bool // local participant has no problem left to attempt
	EndRequested bool
	Pending      bool // a submit is awaiting its result
	PendingREST  bool // ...and it went out over REST, not the socket
	Connected    bool
}

type EventType string

const (
	EvtBattleState      EventType = "BattleState"
	EvtScoreboardUpdate EventType = "ScoreboardUpdate"
	EvtClockTick        EventType = "ClockTick"
	EvtSubmissionResult EventType = "SubmissionResult"
	EvtBattleEnded      EventType = "BattleEnded"
	EvtTick             EventType = "Tick"
	EvtSubmit           EventType = "Submit"
	EvtSubmitOffline    EventType = "SubmitOffline"
	EvtSubmitAborted    EventType = "SubmitAborted"
	EvtRequestEnd       EventType = "RequestEnd"
	EvtSelectProblem    EventType = "SelectProblem"
	EvtConnected        EventType = "Connected"
	EvtConnectionLost   EventType = "ConnectionLost"
)

/*
	EvtBattleState(active)   -> StartPrepTimer (first activation) | StartProblemTimer (already active, nothing running)
	EvtTick(preparation)     -> StartProblemTimer when it reaches 0
	EvtTick(problem)         -> StartProblemTimer (next index) | StopTimers + SendRequestEnd (last index)
	EvtSubmissionResult(acc) -> StartProblemTimer (next index) | StopTimers (last index)
	EvtBattleEnded           -> StopTimers + SuppressReconnect
	EvtConnectionLost        -> ScheduleReconnect
*/

type Event struct {
	Type EventType

	// server frames
	Status           Status
	Participants     []string
	Problems         []Problem
	Scores           []ScoreEntry
	SecondsRemaining *int
	SolvedIDs        []string
	Result           *SubmissionResult
	End              *BattleEnd

	// local
	Timer     TimerKind
	ProblemID string
	Code      string
	Language  string
	Index     int
}

type EffectType string

const (
	EffStartPrepTimer    EffectType = "StartPrepTimer"
	EffStartProblemTimer EffectType = "StartProblemTimer"
	EffStopTimers        EffectType = "StopTimers"
	EffSendSubmit        EffectType = "SendSubmit"
	EffSendRequestEnd    EffectType = "SendRequestEnd"
	EffScheduleReconnect EffectType = "ScheduleReconnect"
	EffSuppressReconnect EffectType = "SuppressReconnect"
)

type Effect struct {
	Type      EffectType
	ProblemID string
	Code      string
	Language  string
}

// Apply is the session's transition function. Errors leave the state
// unchanged and are informational; callers log and move on.
func Apply(s State, ev Event) ([]Effect, State, error) {
	if s.Status == StatusCompleted {
		// Only the connectivity indicator may still change.
		switch ev.Type {
		case EvtConnected:
			s.Connected = true
			return nil, s, nil
		case EvtConnectionLost:
			s.Connected = false
			return nil, s, nil
		}
		return nil, s, ErrSessionCompleted
	}

	switch ev.Type {
	case EvtBattleState:
		return applyBattleState(s, ev)

	case EvtScoreboardUpdate:
		newState := s
		newState.Scores = slices.Clone(ev.Scores)
		if ev.SecondsRemaining != nil {
			newState.SecondsRemaining = *ev.SecondsRemaining
		}
		switch ev.Status {
		case StatusActive:
			return activate(s, newState)
		case StatusCompleted:
			return complete(newState, nil)
		}
		return nil, newState, nil

	case EvtClockTick:
		if ev.SecondsRemaining != nil {
			s.SecondsRemaining = *ev.SecondsRemaining
		}
		return nil, s, nil

	case EvtSubmissionResult:
		return applyResult(s, ev)

	case EvtBattleEnded:
		return complete(s, ev.End)

	case EvtTick:
		return applyTick(s, ev)

	case EvtSubmit:
		if err := checkSubmit(s, ev.ProblemID); err != nil {
			return nil, s, err
		}
		if !s.Connected {
			return nil, s, ErrNotConnected
		}
		s.Pending = true
		return []Effect{{Type: EffSendSubmit, ProblemID: ev.ProblemID, Code: ev.Code, Language: ev.Language}}, s, nil

	case EvtSubmitOffline:
		// The caller sends it over REST; the result comes back as EvtSubmissionResult.
		if err := checkSubmit(s, ev.ProblemID); err != nil {
			return nil, s, err
		}
		s.Pending = true
		s.PendingREST = true
		return nil, s, nil

	case EvtSubmitAborted:
		s.Pending = false
		s.PendingREST = false
		return nil, s, nil

	case EvtRequestEnd:
		if s.Status != StatusActive {
			return nil, s, ErrBattleNotActive
		}
		if s.EndRequested {
			return nil, s, nil
		}
		if !s.Connected {
			return nil, s, ErrNotConnected
		}
		s.EndRequested = true
		return []Effect{{Type: EffSendRequestEnd}}, s, nil

	case EvtSelectProblem:
		if s.Timer != TimerProblem {
			return nil, s, ErrNotInProblemPhase
		}
		if ev.Index < 0 || ev.Index >= len(s.Problems) {
			return nil, s, ErrIndexOutOfRange
		}
		if ev.Index == s.Cursor {
			return nil, s, nil
		}
		return startProblem(s, ev.Index)

	case EvtConnected:
		s.Connected = true
		return nil, s, nil

	case EvtConnectionLost:
		s.Connected = false
		// The result of an in-flight socket submit is delivered on the dead socket.
		if !s.PendingREST {
			s.Pending = false
		}
		return []Effect{{Type: EffScheduleReconnect}}, s, nil

	default:
		return nil, s, ErrUnsupportedEvent
	}
}

func applyBattleState(s State, ev Event) ([]Effect, State, error) {
	if len(ev.Participants) > 2 {
		return nil, s, ErrTooManyParticipants
	}

	newState := s
	if len(ev.Participants) > 0 {
		newState.Participants = slices.Clone(ev.Participants)
	}
	// Problems are assigned once; later snapshots never replace them.
	if len(newState.Problems) == 0 && len(ev.Problems) > 0 {
		newState.Problems = slices.Clone(ev.Problems)
	}
	if ev.SecondsRemaining != nil {
		newState.SecondsRemaining = *ev.SecondsRemaining
	}
	if ev.Scores != nil {
		newState.Scores = slices.Clone(ev.Scores)
	}
	newState.MySolved = withSolved(newState.MySolved, ev.SolvedIDs...)

	switch ev.Status {
	case StatusActive:
		return activate(s, newState)
	case StatusCompleted:
		return complete(newState, nil)
	case StatusWaiting:
		if newState.Status == StatusUninitialized {
			newState.Status = StatusWaiting
		}
	}
	return nil, newState, nil
}

// activate handles a frame reporting status active. prev is returned untouched
// when the frame cannot be honoured.
func activate(prev, s State) ([]Effect, State, error) {
	if len(s.Problems) == 0 {
		return nil, prev, ErrNoProblems
	}

	if s.Status != StatusActive {
		s.Status = StatusActive
		if !s.PrepStarted {
			s.PrepStarted = true
			if s.Rules.PrepSeconds > 0 {
				s.Timer = TimerPreparation
				s.PrepLeft = s.Rules.PrepSeconds
				return []Effect{{Type: EffStartPrepTimer}}, s, nil
			}
			return startProblem(s, 0)
		}
	}

	// Already active with nothing counting down: a participant that rejoined
	// mid-battle still needs a running clock.
	if s.Timer == TimerNone && !s.Exhausted {
		idx := firstUnsolved(s)
		if idx < 0 {
			s.Exhausted = true
			return nil, s, nil
		}
		return startProblem(s, idx)
	}
	return nil, s, nil
}

func complete(s State, end *BattleEnd) ([]Effect, State, error) {
	s.Status = StatusCompleted
	if end != nil {
		e := *end
		e.Scores = slices.Clone(end.Scores)
		s.Ended = &e
		s.Scores = slices.Clone(end.Scores)
	}
	s.Timer = TimerNone
	s.PrepLeft = 0
	s.Pending = false
	s.PendingREST = false
	return []Effect{{Type: EffStopTimers}, {Type: EffSuppressReconnect}}, s, nil
}

func applyTick(s State, ev Event) ([]Effect, State, error) {
	if ev.Timer == TimerNone || ev.Timer != s.Timer {
		return nil, s, ErrStaleTick
	}

	switch s.Timer {
	case TimerPreparation:
		s.PrepLeft--
		if s.PrepLeft > 0 {
			return nil, s, nil
		}
		s.PrepLeft = 0
		return startProblem(s, 0)

	case TimerProblem:
		s.ProblemLeft--
		if s.ProblemLeft > 0 {
			return nil, s, nil
		}
		s.ProblemLeft = 0
		if s.Cursor < len(s.Problems)-1 {
			return startProblem(s, s.Cursor+1)
		}
		// Out of problems: tell the server this participant is done.
		s.Timer = TimerNone
		s.Exhausted = true
		effects := []Effect{{Type: EffStopTimers}}
		if !s.EndRequested {
			s.EndRequested = true
			effects = append(effects, Effect{Type: EffSendRequestEnd})
		}
		return effects, s, nil
	}
	return nil, s, ErrStaleTick
}

func applyResult(s State, ev Event) ([]Effect, State, error) {
	if ev.Result == nil {
		return nil, s, ErrUnsupportedEvent
	}

	s.Pending = false
	s.PendingREST = false
	res := *ev.Result
	s.LastResult = &res
	if res.Status != ResultAccepted {
		return nil, s, nil
	}
	if res.ProblemID != "" {
		s.MySolved = withSolved(s.MySolved, res.ProblemID)
	}
	if s.Timer != TimerProblem {
		return nil, s, nil
	}
	// A late verdict for a problem the clock already left does not cut the
	// current one short.
	if cur, ok := s.CurrentProblem(); ok && res.ProblemID != "" && res.ProblemID != cur.ID {
		return nil, s, nil
	}
	if s.Cursor < len(s.Problems)-1 {
		return startProblem(s, s.Cursor+1)
	}
	// Last problem accepted: the server ends the battle once both sides are done.
	s.Timer = TimerNone
	s.Exhausted = true
	return []Effect{{Type: EffStopTimers}}, s, nil
}

func startProblem(s State, idx int) ([]Effect, State, error) {
	s.Cursor = idx
	s.Timer = TimerProblem
	s.ProblemLeft = s.Rules.ProblemSeconds
	return []Effect{{Type: EffStartProblemTimer}}, s, nil
}

// Restore replays journaled server events onto base. Local timers are never
// replayed, so the result has no running timer and the next live active
// snapshot starts the problem clock directly.
func Restore(base State, events []Event) State {
	s := base
	for _, ev := range events {
		_, next, err := Apply(s, ev)
		if err != nil {
			continue
		}
		s = next
	}
	s.Timer = TimerNone
	s.PrepLeft = 0
	s.ProblemLeft = 0
	s.Pending = false
	s.PendingREST = false
	s.Connected = false
	return s
}
