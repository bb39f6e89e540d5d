package engine

import (
	"fmt"
	"maps"
	"slices"
)

func DefaultRules() Rules {
	return Rules{PrepSeconds: 10, ProblemSeconds: 30}
}

func NewState(battleID, me string, rules Rules) State {
	return State{
		BattleID: battleID,
		Me:       me,
		MySolved: map[string]bool{},
		Rules:    rules,
	}
}

// ParseStatus maps a server status string. A cancelled battle is as terminal
// as a completed one.
func ParseStatus(s string) Status {
	switch s {
	case "waiting":
		return StatusWaiting
	case "active":
		return StatusActive
	case "completed", "cancelled":
		return StatusCompleted
	default:
		return StatusUninitialized
	}
}

func ContainsEffect(effects []Effect, effectType EffectType) bool {
	for _, effect := range effects {
		if effect.Type == effectType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s State) Clone() State {
	c := s
	c.Participants = slices.Clone(s.Participants)
	c.Problems = slices.Clone(s.Problems)
	c.Scores = slices.Clone(s.Scores)
	c.MySolved = maps.Clone(s.MySolved)
	if s.LastResult != nil {
		r := *s.LastResult
		c.LastResult = &r
	}
	if s.Ended != nil {
		e := *s.Ended
		e.Scores = slices.Clone(s.Ended.Scores)
		c.Ended = &e
	}
	return c
}

func ProblemIndex(s State, id string) int {
	return slices.IndexFunc(s.Problems, func(p Problem) bool { return p.ID == id })
}

// checkSubmit holds the guards shared by socket and REST submissions.
func checkSubmit(s State, problemID string) error {
	if s.Status != StatusActive {
		return ErrBattleNotActive
	}
	if s.Pending {
		return ErrSubmissionPending
	}
	if ProblemIndex(s, problemID) < 0 {
		return ErrUnknownProblem
	}
	return nil
}

// CurrentProblem reports the problem under the cursor.
func (s State) CurrentProblem() (Problem, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Problems) {
		return Problem{}, false
	}
	return s.Problems[s.Cursor], true
}

// withSolved returns a new set; the input may be shared with a published snapshot.
func withSolved(set map[string]bool, ids ...string) map[string]bool {
	if len(ids) == 0 && set != nil {
		return set
	}
	out := make(map[string]bool, len(set)+len(ids))
	maps.Copy(out, set)
	for _, id := range ids {
		if id != "" {
			out[id] = true
		}
	}
	return out
}

func firstUnsolved(s State) int {
	for i, p := range s.Problems {
		if !s.MySolved[p.ID] {
			return i
		}
	}
	return -1
}

// CheckInvariants reports the first broken session invariant, if any.
func CheckInvariants(s State) error {
	if s.Status == StatusCompleted && s.Timer != TimerNone {
		return fmt.Errorf("completed session has %s timer running", s.Timer)
	}
	if s.Status == StatusActive && s.Timer == TimerNone && !s.Exhausted {
		return fmt.Errorf("active session has no timer running")
	}
	if s.Status != StatusActive && s.Status != StatusCompleted && s.Timer != TimerNone {
		return fmt.Errorf("%q session has %s timer running", s.Status, s.Timer)
	}
	if len(s.Problems) > 0 && (s.Cursor < 0 || s.Cursor >= len(s.Problems)) {
		return fmt.Errorf("cursor %d outside [0,%d)", s.Cursor, len(s.Problems))
	}
	if s.Status == StatusActive && len(s.Problems) == 0 {
		return ErrNoProblems
	}
	if s.PendingREST && !s.Pending {
		return fmt.Errorf("REST submit tracked without a pending submission")
	}
	return nil
}
