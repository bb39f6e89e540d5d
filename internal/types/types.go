package types

import (
	"time"

	"github.com/DoyleJ11/battle-client/internal/engine"
	"github.com/DoyleJ11/battle-client/internal/scoreboard"
)

// Client (UI) message types.
const (
	MsgSubmit        = "Submit"
	MsgRequestEnd    = "RequestEnd"
	MsgSelectProblem = "SelectProblem"
)

// Server message types.
const (
	MsgStateSnapshot = "StateSnapshot"
	MsgError         = "Error"
)

type ClientMessage struct {
	Type      string `json:"type"`
	ProblemID string `json:"problem_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Language  string `json:"language,omitempty"`
	Index     int    `json:"index,omitempty"`
}

type ServerMessage struct {
	Type    string      `json:"type"` // "StateSnapshot" | "Error"
	Version int         `json:"version,omitempty"`
	State   *BattleView `json:"state,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type ProblemView struct {
	ID         string `json:"id"`
	Slug       string `json:"slug"`
	Title      string `json:"title,omitempty"`
	Difficulty string `json:"difficulty"`
	Solved     bool   `json:"solved"`
	Current    bool   `json:"current"`
}

type ResultView struct {
	ProblemID       string `json:"problem_id,omitempty"`
	Status          string `json:"status"`
	PointsEarned    *int   `json:"points_earned,omitempty"`
	ExecutionTimeMS *int   `json:"execution_time_ms,omitempty"`
	Message         string `json:"message,omitempty"`
}

type EndView struct {
	Winner  string     `json:"winner,omitempty"`
	IsDraw  bool       `json:"is_draw"`
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// BattleView is what the UI renders: server-owned fields plus the local clock.
type BattleView struct {
	BattleID         string           `json:"battle_id"`
	Me               string           `json:"me,omitempty"`
	Status           string           `json:"status"`
	Participants     []string         `json:"participants"`
	Problems         []ProblemView    `json:"problems"`
	SecondsRemaining int              `json:"seconds_remaining"`
	Timer            string           `json:"timer,omitempty"`
	TimerLeft        int              `json:"timer_left"`
	CurrentProblem   int              `json:"current_problem"`
	Exhausted        bool             `json:"exhausted"`
	EndRequested     bool             `json:"end_requested"`
	Pending          bool             `json:"pending"`
	Connected        bool             `json:"connected"`
	Scoreboard       []scoreboard.Row `json:"scoreboard"`
	LastResult       *ResultView      `json:"last_result,omitempty"`
	Ended            *EndView         `json:"ended,omitempty"`
}

func NewBattleView(s engine.State) BattleView {
	v := BattleView{
		BattleID:         s.BattleID,
		Me:               s.Me,
		Status:           string(s.Status),
		Participants:     append([]string{}, s.Participants...),
		Problems:         make([]ProblemView, 0, len(s.Problems)),
		SecondsRemaining: s.SecondsRemaining,
		Timer:            string(s.Timer),
		CurrentProblem:   s.Cursor,
		Exhausted:        s.Exhausted,
		EndRequested:     s.EndRequested,
		Pending:          s.Pending,
		Connected:        s.Connected,
		Scoreboard:       scoreboard.Rank(s.Scores, s.Me),
	}
	if v.Status == "" {
		v.Status = "connecting"
	}

	switch s.Timer {
	case engine.TimerPreparation:
		v.TimerLeft = s.PrepLeft
	case engine.TimerProblem:
		v.TimerLeft = s.ProblemLeft
	}

	for i, p := range s.Problems {
		v.Problems = append(v.Problems, ProblemView{
			ID:         p.ID,
			Slug:       p.Slug,
			Title:      p.Title,
			Difficulty: p.Difficulty,
			Solved:     s.MySolved[p.ID],
			Current:    s.Timer == engine.TimerProblem && i == s.Cursor,
		})
	}

	if r := s.LastResult; r != nil {
		v.LastResult = &ResultView{
			ProblemID:       r.ProblemID,
			Status:          string(r.Status),
			PointsEarned:    r.PointsEarned,
			ExecutionTimeMS: r.ExecutionTimeMS,
			Message:         r.Message,
		}
	}
	if e := s.Ended; e != nil {
		v.Ended = &EndView{Winner: e.Winner, IsDraw: e.IsDraw}
		if !e.EndedAt.IsZero() {
			t := e.EndedAt
			v.Ended.EndedAt = &t
		}
	}
	return v
}
