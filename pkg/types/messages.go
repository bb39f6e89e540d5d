package types

import (
	"bytes"
	"encoding/json"
)

// Server -> Client
// battle_state:
//   status: "waiting" | "active" | "completed" | "cancelled"
//   participants: Participant[] (objects, or bare usernames)
//   problems: { id, title, slug, difficulty }[]
//   seconds_remaining: number
//   my_solved_ids: string[]
//
// scoreboard_update:
//   scores: ScoreEntry[]
//   seconds_remaining?: number
//   status?: string
//
// timer_tick:
//   seconds_remaining: number
//
// submission_result:
//   problem_id?: string
//   status: "accepted" | "wrong_answer" | "time_limit" | "runtime_error" | "compile_error" | "error"
//   points_earned?: number
//   execution_time_ms?: number
//   message?: string
//
// battle_ended:
//   winner?: string
//   is_draw?: boolean
//   scores: ScoreEntry[]
//   ended_at: string (ISO-8601)

// Client -> Server
// submit:      { problem_id, code, language }
// request_end: {}
// ping:        {}

type FrameType string

const (
	FrameBattleState      FrameType = "battle_state"
	FrameScoreboardUpdate FrameType = "scoreboard_update"
	FrameTimerTick        FrameType = "timer_tick"
	FrameSubmissionResult FrameType = "submission_result"
	FrameBattleEnded      FrameType = "battle_ended"
	FramePong             FrameType = "pong"
)

// Frame is one decoded server push. The concrete type is one of the pointer
// types below.
type Frame interface{ Kind() FrameType }

type Problem struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Slug       string `json:"slug"`
	Difficulty string `json:"difficulty"`
}

type Participant struct {
	Username       string `json:"username"`
	Score          int    `json:"score"`
	ProblemsSolved int    `json:"problems_solved"`
	IsConnected    bool   `json:"is_connected"`
}

// UnmarshalJSON accepts either a participant object or a bare username.
func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*p = Participant{}
		return json.Unmarshal(data, &p.Username)
	}
	type plain Participant
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Participant(v)
	return nil
}

type ScoreEntry struct {
	Username       string `json:"username"`
	Score          int    `json:"score"`
	ProblemsSolved int    `json:"problems_solved"`
	Result         string `json:"result,omitempty"`
}

type BattleState struct {
	ID               string        `json:"id,omitempty"`
	Status           string        `json:"status"`
	Participants     []Participant `json:"participants"`
	Problems         []Problem     `json:"problems"`
	SecondsRemaining *int          `json:"seconds_remaining"`
	MySolvedIDs      []string      `json:"my_solved_ids"`
}

type ScoreboardUpdate struct {
	Scores           []ScoreEntry `json:"scores"`
	SecondsRemaining *int         `json:"seconds_remaining,omitempty"`
	Status           string       `json:"status,omitempty"`
}

type TimerTick struct {
	SecondsRemaining int `json:"seconds_remaining"`
}

type SubmissionResult struct {
	ProblemID       string `json:"problem_id,omitempty"`
	Status          string `json:"status"`
	PointsEarned    *int   `json:"points_earned,omitempty"`
	ExecutionTimeMS *int   `json:"execution_time_ms,omitempty"`
	Message         string `json:"message,omitempty"`
}

type BattleEnded struct {
	BattleID string       `json:"battle_id,omitempty"`
	Winner   *string      `json:"winner,omitempty"`
	IsDraw   bool         `json:"is_draw"`
	Scores   []ScoreEntry `json:"scores"`
	EndedAt  string       `json:"ended_at,omitempty"`
}

func (*BattleState) Kind() FrameType      { return FrameBattleState }
func (*ScoreboardUpdate) Kind() FrameType { return FrameScoreboardUpdate }
func (*TimerTick) Kind() FrameType        { return FrameTimerTick }
func (*SubmissionResult) Kind() FrameType { return FrameSubmissionResult }
func (*BattleEnded) Kind() FrameType      { return FrameBattleEnded }

type ActionType string

const (
	ActionSubmit     ActionType = "submit"
	ActionRequestEnd ActionType = "request_end"
	ActionPing       ActionType = "ping"
)

type Action struct {
	Action    ActionType `json:"action"`
	ProblemID string     `json:"problem_id,omitempty"`
	Code      string     `json:"code,omitempty"`
	Language  string     `json:"language,omitempty"`
}

func SubmitAction(problemID, code, language string) Action {
	return Action{Action: ActionSubmit, ProblemID: problemID, Code: code, Language: language}
}

func RequestEndAction() Action { return Action{Action: ActionRequestEnd} }

// PingAction is the application-level keepalive; the server answers with pong.
func PingAction() Action { return Action{Action: ActionPing} }
