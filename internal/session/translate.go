package session

import (
	"time"

	"github.com/DoyleJ11/battle-client/internal/engine"
	"github.com/DoyleJ11/battle-client/pkg/types"
)

// EventFromFrame maps a decoded server frame onto the engine's event.
func EventFromFrame(f types.Frame) (engine.Event, bool) {
	switch fr := f.(type) {
	case *types.BattleState:
		ev := engine.Event{
			Type:             engine.EvtBattleState,
			Status:           engine.ParseStatus(fr.Status),
			SecondsRemaining: fr.SecondsRemaining,
			SolvedIDs:        fr.MySolvedIDs,
		}
		for _, p := range fr.Participants {
			ev.Participants = append(ev.Participants, p.Username)
			ev.Scores = append(ev.Scores, engine.ScoreEntry{Username: p.Username, Score: p.Score, ProblemsSolved: p.ProblemsSolved})
		}
		for _, p := range fr.Problems {
			ev.Problems = append(ev.Problems, engine.Problem{ID: p.ID, Slug: p.Slug, Title: p.Title, Difficulty: p.Difficulty})
		}
		return ev, true

	case *types.ScoreboardUpdate:
		return engine.Event{
			Type:             engine.EvtScoreboardUpdate,
			Status:           engine.ParseStatus(fr.Status),
			Scores:           scoreEntries(fr.Scores),
			SecondsRemaining: fr.SecondsRemaining,
		}, true

	case *types.TimerTick:
		secs := fr.SecondsRemaining
		return engine.Event{Type: engine.EvtClockTick, SecondsRemaining: &secs}, true

	case *types.SubmissionResult:
		return engine.Event{
			Type: engine.EvtSubmissionResult,
			Result: &engine.SubmissionResult{
				ProblemID:       fr.ProblemID,
				Status:          engine.ResultStatus(fr.Status),
				PointsEarned:    fr.PointsEarned,
				ExecutionTimeMS: fr.ExecutionTimeMS,
				Message:         fr.Message,
			},
		}, true

	case *types.BattleEnded:
		end := &engine.BattleEnd{IsDraw: fr.IsDraw, Scores: scoreEntries(fr.Scores)}
		if fr.Winner != nil {
			end.Winner = *fr.Winner
		}
		if t, err := time.Parse(time.RFC3339Nano, fr.EndedAt); err == nil {
			end.EndedAt = t
		}
		return engine.Event{Type: engine.EvtBattleEnded, End: end}, true
	}
	return engine.Event{}, false
}

func scoreEntries(in []types.ScoreEntry) []engine.ScoreEntry {
	out := make([]engine.ScoreEntry, 0, len(in))
	for _, s := range in {
		out = append(out, engine.ScoreEntry{Username: s.Username, Score: s.Score, ProblemsSolved: s.ProblemsSolved})
	}
	return out
}

// Replay rebuilds the server-owned part of a session from journaled frames.
// Frames that no longer decode are skipped.
func Replay(base engine.State, frames [][]byte) engine.State {
	events := make([]engine.Event, 0, len(frames))
	for _, data := range frames {
		f, ok := types.Decode(data)
		if !ok {
			continue
		}
		if ev, ok := EventFromFrame(f); ok {
			events = append(events, ev)
		}
	}
	return engine.Restore(base, events)
}
