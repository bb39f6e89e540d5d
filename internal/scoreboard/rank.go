// Package scoreboard projects the latest score list into a ranked view.
package scoreboard

import (
	"cmp"
	"slices"

	"github.com/DoyleJ11/battle-client/internal/engine"
)

type Row struct {
	Rank           int    `json:"rank"`
	Username       string `json:"username"`
	Score          int    `json:"score"`
	ProblemsSolved int    `json:"problems_solved"`
	Me             bool   `json:"me,omitempty"`
}

// Rank orders entries by score, then problems solved (both descending), then
// username. Rows tied on score and problems solved share a rank.
func Rank(entries []engine.ScoreEntry, me string) []Row {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, compare)

	rows := make([]Row, len(sorted))
	for i, e := range sorted {
		rank := i + 1
		if i > 0 && tied(sorted[i-1], e) {
			rank = rows[i-1].Rank
		}
		rows[i] = Row{
			Rank:           rank,
			Username:       e.Username,
			Score:          e.Score,
			ProblemsSolved: e.ProblemsSolved,
			Me:             me != "" && e.Username == me,
		}
	}
	return rows
}

// Leader returns the top row, or false when the board is empty or the top is
// shared.
func Leader(rows []Row) (Row, bool) {
	if len(rows) == 0 || (len(rows) > 1 && rows[1].Rank == rows[0].Rank) {
		return Row{}, false
	}
	return rows[0], true
}

func compare(a, b engine.ScoreEntry) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(b.ProblemsSolved, a.ProblemsSolved); c != 0 {
		return c
	}
	return cmp.Compare(a.Username, b.Username)
}

func tied(a, b engine.ScoreEntry) bool {
	return a.Score == b.Score && a.ProblemsSolved == b.ProblemsSolved
}
