package types

import "encoding/json"

// Decode turns one text frame into a typed Frame. Frames that are not valid
// JSON, carry no type, or carry a type this client does not know report false;
// callers drop them. Decode never panics on arbitrary input.
func Decode(data []byte) (Frame, bool) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}

	var f Frame
	switch env.Type {
	case FrameBattleState:
		f = &BattleState{}
	case FrameScoreboardUpdate:
		f = &ScoreboardUpdate{}
	case FrameTimerTick:
		f = &TimerTick{}
	case FrameSubmissionResult:
		f = &SubmissionResult{}
	case FrameBattleEnded:
		f = &BattleEnded{}
	default:
		// pong and anything newer than this client
		return nil, false
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, false
	}
	return f, true
}

// Encode marshals an outbound action.
func Encode(a Action) ([]byte, error) {
	return json.Marshal(a)
}
