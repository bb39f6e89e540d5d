package journal

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFrameType(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"type":"battle_state","status":"active"}`, "battle_state"},
		{`{"type":"timer_tick","seconds_remaining":3}`, "timer_tick"},
		{`{"status":"active"}`, "unknown"},
		{`nope`, "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, frameType([]byte(tc.raw)), tc.raw)
	}
}

func TestNewRecord_CopiesPayload(t *testing.T) {
	frame := []byte(`{"type":"battle_ended"}`)
	rec, err := newRecord("b1", frame)
	require.NoError(t, err)

	frame[2] = 'X'
	assert.Equal(t, `{"type":"battle_ended"}`, string(rec.Payload))
	assert.Equal(t, "battle_ended", rec.Type)

	_, err = newRecord("b1", nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

// Runs against a real database when JOURNAL_TEST_DSN is set.
func TestJournal_AppendLoadForget(t *testing.T) {
	dsn := os.Getenv("JOURNAL_TEST_DSN")
	if dsn == "" {
		t.Skip("JOURNAL_TEST_DSN not set")
	}
	j, err := Open(dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	battle := uuid.NewString()
	frames := []string{
		`{"type":"battle_state","status":"waiting","participants":[],"problems":[]}`,
		`{"type":"battle_state","status":"active","participants":[],"problems":[]}`,
		`{"type":"timer_tick","seconds_remaining":1799}`,
	}
	for _, f := range frames {
		require.NoError(t, j.Append(ctx, battle, []byte(f)))
	}

	got, err := j.Load(ctx, battle)
	require.NoError(t, err)
	require.Len(t, got, len(frames))
	for i := range frames {
		assert.Equal(t, frames[i], string(got[i]))
	}

	require.NoError(t, j.Forget(ctx, battle))
	got, err = j.Load(ctx, battle)
	require.NoError(t, err)
	assert.Empty(t, got)
}
