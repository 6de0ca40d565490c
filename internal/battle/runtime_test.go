package battle

import (
	"ctchen222/code-battle/pkg/proto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntime_TimerResync(t *testing.T) {
	r := NewRuntime(1, 600)

	for i := 0; i < 5; i++ {
		r.Tick()
	}
	assert.Equal(t, 595, r.TimeLeft())
	assert.False(t, r.Synced())

	r.Sync(42)
	assert.Equal(t, 42, r.TimeLeft())
	assert.True(t, r.Synced())

	assert.Equal(t, 41, r.Tick())

	r.Sync(100)
	assert.Equal(t, 100, r.TimeLeft(), "a later sync wins even when it moves time back up")
}

func TestRuntime_TickStopsAtZeroAndWhilePaused(t *testing.T) {
	r := NewRuntime(1, 1)
	assert.Equal(t, 0, r.Tick())
	assert.Equal(t, 0, r.Tick())

	r.Sync(10)
	r.SetPaused(true)
	assert.Equal(t, 10, r.Tick())

	r.Sync(-5)
	assert.Equal(t, 0, r.TimeLeft())
}

func TestRuntime_Gating(t *testing.T) {
	r := NewRuntime(1, 60)
	assert.NoError(t, r.CanRun())
	assert.NoError(t, r.CanSubmit())

	r.SetPaused(true)
	assert.ErrorIs(t, r.CanRun(), ErrGameplayPaused)
	assert.ErrorIs(t, r.CanSubmit(), ErrGameplayPaused)

	r.SetPaused(false)
	assert.NoError(t, r.CanSubmit())
}

func TestRuntime_Chat(t *testing.T) {
	r := NewRuntime(1, 60)
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	mine := r.AddChat(1, "gl hf")
	theirs := r.AddChat(2, "you too")
	sys := r.AddSystem("Battle started")

	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "You", mine.Author)
	assert.Equal(t, "Opponent", theirs.Author)
	assert.Equal(t, EntrySystem, sys.Kind)
	assert.Equal(t, fixed, entries[0].At)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestRuntime_Warning(t *testing.T) {
	r := NewRuntime(1, 60)

	tests := []struct {
		warning proto.SystemWarning
		want    string
	}{
		{proto.SystemWarning{UserID: 2, Event: "tab_switch", Count: 2}, "Opponent switched away from the battle tab (2)"},
		{proto.SystemWarning{UserID: 1, Event: "focus_lost"}, "You left the battle window"},
		{proto.SystemWarning{UserID: 2, Event: "devtools", Count: 1}, "Opponent triggered a devtools warning (1)"},
	}
	for _, tt := range tests {
		e := r.Warning(tt.warning)
		assert.Equal(t, EntrySystem, e.Kind)
		assert.Equal(t, tt.want, e.Text)
	}
}
