package autopilot

import (
	"ctchen222/code-battle/internal/match"
	"ctchen222/code-battle/internal/screenshare"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
}

func (r *recorder) Accept()       { r.calls = append(r.calls, "accept") }
func (r *recorder) StartShare()   { r.calls = append(r.calls, "share") }
func (r *recorder) ConfirmReady() { r.calls = append(r.calls, "ready") }
func (r *recorder) ContinueSolo() { r.calls = append(r.calls, "solo") }

// newPilot returns a pilot whose scheduled actions wait in a list until
// flush runs them.
func newPilot(profile Profile) (*Pilot, *recorder, func()) {
	r := &recorder{}
	p := New(r, profile)
	var queued []func()
	p.after = func(d time.Duration, f func()) { queued = append(queued, f) }
	flush := func() {
		fns := queued
		queued = nil
		for _, f := range fns {
			f()
		}
	}
	return p, r, flush
}

func phase(s match.State) match.Update {
	return match.Update{Kind: match.UpdatePhase, State: s}
}

func status(side screenshare.Side, s screenshare.Status) match.Update {
	return match.Update{Kind: match.UpdateStatus, Side: side, Status: s}
}

func TestParseProfile(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Profile
		wantErr bool
	}{
		{in: "easy", want: Easy},
		{in: "hard", want: Hard},
		{in: "", want: Medium},
		{in: "godlike", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseProfile(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProfile_DelayOrdering(t *testing.T) {
	for i := 0; i < 20; i++ {
		hard, medium, easy := Hard.Delay(), Medium.Delay(), Easy.Delay()
		assert.Less(t, hard, medium)
		assert.Less(t, medium, easy)
		assert.GreaterOrEqual(t, hard, 200*time.Millisecond)
	}
}

func TestPilot_PlaysThroughSetup(t *testing.T) {
	p, r, flush := newPilot(Hard)

	p.Observe(phase(match.Found{MatchID: "m-1"}))
	flush()
	p.Observe(phase(match.Accepted{MatchID: "m-1"}))
	p.Observe(phase(match.Setup{GameID: "g-1"}))
	flush()
	p.Observe(status(screenshare.Self, screenshare.StatusSharing))
	p.Observe(status(screenshare.Self, screenshare.StatusConnected))
	flush()

	assert.Equal(t, []string{"accept", "share", "ready"}, r.calls)
}

func TestPilot_ReadyOnlyDuringSetup(t *testing.T) {
	p, r, flush := newPilot(Hard)

	p.Observe(phase(match.Battle{GameID: "g-1"}))
	p.Observe(status(screenshare.Self, screenshare.StatusConnected))
	flush()

	assert.Empty(t, r.calls)
}

func TestPilot_ResharesAfterInterruption(t *testing.T) {
	p, r, flush := newPilot(Medium)
	p.Observe(phase(match.Battle{GameID: "g-1"}))

	p.Observe(status(screenshare.Opponent, screenshare.StatusDisconnected))
	p.Observe(status(screenshare.Self, screenshare.StatusDisconnected))
	p.Observe(status(screenshare.Self, screenshare.StatusDisconnected))
	flush()

	assert.Equal(t, []string{"share"}, r.calls, "duplicate requests collapse while pending")

	p.Observe(status(screenshare.Self, screenshare.StatusInvalid))
	flush()
	assert.Equal(t, []string{"share", "share"}, r.calls)
}

func TestPilot_ContinuesSoloWhenPrompted(t *testing.T) {
	p, r, flush := newPilot(Easy)

	p.Observe(match.Update{Kind: match.UpdatePrompt, Text: "Your opponent left."})
	flush()

	assert.Equal(t, []string{"solo"}, r.calls)
}

func TestPilot_RepeatedPhaseUpdatesActOnce(t *testing.T) {
	p, r, flush := newPilot(Hard)

	p.Observe(phase(match.Battle{GameID: "g-1", Paused: true}))
	p.Observe(phase(match.Battle{GameID: "g-1"}))
	p.Observe(phase(match.Setup{GameID: "g-2"}))
	p.Observe(phase(match.Setup{GameID: "g-2"}))
	flush()

	assert.Equal(t, []string{"share"}, r.calls)
}
