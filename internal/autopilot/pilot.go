// Package autopilot plays the cooperative half of a battle: it accepts,
// shares, readies up and re-shares without a human at the keyboard.
package autopilot

import (
	"ctchen222/code-battle/internal/match"
	"ctchen222/code-battle/internal/screenshare"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

type Profile string

const (
	Easy   Profile = "easy"
	Medium Profile = "medium"
	Hard   Profile = "hard"
)

func ParseProfile(s string) (Profile, error) {
	switch p := Profile(s); p {
	case Easy, Medium, Hard:
		return p, nil
	case "":
		return Medium, nil
	default:
		return "", fmt.Errorf("unknown autopilot profile %q", s)
	}
}

// Delay returns the reaction time for one action. Easy players are slow
// and uneven, hard ones react almost at once.
func (p Profile) Delay() time.Duration {
	var base time.Duration
	switch p {
	case Easy:
		base = 2 * time.Second
	case Hard:
		base = 200 * time.Millisecond
	default:
		base = time.Second
	}
	return base + rand.N(base/2+1)
}

// Actions is the part of the match controller the pilot drives.
type Actions interface {
	Accept()
	StartShare()
	ConfirmReady()
	ContinueSolo()
}

type Pilot struct {
	actions Actions
	profile Profile
	after   func(time.Duration, func())

	mu      sync.Mutex
	pending map[string]bool
	phase   match.Phase
}

func New(actions Actions, profile Profile) *Pilot {
	return &Pilot{
		actions: actions,
		profile: profile,
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		pending: make(map[string]bool),
	}
}

// Observe reacts to one controller update. It never blocks; actions are
// scheduled after the profile's reaction delay.
func (p *Pilot) Observe(u match.Update) {
	switch u.Kind {
	case match.UpdatePhase:
		p.onPhase(u.State)
	case match.UpdateStatus:
		if u.Side != screenshare.Self {
			return
		}
		switch u.Status {
		case screenshare.StatusConnected:
			if p.current() == match.PhaseSetup {
				p.schedule("ready", p.actions.ConfirmReady)
			}
		case screenshare.StatusDisconnected, screenshare.StatusInvalid:
			p.schedule("share", p.actions.StartShare)
		}
	case match.UpdatePrompt:
		p.schedule("solo", p.actions.ContinueSolo)
	}
}

func (p *Pilot) onPhase(s match.State) {
	p.mu.Lock()
	changed := p.phase != s.Phase()
	p.phase = s.Phase()
	p.mu.Unlock()
	if !changed {
		return
	}

	switch s.(type) {
	case match.Found:
		p.schedule("accept", p.actions.Accept)
	case match.Setup:
		p.schedule("share", p.actions.StartShare)
	}
}

func (p *Pilot) current() match.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// schedule runs action once after the reaction delay. A second request for
// the same action while one is pending is dropped.
func (p *Pilot) schedule(name string, action func()) {
	p.mu.Lock()
	if p.pending[name] {
		p.mu.Unlock()
		return
	}
	p.pending[name] = true
	p.mu.Unlock()

	d := p.profile.Delay()
	slog.Debug("autopilot scheduled action", "action", name, "delay", d)
	p.after(d, func() {
		p.mu.Lock()
		delete(p.pending, name)
		p.mu.Unlock()
		action()
	})
}
