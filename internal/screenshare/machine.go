package screenshare

import (
	"context"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/pkg/proto"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("screenshare")

var recoveriesStarted, _ = meter.Int64Counter("screenshare.recovery.started",
	metric.WithDescription("Recovery windows opened after a share was interrupted"))

type Side int

const (
	Self Side = iota
	Opponent
)

func (s Side) String() string {
	if s == Self {
		return "self"
	}
	return "opponent"
}

type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusSharing      Status = "sharing"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusInvalid      Status = "invalid"
)

type Phase int

const (
	PhaseSetup Phase = iota
	PhaseBattle
	PhaseDone
)

// TimerID names the one-second timers the machine asks its owner to run.
type TimerID string

const (
	TimerCountdown TimerID = "countdown"
	TimerRecovery  TimerID = "recovery"
)

type Config struct {
	// Countdown is the number of one-second ticks between everyone being
	// ready and the battle starting.
	Countdown int
	// RecoveryWindow is the number of one-second ticks an interrupted
	// share has to come back before the match is surrendered.
	RecoveryWindow int
}

type participant struct {
	status Status
	ready  bool
}

type recovery struct {
	side      Side
	remaining int
}

// Machine verifies that both participants share their entire screen before
// and during a battle. It performs no I/O: every input returns the effects
// the owner must carry out, in order. Not safe for concurrent use.
type Machine struct {
	cfg   Config
	phase Phase

	self participant
	opp  participant

	// oppSharing is the opponent's last reported share state, independent
	// of whether their media currently reaches us.
	oppSharing     bool
	oppSeen        bool
	mediaConnected bool

	countdown    int
	recoveries   []recovery
	paused       bool
	opponentAway bool
	solo         bool
}

func NewMachine(cfg Config) *Machine {
	if cfg.Countdown <= 0 {
		cfg.Countdown = 3
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 60
	}
	return &Machine{
		cfg:  cfg,
		self: participant{status: StatusWaiting},
		opp:  participant{status: StatusWaiting},
	}
}

func (m *Machine) Phase() Phase            { return m.phase }
func (m *Machine) Status(side Side) Status { return m.participant(side).status }
func (m *Machine) Ready(side Side) bool    { return m.participant(side).ready }
func (m *Machine) Eligible() bool          { return m.self.status == StatusConnected }
func (m *Machine) Paused() bool            { return m.paused }
func (m *Machine) CountdownRemaining() int { return m.countdown }
func (m *Machine) Solo() bool              { return m.solo }
func (m *Machine) OpponentAway() bool      { return m.opponentAway }
func (m *Machine) MediaConnected() bool    { return m.mediaConnected }

// RecoveryRemaining reports the seconds left for side, or 0 when side is not
// recovering.
func (m *Machine) RecoveryRemaining(side Side) int {
	for _, r := range m.recoveries {
		if r.side == side {
			return r.remaining
		}
	}
	return 0
}

func (m *Machine) participant(side Side) *participant {
	if side == Self {
		return &m.self
	}
	return &m.opp
}

// StartShare asks for a new capture.
func (m *Machine) StartShare() []Effect {
	if m.phase == PhaseDone {
		return nil
	}
	if m.self.status == StatusSharing || m.self.status == StatusConnected {
		return nil
	}
	return []Effect{m.setStatus(Self, StatusSharing), RequestCapture{}}
}

// CaptureFailed reports a denied or failed capture request.
func (m *Machine) CaptureFailed(err error) []Effect {
	if m.self.status != StatusSharing {
		return nil
	}
	next := StatusWaiting
	if m.phase == PhaseBattle {
		next = StatusDisconnected
	}
	slog.Warn("screen capture failed", "error", err)
	return []Effect{m.setStatus(Self, next), Notice{Text: "Screen sharing was not started."}}
}

// CaptureSucceeded validates the surface of a fresh capture. Only a whole
// monitor makes the participant eligible.
func (m *Machine) CaptureSucceeded(surface media.DisplaySurface) []Effect {
	if m.phase == PhaseDone {
		return []Effect{StopCapture{}}
	}
	if surface != media.SurfaceMonitor {
		return []Effect{
			m.setStatus(Self, StatusInvalid),
			StopCapture{},
			Notice{Text: "Please share your entire screen, not a window or tab."},
		}
	}

	effects := []Effect{
		m.setStatus(Self, StatusConnected),
		PublishCapture{},
		Send{Message: proto.ScreenShare{Type: proto.TypeScreenShareStarted}},
	}
	if m.phase == PhaseBattle {
		effects = append(effects, m.endRecovery(Self)...)
	}
	return append(effects, m.evaluate()...)
}

// LocalShareEnded reports that the local capture stopped on its own.
func (m *Machine) LocalShareEnded() []Effect {
	if m.self.status != StatusConnected || m.phase == PhaseDone {
		return nil
	}
	effects := []Effect{
		m.setStatus(Self, StatusDisconnected),
		Send{Message: proto.ScreenShare{Type: proto.TypeScreenShareStopped}},
	}
	if m.phase == PhaseBattle {
		effects = append(effects, m.startRecovery(Self, "You stopped sharing your screen.")...)
	}
	return effects
}

func (m *Machine) RemoteShareStarted() []Effect {
	m.oppSharing = true
	return m.refreshOpponent("")
}

func (m *Machine) RemoteShareStopped() []Effect {
	m.oppSharing = false
	m.unready(Opponent)
	return m.refreshOpponent("Opponent stopped sharing their screen.")
}

// RemoteTrack reports opponent media arriving, which implies they share.
func (m *Machine) RemoteTrack() []Effect {
	m.oppSharing = true
	return m.refreshOpponent("")
}

// MediaChanged reports the peer media path coming up or going down.
func (m *Machine) MediaChanged(connected bool) []Effect {
	if m.mediaConnected == connected {
		return nil
	}
	m.mediaConnected = connected
	return m.refreshOpponent("Connection to opponent lost.")
}

// ConfirmReady marks the local participant ready. It requires a valid share.
func (m *Machine) ConfirmReady() []Effect {
	if m.phase != PhaseSetup {
		return nil
	}
	if !m.Eligible() {
		return []Effect{Notice{Text: "Share your entire screen before getting ready."}}
	}
	if m.self.ready {
		return nil
	}
	m.self.ready = true
	effects := []Effect{Send{Message: proto.PlayerReady{Type: proto.TypePlayerReady}}}
	return append(effects, m.evaluate()...)
}

func (m *Machine) RemoteReady() []Effect {
	if m.phase != PhaseSetup {
		return nil
	}
	m.opp.ready = true
	return m.evaluate()
}

// AllReady applies the server's confirmation that both sides are ready.
func (m *Machine) AllReady() []Effect {
	if m.phase != PhaseSetup {
		return nil
	}
	m.self.ready = true
	m.opp.ready = true
	return m.evaluate()
}

// Tick advances the timer named id by one second.
func (m *Machine) Tick(id TimerID) []Effect {
	switch id {
	case TimerCountdown:
		return m.tickCountdown()
	case TimerRecovery:
		return m.tickRecovery()
	}
	return nil
}

func (m *Machine) OpponentLeft() []Effect {
	if m.phase == PhaseDone {
		return nil
	}
	m.opponentAway = true
	m.oppSharing = false
	m.unready(Opponent)
	effects := []Effect{StayOrLeavePrompt{}}
	effects = append(effects, m.refreshOpponent("Opponent left the match.")...)
	return effects
}

// OpponentRejoined clears the away flag. Unless the local participant went
// solo, the opponent still has to share again within the recovery window.
func (m *Machine) OpponentRejoined() []Effect {
	if m.phase == PhaseDone || !m.opponentAway {
		return nil
	}
	m.opponentAway = false
	return []Effect{Notice{Text: "Opponent rejoined the match."}, Renegotiate{}}
}

// Announce re-sends the local share and ready state, for an opponent that
// may have missed them while the connection was down.
func (m *Machine) Announce() []Effect {
	if m.phase == PhaseDone || m.self.status != StatusConnected {
		return nil
	}
	effects := []Effect{Send{Message: proto.ScreenShare{Type: proto.TypeScreenShareStarted}}}
	if m.phase == PhaseSetup && m.self.ready {
		effects = append(effects, Send{Message: proto.PlayerReady{Type: proto.TypePlayerReady}})
	}
	return effects
}

// ContinueSolo resumes play without the opponent. Their share state no
// longer pauses the battle.
func (m *Machine) ContinueSolo() []Effect {
	if m.phase != PhaseBattle || m.solo {
		return nil
	}
	m.solo = true
	return m.endRecovery(Opponent)
}

// Finish stops all timers. Later inputs are ignored.
func (m *Machine) Finish() []Effect {
	if m.phase == PhaseDone {
		return nil
	}
	var effects []Effect
	if m.countdown > 0 {
		effects = append(effects, StopTimer{ID: TimerCountdown})
	}
	if len(m.recoveries) > 0 {
		effects = append(effects, StopTimer{ID: TimerRecovery})
	}
	m.phase = PhaseDone
	m.countdown = 0
	m.recoveries = nil
	return effects
}

func (m *Machine) setStatus(side Side, s Status) Effect {
	m.participant(side).status = s
	if side == Self && s != StatusConnected {
		m.unready(Self)
	}
	return StatusChanged{Side: side, Status: s}
}

// unready withdraws side's readiness when its share goes away before the
// battle. Readiness has to be confirmed again on the next share.
func (m *Machine) unready(side Side) {
	if m.phase == PhaseSetup {
		m.participant(side).ready = false
	}
}

// refreshOpponent derives the opponent's status from their reported share
// and the media path, then opens or closes their recovery window.
func (m *Machine) refreshOpponent(reason string) []Effect {
	if m.phase == PhaseDone {
		return nil
	}
	if m.oppSharing {
		m.oppSeen = true
	}

	next := StatusWaiting
	switch {
	case m.oppSharing && m.mediaConnected:
		next = StatusConnected
	case m.oppSharing && m.phase == PhaseSetup && m.opp.status != StatusConnected:
		next = StatusSharing
	case m.oppSeen:
		next = StatusDisconnected
	}

	var effects []Effect
	if next != m.opp.status {
		effects = append(effects, m.setStatus(Opponent, next))
	}

	if m.phase == PhaseBattle {
		if next == StatusConnected {
			effects = append(effects, m.endRecovery(Opponent)...)
		} else if m.oppSeen || m.opponentAway {
			effects = append(effects, m.startRecovery(Opponent, reason)...)
		}
		return effects
	}
	return append(effects, m.evaluate()...)
}

// preconditions returns why the battle cannot start, or "" when it can.
func (m *Machine) preconditions() string {
	switch {
	case m.self.status != StatusConnected:
		return "Your screen share is not active."
	case m.opp.status != StatusConnected:
		return "Opponent's screen share is not active."
	case !m.mediaConnected:
		return "Connection to opponent is not established."
	case !m.self.ready || !m.opp.ready:
		return "Not everyone is ready."
	}
	return ""
}

func (m *Machine) evaluate() []Effect {
	if m.phase != PhaseSetup || m.countdown > 0 || m.preconditions() != "" {
		return nil
	}
	m.countdown = m.cfg.Countdown
	return []Effect{StartTimer{ID: TimerCountdown}, CountdownTick{Remaining: m.countdown}}
}

func (m *Machine) tickCountdown() []Effect {
	if m.phase != PhaseSetup || m.countdown == 0 {
		return nil
	}
	if reason := m.preconditions(); reason != "" {
		m.countdown = 0
		return []Effect{StopTimer{ID: TimerCountdown}, CountdownAborted{Reason: reason}}
	}

	m.countdown--
	if m.countdown > 0 {
		return []Effect{CountdownTick{Remaining: m.countdown}}
	}
	m.phase = PhaseBattle
	return []Effect{StopTimer{ID: TimerCountdown}, CountdownTick{Remaining: 0}, BattleStart{}}
}

func (m *Machine) tickRecovery() []Effect {
	if m.phase != PhaseBattle || len(m.recoveries) == 0 {
		return nil
	}

	var effects []Effect
	for i := range m.recoveries {
		m.recoveries[i].remaining--
		effects = append(effects, RecoveryTick{Side: m.recoveries[i].side, Remaining: m.recoveries[i].remaining})
	}

	// Recoveries are kept in start order, so the earliest interruption
	// loses when two windows expire on the same tick.
	for _, r := range m.recoveries {
		if r.remaining <= 0 {
			m.phase = PhaseDone
			m.recoveries = nil
			return append(effects, StopTimer{ID: TimerRecovery}, ForcedSurrender{Loser: r.side})
		}
	}
	return effects
}

func (m *Machine) startRecovery(side Side, reason string) []Effect {
	if side == Opponent && m.solo {
		return nil
	}
	for _, r := range m.recoveries {
		if r.side == side {
			return nil
		}
	}

	m.recoveries = append(m.recoveries, recovery{side: side, remaining: m.cfg.RecoveryWindow})
	recoveriesStarted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("side", side.String())))

	var effects []Effect
	if len(m.recoveries) == 1 {
		effects = append(effects, StartTimer{ID: TimerRecovery})
	}
	if !m.paused {
		m.paused = true
		effects = append(effects, Paused{Reason: reason})
	}
	return append(effects, RecoveryTick{Side: side, Remaining: m.cfg.RecoveryWindow})
}

func (m *Machine) endRecovery(side Side) []Effect {
	idx := -1
	for i, r := range m.recoveries {
		if r.side == side {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	m.recoveries = append(m.recoveries[:idx], m.recoveries[idx+1:]...)

	if len(m.recoveries) > 0 {
		return nil
	}
	effects := []Effect{StopTimer{ID: TimerRecovery}}
	if m.paused {
		m.paused = false
		effects = append(effects, Resumed{})
	}
	return effects
}
