package screenshare

// Effect is an action the owner of a Machine carries out.
type Effect interface{ isEffect() }

// RequestCapture asks for a new screen capture.
type RequestCapture struct{}

// StopCapture releases the current capture.
type StopCapture struct{}

// PublishCapture hands the current capture to the peer connection.
type PublishCapture struct{}

// Send writes Message to the signaling channel.
type Send struct{ Message any }

type StartTimer struct{ ID TimerID }

type StopTimer struct{ ID TimerID }

type StatusChanged struct {
	Side   Side
	Status Status
}

type CountdownTick struct{ Remaining int }

type CountdownAborted struct{ Reason string }

// BattleStart is emitted once, when the countdown completes.
type BattleStart struct{}

type Paused struct{ Reason string }

type Resumed struct{}

type RecoveryTick struct {
	Side      Side
	Remaining int
}

// ForcedSurrender ends the match against Loser after a recovery window
// expired.
type ForcedSurrender struct{ Loser Side }

type StayOrLeavePrompt struct{}

// Notice is a user-facing system message.
type Notice struct{ Text string }

// Renegotiate asks for a fresh media session with the opponent.
type Renegotiate struct{}

func (RequestCapture) isEffect()    {}
func (StopCapture) isEffect()       {}
func (PublishCapture) isEffect()    {}
func (Send) isEffect()              {}
func (StartTimer) isEffect()        {}
func (StopTimer) isEffect()         {}
func (StatusChanged) isEffect()     {}
func (CountdownTick) isEffect()     {}
func (CountdownAborted) isEffect()  {}
func (BattleStart) isEffect()       {}
func (Paused) isEffect()            {}
func (Resumed) isEffect()           {}
func (RecoveryTick) isEffect()      {}
func (ForcedSurrender) isEffect()   {}
func (StayOrLeavePrompt) isEffect() {}
func (Notice) isEffect()            {}
func (Renegotiate) isEffect()       {}
