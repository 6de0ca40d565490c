package match

import (
	"ctchen222/code-battle/internal/backend"
	"ctchen222/code-battle/internal/battle"
	"ctchen222/code-battle/internal/screenshare"
	"time"
)

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseQueued   Phase = "queued"
	PhaseFound    Phase = "found"
	PhaseAccepted Phase = "accepted"
	PhaseSetup    Phase = "screen-share-setup"
	PhaseBattle   Phase = "battle"
	PhaseFinished Phase = "finished"
)

type MatchType string

const (
	MatchRanked MatchType = "ranked"
	MatchCustom MatchType = "custom"
)

// State is the session state. Exactly one of the types below is current.
type State interface {
	Phase() Phase
}

type Idle struct{}

// Queued waits for an opponent, either in the ranked queue or, when RoomID
// is set, in a custom room lobby.
type Queued struct {
	RoomID string
}

type Found struct {
	MatchID   string
	Opponents []int64
	Deadline  time.Time
}

type Accepted struct {
	MatchID string
}

type Setup struct {
	GameID string
}

type Battle struct {
	GameID string
	Paused bool
}

type Finished struct {
	GameID  string
	Outcome Outcome
}

func (Idle) Phase() Phase     { return PhaseIdle }
func (Queued) Phase() Phase   { return PhaseQueued }
func (Found) Phase() Phase    { return PhaseFound }
func (Accepted) Phase() Phase { return PhaseAccepted }
func (Setup) Phase() Phase    { return PhaseSetup }
func (Battle) Phase() Phase   { return PhaseBattle }
func (Finished) Phase() Phase { return PhaseFinished }

type Result string

const (
	ResultWin       Result = "win"
	ResultLoss      Result = "loss"
	ResultDraw      Result = "draw"
	ResultCancelled Result = "cancelled"
)

// Outcome is how a session ended from the local player's point of view.
type Outcome struct {
	Result   Result
	Winner   *int64
	Reason   string
	PlusMMR  int
	MinusMMR int
}

type UpdateKind string

const (
	UpdatePhase     UpdateKind = "phase"
	UpdateStatus    UpdateKind = "status"
	UpdateCountdown UpdateKind = "countdown"
	UpdateRecovery  UpdateKind = "recovery"
	UpdateTimer     UpdateKind = "timer"
	UpdateChat      UpdateKind = "chat"
	UpdatePrompt    UpdateKind = "prompt"
	UpdateProblem   UpdateKind = "problem"
	UpdateNotice    UpdateKind = "notice"
	UpdateVerdict   UpdateKind = "verdict"
	UpdateError     UpdateKind = "error"
)

// Update is delivered to observers whenever something visible changes.
// Only the fields relevant to Kind are set.
type Update struct {
	Kind      UpdateKind
	State     State
	Side      screenshare.Side
	Status    screenshare.Status
	Remaining int
	Entry     battle.Entry
	Text      string
	Verdict   *backend.Verdict
	Err       error
}
