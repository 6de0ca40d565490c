package proto

import (
	"ctchen222/code-battle/internal/validator"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Message types exchanged over the signaling channel.
const (
	TypeWebRTCSignal       = "webrtc_signal"
	TypeChat               = "chat"
	TypeSystemWarning      = "system_warning"
	TypeMatchResult        = "match_result"
	TypeGameOver           = "game_over"
	TypeOpponentLeft       = "opponent_left"
	TypeOpponentRejoined   = "opponent_rejoined"
	TypeScreenShareStopped = "screen_share_stopped"
	TypeScreenShareStarted = "screen_share_started"
	TypeMatchFound         = "match_found"
	TypeMatchAccept        = "match_accept"
	TypeMatchDecline       = "match_decline"
	TypeMatchAccepted      = "match_accepted"
	TypeMatchCancelled     = "match_cancelled"
	TypeTimerSync          = "timer_sync"
	TypePlayerReady        = "player_ready"
	TypeReady              = "ready"
	TypeAllReady           = "all_ready"
	TypeRoomInfoUpdate     = "room_info_update"
	TypePlayerJoin         = "player_join"
	TypePlayerLeave        = "player_leave"
	TypeGameStart          = "game_start"
	TypeGetProblem         = "get_problem"
	TypeError              = "error"
)

// Match result reasons.
const (
	ReasonFinish    = "finish"
	ReasonTimeout   = "timeout"
	ReasonSurrender = "surrender"
	ReasonWalkover  = "walkover"
	ReasonLate      = "late"
	ReasonDraw      = "draw"
)

// SignalType discriminates the payload carried in a webrtc_signal message.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalJoin      SignalType = "join"
)

// Envelope is the decoded head of any inbound message. Raw keeps the full
// document so the payload can be decoded once the type is known.
type Envelope struct {
	Type string          `json:"type" validate:"required"`
	From int64           `json:"from,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// Decode parses the type discriminator of a raw message.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := validator.GetValidator().Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

// Payload decodes the full message into v and validates it.
func (e Envelope) Payload(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	if err := validator.GetValidator().Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// Signal is the negotiation payload nested in a webrtc_signal message.
type Signal struct {
	Type      SignalType               `json:"type" validate:"required,oneof=offer answer candidate join"`
	SDP       string                   `json:"sdp,omitempty" validate:"required_if=Type offer,required_if=Type answer"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty" validate:"required_if=Type candidate"`
}

type WebRTCSignal struct {
	Type   string `json:"type"`
	Signal Signal `json:"signal"`
}

// NewDescriptionSignal wraps a local session description for the wire.
func NewDescriptionSignal(desc webrtc.SessionDescription) WebRTCSignal {
	return WebRTCSignal{Type: TypeWebRTCSignal, Signal: Signal{Type: SignalType(desc.Type.String()), SDP: desc.SDP}}
}

// NewCandidateSignal wraps a trickled ICE candidate for the wire.
func NewCandidateSignal(c webrtc.ICECandidateInit) WebRTCSignal {
	return WebRTCSignal{Type: TypeWebRTCSignal, Signal: Signal{Type: SignalCandidate, Candidate: &c}}
}

// NewJoinSignal announces the sender's presence to the opposite peer.
func NewJoinSignal() WebRTCSignal {
	return WebRTCSignal{Type: TypeWebRTCSignal, Signal: Signal{Type: SignalJoin}}
}

// Description converts an offer or answer signal into a pion description.
func (s Signal) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(s.Type)), SDP: s.SDP}
}

type Chat struct {
	Type    string `json:"type"`
	Message string `json:"message" validate:"required"`
	UserID  int64  `json:"user_id,omitempty"`
}

type SystemWarning struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id" validate:"required"`
	Event  string `json:"event" validate:"required"`
	Count  int    `json:"count"`
}

// MatchResult ends a battle. A nil Winner is a draw.
type MatchResult struct {
	Type     string `json:"type"`
	Winner   *int64 `json:"winner"`
	Reason   string `json:"reason" validate:"required,oneof=finish timeout surrender walkover late draw"`
	PlusMMR  int    `json:"plus_mmr,omitempty"`
	MinusMMR int    `json:"minus_mmr,omitempty"`
}

// GameOver is sent when the battle clock runs out. A missing reason means
// timeout.
type GameOver struct {
	Type     string `json:"type"`
	Winner   *int64 `json:"winner"`
	Reason   string `json:"reason,omitempty" validate:"omitempty,oneof=finish timeout surrender walkover late draw"`
	PlusMMR  int    `json:"plus_mmr,omitempty"`
	MinusMMR int    `json:"minus_mmr,omitempty"`
}

// Result converts the message into the equivalent match_result.
func (g GameOver) Result() MatchResult {
	reason := g.Reason
	if reason == "" {
		reason = ReasonTimeout
	}
	return MatchResult{Type: TypeMatchResult, Winner: g.Winner, Reason: reason, PlusMMR: g.PlusMMR, MinusMMR: g.MinusMMR}
}

type ScreenShare struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id,omitempty"`
}

type MatchFound struct {
	Type        string  `json:"type"`
	MatchID     string  `json:"match_id" validate:"required"`
	TimeLimit   int     `json:"time_limit" validate:"gte=0"`
	OpponentIDs []int64 `json:"opponent_ids"`
}

type MatchDecision struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id" validate:"required"`
}

type MatchAccepted struct {
	Type    string          `json:"type"`
	GameID  string          `json:"game_id" validate:"required"`
	Problem json.RawMessage `json:"problem,omitempty"`
}

type MatchCancelled struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type TimerSync struct {
	Type     string `json:"type"`
	TimeLeft int    `json:"timeLeft" validate:"gte=0"`
}

type PlayerReady struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id,omitempty"`
}

type RoomPlayer struct {
	UserID int64 `json:"user_id" validate:"required"`
	Ready  bool  `json:"ready"`
}

type RoomInfoUpdate struct {
	Type    string       `json:"type"`
	RoomID  string       `json:"room_id" validate:"required"`
	Players []RoomPlayer `json:"players" validate:"dive"`
}

type RoomMember struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id" validate:"required"`
}

// GameStart moves a custom room into screen-share setup.
type GameStart struct {
	Type    string          `json:"type"`
	GameID  string          `json:"game_id" validate:"required"`
	Problem json.RawMessage `json:"problem,omitempty"`
}

type GetProblem struct {
	Type    string          `json:"type"`
	GameID  string          `json:"game_id,omitempty"`
	Problem json.RawMessage `json:"problem,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Typed is any message without a payload beyond its discriminator.
type Typed struct {
	Type string `json:"type"`
}

// Stamp returns data with its "from" field set to sender. Relays use it
// to attribute forwarded messages.
func Stamp(data []byte, sender int64) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	from, err := json.Marshal(sender)
	if err != nil {
		return nil, err
	}
	fields["from"] = from
	return json.Marshal(fields)
}
