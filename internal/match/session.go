package match

import (
	"ctchen222/code-battle/internal/battle"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/internal/peer"
	"ctchen222/code-battle/internal/screenshare"
	"encoding/json"
	"log/slog"
)

// session is the arena for one pairing. Media resources hang off it and are
// released together; a new setup always starts from a fresh media set.
type session struct {
	id        uint64
	matchType MatchType
	matchID   string
	gameID    string
	roomID    string
	opponents []int64
	problem   json.RawMessage

	negotiator *peer.Negotiator
	capture    media.Track
	published  bool
	verifier   *screenshare.Machine
	runtime    *battle.Runtime

	// finishing is set once a terminal result has been accepted.
	finishing bool
	outcome   Outcome
}

func (s *session) opponentID() int64 {
	if len(s.opponents) == 0 {
		return 0
	}
	return s.opponents[0]
}

// learnOpponent records id as the opponent when none is known yet and
// reports whether it did.
func (s *session) learnOpponent(self, id int64) bool {
	if id == 0 || id == self || s.opponentID() != 0 {
		return false
	}
	s.opponents = []int64{id}
	return true
}

func (s *session) stopCapture() {
	if s.capture != nil {
		s.capture.Stop()
		s.capture = nil
	}
	s.published = false
}

// resetMedia closes the peer connection and stops the local capture.
func (s *session) resetMedia() {
	if s.negotiator != nil {
		if err := s.negotiator.Close(); err != nil {
			slog.Warn("failed to close peer connection", "game.id", s.gameID, "error", err)
		}
		s.negotiator = nil
	}
	s.stopCapture()
}

func (s *session) teardown() {
	s.resetMedia()
	s.verifier = nil
}
