package match

import (
	"ctchen222/code-battle/internal/history"
	"ctchen222/code-battle/internal/peer"
	"ctchen222/code-battle/internal/screenshare"
	"ctchen222/code-battle/pkg/proto"
	"database/sql"
	"log/slog"
	"time"
)

// apply carries out verifier effects in order.
func (c *Controller) apply(effects []screenshare.Effect) {
	s := c.sess
	for _, e := range effects {
		switch e := e.(type) {
		case screenshare.RequestCapture:
			c.requestCapture(s)
		case screenshare.StopCapture:
			s.stopCapture()
		case screenshare.PublishCapture:
			c.publish(s)
		case screenshare.Send:
			c.send(e.Message)
		case screenshare.StartTimer:
			c.startTimer(timerKey(e.ID), time.Second, true)
		case screenshare.StopTimer:
			c.stopTimer(timerKey(e.ID))
		case screenshare.StatusChanged:
			c.emit(Update{Kind: UpdateStatus, Side: e.Side, Status: e.Status})
		case screenshare.CountdownTick:
			c.emit(Update{Kind: UpdateCountdown, Remaining: e.Remaining})
		case screenshare.CountdownAborted:
			c.system(s, "Countdown stopped: "+e.Reason)
		case screenshare.BattleStart:
			c.startBattle(s)
		case screenshare.Paused:
			s.runtime.SetPaused(true)
			c.setState(Battle{GameID: s.gameID, Paused: true})
			c.system(s, e.Reason+" Gameplay is paused.")
		case screenshare.Resumed:
			s.runtime.SetPaused(false)
			c.setState(Battle{GameID: s.gameID})
			c.system(s, "Gameplay resumed.")
		case screenshare.RecoveryTick:
			c.emit(Update{Kind: UpdateRecovery, Side: e.Side, Remaining: e.Remaining})
		case screenshare.ForcedSurrender:
			c.surrender(s, e.Loser)
		case screenshare.StayOrLeavePrompt:
			c.emit(Update{Kind: UpdatePrompt, Text: "Your opponent left. Continue solo or leave the match?"})
		case screenshare.Notice:
			c.system(s, e.Text)
		case screenshare.Renegotiate:
			if s.negotiator != nil && s.published {
				if err := s.negotiator.Restart(c.ctx); err != nil {
					slog.WarnContext(c.ctx, "failed to renegotiate", "game.id", s.gameID, "error", err)
				}
			}
		}
	}
}

func (c *Controller) requestCapture(s *session) {
	ctx, id := c.ctx, s.id
	c.exec(func() {
		track, err := c.deps.Capturer.Capture(ctx)
		c.post(capturedEvent{session: id, track: track, err: err})
	})
}

func (c *Controller) publish(s *session) {
	if s.capture == nil {
		return
	}
	if s.negotiator == nil {
		slog.ErrorContext(c.ctx, "cannot publish screen share", "game.id", s.gameID, "error", peer.ErrNoPeerConnection)
		c.system(s, "Your screen could not be sent to your opponent.")
		return
	}
	if err := s.negotiator.ShareTrack(c.ctx, s.capture.Local()); err != nil {
		slog.WarnContext(c.ctx, "failed to publish screen share", "game.id", s.gameID, "error", err)
		return
	}
	s.published = true
}

func (c *Controller) startBattle(s *session) {
	s.runtime.SetPaused(false)
	c.setState(Battle{GameID: s.gameID})
	c.startTimer(timerBattle, time.Second, true)
	c.system(s, "Battle started. Good luck!")
}

// surrender ends the game with loser giving up. The result is sent to the
// relay and applied locally without waiting for its echo.
func (c *Controller) surrender(s *session, loser screenshare.Side) {
	var winner *int64
	if loser == screenshare.Opponent {
		self := c.selfID
		winner = &self
	} else if opp := s.opponentID(); opp != 0 {
		winner = &opp
	}
	res := proto.MatchResult{Type: proto.TypeMatchResult, Winner: winner, Reason: proto.ReasonSurrender}
	c.send(res)
	c.finish(res)
}

// finish applies the first terminal result of the session. Later results
// are ignored.
func (c *Controller) finish(res proto.MatchResult) {
	s := c.sess
	if s == nil || s.finishing {
		slog.InfoContext(c.ctx, "ignoring result after session end", "reason", res.Reason)
		return
	}
	s.finishing = true
	if s.verifier != nil {
		c.apply(s.verifier.Finish())
	}
	c.stopTimer(timerBattle)
	c.stopTimer(timerReconnect)
	s.outcome = c.outcomeOf(res)

	if res.Reason == proto.ReasonFinish && s.outcome.Result == ResultWin && s.matchType == MatchCustom && s.roomID != "" {
		ctx, id, roomID := c.ctx, s.id, s.roomID
		c.exec(func() {
			err := c.deps.Backend.LeaveRoom(ctx, roomID)
			c.post(leftRoomEvent{session: id, err: err})
		})
		return
	}
	c.complete(s)
}

func (c *Controller) complete(s *session) {
	s.resetMedia()
	c.recordResult(s)
	slog.InfoContext(c.ctx, "game finished", "game.id", s.gameID, "result", string(s.outcome.Result), "reason", s.outcome.Reason)
	c.setState(Finished{GameID: s.gameID, Outcome: s.outcome})
}

func (c *Controller) outcomeOf(res proto.MatchResult) Outcome {
	o := Outcome{Winner: res.Winner, Reason: res.Reason, PlusMMR: res.PlusMMR, MinusMMR: res.MinusMMR}
	switch {
	case res.Winner == nil || res.Reason == proto.ReasonDraw:
		o.Result = ResultDraw
	case *res.Winner == c.selfID:
		o.Result = ResultWin
	default:
		o.Result = ResultLoss
	}
	return o
}

func (c *Controller) recordResult(s *session) {
	if c.deps.History == nil {
		return
	}
	r := history.Result{
		GameID:   s.gameID,
		UserID:   c.selfID,
		Reason:   s.outcome.Reason,
		Outcome:  string(s.outcome.Result),
		PlusMMR:  s.outcome.PlusMMR,
		MinusMMR: s.outcome.MinusMMR,
	}
	if s.outcome.Winner != nil {
		r.Winner = sql.NullInt64{Int64: *s.outcome.Winner, Valid: true}
	}
	ctx, self := c.ctx, c.selfID
	c.exec(func() {
		if err := c.deps.History.RecordResult(ctx, r); err != nil {
			slog.WarnContext(ctx, "failed to record result", "game.id", r.GameID, "error", err)
		}
		if err := c.deps.History.ClearActiveGame(ctx, self); err != nil {
			slog.WarnContext(ctx, "failed to clear active game", "error", err)
		}
	})
}
