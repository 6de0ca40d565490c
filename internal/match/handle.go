package match

import (
	"context"
	"ctchen222/code-battle/internal/battle"
	"ctchen222/code-battle/internal/history"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/internal/peer"
	"ctchen222/code-battle/internal/screenshare"
	"ctchen222/code-battle/internal/signaling"
	"ctchen222/code-battle/pkg/proto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case messageEvent:
		c.handleMessage(ev.env)
	case connectedEvent:
		c.onConnected(ev)
	case closedEvent:
		c.onClosed(ev)
	case tickEvent:
		c.onTick(ev)
	case capturedEvent:
		c.onCaptured(ev)
	case trackEndedEvent:
		if s := c.live(ev.session); s != nil && s.capture == ev.track {
			s.capture = nil
			s.published = false
			c.apply(s.verifier.LocalShareEnded())
		}
	case mediaStateEvent:
		c.onMediaState(ev)
	case remoteTrackEvent:
		if s := c.live(ev.session); s != nil {
			slog.InfoContext(c.ctx, "remote track received", "game.id", s.gameID, "track.kind", ev.track.Kind)
			c.apply(s.verifier.RemoteTrack())
		}
	case verdictEvent:
		c.onVerdict(ev)
	case leftRoomEvent:
		if c.sess == nil || c.sess.id != ev.session {
			return
		}
		if ev.err != nil {
			slog.WarnContext(c.ctx, "failed to leave room", "room.id", c.sess.roomID, "error", ev.err)
		}
		c.complete(c.sess)
	case resumeEvent:
		c.onResume(ev)

	case joinQueueAction:
		if c.state.Phase() != PhaseIdle {
			c.reject("join queue", ErrInvalidPhase)
			return
		}
		c.newSession(MatchRanked)
		c.setState(Queued{})
		c.connect(c.deps.Endpoints.Queue(c.selfID))
	case joinRoomAction:
		if c.state.Phase() != PhaseIdle {
			c.reject("join room", ErrInvalidPhase)
			return
		}
		s := c.newSession(MatchCustom)
		s.roomID = ev.roomID
		c.setState(Queued{RoomID: ev.roomID})
		c.connect(c.deps.Endpoints.Room(ev.roomID, c.selfID))
	case resumeAction:
		if c.state.Phase() != PhaseIdle || c.deps.History == nil {
			c.reject("resume game", ErrInvalidPhase)
			return
		}
		ctx, self := c.ctx, c.selfID
		c.exec(func() {
			g, err := c.deps.History.ActiveGame(ctx, self)
			c.post(resumeEvent{game: g, err: err})
		})
	case acceptAction:
		found, ok := c.state.(Found)
		if !ok {
			c.reject("accept", ErrInvalidPhase)
			return
		}
		c.send(proto.MatchDecision{Type: proto.TypeMatchAccept, MatchID: found.MatchID})
		c.setState(Accepted{MatchID: found.MatchID})
	case declineAction:
		found, ok := c.state.(Found)
		if !ok {
			c.reject("decline", ErrInvalidPhase)
			return
		}
		c.send(proto.MatchDecision{Type: proto.TypeMatchDecline, MatchID: found.MatchID})
		c.cancel("declined")
	case startShareAction:
		if s := c.inGame(); s != nil {
			c.apply(s.verifier.StartShare())
		} else {
			c.reject("start share", ErrInvalidPhase)
		}
	case confirmReadyAction:
		if s := c.inGame(); s != nil {
			c.apply(s.verifier.ConfirmReady())
		} else {
			c.reject("ready", ErrInvalidPhase)
		}
	case continueSoloAction:
		if s := c.inGame(); s != nil {
			c.apply(s.verifier.ContinueSolo())
		} else {
			c.reject("continue solo", ErrInvalidPhase)
		}
	case surrenderAction:
		if s := c.inGame(); s != nil {
			c.surrender(s, screenshare.Self)
		} else {
			c.reject("surrender", ErrInvalidPhase)
		}
	case leaveAction:
		c.onLeave()
	case chatAction:
		s := c.inGame()
		if s == nil {
			c.reject("chat", ErrInvalidPhase)
			return
		}
		c.send(proto.Chat{Type: proto.TypeChat, Message: ev.text})
		c.emit(Update{Kind: UpdateChat, Entry: s.runtime.AddChat(c.selfID, ev.text)})
	case codeAction:
		c.onCode(ev)
	case returnToLobbyAction:
		if c.state.Phase() != PhaseFinished {
			c.reject("return to lobby", ErrInvalidPhase)
			return
		}
		c.abandon("")
	case closeAction:
		c.shutdown()
	}
}

func (c *Controller) newSession(t MatchType) *session {
	if c.sess != nil {
		c.sess.teardown()
	}
	c.nextSess++
	c.sess = &session{id: c.nextSess, matchType: t}
	return c.sess
}

// live returns the current session when id still refers to it and it has
// not ended.
func (c *Controller) live(id uint64) *session {
	if c.sess == nil || c.sess.id != id || c.sess.finishing || c.sess.verifier == nil {
		return nil
	}
	return c.sess
}

// inGame returns the session while in screen-share setup or battle.
func (c *Controller) inGame() *session {
	switch c.state.Phase() {
	case PhaseSetup, PhaseBattle:
		if c.sess != nil && !c.sess.finishing && c.sess.verifier != nil {
			return c.sess
		}
	}
	return nil
}

func (c *Controller) gameURL() string {
	return c.deps.Endpoints.Game(c.sess.gameID, c.selfID)
}

// role decides who creates offers: the smaller id.
func (c *Controller) role() peer.Role {
	opp := c.sess.opponentID()
	switch {
	case opp == 0:
		return peer.RoleUnknown
	case c.selfID < opp:
		return peer.RoleOfferer
	default:
		return peer.RoleAnswerer
	}
}

func (c *Controller) connect(url string) {
	ctx := c.ctx
	c.exec(func() {
		err := c.deps.Signaler.Connect(ctx, url)
		c.post(connectedEvent{url: url, err: err})
	})
}

func (c *Controller) send(v any) {
	if err := c.deps.Signaler.Send(v); err != nil {
		slog.WarnContext(c.ctx, "failed to send message", "phase", string(c.state.Phase()), "error", err)
	}
}

func (c *Controller) notice(text string) {
	c.emit(Update{Kind: UpdateNotice, Text: text})
}

// system adds a system chat entry when a battle runtime exists and falls
// back to a plain notice otherwise.
func (c *Controller) system(s *session, text string) {
	if s == nil || s.runtime == nil {
		c.notice(text)
		return
	}
	c.emit(Update{Kind: UpdateChat, Entry: s.runtime.AddSystem(text)})
}

func (c *Controller) reject(action string, err error) {
	slog.DebugContext(c.ctx, "action rejected", "action", action, "phase", string(c.state.Phase()))
	c.emit(Update{Kind: UpdateError, Err: fmt.Errorf("%s: %w", action, err)})
}

// abandon drops the session and returns to the lobby.
func (c *Controller) abandon(text string) {
	c.stopAllTimers()
	if c.sess != nil {
		c.sess.teardown()
		c.sess = nil
	}
	c.deps.Signaler.Disconnect()
	c.setState(Idle{})
	if text != "" {
		c.notice(text)
	}
}

// cancel ends a match that never started.
func (c *Controller) cancel(reason string) {
	c.stopAllTimers()
	if c.sess != nil {
		c.sess.teardown()
	}
	c.deps.Signaler.Disconnect()
	c.setState(Finished{Outcome: Outcome{Result: ResultCancelled, Reason: reason}})
}

func (c *Controller) onConnected(ev connectedEvent) {
	if ev.err != nil {
		if errors.Is(ev.err, signaling.ErrSuperseded) {
			return
		}
		switch c.state.Phase() {
		case PhaseQueued, PhaseFound, PhaseAccepted:
			c.abandon("Could not reach the server.")
		case PhaseSetup, PhaseBattle:
			if c.sess != nil && !c.sess.finishing {
				c.notice("Connection lost, retrying.")
				c.startTimer(timerReconnect, reconnectDelay, false)
			}
		}
		return
	}

	s := c.inGame()
	if s == nil || ev.url != c.gameURL() {
		return
	}
	if s.negotiator != nil {
		if err := s.negotiator.Join(c.ctx); err != nil {
			slog.WarnContext(c.ctx, "failed to announce join", "game.id", s.gameID, "error", err)
		}
	} else {
		c.send(proto.NewJoinSignal())
	}
	if len(s.problem) == 0 {
		c.send(proto.GetProblem{Type: proto.TypeGetProblem, GameID: s.gameID})
	}
	// The opponent may have missed our share while we were away.
	c.apply(s.verifier.Announce())
}

func (c *Controller) onClosed(ev closedEvent) {
	switch c.state.Phase() {
	case PhaseQueued, PhaseFound, PhaseAccepted:
		c.abandon("Connection to the server was lost.")
	case PhaseSetup, PhaseBattle:
		if c.sess == nil || c.sess.finishing {
			return
		}
		slog.WarnContext(c.ctx, "game connection lost, reconnecting", "game.id", c.sess.gameID, "error", ev.err)
		c.connect(c.gameURL())
	}
}

func (c *Controller) onTick(ev tickEvent) {
	switch ev.key {
	case timerAccept:
		if !c.current(ev, false) {
			return
		}
		switch st := c.state.(type) {
		case Found:
			c.send(proto.MatchDecision{Type: proto.TypeMatchDecline, MatchID: st.MatchID})
			c.cancel("accept window expired")
		case Accepted:
			slog.InfoContext(c.ctx, "accept window elapsed, waiting for server", "match.id", st.MatchID)
		}
	case timerBattle:
		if !c.current(ev, true) || c.sess == nil || c.sess.runtime == nil {
			return
		}
		c.emit(Update{Kind: UpdateTimer, Remaining: c.sess.runtime.Tick()})
	case timerReconnect:
		if !c.current(ev, false) {
			return
		}
		if c.inGame() != nil {
			c.connect(c.gameURL())
		}
	default:
		if !c.current(ev, true) || c.sess == nil || c.sess.verifier == nil {
			return
		}
		c.apply(c.sess.verifier.Tick(screenshare.TimerID(ev.key)))
	}
}

func (c *Controller) onCaptured(ev capturedEvent) {
	s := c.live(ev.session)
	if s == nil {
		if ev.track != nil {
			ev.track.Stop()
		}
		return
	}
	if ev.err != nil {
		c.apply(s.verifier.CaptureFailed(ev.err))
		return
	}

	if s.capture != nil {
		s.capture.Stop()
	}
	s.capture = ev.track
	s.published = false
	go func(id uint64, track media.Track) {
		<-track.Ended()
		c.post(trackEndedEvent{session: id, track: track})
	}(s.id, ev.track)

	c.apply(s.verifier.CaptureSucceeded(ev.track.Surface()))
}

func (c *Controller) onMediaState(ev mediaStateEvent) {
	s := c.live(ev.session)
	if s == nil {
		return
	}
	switch ev.state {
	case peer.MediaConnected:
		c.apply(s.verifier.MediaChanged(true))
	case peer.MediaLost:
		c.apply(s.verifier.MediaChanged(false))
	}
}

func (c *Controller) onResume(ev resumeEvent) {
	if c.state.Phase() != PhaseIdle {
		return
	}
	if ev.err != nil {
		slog.ErrorContext(c.ctx, "failed to load active game", "error", ev.err)
		c.reject("resume game", ev.err)
		return
	}
	if ev.game == nil {
		c.notice("No unfinished game to resume.")
		return
	}

	s := c.newSession(MatchType(ev.game.MatchType))
	s.gameID = ev.game.GameID
	s.roomID = ev.game.RoomID
	s.learnOpponent(c.selfID, ev.game.OpponentID)
	c.enterSetup()
}

func (c *Controller) onLeave() {
	switch st := c.state.(type) {
	case Queued:
		if st.RoomID != "" {
			ctx, roomID := c.ctx, st.RoomID
			c.exec(func() {
				if err := c.deps.Backend.LeaveRoom(ctx, roomID); err != nil {
					slog.WarnContext(ctx, "failed to leave room", "room.id", roomID, "error", err)
				}
			})
		}
		c.abandon("")
	case Found:
		c.send(proto.MatchDecision{Type: proto.TypeMatchDecline, MatchID: st.MatchID})
		c.cancel("declined")
	case Accepted:
		c.send(proto.MatchDecision{Type: proto.TypeMatchDecline, MatchID: st.MatchID})
		c.cancel("left")
	case Setup, Battle:
		if s := c.inGame(); s != nil {
			c.surrender(s, screenshare.Self)
		}
	default:
		c.reject("leave match", ErrInvalidPhase)
	}
}

func (c *Controller) onCode(ev codeAction) {
	s := c.inGame()
	if s == nil || c.state.Phase() != PhaseBattle {
		c.reject(ev.action, ErrInvalidPhase)
		return
	}
	gate := s.runtime.CanRun
	if ev.action == "submit" {
		gate = s.runtime.CanSubmit
	}
	if err := gate(); err != nil {
		c.reject(ev.action, err)
		return
	}

	ctx, id, gameID := c.ctx, s.id, s.gameID
	c.exec(func() {
		call := c.deps.Backend.Run
		if ev.action == "submit" {
			call = c.deps.Backend.Submit
		}
		v, err := call(ctx, gameID, ev.req)
		c.post(verdictEvent{session: id, action: ev.action, verdict: v, err: err})
	})
}

func (c *Controller) onVerdict(ev verdictEvent) {
	if c.sess == nil || c.sess.id != ev.session {
		return
	}
	if ev.err != nil {
		slog.WarnContext(c.ctx, "code action failed", "action", ev.action, "game.id", c.sess.gameID, "error", ev.err)
		c.emit(Update{Kind: UpdateError, Err: fmt.Errorf("%s: %w", ev.action, ev.err)})
		return
	}
	c.emit(Update{Kind: UpdateVerdict, Text: ev.action, Verdict: ev.verdict})
}

// enterSetup starts screen-share setup for the session's game with a fresh
// peer connection and verifier.
func (c *Controller) enterSetup() {
	s := c.sess
	s.resetMedia()
	s.finishing = false
	s.verifier = screenshare.NewMachine(c.opts.Screenshare)
	s.runtime = battle.NewRuntime(c.selfID, 0)

	pc, err := c.deps.Peers()
	if err != nil {
		slog.ErrorContext(c.ctx, "failed to create peer connection", "game.id", s.gameID, "error", err)
		c.notice("Could not set up the media connection.")
	} else {
		id := s.id
		s.negotiator = peer.NewNegotiator(pc, c.deps.Signaler, peer.Options{
			Role:          c.role(),
			OnMediaState:  func(st peer.MediaState) { c.post(mediaStateEvent{session: id, state: st}) },
			OnRemoteTrack: func(t peer.RemoteTrack) { c.post(remoteTrackEvent{session: id, track: t}) },
		})
	}

	c.persistActive(s)
	c.setState(Setup{GameID: s.gameID})
	if len(s.problem) > 0 {
		c.emit(Update{Kind: UpdateProblem, Text: string(s.problem)})
	}
	c.connect(c.gameURL())
}

func (c *Controller) persistActive(s *session) {
	if c.deps.History == nil {
		return
	}
	ctx := c.ctx
	g := history.ActiveGame{
		UserID:     c.selfID,
		GameID:     s.gameID,
		MatchType:  string(s.matchType),
		RoomID:     s.roomID,
		OpponentID: s.opponentID(),
	}
	c.exec(func() {
		if err := c.deps.History.SaveActiveGame(ctx, g); err != nil {
			slog.WarnContext(ctx, "failed to persist active game", "game.id", g.GameID, "error", err)
		}
	})
}

func (c *Controller) handleMessage(env proto.Envelope) {
	ctx, span := tracer.Start(c.ctx, "match.dispatch", trace.WithAttributes(
		attribute.String("message.type", env.Type),
		attribute.String("phase", string(c.state.Phase())),
	))
	defer span.End()

	if env.Type == proto.TypeError {
		var msg proto.Error
		if c.decode(ctx, span, env, &msg) {
			c.system(c.inGame(), "Server error: "+msg.Message)
		}
		return
	}

	switch c.state.Phase() {
	case PhaseQueued:
		c.handleLobbyMessage(ctx, span, env)
	case PhaseFound, PhaseAccepted:
		c.handleAcceptMessage(ctx, span, env)
	case PhaseSetup, PhaseBattle:
		if s := c.inGame(); s != nil {
			c.handleGameMessage(ctx, span, s, env)
		}
	default:
		slog.DebugContext(ctx, "ignoring message", "message.type", env.Type, "phase", string(c.state.Phase()))
	}
}

func (c *Controller) decode(ctx context.Context, span trace.Span, env proto.Envelope, v any) bool {
	if err := env.Payload(v); err != nil {
		slog.WarnContext(ctx, "dropping invalid message", "message.type", env.Type, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid payload")
		return false
	}
	return true
}

func (c *Controller) handleLobbyMessage(ctx context.Context, span trace.Span, env proto.Envelope) {
	s := c.sess
	switch env.Type {
	case proto.TypeMatchFound:
		var msg proto.MatchFound
		if s.matchType != MatchRanked || !c.decode(ctx, span, env, &msg) {
			return
		}
		window := time.Duration(msg.TimeLimit) * time.Second
		if window <= 0 {
			window = c.opts.AcceptWindow
		}
		s.matchID = msg.MatchID
		s.opponents = s.opponents[:0]
		for _, id := range msg.OpponentIDs {
			if id != c.selfID {
				s.opponents = append(s.opponents, id)
			}
		}
		c.startTimer(timerAccept, window, false)
		c.setState(Found{MatchID: msg.MatchID, Opponents: s.opponents, Deadline: c.deps.Clock.Now().Add(window)})

	case proto.TypeRoomInfoUpdate:
		var msg proto.RoomInfoUpdate
		if !c.decode(ctx, span, env, &msg) {
			return
		}
		for _, p := range msg.Players {
			s.learnOpponent(c.selfID, p.UserID)
		}
		c.notice(fmt.Sprintf("Room %s: %d/2 players.", msg.RoomID, len(msg.Players)))
	case proto.TypePlayerJoin:
		var msg proto.RoomMember
		if !c.decode(ctx, span, env, &msg) || msg.UserID == c.selfID {
			return
		}
		s.learnOpponent(c.selfID, msg.UserID)
		c.notice(fmt.Sprintf("Player %d joined the room.", msg.UserID))
	case proto.TypePlayerLeave:
		var msg proto.RoomMember
		if !c.decode(ctx, span, env, &msg) || msg.UserID == c.selfID {
			return
		}
		if s.opponentID() == msg.UserID {
			s.opponents = nil
		}
		c.notice(fmt.Sprintf("Player %d left the room.", msg.UserID))
	case proto.TypeGameStart:
		var msg proto.GameStart
		if s.matchType != MatchCustom || !c.decode(ctx, span, env, &msg) {
			return
		}
		s.gameID = msg.GameID
		s.problem = msg.Problem
		c.enterSetup()
	}
}

func (c *Controller) handleAcceptMessage(ctx context.Context, span trace.Span, env proto.Envelope) {
	s := c.sess
	switch env.Type {
	case proto.TypeMatchAccepted:
		var msg proto.MatchAccepted
		if !c.decode(ctx, span, env, &msg) {
			return
		}
		c.stopTimer(timerAccept)
		s.gameID = msg.GameID
		s.problem = msg.Problem
		span.SetAttributes(attribute.String("game.id", msg.GameID))
		c.enterSetup()
	case proto.TypeMatchCancelled:
		var msg proto.MatchCancelled
		if !c.decode(ctx, span, env, &msg) {
			return
		}
		reason := msg.Reason
		if reason == "" {
			reason = "cancelled"
		}
		c.cancel(reason)
	}
}

func (c *Controller) handleGameMessage(ctx context.Context, span trace.Span, s *session, env proto.Envelope) {
	if env.From == c.selfID && env.Type != proto.TypeMatchResult {
		return
	}
	if s.learnOpponent(c.selfID, env.From) {
		c.persistActive(s)
	}
	if s.negotiator != nil {
		if err := s.negotiator.SetRole(ctx, c.role()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to update negotiation role")
		}
	}

	switch env.Type {
	case proto.TypeWebRTCSignal:
		var msg proto.WebRTCSignal
		if !c.decode(ctx, span, env, &msg) {
			return
		}
		if s.negotiator == nil {
			slog.WarnContext(ctx, "dropping signal without peer connection", "error", peer.ErrNoPeerConnection)
			return
		}
		if err := s.negotiator.HandleSignal(ctx, msg.Signal); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to apply signal")
		}
	case proto.TypeScreenShareStarted:
		c.apply(s.verifier.RemoteShareStarted())
	case proto.TypeScreenShareStopped:
		c.apply(s.verifier.RemoteShareStopped())
	case proto.TypePlayerReady, proto.TypeReady:
		c.apply(s.verifier.RemoteReady())
	case proto.TypeAllReady:
		c.apply(s.verifier.AllReady())
	case proto.TypeOpponentLeft:
		c.apply(s.verifier.OpponentLeft())
	case proto.TypeOpponentRejoined:
		c.apply(s.verifier.OpponentRejoined())
	case proto.TypeChat:
		var msg proto.Chat
		if !c.decode(ctx, span, env, &msg) {
			return
		}
		from := env.From
		if from == 0 {
			from = msg.UserID
		}
		c.emit(Update{Kind: UpdateChat, Entry: s.runtime.AddChat(from, msg.Message)})
	case proto.TypeSystemWarning:
		var msg proto.SystemWarning
		if c.decode(ctx, span, env, &msg) {
			c.emit(Update{Kind: UpdateChat, Entry: s.runtime.Warning(msg)})
		}
	case proto.TypeTimerSync:
		var msg proto.TimerSync
		if c.decode(ctx, span, env, &msg) {
			s.runtime.Sync(msg.TimeLeft)
			c.emit(Update{Kind: UpdateTimer, Remaining: s.runtime.TimeLeft()})
		}
	case proto.TypeMatchResult:
		var msg proto.MatchResult
		if c.decode(ctx, span, env, &msg) {
			c.finish(msg)
		}
	case proto.TypeGameOver:
		var msg proto.GameOver
		if c.decode(ctx, span, env, &msg) {
			c.finish(msg.Result())
		}
	case proto.TypeGetProblem:
		var msg proto.GetProblem
		if c.decode(ctx, span, env, &msg) && len(msg.Problem) > 0 {
			s.problem = msg.Problem
			c.emit(Update{Kind: UpdateProblem, Text: string(msg.Problem)})
		}
	default:
		slog.DebugContext(ctx, "ignoring message", "message.type", env.Type)
	}
}
