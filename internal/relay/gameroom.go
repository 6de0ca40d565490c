package relay

import (
	"context"
	"ctchen222/code-battle/internal/events"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/pkg/proto"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type inbound struct {
	player *player.Player
	data   []byte
}

type finishRequest struct {
	result proto.MatchResult
	// record is false when the result was already stored elsewhere and only
	// needs announcing.
	record bool
	reply  chan error
}

// GameRoom forwards traffic between the two participants of one game and
// owns its clock and result. All state is confined to the run goroutine.
type GameRoom struct {
	game *repository.Game
	hub  *Hub

	conns      map[int64]*player.Player
	ready      map[int64]bool
	awaySince  map[int64]time.Time
	joined     map[int64]bool
	clockStart time.Time
	result     *proto.MatchResult

	// interrupted holds participants whose share is down after the clock
	// started. The clock stands still while any are listed.
	interrupted map[int64]bool
	pausedAt    time.Time
	pausedFor   time.Duration

	joins    chan *player.Player
	leaves   chan *player.Player
	incoming chan inbound
	finishes chan finishRequest
	done     chan struct{}
}

func newGameRoom(g *repository.Game, h *Hub) *GameRoom {
	r := &GameRoom{
		game:      g,
		hub:       h,
		conns:     make(map[int64]*player.Player, 2),
		ready:     make(map[int64]bool, 2),
		awaySince: make(map[int64]time.Time, 2),
		joined:    make(map[int64]bool, 2),

		interrupted: make(map[int64]bool, 2),
		joins:     make(chan *player.Player),
		leaves:    make(chan *player.Player),
		incoming:  make(chan inbound, 16),
		finishes:  make(chan finishRequest),
		done:      make(chan struct{}),
	}
	if g.Finished() {
		r.result = &proto.MatchResult{Type: proto.TypeMatchResult, Winner: g.Winner, Reason: g.Reason}
		return r
	}
	// A participant who never connects forfeits like one who left.
	now := time.Now()
	for _, id := range g.Players {
		r.awaySince[id] = now
	}
	return r
}

// Join attaches p to the room. It reports false once the room has stopped.
func (r *GameRoom) Join(p *player.Player) bool {
	select {
	case r.joins <- p:
		return true
	case <-r.done:
		return false
	}
}

func (r *GameRoom) Leave(p *player.Player) {
	select {
	case r.leaves <- p:
	case <-r.done:
	}
}

// Deliver queues one inbound frame from p.
func (r *GameRoom) Deliver(p *player.Player, data []byte) {
	select {
	case r.incoming <- inbound{player: p, data: data}:
	case <-r.done:
	}
}

// Finish records res as the game result. delivered is false when the room
// had already stopped.
func (r *GameRoom) Finish(res proto.MatchResult) (delivered bool, err error) {
	return r.submit(finishRequest{result: res, record: true, reply: make(chan error, 1)})
}

// Announce broadcasts a result that was recorded by another relay instance.
func (r *GameRoom) Announce(res proto.MatchResult) {
	r.submit(finishRequest{result: res, reply: make(chan error, 1)})
}

func (r *GameRoom) submit(req finishRequest) (bool, error) {
	select {
	case r.finishes <- req:
	case <-r.done:
		return false, nil
	}
	select {
	case err := <-req.reply:
		return true, err
	case <-r.done:
		return false, nil
	}
}

func (r *GameRoom) run(ctx context.Context) {
	opts := r.hub.opts
	syncTicker := time.NewTicker(opts.TimerSyncInterval)
	graceTicker := time.NewTicker(graceCheckInterval(opts.ReconnectGrace))

	defer func() {
		syncTicker.Stop()
		graceTicker.Stop()
		close(r.done)
		r.hub.forgetGameRoom(r)
		slog.Info("Game room stopped", "game.id", r.game.ID)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case p := <-r.joins:
			r.join(ctx, p)

		case p := <-r.leaves:
			r.leave(ctx, p)
			if r.result != nil && len(r.conns) == 0 {
				return
			}

		case in := <-r.incoming:
			r.handleMessage(ctx, in.player, in.data)

		case req := <-r.finishes:
			if req.record {
				req.reply <- r.finish(ctx, req.result, req.result)
			} else {
				r.settle(ctx, req.result, req.result)
				req.reply <- nil
			}
			if r.result != nil && len(r.conns) == 0 {
				return
			}

		case <-syncTicker.C:
			r.syncClock(ctx)

		case <-graceTicker.C:
			r.checkAway(ctx)
			if r.result != nil && len(r.conns) == 0 {
				return
			}
		}
	}
}

func graceCheckInterval(grace time.Duration) time.Duration {
	interval := grace / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

func (r *GameRoom) join(ctx context.Context, p *player.Player) {
	ctx, span := tracer.Start(ctx, "gameroom.join", trace.WithAttributes(
		attribute.String("game.id", r.game.ID),
		attribute.Int64("user.id", p.ID),
	))
	defer span.End()

	if old, ok := r.conns[p.ID]; ok && old != p {
		slog.InfoContext(ctx, "replacing player connection", "game.id", r.game.ID, "user.id", p.ID)
		old.Conn.Close()
	}
	r.conns[p.ID] = p

	if r.result != nil {
		r.send(ctx, p, *r.result)
		return
	}

	if err := r.hub.players.UpdateForGame(ctx, p.ID, r.game.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to update player for game", "user.id", p.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update player for game")
	}

	delete(r.awaySince, p.ID)
	if r.joined[p.ID] {
		r.broadcastExcept(ctx, p.ID, proto.Typed{Type: proto.TypeOpponentRejoined})
		slog.InfoContext(ctx, "player rejoined game", "game.id", r.game.ID, "user.id", p.ID)
	}
	r.joined[p.ID] = true
	if !r.clockStart.IsZero() {
		r.send(ctx, p, proto.TimerSync{Type: proto.TypeTimerSync, TimeLeft: r.timeLeft()})
	}
}

func (r *GameRoom) leave(ctx context.Context, p *player.Player) {
	if r.conns[p.ID] != p {
		return
	}
	delete(r.conns, p.ID)
	if r.result != nil {
		return
	}

	r.awaySince[p.ID] = time.Now()
	r.interrupt(ctx, p.ID, true)
	if err := r.hub.players.UpdateConnectionStatus(ctx, p.ID, player.StatusDisconnected); err != nil {
		slog.ErrorContext(ctx, "Failed to set player status to disconnected", "user.id", p.ID, "error", err)
	}
	r.broadcastExcept(ctx, p.ID, proto.Typed{Type: proto.TypeOpponentLeft})
	slog.InfoContext(ctx, "player left game", "game.id", r.game.ID, "user.id", p.ID)
}

func (r *GameRoom) handleMessage(ctx context.Context, p *player.Player, data []byte) {
	env, err := proto.Decode(data)
	if err != nil {
		slog.WarnContext(ctx, "dropping invalid game message", "game.id", r.game.ID, "user.id", p.ID, "error", err)
		r.send(ctx, p, proto.Error{Type: proto.TypeError, Message: "invalid message"})
		return
	}

	ctx, span := tracer.Start(ctx, "gameroom.handleMessage", trace.WithAttributes(
		attribute.String("game.id", r.game.ID),
		attribute.Int64("user.id", p.ID),
		attribute.String("message.type", env.Type),
	))
	defer span.End()

	switch env.Type {
	case proto.TypeMatchResult:
		var res proto.MatchResult
		if err := env.Payload(&res); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Invalid match result")
			r.send(ctx, p, proto.Error{Type: proto.TypeError, Message: err.Error()})
			return
		}
		res.Type = proto.TypeMatchResult
		if err := r.finish(ctx, res, res); err != nil && !errors.Is(err, repository.ErrResultAlreadyRecorded) {
			r.send(ctx, p, proto.Error{Type: proto.TypeError, Message: "failed to record result"})
		}

	case proto.TypeGetProblem:
		r.send(ctx, p, proto.GetProblem{Type: proto.TypeGetProblem, GameID: r.game.ID, Problem: r.game.Problem})

	case proto.TypePlayerReady, proto.TypeReady:
		r.ready[p.ID] = true
		r.forward(ctx, p, env.Type, data)
		if r.clockStart.IsZero() && r.allReady() {
			r.clockStart = time.Now()
			r.broadcast(ctx, proto.Typed{Type: proto.TypeAllReady})
			r.syncClock(ctx)
			slog.InfoContext(ctx, "battle clock started", "game.id", r.game.ID)
		}

	case proto.TypeScreenShareStarted, proto.TypeScreenShareStopped:
		if r.result != nil {
			return
		}
		stopped := env.Type == proto.TypeScreenShareStopped
		if r.clockStart.IsZero() && stopped {
			// Readiness only counts for the share it was given with.
			delete(r.ready, p.ID)
		}
		r.interrupt(ctx, p.ID, stopped)
		r.forward(ctx, p, env.Type, data)

	default:
		if r.result != nil {
			return
		}
		r.forward(ctx, p, env.Type, data)
	}
}

// interrupt records whether id's share is down and pauses or resumes the
// battle clock accordingly.
func (r *GameRoom) interrupt(ctx context.Context, id int64, down bool) {
	if r.clockStart.IsZero() {
		return
	}
	if down {
		r.interrupted[id] = true
	} else {
		delete(r.interrupted, id)
	}

	now := time.Now()
	switch {
	case len(r.interrupted) > 0 && r.pausedAt.IsZero():
		r.pausedAt = now
		slog.InfoContext(ctx, "battle clock paused", "game.id", r.game.ID, "user.id", id)
	case len(r.interrupted) == 0 && !r.pausedAt.IsZero():
		r.pausedFor += now.Sub(r.pausedAt)
		r.pausedAt = time.Time{}
		slog.InfoContext(ctx, "battle clock resumed", "game.id", r.game.ID, "paused.for", r.pausedFor.String())
	}
}

func (r *GameRoom) allReady() bool {
	for _, id := range r.game.Players {
		if !r.ready[id] {
			return false
		}
	}
	return true
}

// finish records res and, if it is the first result, announces out to both
// participants. Later results fail with repository.ErrResultAlreadyRecorded.
func (r *GameRoom) finish(ctx context.Context, res proto.MatchResult, out any) error {
	ctx, span := tracer.Start(ctx, "gameroom.finish", trace.WithAttributes(
		attribute.String("game.id", r.game.ID),
		attribute.String("result.reason", res.Reason),
	))
	defer span.End()

	if r.result != nil {
		slog.InfoContext(ctx, "ignoring late result", "game.id", r.game.ID, "reason", res.Reason)
		return repository.ErrResultAlreadyRecorded
	}

	if err := r.hub.games.RecordResult(ctx, r.game.ID, res); err != nil {
		if errors.Is(err, repository.ErrResultAlreadyRecorded) {
			slog.InfoContext(ctx, "result recorded elsewhere", "game.id", r.game.ID)
			return err
		}
		slog.ErrorContext(ctx, "Failed to record result", "game.id", r.game.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record result")
		return err
	}

	r.settle(ctx, res, out)
	if err := r.hub.events.Publish(ctx, events.TypeGameFinished, events.GameFinishedPayload{GameID: r.game.ID, Result: res}); err != nil {
		slog.WarnContext(ctx, "Failed to publish game_finished event", "game.id", r.game.ID, "error", err)
	}
	return nil
}

// settle marks the room finished and tells both participants.
func (r *GameRoom) settle(ctx context.Context, res proto.MatchResult, out any) {
	if r.result != nil {
		return
	}
	res.Type = proto.TypeMatchResult
	r.result = &res
	for _, id := range r.game.Players {
		if err := r.hub.players.ClearGame(ctx, id); err != nil {
			slog.WarnContext(ctx, "Failed to clear player game", "user.id", id, "error", err)
		}
	}
	r.broadcast(ctx, out)
	slog.InfoContext(ctx, "game finished", "game.id", r.game.ID, "reason", res.Reason, "winner", res.Winner)
}

// timeLeft excludes every pause, including one still in progress.
func (r *GameRoom) timeLeft() int {
	now := time.Now()
	if !r.pausedAt.IsZero() {
		now = r.pausedAt
	}
	left := r.hub.opts.BattleDuration - (now.Sub(r.clockStart) - r.pausedFor)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// syncClock broadcasts the remaining battle time and ends the game in a
// draw once it runs out.
func (r *GameRoom) syncClock(ctx context.Context) {
	if r.clockStart.IsZero() || r.result != nil {
		return
	}
	left := r.timeLeft()
	if left > 0 {
		r.broadcast(ctx, proto.TimerSync{Type: proto.TypeTimerSync, TimeLeft: left})
		return
	}
	res := proto.MatchResult{Type: proto.TypeMatchResult, Reason: proto.ReasonTimeout}
	_ = r.finish(ctx, res, proto.GameOver{Type: proto.TypeGameOver, Reason: proto.ReasonTimeout})
}

// checkAway awards a walkover once a participant stays away longer than
// the reconnect grace period.
func (r *GameRoom) checkAway(ctx context.Context) {
	if r.result != nil {
		return
	}
	for id, since := range r.awaySince {
		if time.Since(since) < r.hub.opts.ReconnectGrace {
			continue
		}
		slog.InfoContext(ctx, "Player exceeded reconnection grace period", "game.id", r.game.ID, "user.id", id)
		res := proto.MatchResult{Type: proto.TypeMatchResult, Reason: proto.ReasonWalkover}
		for other := range r.conns {
			if other != id {
				winner := other
				res.Winner = &winner
				break
			}
		}
		if res.Winner == nil {
			res.Reason = proto.ReasonDraw
		}
		_ = r.finish(ctx, res, res)
		return
	}
}

// forward relays one frame from p to the other participant, stamped with
// the sender.
func (r *GameRoom) forward(ctx context.Context, p *player.Player, msgType string, data []byte) {
	stamped, err := proto.Stamp(data, p.ID)
	if err != nil {
		slog.WarnContext(ctx, "dropping unstampable message", "message.type", msgType, "error", err)
		return
	}
	for id, other := range r.conns {
		if id == p.ID {
			continue
		}
		if err := other.Write(stamped); err != nil {
			slog.WarnContext(ctx, "error writing message to player", "user.id", id, "error", err)
			continue
		}
		messagesForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("message.type", msgType)))
	}
}

func (r *GameRoom) broadcast(ctx context.Context, v any) {
	r.broadcastExcept(ctx, 0, v)
}

func (r *GameRoom) broadcastExcept(ctx context.Context, skip int64, v any) {
	for id, p := range r.conns {
		if id != skip {
			r.send(ctx, p, v)
		}
	}
}

func (r *GameRoom) send(ctx context.Context, p *player.Player, v any) {
	if err := p.Send(v); err != nil {
		slog.WarnContext(ctx, "error writing message to player", "user.id", p.ID, "error", err)
	}
}
