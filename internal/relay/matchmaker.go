package relay

import (
	"context"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/pkg/proto"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	MatchTypeRanked = "ranked"
	MatchTypeCustom = "custom"
)

const (
	cancelDeclined     = "match declined"
	cancelExpired      = "accept window expired"
	cancelOpponentGone = "opponent left the queue"
	cancelNoGame       = "failed to create game"
)

type gameCreator func(ctx context.Context, matchType, roomID string, players []int64) (*repository.Game, error)

type pendingMatch struct {
	id       string
	players  [2]*player.Player
	accepted map[int64]bool
	timer    *time.Timer
	done     bool
}

func (pm *pendingMatch) ids() []int64 {
	return []int64{pm.players[0].ID, pm.players[1].ID}
}

// Matchmaker pairs queued players in arrival order and holds each pair
// until both accept or the accept window closes.
type Matchmaker struct {
	create gameCreator
	window time.Duration

	mu             sync.Mutex
	waitingPlayers []*player.Player
	pending        map[int64]*pendingMatch
}

func NewMatchmaker(create gameCreator, window time.Duration) *Matchmaker {
	return &Matchmaker{
		create:         create,
		window:         window,
		waitingPlayers: make([]*player.Player, 0),
		pending:        make(map[int64]*pendingMatch),
	}
}

// Add queues p. A second connection of the same user replaces the first.
func (m *Matchmaker) Add(ctx context.Context, p *player.Player) {
	m.mu.Lock()
	for i, w := range m.waitingPlayers {
		if w.ID == p.ID {
			m.waitingPlayers = append(m.waitingPlayers[:i], m.waitingPlayers[i+1:]...)
			break
		}
	}
	m.waitingPlayers = append(m.waitingPlayers, p)
	matches := m.tryMatchPlayers()
	m.mu.Unlock()

	slog.InfoContext(ctx, "player queued", "user.id", p.ID)
	for _, pm := range matches {
		m.announce(ctx, pm)
	}
}

// Remove drops p from the queue and cancels its pending match.
func (m *Matchmaker) Remove(ctx context.Context, p *player.Player) {
	m.mu.Lock()
	for i, w := range m.waitingPlayers {
		if w == p {
			m.waitingPlayers = append(m.waitingPlayers[:i], m.waitingPlayers[i+1:]...)
			slog.InfoContext(ctx, "player removed from queue", "user.id", p.ID)
			break
		}
	}
	pm, ok := m.pending[p.ID]
	if !ok || pm.done || (pm.players[0] != p && pm.players[1] != p) {
		m.mu.Unlock()
		return
	}
	m.settleLocked(pm)
	m.mu.Unlock()

	m.cancel(ctx, pm, cancelOpponentGone, p)
}

// Waiting reports how many players are queued without a match.
func (m *Matchmaker) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waitingPlayers)
}

// HandleMessage applies an accept or decline from p.
func (m *Matchmaker) HandleMessage(ctx context.Context, p *player.Player, data []byte) {
	env, err := proto.Decode(data)
	if err != nil {
		slog.WarnContext(ctx, "dropping invalid queue message", "user.id", p.ID, "error", err)
		return
	}
	if env.Type != proto.TypeMatchAccept && env.Type != proto.TypeMatchDecline {
		slog.DebugContext(ctx, "ignoring queue message", "message.type", env.Type, "user.id", p.ID)
		return
	}
	var decision proto.MatchDecision
	if err := env.Payload(&decision); err != nil {
		slog.WarnContext(ctx, "dropping invalid match decision", "user.id", p.ID, "error", err)
		return
	}

	ctx, span := tracer.Start(ctx, "matchmaker.decide", trace.WithAttributes(
		attribute.String("match.id", decision.MatchID),
		attribute.String("message.type", env.Type),
		attribute.Int64("user.id", p.ID),
	))
	defer span.End()

	m.mu.Lock()
	pm, ok := m.pending[p.ID]
	if !ok || pm.done || pm.id != decision.MatchID {
		m.mu.Unlock()
		slog.InfoContext(ctx, "decision for unknown match", "match.id", decision.MatchID, "user.id", p.ID)
		return
	}

	if env.Type == proto.TypeMatchDecline {
		m.settleLocked(pm)
		m.mu.Unlock()
		m.cancel(ctx, pm, cancelDeclined, nil)
		return
	}

	pm.accepted[p.ID] = true
	if len(pm.accepted) < len(pm.players) {
		m.mu.Unlock()
		slog.InfoContext(ctx, "match accepted by one side", "match.id", pm.id, "user.id", p.ID)
		return
	}
	m.settleLocked(pm)
	m.mu.Unlock()

	g, err := m.create(ctx, MatchTypeRanked, "", pm.ids())
	if err != nil {
		slog.ErrorContext(ctx, "failed to create ranked game", "match.id", pm.id, "error", err)
		m.cancel(ctx, pm, cancelNoGame, nil)
		return
	}
	for _, mp := range pm.players {
		if err := mp.Send(proto.MatchAccepted{Type: proto.TypeMatchAccepted, GameID: g.ID, Problem: g.Problem}); err != nil {
			slog.WarnContext(ctx, "failed to send match accepted", "user.id", mp.ID, "error", err)
		}
	}
	slog.InfoContext(ctx, "match confirmed", "match.id", pm.id, "game.id", g.ID)
}

// tryMatchPlayers pairs waiting players. The caller holds m.mu.
func (m *Matchmaker) tryMatchPlayers() []*pendingMatch {
	var matches []*pendingMatch
	for len(m.waitingPlayers) >= 2 {
		player1 := m.waitingPlayers[0]
		player2 := m.waitingPlayers[1]
		m.waitingPlayers = m.waitingPlayers[2:]

		pm := &pendingMatch{
			id:       uuid.NewString(),
			players:  [2]*player.Player{player1, player2},
			accepted: make(map[int64]bool),
		}
		m.pending[player1.ID] = pm
		m.pending[player2.ID] = pm
		pm.timer = time.AfterFunc(m.window, func() { m.expire(pm) })
		matches = append(matches, pm)
	}
	return matches
}

func (m *Matchmaker) announce(ctx context.Context, pm *pendingMatch) {
	slog.InfoContext(ctx, "match found", "match.id", pm.id, "players", pm.ids())
	for i, p := range pm.players {
		opponent := pm.players[1-i]
		msg := proto.MatchFound{
			Type:        proto.TypeMatchFound,
			MatchID:     pm.id,
			TimeLimit:   int(m.window / time.Second),
			OpponentIDs: []int64{opponent.ID},
		}
		if err := p.Send(msg); err != nil {
			slog.WarnContext(ctx, "failed to send match found", "user.id", p.ID, "error", err)
		}
	}
}

func (m *Matchmaker) expire(pm *pendingMatch) {
	m.mu.Lock()
	if pm.done {
		m.mu.Unlock()
		return
	}
	m.settleLocked(pm)
	m.mu.Unlock()

	m.cancel(context.Background(), pm, cancelExpired, nil)
}

func (m *Matchmaker) settleLocked(pm *pendingMatch) {
	pm.done = true
	pm.timer.Stop()
	for _, p := range pm.players {
		if m.pending[p.ID] == pm {
			delete(m.pending, p.ID)
		}
	}
}

// cancel notifies every player of pm except skip.
func (m *Matchmaker) cancel(ctx context.Context, pm *pendingMatch, reason string, skip *player.Player) {
	slog.InfoContext(ctx, "match cancelled", "match.id", pm.id, "reason", reason)
	for _, p := range pm.players {
		if p == skip {
			continue
		}
		if err := p.Send(proto.MatchCancelled{Type: proto.TypeMatchCancelled, Reason: reason}); err != nil {
			slog.WarnContext(ctx, "failed to send match cancelled", "user.id", p.ID, "error", err)
		}
	}
}
