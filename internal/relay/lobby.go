package relay

import (
	"context"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/pkg/proto"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const roomCapacity = 2

// Lobby gathers the members of one custom room and starts their game once
// the room is full.
type Lobby struct {
	id  string
	hub *Hub

	// refs counts live ServeRoom calls and is guarded by hub.mu.
	refs int

	mu      sync.Mutex
	members []*player.Player
	gameID  string
}

func newLobby(id string, h *Hub) *Lobby {
	return &Lobby{id: id, hub: h}
}

// Join admits p unless the room already holds two other players.
func (l *Lobby) Join(ctx context.Context, p *player.Player) error {
	ctx, span := tracer.Start(ctx, "lobby.Join", trace.WithAttributes(
		attribute.String("room.id", l.id),
		attribute.Int64("user.id", p.ID),
	))
	defer span.End()

	count, err := l.hub.rooms.Join(ctx, l.id, p.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to join room")
		return fmt.Errorf("failed to join room %s: %w", l.id, err)
	}
	if count > roomCapacity {
		if err := l.hub.rooms.Leave(ctx, l.id, p.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to undo room join", "room.id", l.id, "user.id", p.ID, "error", err)
		}
		return ErrRoomFull
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, m := range l.members {
		if m.ID == p.ID {
			m.Conn.Close()
			l.members = append(l.members[:i], l.members[i+1:]...)
			break
		}
	}
	l.members = append(l.members, p)
	slog.InfoContext(ctx, "player joined room", "room.id", l.id, "user.id", p.ID, "members", len(l.members))

	l.broadcastLocked(ctx, p.ID, proto.RoomMember{Type: proto.TypePlayerJoin, UserID: p.ID})
	l.broadcastLocked(ctx, 0, l.infoLocked())

	if len(l.members) == roomCapacity && l.gameID == "" {
		l.startLocked(ctx)
	}
	return nil
}

// Leave drops p. Before the game starts it also frees p's seat.
func (l *Lobby) Leave(ctx context.Context, p *player.Player) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, m := range l.members {
		if m == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	l.members = append(l.members[:idx], l.members[idx+1:]...)

	if l.gameID == "" {
		if err := l.hub.rooms.Leave(ctx, l.id, p.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to leave room", "room.id", l.id, "user.id", p.ID, "error", err)
		}
		l.broadcastLocked(ctx, 0, proto.RoomMember{Type: proto.TypePlayerLeave, UserID: p.ID})
		l.broadcastLocked(ctx, 0, l.infoLocked())
	}
	if len(l.members) == 0 {
		l.gameID = ""
	}
	slog.InfoContext(ctx, "player disconnected from room", "room.id", l.id, "user.id", p.ID)
}

func (l *Lobby) startLocked(ctx context.Context) {
	ids := make([]int64, 0, len(l.members))
	for _, m := range l.members {
		ids = append(ids, m.ID)
	}
	g, err := l.hub.createGame(ctx, MatchTypeCustom, l.id, ids)
	if err != nil {
		l.broadcastLocked(ctx, 0, proto.Error{Type: proto.TypeError, Message: "failed to start game"})
		return
	}
	l.gameID = g.ID
	l.broadcastLocked(ctx, 0, proto.GameStart{Type: proto.TypeGameStart, GameID: g.ID, Problem: g.Problem})
	slog.InfoContext(ctx, "custom game started", "room.id", l.id, "game.id", g.ID)
}

func (l *Lobby) infoLocked() proto.RoomInfoUpdate {
	players := make([]proto.RoomPlayer, 0, len(l.members))
	for _, m := range l.members {
		players = append(players, proto.RoomPlayer{UserID: m.ID})
	}
	return proto.RoomInfoUpdate{Type: proto.TypeRoomInfoUpdate, RoomID: l.id, Players: players}
}

func (l *Lobby) broadcastLocked(ctx context.Context, skip int64, v any) {
	for _, m := range l.members {
		if m.ID == skip {
			continue
		}
		if err := m.Send(v); err != nil {
			slog.WarnContext(ctx, "error writing message to player", "user.id", m.ID, "error", err)
		}
	}
}
