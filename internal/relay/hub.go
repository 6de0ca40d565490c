// Package relay is a development stand-in for the battle backend: it pairs
// players, runs custom room lobbies and forwards game traffic between the
// two participants of a battle.
package relay

import (
	"context"
	"ctchen222/code-battle/internal/events"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/pkg/proto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("relay")
	meter  = otel.Meter("relay")
)

var messagesForwarded, _ = meter.Int64Counter("relay.messages.forwarded",
	metric.WithDescription("Messages forwarded between battle participants"))

var (
	ErrNotParticipant = errors.New("not a participant of this game")
	ErrRoomFull       = errors.New("room is full")
)

type Options struct {
	AcceptWindow      time.Duration
	BattleDuration    time.Duration
	TimerSyncInterval time.Duration
	ReconnectGrace    time.Duration
}

func (o *Options) applyDefaults() {
	if o.AcceptWindow <= 0 {
		o.AcceptWindow = 20 * time.Second
	}
	if o.BattleDuration <= 0 {
		o.BattleDuration = 30 * time.Minute
	}
	if o.TimerSyncInterval <= 0 {
		o.TimerSyncInterval = 10 * time.Second
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 60 * time.Second
	}
}

// Hub owns every live queue, lobby and game room of the relay.
type Hub struct {
	opts    Options
	games   repository.GameRepository
	rooms   repository.RoomRepository
	players repository.PlayerRepository
	events  events.Publisher

	matchmaker *Matchmaker

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lobbies map[string]*Lobby
	arenas  map[string]*GameRoom
}

func NewHub(games repository.GameRepository, rooms repository.RoomRepository, players repository.PlayerRepository, publisher events.Publisher, opts Options) *Hub {
	opts.applyDefaults()
	if publisher == nil {
		publisher = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts,
		games:   games,
		rooms:   rooms,
		players: players,
		events:  publisher,
		ctx:     ctx,
		cancel:  cancel,
		lobbies: make(map[string]*Lobby),
		arenas:  make(map[string]*GameRoom),
	}
	h.matchmaker = NewMatchmaker(h.createGame, opts.AcceptWindow)
	return h
}

// Close stops every game room loop.
func (h *Hub) Close() {
	h.cancel()
}

func (h *Hub) createGame(ctx context.Context, matchType, roomID string, players []int64) (*repository.Game, error) {
	ctx, span := tracer.Start(ctx, "hub.createGame", trace.WithAttributes(
		attribute.String("match.type", matchType),
	))
	defer span.End()

	g := &repository.Game{
		ID:        uuid.NewString(),
		MatchType: matchType,
		RoomID:    roomID,
		Players:   players,
		Problem:   pickProblem(),
	}
	if err := h.games.Create(ctx, g); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create game")
		return nil, err
	}
	span.SetAttributes(attribute.String("game.id", g.ID))
	slog.InfoContext(ctx, "game created", "game.id", g.ID, "match.type", matchType, "players", players)
	return g, nil
}

// ServeQueue keeps p in the ranked queue until its connection closes.
func (h *Hub) ServeQueue(ctx context.Context, p *player.Player) {
	h.matchmaker.Add(ctx, p)
	defer h.matchmaker.Remove(ctx, p)

	readPump(ctx, p, func(data []byte) { h.matchmaker.HandleMessage(ctx, p, data) })
}

// ServeRoom keeps p in the custom room lobby until its connection closes.
func (h *Hub) ServeRoom(ctx context.Context, roomID string, p *player.Player) {
	lobby := h.lobby(roomID)
	if err := lobby.Join(ctx, p); err != nil {
		slog.WarnContext(ctx, "room join rejected", "room.id", roomID, "user.id", p.ID, "error", err)
		reject(p, err)
		h.releaseLobby(lobby)
		return
	}
	defer func() {
		lobby.Leave(ctx, p)
		h.releaseLobby(lobby)
	}()

	readPump(ctx, p, func(data []byte) {
		slog.DebugContext(ctx, "ignoring lobby message", "room.id", roomID, "user.id", p.ID)
	})
}

// ServeGame attaches p to the game room of gameID until its connection
// closes.
func (h *Hub) ServeGame(ctx context.Context, gameID string, p *player.Player) {
	ctx, span := tracer.Start(ctx, "hub.ServeGame", trace.WithAttributes(
		attribute.String("game.id", gameID),
		attribute.Int64("user.id", p.ID),
	))
	defer span.End()

	var room *GameRoom
	for attempt := 0; attempt < 2 && room == nil; attempt++ {
		r, err := h.gameRoom(ctx, gameID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to open game room")
			reject(p, err)
			return
		}
		if !r.game.Has(p.ID) {
			reject(p, ErrNotParticipant)
			return
		}
		if r.Join(p) {
			room = r
		}
	}
	if room == nil {
		reject(p, fmt.Errorf("game %s is closing", gameID))
		return
	}
	defer room.Leave(p)

	readPump(ctx, p, func(data []byte) { room.Deliver(p, data) })
}

// LeaveRoom removes userID from the custom room occupancy.
func (h *Hub) LeaveRoom(ctx context.Context, roomID string, userID int64) error {
	if err := h.rooms.Leave(ctx, roomID, userID); err != nil {
		return fmt.Errorf("failed to leave room %s: %w", roomID, err)
	}
	slog.InfoContext(ctx, "player left room", "room.id", roomID, "user.id", userID)
	return nil
}

// FinishGame records res for gameID and, when the game room is live,
// announces it to both participants.
func (h *Hub) FinishGame(ctx context.Context, gameID string, res proto.MatchResult) error {
	h.mu.Lock()
	room, ok := h.arenas[gameID]
	h.mu.Unlock()

	res.Type = proto.TypeMatchResult
	if ok {
		if delivered, err := room.Finish(res); delivered {
			return err
		}
	}
	if err := h.games.RecordResult(ctx, gameID, res); err != nil {
		return err
	}
	if err := h.events.Publish(ctx, events.TypeGameFinished, events.GameFinishedPayload{GameID: gameID, Result: res}); err != nil {
		slog.WarnContext(ctx, "Failed to publish game_finished event", "game.id", gameID, "error", err)
	}
	return nil
}

// HandleEvent applies an event published by another relay instance.
func (h *Hub) HandleEvent(ctx context.Context, event events.Event) {
	switch event.Type {
	case events.TypeGameFinished:
		var payload events.GameFinishedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			slog.ErrorContext(ctx, "Could not unmarshal game_finished payload", "error", err)
			return
		}
		h.mu.Lock()
		room, ok := h.arenas[payload.GameID]
		h.mu.Unlock()
		if ok {
			room.Announce(payload.Result)
		}
	default:
		slog.DebugContext(ctx, "ignoring event", "event.type", event.Type)
	}
}

func (h *Hub) lobby(roomID string) *Lobby {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.lobbies[roomID]
	if !ok {
		l = newLobby(roomID, h)
		h.lobbies[roomID] = l
	}
	l.refs++
	return l
}

func (h *Hub) releaseLobby(l *Lobby) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l.refs--
	if l.refs == 0 && h.lobbies[l.id] == l {
		delete(h.lobbies, l.id)
	}
}

// gameRoom returns the live room for gameID, starting one from the stored
// game when none is running.
func (h *Hub) gameRoom(ctx context.Context, gameID string) (*GameRoom, error) {
	h.mu.Lock()
	room, ok := h.arenas[gameID]
	h.mu.Unlock()
	if ok {
		return room, nil
	}

	g, err := h.games.FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.arenas[gameID]; ok {
		return room, nil
	}
	room = newGameRoom(g, h)
	h.arenas[gameID] = room
	go room.run(h.ctx)
	return room, nil
}

func (h *Hub) forgetGameRoom(room *GameRoom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.arenas[room.game.ID] == room {
		delete(h.arenas, room.game.ID)
	}
}

// readPump hands every inbound frame of p to handle until the connection
// fails, then closes it.
func readPump(ctx context.Context, p *player.Player, handle func([]byte)) {
	defer p.Conn.Close()
	for {
		_, data, err := p.Conn.ReadMessage()
		if err != nil {
			slog.DebugContext(ctx, "player connection closed", "user.id", p.ID, "error", err)
			return
		}
		handle(data)
	}
}

// reject tells p why it cannot be served and closes its connection.
func reject(p *player.Player, err error) {
	if sendErr := p.Send(proto.Error{Type: proto.TypeError, Message: err.Error()}); sendErr != nil {
		slog.Warn("failed to send error to player", "user.id", p.ID, "error", sendErr)
	}
	p.Conn.Close()
}

var problems = []json.RawMessage{
	json.RawMessage(`{"id":1,"title":"Two Sum","difficulty":"easy","description":"Return the indices of the two numbers that add up to target."}`),
	json.RawMessage(`{"id":2,"title":"Valid Parentheses","difficulty":"easy","description":"Decide whether every bracket in the string is closed in order."}`),
	json.RawMessage(`{"id":3,"title":"Merge Intervals","difficulty":"medium","description":"Merge all overlapping intervals and return the rest unchanged."}`),
	json.RawMessage(`{"id":4,"title":"LRU Cache","difficulty":"medium","description":"Implement get and put in constant time with least-recently-used eviction."}`),
}

func pickProblem() json.RawMessage {
	return problems[rand.IntN(len(problems))]
}
