package repository

import (
	"context"
	"ctchen222/code-battle/pkg/proto"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("repository")

var (
	ErrGameNotFound          = errors.New("game not found")
	ErrResultAlreadyRecorded = errors.New("result already recorded")
)

const (
	fieldMatchType  = "match_type"
	fieldRoomID     = "room_id"
	fieldPlayers    = "players"
	fieldProblem    = "problem"
	fieldStatus     = "status"
	fieldWinner     = "winner"
	fieldReason     = "reason"
	fieldCreatedAt  = "created_at"
	fieldFinishedAt = "finished_at"

	gameTTL          = 24 * time.Hour
	maxResultRetries = 5
)

// Game statuses.
const (
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
)

// Game is the relay's record of one battle.
type Game struct {
	ID        string
	MatchType string
	RoomID    string
	Players   []int64
	Problem   json.RawMessage
	Status    string
	Winner    *int64
	Reason    string
	CreatedAt time.Time
}

func (g *Game) Has(userID int64) bool {
	for _, id := range g.Players {
		if id == userID {
			return true
		}
	}
	return false
}

func (g *Game) Finished() bool { return g.Status == StatusFinished }

// GameRepository defines the interface for game data operations.
type GameRepository interface {
	Create(ctx context.Context, g *Game) error
	FindByID(ctx context.Context, id string) (*Game, error)
	// RecordResult stores the first result of a game. Later calls fail with
	// ErrResultAlreadyRecorded.
	RecordResult(ctx context.Context, id string, res proto.MatchResult) error
}

type redisGameRepository struct {
	rdb *redis.Client
}

// NewGameRepository creates a new Redis-based GameRepository.
func NewGameRepository(rdb *redis.Client) GameRepository {
	return &redisGameRepository{rdb: rdb}
}

func gameKey(id string) string { return fmt.Sprintf("game:%s", id) }

func (r *redisGameRepository) Create(ctx context.Context, g *Game) error {
	ctx, span := tracer.Start(ctx, "GameRepository.Create", trace.WithAttributes(
		attribute.String("game.id", g.ID),
	))
	defer span.End()

	players := make([]string, len(g.Players))
	for i, id := range g.Players {
		players[i] = strconv.FormatInt(id, 10)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	g.Status = StatusInProgress

	key := gameKey(g.ID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		fieldMatchType, g.MatchType,
		fieldRoomID, g.RoomID,
		fieldPlayers, strings.Join(players, ","),
		fieldProblem, string(g.Problem),
		fieldStatus, g.Status,
		fieldCreatedAt, g.CreatedAt.Unix(),
	)
	pipe.Expire(ctx, key, gameTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create game")
		return fmt.Errorf("failed to create game in redis: %w", err)
	}
	return nil
}

func (r *redisGameRepository) FindByID(ctx context.Context, id string) (*Game, error) {
	ctx, span := tracer.Start(ctx, "GameRepository.FindByID", trace.WithAttributes(
		attribute.String("game.id", id),
	))
	defer span.End()

	data, err := r.rdb.HGetAll(ctx, gameKey(id)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load game")
		return nil, fmt.Errorf("failed to get game from redis: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrGameNotFound
	}
	return parseGame(id, data)
}

func parseGame(id string, data map[string]string) (*Game, error) {
	g := &Game{
		ID:        id,
		MatchType: data[fieldMatchType],
		RoomID:    data[fieldRoomID],
		Status:    data[fieldStatus],
		Reason:    data[fieldReason],
	}
	if p := data[fieldProblem]; p != "" {
		g.Problem = json.RawMessage(p)
	}
	for _, raw := range strings.Split(data[fieldPlayers], ",") {
		if raw == "" {
			continue
		}
		pid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid player id %q in game %s: %w", raw, id, err)
		}
		g.Players = append(g.Players, pid)
	}
	if w := data[fieldWinner]; w != "" {
		winner, err := strconv.ParseInt(w, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid winner %q in game %s: %w", w, id, err)
		}
		g.Winner = &winner
	}
	if ts, err := strconv.ParseInt(data[fieldCreatedAt], 10, 64); err == nil {
		g.CreatedAt = time.Unix(ts, 0)
	}
	return g, nil
}

func (r *redisGameRepository) RecordResult(ctx context.Context, id string, res proto.MatchResult) error {
	ctx, span := tracer.Start(ctx, "GameRepository.RecordResult", trace.WithAttributes(
		attribute.String("game.id", id),
		attribute.String("reason", res.Reason),
	))
	defer span.End()

	key := gameKey(id)
	winner := ""
	if res.Winner != nil {
		winner = strconv.FormatInt(*res.Winner, 10)
	}

	txf := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return ErrGameNotFound
		}
		if err != nil {
			return err
		}
		if status == StatusFinished {
			return ErrResultAlreadyRecorded
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldStatus, StatusFinished,
				fieldWinner, winner,
				fieldReason, res.Reason,
				fieldFinishedAt, time.Now().Unix(),
			)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxResultRetries; i++ {
		err = r.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrResultAlreadyRecorded) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record result")
	}
	return err
}
