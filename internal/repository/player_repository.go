package repository

import (
	"context"
	"ctchen222/code-battle/internal/player"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const nextUserIDKey = "users:next_id"

// PlayerRepository defines the interface for player data operations.
type PlayerRepository interface {
	// NextUserID allocates a fresh numeric user id.
	NextUserID(ctx context.Context) (int64, error)
	FindCurrentGame(ctx context.Context, id int64) (gameID string, status player.Status, err error)
	UpdateForGame(ctx context.Context, id int64, gameID string) error
	UpdateConnectionStatus(ctx context.Context, id int64, status player.Status) error
	ClearGame(ctx context.Context, id int64) error
}

type redisPlayerRepository struct {
	rdb *redis.Client
}

// NewPlayerRepository creates a new Redis-based PlayerRepository.
func NewPlayerRepository(rdb *redis.Client) PlayerRepository {
	return &redisPlayerRepository{
		rdb: rdb,
	}
}

func playerKey(id int64) string { return fmt.Sprintf("player:%d", id) }

func (r *redisPlayerRepository) NextUserID(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "PlayerRepository.NextUserID")
	defer span.End()

	return r.rdb.Incr(ctx, nextUserIDKey).Result()
}

// FindCurrentGame returns the game a player is bound to, or "" when none.
func (r *redisPlayerRepository) FindCurrentGame(ctx context.Context, id int64) (string, player.Status, error) {
	ctx, span := tracer.Start(ctx, "PlayerRepository.FindCurrentGame")
	defer span.End()

	data, err := r.rdb.HGetAll(ctx, playerKey(id)).Result()
	if err != nil {
		return "", "", err
	}
	return data["game_id"], player.Status(data["connection_status"]), nil
}

// UpdateForGame binds a player to the game they are connecting to.
func (r *redisPlayerRepository) UpdateForGame(ctx context.Context, id int64, gameID string) error {
	ctx, span := tracer.Start(ctx, "PlayerRepository.UpdateForGame")
	defer span.End()

	return r.rdb.HSet(ctx, playerKey(id),
		"game_id", gameID,
		"connection_status", string(player.StatusConnected),
	).Err()
}

// UpdateConnectionStatus updates only the connection status of a player.
func (r *redisPlayerRepository) UpdateConnectionStatus(ctx context.Context, id int64, status player.Status) error {
	ctx, span := tracer.Start(ctx, "PlayerRepository.UpdateConnectionStatus")
	defer span.End()

	return r.rdb.HSet(ctx, playerKey(id), "connection_status", string(status)).Err()
}

func (r *redisPlayerRepository) ClearGame(ctx context.Context, id int64) error {
	ctx, span := tracer.Start(ctx, "PlayerRepository.ClearGame")
	defer span.End()

	return r.rdb.HDel(ctx, playerKey(id), "game_id").Err()
}
