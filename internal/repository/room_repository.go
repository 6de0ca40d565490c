package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RoomRepository tracks who occupies each custom room.
type RoomRepository interface {
	// Join adds userID to the room and returns the resulting member count.
	Join(ctx context.Context, roomID string, userID int64) (int64, error)
	Leave(ctx context.Context, roomID string, userID int64) error
	Members(ctx context.Context, roomID string) ([]int64, error)
}

type redisRoomRepository struct {
	rdb *redis.Client
}

func NewRoomRepository(rdb *redis.Client) RoomRepository {
	return &redisRoomRepository{rdb: rdb}
}

func roomMembersKey(roomID string) string { return fmt.Sprintf("room:%s:members", roomID) }

func (r *redisRoomRepository) Join(ctx context.Context, roomID string, userID int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "RoomRepository.Join")
	defer span.End()

	key := roomMembersKey(roomID)
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	count := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	return count.Val(), nil
}

func (r *redisRoomRepository) Leave(ctx context.Context, roomID string, userID int64) error {
	ctx, span := tracer.Start(ctx, "RoomRepository.Leave")
	defer span.End()

	return r.rdb.SRem(ctx, roomMembersKey(roomID), userID).Err()
}

// Members returns the room's occupants in ascending id order.
func (r *redisRoomRepository) Members(ctx context.Context, roomID string) ([]int64, error) {
	ctx, span := tracer.Start(ctx, "RoomRepository.Members")
	defer span.End()

	raw, err := r.rdb.SMembers(ctx, roomMembersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room %s: %w", roomID, err)
	}
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid member %q in room %s: %w", s, roomID, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
