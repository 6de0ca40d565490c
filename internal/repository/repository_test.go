package repository

import (
	"context"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/pkg/proto"
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRepositories(t *testing.T) {
	rdb := newRedis(t)
	ctx := context.Background()

	t.Run("game round trip", func(t *testing.T) {
		repo := NewGameRepository(rdb)
		g := &Game{ID: "g-1", MatchType: "ranked", Players: []int64{4, 9}, Problem: json.RawMessage(`{"title":"Two Sum"}`)}
		require.NoError(t, repo.Create(ctx, g))

		got, err := repo.FindByID(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 9}, got.Players)
		assert.JSONEq(t, `{"title":"Two Sum"}`, string(got.Problem))
		assert.True(t, got.Has(9))
		assert.False(t, got.Finished())

		_, err = repo.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrGameNotFound)
	})

	t.Run("first result wins", func(t *testing.T) {
		repo := NewGameRepository(rdb)
		require.NoError(t, repo.Create(ctx, &Game{ID: "g-2", MatchType: "ranked", Players: []int64{1, 2}}))

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				winner := int64(1 + i%2)
				errs[i] = repo.RecordResult(ctx, "g-2", proto.MatchResult{Winner: &winner, Reason: proto.ReasonFinish})
			}(i)
		}
		wg.Wait()

		recorded := 0
		for _, err := range errs {
			if err == nil {
				recorded++
				continue
			}
			assert.ErrorIs(t, err, ErrResultAlreadyRecorded)
		}
		assert.Equal(t, 1, recorded)

		got, err := repo.FindByID(ctx, "g-2")
		require.NoError(t, err)
		assert.True(t, got.Finished())
		require.NotNil(t, got.Winner)
		assert.Equal(t, proto.ReasonFinish, got.Reason)

		assert.ErrorIs(t, repo.RecordResult(ctx, "nope", proto.MatchResult{Reason: proto.ReasonDraw}), ErrGameNotFound)
	})

	t.Run("room occupancy", func(t *testing.T) {
		repo := NewRoomRepository(rdb)
		n, err := repo.Join(ctx, "r-1", 7)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = repo.Join(ctx, "r-1", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		n, err = repo.Join(ctx, "r-1", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "joining twice does not double count")

		members, err := repo.Members(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 7}, members)

		require.NoError(t, repo.Leave(ctx, "r-1", 7))
		members, err = repo.Members(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, members)
	})

	t.Run("player presence", func(t *testing.T) {
		repo := NewPlayerRepository(rdb)
		first, err := repo.NextUserID(ctx)
		require.NoError(t, err)
		second, err := repo.NextUserID(ctx)
		require.NoError(t, err)
		assert.Equal(t, first+1, second)

		require.NoError(t, repo.UpdateForGame(ctx, 5, "g-5"))
		require.NoError(t, repo.UpdateConnectionStatus(ctx, 5, player.StatusDisconnected))
		gameID, status, err := repo.FindCurrentGame(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "g-5", gameID)
		assert.Equal(t, player.StatusDisconnected, status)

		require.NoError(t, repo.ClearGame(ctx, 5))
		gameID, _, err = repo.FindCurrentGame(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, gameID)
	})
}
