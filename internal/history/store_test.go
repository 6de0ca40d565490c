package history

import (
	"context"
	"ctchen222/code-battle/internal/db"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	pool, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)
	return store
}

func TestStore_ActiveGame(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.ActiveGame(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.SaveActiveGame(ctx, ActiveGame{UserID: 1, GameID: "g-1", MatchType: "ranked"}))
	require.NoError(t, store.SaveActiveGame(ctx, ActiveGame{UserID: 1, GameID: "g-2", MatchType: "custom", RoomID: "r-9", OpponentID: 7}))

	got, err = store.ActiveGame(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "g-2", got.GameID)
	assert.Equal(t, "custom", got.MatchType)
	assert.Equal(t, "r-9", got.RoomID)
	assert.Equal(t, int64(7), got.OpponentID)

	require.NoError(t, store.ClearActiveGame(ctx, 1))
	got, err = store.ActiveGame(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.ClearActiveGame(ctx, 1))
}

func TestStore_Results(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordResult(ctx, Result{
		GameID: "g-1", UserID: 1, Winner: sql.NullInt64{Int64: 1, Valid: true},
		Reason: "finish", Outcome: "win", PlusMMR: 25, FinishedAt: base,
	}))
	require.NoError(t, store.RecordResult(ctx, Result{
		GameID: "g-2", UserID: 1, Reason: "draw", Outcome: "draw", FinishedAt: base.Add(time.Hour),
	}))
	require.NoError(t, store.RecordResult(ctx, Result{
		GameID: "g-3", UserID: 2, Reason: "surrender", Outcome: "loss", FinishedAt: base,
	}))

	results, err := store.Recent(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "g-2", results[0].GameID)
	assert.False(t, results[0].Winner.Valid)
	assert.Equal(t, "g-1", results[1].GameID)
	assert.Equal(t, int64(1), results[1].Winner.Int64)
	assert.Equal(t, 25, results[1].PlusMMR)

	results, err = store.Recent(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
