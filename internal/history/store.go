package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_game (
	user_id     INTEGER PRIMARY KEY,
	game_id     TEXT NOT NULL,
	match_type  TEXT NOT NULL,
	room_id     TEXT NOT NULL DEFAULT '',
	opponent_id INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id     TEXT NOT NULL,
	user_id     INTEGER NOT NULL,
	winner      INTEGER,
	reason      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	plus_mmr    INTEGER NOT NULL DEFAULT 0,
	minus_mmr   INTEGER NOT NULL DEFAULT 0,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS results_user_finished ON results (user_id, finished_at DESC);`

// ActiveGame is the game a player was in when the process last ran.
type ActiveGame struct {
	UserID     int64     `db:"user_id"`
	GameID     string    `db:"game_id"`
	MatchType  string    `db:"match_type"`
	RoomID     string    `db:"room_id"`
	OpponentID int64     `db:"opponent_id"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Result is one finished battle as seen by the local player.
type Result struct {
	ID         int64         `db:"id"`
	GameID     string        `db:"game_id"`
	UserID     int64         `db:"user_id"`
	Winner     sql.NullInt64 `db:"winner"`
	Reason     string        `db:"reason"`
	Outcome    string        `db:"outcome"`
	PlusMMR    int           `db:"plus_mmr"`
	MinusMMR   int           `db:"minus_mmr"`
	FinishedAt time.Time     `db:"finished_at"`
}

// Store persists session state across client restarts.
type Store interface {
	SaveActiveGame(ctx context.Context, g ActiveGame) error
	// ActiveGame returns nil when the player has no unfinished game.
	ActiveGame(ctx context.Context, userID int64) (*ActiveGame, error)
	ClearActiveGame(ctx context.Context, userID int64) error
	RecordResult(ctx context.Context, r Result) error
	Recent(ctx context.Context, userID int64, limit int) ([]Result, error)
}

type sqliteStore struct {
	db *sqlx.DB
}

// NewStore creates the schema if needed and returns a SQLite-backed Store.
func NewStore(ctx context.Context, db *sqlx.DB) (Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) SaveActiveGame(ctx context.Context, g ActiveGame) error {
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}
	query := `INSERT INTO active_game (user_id, game_id, match_type, room_id, opponent_id, updated_at)
		VALUES (:user_id, :game_id, :match_type, :room_id, :opponent_id, :updated_at)
		ON CONFLICT (user_id) DO UPDATE SET
			game_id = excluded.game_id,
			match_type = excluded.match_type,
			room_id = excluded.room_id,
			opponent_id = excluded.opponent_id,
			updated_at = excluded.updated_at`
	if _, err := s.db.NamedExecContext(ctx, query, g); err != nil {
		return fmt.Errorf("failed to save active game: %w", err)
	}
	return nil
}

func (s *sqliteStore) ActiveGame(ctx context.Context, userID int64) (*ActiveGame, error) {
	var g ActiveGame
	query := `SELECT user_id, game_id, match_type, room_id, opponent_id, updated_at FROM active_game WHERE user_id = ?`
	if err := s.db.GetContext(ctx, &g, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active game: %w", err)
	}
	return &g, nil
}

func (s *sqliteStore) ClearActiveGame(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_game WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear active game: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecordResult(ctx context.Context, r Result) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	query := `INSERT INTO results (game_id, user_id, winner, reason, outcome, plus_mmr, minus_mmr, finished_at)
		VALUES (:game_id, :user_id, :winner, :reason, :outcome, :plus_mmr, :minus_mmr, :finished_at)`
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, userID int64, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Result
	query := `SELECT id, game_id, user_id, winner, reason, outcome, plus_mmr, minus_mmr, finished_at
		FROM results WHERE user_id = ? ORDER BY finished_at DESC, id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &out, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return out, nil
}
