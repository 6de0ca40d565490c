// Package repositorytest provides in-memory repositories with the same
// semantics as the Redis-backed ones.
package repositorytest

import (
	"context"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/pkg/proto"
	"sort"
	"sync"
	"time"
)

// Games implements repository.GameRepository.
type Games struct {
	mu    sync.Mutex
	games map[string]*repository.Game
}

func NewGames() *Games {
	return &Games{games: make(map[string]*repository.Game)}
}

func (m *Games) Create(_ context.Context, g *repository.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Status = repository.StatusInProgress
	g.CreatedAt = time.Now()
	cp := *g
	m.games[g.ID] = &cp
	return nil
}

func (m *Games) FindByID(_ context.Context, id string) (*repository.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, repository.ErrGameNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Games) RecordResult(_ context.Context, id string, res proto.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return repository.ErrGameNotFound
	}
	if g.Finished() {
		return repository.ErrResultAlreadyRecorded
	}
	g.Status = repository.StatusFinished
	g.Winner = res.Winner
	g.Reason = res.Reason
	return nil
}

// Rooms implements repository.RoomRepository.
type Rooms struct {
	mu      sync.Mutex
	members map[string]map[int64]bool
}

func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[int64]bool)}
}

func (m *Rooms) Join(_ context.Context, roomID string, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[int64]bool)
	}
	m.members[roomID][userID] = true
	return int64(len(m.members[roomID])), nil
}

func (m *Rooms) Leave(_ context.Context, roomID string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[roomID], userID)
	return nil
}

func (m *Rooms) Members(_ context.Context, roomID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.members[roomID]))
	for id := range m.members[roomID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Players implements repository.PlayerRepository.
type Players struct {
	mu     sync.Mutex
	next   int64
	games  map[int64]string
	status map[int64]player.Status
}

func NewPlayers() *Players {
	return &Players{games: make(map[int64]string), status: make(map[int64]player.Status)}
}

func (m *Players) NextUserID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return m.next, nil
}

func (m *Players) FindCurrentGame(_ context.Context, id int64) (string, player.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.games[id], m.status[id], nil
}

func (m *Players) UpdateForGame(_ context.Context, id int64, gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[id] = gameID
	m.status[id] = player.StatusConnected
	return nil
}

func (m *Players) UpdateConnectionStatus(_ context.Context, id int64, status player.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[id] = status
	return nil
}

func (m *Players) ClearGame(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.games, id)
	return nil
}

var (
	_ repository.GameRepository   = (*Games)(nil)
	_ repository.RoomRepository   = (*Rooms)(nil)
	_ repository.PlayerRepository = (*Players)(nil)
)
