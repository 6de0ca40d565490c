package relay

import (
	"context"
	"ctchen222/code-battle/internal/events"
	"ctchen222/code-battle/internal/player"
	"ctchen222/code-battle/internal/repository"
	"ctchen222/code-battle/internal/repository/repositorytest"
	"ctchen222/code-battle/pkg/proto"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	eventType string
	payload   any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{eventType: eventType, payload: payload})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory websocket connection. Tests write client frames
// to in and read server frames from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case c.out <- append([]byte(nil), data...):
		return nil
	default:
		return errors.New("fake connection buffer full")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- data
}

// expect reads frames until one of msgType arrives.
func (c *fakeConn) expect(t *testing.T, msgType string) proto.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.out:
			env, err := proto.Decode(data)
			require.NoError(t, err)
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s message arrived", msgType)
		}
	}
}

// expectNone fails if a frame of msgType arrives within wait.
func (c *fakeConn) expectNone(t *testing.T, msgType string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case data := <-c.out:
			env, err := proto.Decode(data)
			require.NoError(t, err)
			if env.Type == msgType {
				t.Fatalf("unexpected %s message: %s", msgType, data)
			}
		case <-deadline:
			return
		}
	}
}

func payload[T any](t *testing.T, env proto.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Raw, &v))
	return v
}

type testHub struct {
	*Hub
	games   *repositorytest.Games
	rooms   *repositorytest.Rooms
	players *repositorytest.Players
	events  *recordingPublisher
}

func newTestHub(t *testing.T, opts Options) *testHub {
	t.Helper()
	if opts.AcceptWindow == 0 {
		opts.AcceptWindow = time.Second
	}
	if opts.TimerSyncInterval == 0 {
		opts.TimerSyncInterval = time.Hour
	}
	if opts.ReconnectGrace == 0 {
		opts.ReconnectGrace = time.Hour
	}
	th := &testHub{
		games:   repositorytest.NewGames(),
		rooms:   repositorytest.NewRooms(),
		players: repositorytest.NewPlayers(),
		events:  &recordingPublisher{},
	}
	th.Hub = NewHub(th.games, th.rooms, th.players, th.events, opts)
	t.Cleanup(th.Close)
	return th
}

// connect serves a fake connection for userID and returns it. The serve
// call is awaited during cleanup.
func connect(t *testing.T, userID int64, serve func(context.Context, *player.Player)) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	p := player.NewPlayer(userID, conn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(context.Background(), p)
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return conn
}

func (th *testHub) game(t *testing.T, id string) *repository.Game {
	t.Helper()
	g, err := th.games.FindByID(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (th *testHub) seedGame(t *testing.T, players ...int64) *repository.Game {
	t.Helper()
	g, err := th.createGame(context.Background(), MatchTypeRanked, "", players)
	require.NoError(t, err)
	return g
}

func (th *testHub) joinGame(t *testing.T, gameID string, userID int64) *fakeConn {
	t.Helper()
	return connect(t, userID, func(ctx context.Context, p *player.Player) { th.ServeGame(ctx, gameID, p) })
}

var _ events.Publisher = (*recordingPublisher)(nil)

// waitInGame blocks until the game room has registered userID.
func (th *testHub) waitInGame(t *testing.T, gameID string, userID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		id, status, _ := th.players.FindCurrentGame(context.Background(), userID)
		return id == gameID && status == player.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)
}
