package match

import (
	"context"
	mock_backend "ctchen222/code-battle/internal/backend/mock"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/internal/peer/peertest"
	"ctchen222/code-battle/internal/screenshare"
	"ctchen222/code-battle/internal/signaling"
	"ctchen222/code-battle/pkg/proto"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeSignaler struct {
	mu            sync.Mutex
	connects      []string
	connectErr    error
	sent          []any
	disconnects   int
	handlers      []signaling.Handler
	closeHandlers []func(signaling.CloseEvent)
}

func (f *fakeSignaler) Connect(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, url)
	return f.connectErr
}

func (f *fakeSignaler) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSignaler) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSignaler) Subscribe(h signaling.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {}
}

func (f *fakeSignaler) OnClose(h func(signaling.CloseEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeHandlers = append(f.closeHandlers, h)
	return func() {}
}

func (f *fakeSignaler) lastConnect() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connects) == 0 {
		return ""
	}
	return f.connects[len(f.connects)-1]
}

// sentOf returns every outbound message of the given type, re-decoded from
// its wire form.
func (f *fakeSignaler) sentOf(t *testing.T, typ string) []proto.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, m := range f.sent {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		env, err := proto.Decode(data)
		require.NoError(t, err)
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSignaler) signalsSent(t *testing.T) []proto.SignalType {
	t.Helper()
	var out []proto.SignalType
	for _, env := range f.sentOf(t, proto.TypeWebRTCSignal) {
		var msg proto.WebRTCSignal
		require.NoError(t, env.Payload(&msg))
		out = append(out, msg.Signal.Type)
	}
	return out
}

type fakeTimer struct {
	every   bool
	d       time.Duration
	elapsed time.Duration
	fn      func()
	stopped bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) add(t *fakeTimer) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append(f.timers, t)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.stopped = true
	}
}

func (f *fakeClock) Every(d time.Duration, fn func()) func() {
	return f.add(&fakeTimer{every: true, d: d, fn: fn})
}

func (f *fakeClock) After(d time.Duration, fn func()) func() {
	return f.add(&fakeTimer{d: d, fn: fn})
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves time forward and fires due timers in registration order.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	var due []func()
	for _, t := range f.timers {
		if t.stopped {
			continue
		}
		t.elapsed += d
		for t.elapsed >= t.d && !t.stopped {
			due = append(due, t.fn)
			t.elapsed -= t.d
			if !t.every {
				t.stopped = true
			}
		}
	}
	f.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

type fakeTrack struct {
	local   webrtc.TrackLocal
	surface media.DisplaySurface
	ended   chan struct{}
	once    sync.Once
}

func (t *fakeTrack) Local() webrtc.TrackLocal      { return t.local }
func (t *fakeTrack) Surface() media.DisplaySurface { return t.surface }
func (t *fakeTrack) Ended() <-chan struct{}        { return t.ended }
func (t *fakeTrack) Stop()                         { t.once.Do(func() { close(t.ended) }) }

func (t *fakeTrack) stopped() bool {
	select {
	case <-t.ended:
		return true
	default:
		return false
	}
}

type fakeCapturer struct {
	mu      sync.Mutex
	surface media.DisplaySurface
	err     error
	tracks  []*fakeTrack
}

func (f *fakeCapturer) Capture(ctx context.Context) (media.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := fmt.Sprintf("screen-%d", len(f.tracks)+1)
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "screen")
	if err != nil {
		return nil, err
	}
	track := &fakeTrack{local: local, surface: f.surface, ended: make(chan struct{})}
	f.tracks = append(f.tracks, track)
	return track, nil
}

func (f *fakeCapturer) last() *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tracks) == 0 {
		return nil
	}
	return f.tracks[len(f.tracks)-1]
}

type staticAuth int64

func (a staticAuth) UserID() int64 { return int64(a) }
func (a staticAuth) Token() string { return "token" }

const (
	selfID     = int64(2)
	opponentID = int64(1)
)

type harness struct {
	c       *Controller
	sig     *fakeSignaler
	clock   *fakeClock
	capture *fakeCapturer
	backend *mock_backend.MockService
	pcs     []*peertest.Conn
	updates []Update
}

func newHarness(t *testing.T, configure ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		sig:     &fakeSignaler{},
		clock:   newFakeClock(),
		capture: &fakeCapturer{surface: media.SurfaceMonitor},
		backend: mock_backend.NewMockService(gomock.NewController(t)),
	}
	deps := Deps{
		Signaler:  h.sig,
		Endpoints: signaling.Endpoints{Base: "ws://relay.test", Token: "token"},
		Auth:      staticAuth(selfID),
		Backend:   h.backend,
		Capturer:  h.capture,
		Peers:     peertest.Factory(&h.pcs),
		Clock:     h.clock,
	}
	for _, fn := range configure {
		fn(&deps)
	}

	h.c = NewController(deps, Options{Screenshare: screenshare.Config{Countdown: 3, RecoveryWindow: 60}})
	h.c.exec = func(f func()) { f() }
	h.c.Subscribe(func(u Update) { h.updates = append(h.updates, u) })
	return h
}

func (h *harness) drain() { h.c.drain() }

func (h *harness) deliver(t *testing.T, raw string) {
	t.Helper()
	env, err := proto.Decode([]byte(raw))
	require.NoError(t, err)
	for _, handler := range h.sig.handlers {
		handler(env)
	}
	h.drain()
}

func (h *harness) dropConnection() {
	url := h.sig.lastConnect()
	for _, handler := range h.sig.closeHandlers {
		handler(signaling.CloseEvent{URL: url, Err: fmt.Errorf("connection reset")})
	}
	h.drain()
}

// advance runs the clock forward one second at a time.
func (h *harness) advance(seconds int) {
	for i := 0; i < seconds; i++ {
		h.clock.Advance(time.Second)
		h.drain()
	}
}

func (h *harness) pc() *peertest.Conn {
	return h.pcs[len(h.pcs)-1]
}

func (h *harness) phase() Phase {
	return h.c.State().Phase()
}

func (h *harness) lastOf(kind UpdateKind) (Update, bool) {
	for i := len(h.updates) - 1; i >= 0; i-- {
		if h.updates[i].Kind == kind {
			return h.updates[i], true
		}
	}
	return Update{}, false
}

func (h *harness) toSetup(t *testing.T) {
	t.Helper()
	h.c.JoinQueue()
	h.drain()
	h.deliver(t, `{"type":"match_found","match_id":"m-1","time_limit":20,"opponent_ids":[1,2]}`)
	h.c.Accept()
	h.drain()
	h.deliver(t, `{"type":"match_accepted","game_id":"g-1","problem":{"title":"Two Sum"}}`)
	require.Equal(t, PhaseSetup, h.phase())
}

// share brings both participants to a verified share, ready and connected,
// then runs the countdown.
func (h *harness) share(t *testing.T) {
	t.Helper()
	h.c.StartShare()
	h.drain()
	h.deliver(t, `{"type":"screen_share_started","from":1}`)
	h.pc().EmitConnectionState(webrtc.PeerConnectionStateConnected)
	h.drain()
	h.c.ConfirmReady()
	h.drain()
	h.deliver(t, `{"type":"player_ready","from":1}`)
	h.advance(3)
	require.Equal(t, PhaseBattle, h.phase())
}

func (h *harness) toBattle(t *testing.T) {
	t.Helper()
	h.toSetup(t)
	h.share(t)
}
