package match

import (
	"context"
	"ctchen222/code-battle/internal/backend"
	"ctchen222/code-battle/internal/battle"
	"ctchen222/code-battle/internal/history"
	"ctchen222/code-battle/internal/media"
	"ctchen222/code-battle/internal/peer"
	"ctchen222/code-battle/internal/screenshare"
	"ctchen222/code-battle/internal/signaling"
	"ctchen222/code-battle/pkg/proto"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("match")
	meter  = otel.Meter("match")
)

var phaseTransitions, _ = meter.Int64Counter("match.phase.transitions",
	metric.WithDescription("Session phase changes by target phase"))

var (
	ErrInvalidPhase   = errors.New("match: action not allowed in current phase")
	ErrGameplayPaused = battle.ErrGameplayPaused
)

const reconnectDelay = 2 * time.Second

// Signaler is the part of the signaling transport the controller drives.
type Signaler interface {
	Connect(ctx context.Context, url string) error
	Send(v any) error
	Disconnect()
	Subscribe(h signaling.Handler) func()
	OnClose(h func(signaling.CloseEvent)) func()
}

type Deps struct {
	Signaler  Signaler
	Endpoints signaling.Endpoints
	Auth      backend.AuthProvider
	Backend   backend.Service
	// History is optional.
	History  history.Store
	Capturer media.Capturer
	Peers    peer.Factory
	Clock    Clock
}

type Options struct {
	AcceptWindow time.Duration
	Screenshare  screenshare.Config
}

type timerKey string

const (
	timerAccept    timerKey = "accept"
	timerBattle    timerKey = "battle"
	timerReconnect timerKey = "reconnect"
)

type timer struct {
	gen  uint64
	stop func()
}

// Controller owns one player's session from queueing to the result screen.
// All state lives on a single loop; public methods only enqueue work and
// never block on the network.
type Controller struct {
	deps   Deps
	opts   Options
	selfID int64
	exec   func(func())

	qmu   sync.Mutex
	queue []event
	wake  chan struct{}

	ctx      context.Context
	state    State
	sess     *session
	nextSess uint64
	timers   map[timerKey]*timer
	timerGen uint64
	closed   bool

	obsMu     sync.Mutex
	observers map[uint64]func(Update)
	nextObs   uint64

	stateMu  sync.Mutex
	snapshot State

	unsubscribe []func()
}

func NewController(deps Deps, opts Options) *Controller {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if opts.AcceptWindow <= 0 {
		opts.AcceptWindow = 20 * time.Second
	}

	c := &Controller{
		deps:      deps,
		opts:      opts,
		selfID:    deps.Auth.UserID(),
		exec:      func(f func()) { go f() },
		wake:      make(chan struct{}, 1),
		ctx:       context.Background(),
		state:     Idle{},
		snapshot:  Idle{},
		timers:    make(map[timerKey]*timer),
		observers: make(map[uint64]func(Update)),
	}

	c.unsubscribe = append(c.unsubscribe,
		deps.Signaler.Subscribe(func(env proto.Envelope) { c.post(messageEvent{env: env}) }),
		deps.Signaler.OnClose(func(ev signaling.CloseEvent) { c.post(closedEvent{url: ev.URL, err: ev.Err}) }),
	)
	return c
}

// Run processes events until ctx is done or Close is handled.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
			if c.drain() {
				return
			}
		}
	}
}

// drain handles queued events until the queue is empty. It reports whether
// the controller was closed.
func (c *Controller) drain() bool {
	for !c.closed {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			return false
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		c.handle(ev)
	}
	return true
}

func (c *Controller) post(ev event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers fn for updates. fn runs on the controller loop and
// must not block.
func (c *Controller) Subscribe(fn func(Update)) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) emit(u Update) {
	if u.State == nil {
		u.State = c.state
	}
	c.obsMu.Lock()
	observers := make([]func(Update), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range observers {
		fn(u)
	}
}

// State returns the most recent session state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.snapshot
}

func (c *Controller) SelfID() int64 { return c.selfID }

func (c *Controller) setState(s State) {
	prev := c.state
	c.state = s
	c.stateMu.Lock()
	c.snapshot = s
	c.stateMu.Unlock()

	if prev.Phase() != s.Phase() {
		phaseTransitions.Add(c.ctx, 1, metric.WithAttributes(attribute.String("phase", string(s.Phase()))))
		slog.InfoContext(c.ctx, "session phase changed", "phase.from", string(prev.Phase()), "phase", string(s.Phase()))
	}
	c.emit(Update{Kind: UpdatePhase, State: s})
}

func (c *Controller) startTimer(key timerKey, d time.Duration, repeat bool) {
	c.stopTimer(key)
	c.timerGen++
	gen := c.timerGen
	fire := func() { c.post(tickEvent{key: key, gen: gen}) }

	var stop func()
	if repeat {
		stop = c.deps.Clock.Every(d, fire)
	} else {
		stop = c.deps.Clock.After(d, fire)
	}
	c.timers[key] = &timer{gen: gen, stop: stop}
}

func (c *Controller) stopTimer(key timerKey) {
	if t, ok := c.timers[key]; ok {
		t.stop()
		delete(c.timers, key)
	}
}

func (c *Controller) stopAllTimers() {
	for key := range c.timers {
		c.stopTimer(key)
	}
}

// current reports whether a tick belongs to the live timer for its key.
// One-shot timers are consumed by their tick.
func (c *Controller) current(ev tickEvent, repeat bool) bool {
	t, ok := c.timers[ev.key]
	if !ok || t.gen != ev.gen {
		return false
	}
	if !repeat {
		delete(c.timers, ev.key)
	}
	return true
}

func (c *Controller) JoinQueue()             { c.post(joinQueueAction{}) }
func (c *Controller) JoinRoom(roomID string) { c.post(joinRoomAction{roomID: roomID}) }
func (c *Controller) ResumeGame()            { c.post(resumeAction{}) }
func (c *Controller) Accept()                { c.post(acceptAction{}) }
func (c *Controller) Decline()               { c.post(declineAction{}) }
func (c *Controller) StartShare()            { c.post(startShareAction{}) }
func (c *Controller) ConfirmReady()          { c.post(confirmReadyAction{}) }
func (c *Controller) ContinueSolo()          { c.post(continueSoloAction{}) }
func (c *Controller) LeaveMatch()            { c.post(leaveAction{}) }
func (c *Controller) Surrender()             { c.post(surrenderAction{}) }
func (c *Controller) SendChat(text string)   { c.post(chatAction{text: text}) }
func (c *Controller) ReturnToLobby()         { c.post(returnToLobbyAction{}) }
func (c *Controller) Close()                 { c.post(closeAction{}) }
func (c *Controller) RunCode(req backend.CodeRequest) {
	c.post(codeAction{action: "run", req: req})
}
func (c *Controller) SubmitCode(req backend.CodeRequest) {
	c.post(codeAction{action: "submit", req: req})
}

func (c *Controller) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.stopAllTimers()
	if c.sess != nil {
		c.sess.teardown()
		c.sess = nil
	}
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.deps.Signaler.Disconnect()
	slog.Info("match controller closed")
}
