package signaling

import (
	"context"
	"ctchen222/code-battle/pkg/proto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("signaling")

var (
	ErrNotConnected = errors.New("signaling: not connected")
	ErrSuperseded   = errors.New("signaling: connection superseded")
)

type ReadyState int

const (
	StateClosed ReadyState = iota
	StateConnecting
	StateOpen
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler receives every decoded inbound message.
type Handler func(proto.Envelope)

// CloseEvent reports the loss of a connection that was not replaced or
// disconnected on purpose.
type CloseEvent struct {
	URL string
	Err error
}

// Transport is the single long-lived signaling connection of a client. It is
// shared by every phase of a session; switching phases means connecting to a
// different URL, which replaces the previous socket.
type Transport struct {
	dialer Dialer

	mu     sync.Mutex
	conn   Conn
	url    string
	state  ReadyState
	gen    uint64
	nextID uint64

	handlers      map[uint64]Handler
	closeHandlers map[uint64]func(CloseEvent)

	writeMu sync.Mutex
}

func NewTransport(dialer Dialer) *Transport {
	return &Transport{
		dialer:        dialer,
		handlers:      make(map[uint64]Handler),
		closeHandlers: make(map[uint64]func(CloseEvent)),
	}
}

// Connect opens a connection to url. Calling it again with the URL of the
// current open or connecting socket is a no-op; any other URL closes the
// current socket first.
func (t *Transport) Connect(ctx context.Context, url string) error {
	ctx, span := tracer.Start(ctx, "signaling.Connect", trace.WithAttributes(
		attribute.String("signaling.url", redact(url)),
	))
	defer span.End()

	t.mu.Lock()
	if t.url == url && t.state != StateClosed {
		t.mu.Unlock()
		span.SetAttributes(attribute.Bool("signaling.reused", true))
		return nil
	}
	t.closeLocked()
	t.gen++
	gen := t.gen
	t.url = url
	t.state = StateConnecting
	t.mu.Unlock()

	conn, err := t.dialer.Dial(ctx, url)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		t.state = StateClosed
		t.url = ""
		t.mu.Unlock()
		slog.ErrorContext(ctx, "failed to connect signaling transport", "signaling.url", redact(url), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to connect signaling transport")
		return fmt.Errorf("failed to dial %s: %w", redact(url), err)
	}
	t.conn = conn
	t.state = StateOpen
	t.mu.Unlock()

	slog.InfoContext(ctx, "signaling transport connected", "signaling.url", redact(url))
	go t.readPump(gen, url, conn)
	return nil
}

// Send encodes v as JSON and writes it to the open socket.
func (t *Transport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Disconnect closes the current socket. It is safe to call when closed.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.closeLocked()
}

func (t *Transport) State() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Subscribe registers h for inbound messages and returns its removal func.
func (t *Transport) Subscribe(h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.handlers[id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

// OnClose registers h for unexpected connection loss.
func (t *Transport) OnClose(h func(CloseEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.closeHandlers[id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.closeHandlers, id)
	}
}

func (t *Transport) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.url = ""
	t.state = StateClosed
}

func (t *Transport) readPump(gen uint64, url string, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			current := gen == t.gen
			if current {
				t.closeLocked()
			}
			var handlers []func(CloseEvent)
			if current {
				for _, h := range t.closeHandlers {
					handlers = append(handlers, h)
				}
			}
			t.mu.Unlock()

			if !current {
				return
			}
			slog.Warn("signaling transport closed", "signaling.url", redact(url), "error", err)
			for _, h := range handlers {
				h(CloseEvent{URL: url, Err: err})
			}
			return
		}

		env, err := proto.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed signaling message", "error", err)
			continue
		}

		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		handlers := make([]Handler, 0, len(t.handlers))
		for _, h := range t.handlers {
			handlers = append(handlers, h)
		}
		t.mu.Unlock()

		for _, h := range handlers {
			h(env)
		}
	}
}
