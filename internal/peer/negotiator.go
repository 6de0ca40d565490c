package peer

import (
	"context"
	"ctchen222/code-battle/pkg/proto"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("peer")
	meter  = otel.Meter("peer")
)

var negotiationErrors, _ = meter.Int64Counter("peer.negotiation.errors",
	metric.WithDescription("Failed negotiation steps by stage"))

var (
	ErrClosed           = errors.New("peer: negotiator closed")
	ErrNoPeerConnection = errors.New("peer: no active peer connection")
)

// MediaState is the health of the media path as seen by the session.
type MediaState int

const (
	MediaPending MediaState = iota
	MediaConnected
	MediaLost
)

func (s MediaState) String() string {
	switch s {
	case MediaConnected:
		return "connected"
	case MediaLost:
		return "lost"
	default:
		return "pending"
	}
}

// SignalSender delivers negotiation messages to the opposite peer.
type SignalSender interface {
	Send(v any) error
}

// Role decides which side of a connection creates offers. Offers only ever
// flow one way, so they cannot collide.
type Role int

const (
	// RoleUnknown is held until the opponent is known. The side behaves as
	// an answerer but answers a join at most once per request.
	RoleUnknown Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

type Options struct {
	Role Role

	// Callbacks run on pion's goroutines.
	OnMediaState  func(MediaState)
	OnRemoteTrack func(RemoteTrack)
}

// Negotiator runs offer/answer exchange and candidate trickle for one peer
// connection. Only the offerer creates offers; the other side asks for one
// with a join signal whenever its media changes. HandleSignal, Join,
// ShareTrack, Restart, SetRole and Close must be called from a single
// goroutine; the callbacks in Options may fire from any goroutine.
type Negotiator struct {
	pc   PeerConnection
	out  SignalSender
	role Role

	senders           map[webrtc.RTPCodecType]Sender
	pendingCandidates []webrtc.ICECandidateInit
	offerPending      bool
	restartPending    bool
	// requested is set while a join sent by this side awaits an offer.
	requested bool

	lastOffer  *webrtc.SessionDescription
	lastAnswer *webrtc.SessionDescription
	answered   string

	mu      sync.Mutex
	media   MediaState
	closed  bool
	onMedia func(MediaState)
}

func NewNegotiator(pc PeerConnection, out SignalSender, opts Options) *Negotiator {
	n := &Negotiator{
		pc:      pc,
		out:     out,
		role:    opts.Role,
		senders: make(map[webrtc.RTPCodecType]Sender),
		onMedia: opts.OnMediaState,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || n.isClosed() {
			return
		}
		if err := out.Send(proto.NewCandidateSignal(*c)); err != nil {
			slog.Warn("failed to send local candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			n.setMedia(MediaConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			n.setMedia(MediaLost)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			n.setMedia(MediaConnected)
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			n.setMedia(MediaLost)
		}
	})
	if opts.OnRemoteTrack != nil {
		pc.OnTrack(func(t RemoteTrack) {
			if !n.isClosed() {
				opts.OnRemoteTrack(t)
			}
		})
	}

	return n
}

func (n *Negotiator) Role() Role { return n.role }

// SetRole updates the side once the opponent is known. A side that becomes
// the offerer while its own join is outstanding offers straight away.
func (n *Negotiator) SetRole(ctx context.Context, role Role) error {
	if n.isClosed() {
		return ErrClosed
	}
	if role == n.role {
		return nil
	}
	slog.DebugContext(ctx, "negotiation role changed", "role.from", n.role.String(), "role.to", role.String())
	n.role = role
	if role != RoleOfferer || !n.requested {
		return nil
	}
	n.requested = false
	return n.offerMedia(ctx)
}

// Join announces this side to the opponent after (re)connecting. The
// opponent answers with an offer or with a join of its own.
func (n *Negotiator) Join(ctx context.Context) error {
	if n.isClosed() {
		return ErrClosed
	}
	if err := n.out.Send(proto.NewJoinSignal()); err != nil {
		return n.fail(ctx, "send_join", err)
	}
	if n.role != RoleOfferer {
		n.requested = true
	}
	return nil
}

// HandleSignal applies one inbound webrtc_signal payload.
func (n *Negotiator) HandleSignal(ctx context.Context, sig proto.Signal) error {
	ctx, span := tracer.Start(ctx, "peer.HandleSignal", trace.WithAttributes(
		attribute.String("signal.type", string(sig.Type)),
		attribute.String("signaling.state", n.pc.SignalingState().String()),
		attribute.String("negotiation.role", n.role.String()),
	))
	defer span.End()

	if n.isClosed() {
		return ErrClosed
	}

	var err error
	switch sig.Type {
	case proto.SignalOffer:
		err = n.handleOffer(ctx, sig)
	case proto.SignalAnswer:
		err = n.handleAnswer(ctx, sig)
	case proto.SignalCandidate:
		err = n.handleCandidate(ctx, sig)
	case proto.SignalJoin:
		err = n.handleJoin(ctx)
	default:
		err = fmt.Errorf("unknown signal type %q", sig.Type)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to apply signal")
	}
	return err
}

// handleJoin reacts to the opponent (re)joining or asking for an offer.
func (n *Negotiator) handleJoin(ctx context.Context) error {
	switch n.role {
	case RoleOfferer:
		return n.offerMedia(ctx)
	case RoleAnswerer:
		return n.request(ctx)
	default:
		// Two sides that both lack a role would trade joins forever.
		if n.requested {
			return nil
		}
		return n.request(ctx)
	}
}

func (n *Negotiator) handleOffer(ctx context.Context, sig proto.Signal) error {
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateStable {
		slog.WarnContext(ctx, "ignoring offer outside stable", "signaling.state", state.String(), "negotiation.role", n.role.String())
		return nil
	}
	n.requested = false

	// A re-sent offer that was already answered gets the same answer again.
	if n.lastAnswer != nil && n.answered == sig.SDP {
		if err := n.out.Send(proto.NewDescriptionSignal(*n.lastAnswer)); err != nil {
			return n.fail(ctx, "send_answer", err)
		}
		return nil
	}

	if err := n.pc.SetRemoteDescription(sig.Description()); err != nil {
		return n.fail(ctx, "set_remote_offer", err)
	}
	n.flushCandidates(ctx)

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return n.fail(ctx, "create_answer", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.fail(ctx, "set_local_answer", err)
	}
	n.answered, n.lastAnswer = sig.SDP, &answer
	if err := n.out.Send(proto.NewDescriptionSignal(answer)); err != nil {
		return n.fail(ctx, "send_answer", err)
	}

	return n.settle(ctx)
}

// handleAnswer accepts an answer only while a local offer is outstanding.
// Anything else is a stale or duplicate answer and is dropped.
func (n *Negotiator) handleAnswer(ctx context.Context, sig proto.Signal) error {
	state := n.pc.SignalingState()
	if state != webrtc.SignalingStateHaveLocalOffer {
		slog.WarnContext(ctx, "discarding answer outside have-local-offer", "signaling.state", state.String())
		return nil
	}

	if err := n.pc.SetRemoteDescription(sig.Description()); err != nil {
		return n.fail(ctx, "set_remote_answer", err)
	}
	n.flushCandidates(ctx)

	return n.settle(ctx)
}

// handleCandidate holds candidates that arrive before any remote description
// and applies them once one is set.
func (n *Negotiator) handleCandidate(ctx context.Context, sig proto.Signal) error {
	if n.pc.RemoteDescription() == nil {
		n.pendingCandidates = append(n.pendingCandidates, *sig.Candidate)
		return nil
	}
	if err := n.pc.AddICECandidate(*sig.Candidate); err != nil {
		return n.fail(ctx, "add_candidate", err)
	}
	return nil
}

func (n *Negotiator) flushCandidates(ctx context.Context) {
	pending := n.pendingCandidates
	n.pendingCandidates = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			_ = n.fail(ctx, "add_candidate", err)
		}
	}
}

// settle sends an offer that was deferred while another exchange was in
// flight.
func (n *Negotiator) settle(ctx context.Context) error {
	if !n.offerPending || n.pc.SignalingState() != webrtc.SignalingStateStable {
		return nil
	}
	return n.offer(ctx, n.restartPending)
}

// ShareTrack publishes track. A track of a kind already being sent replaces
// the previous one in place and renegotiates with an ICE restart.
func (n *Negotiator) ShareTrack(ctx context.Context, track webrtc.TrackLocal) error {
	ctx, span := tracer.Start(ctx, "peer.ShareTrack", trace.WithAttributes(
		attribute.String("track.id", track.ID()),
		attribute.String("track.kind", track.Kind().String()),
	))
	defer span.End()

	if n.isClosed() {
		return ErrClosed
	}

	restart := false
	if sender, ok := n.senders[track.Kind()]; ok {
		if err := sender.ReplaceTrack(track); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to replace track")
			return n.fail(ctx, "replace_track", err)
		}
		restart = true
	} else {
		sender, err := n.pc.AddTrack(track)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to add track")
			return n.fail(ctx, "add_track", err)
		}
		n.senders[track.Kind()] = sender
	}

	return n.negotiate(ctx, restart)
}

// Restart renegotiates with fresh ICE credentials.
func (n *Negotiator) Restart(ctx context.Context) error {
	if n.isClosed() {
		return ErrClosed
	}
	return n.negotiate(ctx, true)
}

// negotiate starts a new exchange from whichever side is allowed to.
func (n *Negotiator) negotiate(ctx context.Context, iceRestart bool) error {
	if n.role == RoleOfferer {
		return n.offer(ctx, iceRestart)
	}
	return n.request(ctx)
}

// request asks the offerer for a fresh offer.
func (n *Negotiator) request(ctx context.Context) error {
	if err := n.out.Send(proto.NewJoinSignal()); err != nil {
		return n.fail(ctx, "send_join", err)
	}
	n.requested = true
	slog.DebugContext(ctx, "requested offer")
	return nil
}

// offerMedia offers everything this side publishes. With nothing published
// yet a video slot is opened so the answerer's screen has an m-line to use.
func (n *Negotiator) offerMedia(ctx context.Context) error {
	if n.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer && n.lastOffer != nil {
		// The outstanding offer may have gone out before the opponent was
		// connected to receive it.
		if err := n.out.Send(proto.NewDescriptionSignal(*n.lastOffer)); err != nil {
			return n.fail(ctx, "send_offer", err)
		}
		return nil
	}
	if len(n.senders) == 0 {
		sender, err := n.pc.AddTransceiver(webrtc.RTPCodecTypeVideo)
		if err != nil {
			return n.fail(ctx, "add_transceiver", err)
		}
		n.senders[webrtc.RTPCodecTypeVideo] = sender
	}
	return n.offer(ctx, true)
}

func (n *Negotiator) offer(ctx context.Context, iceRestart bool) error {
	if n.pc.SignalingState() != webrtc.SignalingStateStable {
		n.offerPending = true
		n.restartPending = n.restartPending || iceRestart
		return nil
	}
	n.offerPending = false
	n.restartPending = false

	// ICE can only restart once a first exchange has completed.
	iceRestart = iceRestart && n.pc.RemoteDescription() != nil

	offer, err := n.pc.CreateOffer(iceRestart)
	if err != nil {
		return n.fail(ctx, "create_offer", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.fail(ctx, "set_local_offer", err)
	}
	n.lastOffer = &offer
	if err := n.out.Send(proto.NewDescriptionSignal(offer)); err != nil {
		return n.fail(ctx, "send_offer", err)
	}

	slog.DebugContext(ctx, "sent offer", "ice.restart", iceRestart)
	return nil
}

// Close tears down the peer connection. No callbacks fire afterwards.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	return n.pc.Close()
}

func (n *Negotiator) MediaState() MediaState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.media
}

func (n *Negotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Negotiator) setMedia(s MediaState) {
	n.mu.Lock()
	if n.closed || n.media == s {
		n.mu.Unlock()
		return
	}
	n.media = s
	cb := n.onMedia
	n.mu.Unlock()

	if cb != nil {
		cb(s)
	}
}

func (n *Negotiator) fail(ctx context.Context, stage string, err error) error {
	negotiationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	slog.ErrorContext(ctx, "negotiation step failed", "stage", stage, "error", err)
	return fmt.Errorf("%s: %w", stage, err)
}
