// Package peertest provides an in-memory peer connection that follows the
// WebRTC signaling state rules without any networking.
package peertest

import (
	"ctchen222/code-battle/internal/peer"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Conn implements peer.PeerConnection.
type Conn struct {
	Name string

	mu            sync.Mutex
	state         webrtc.SignalingState
	currentLocal  *webrtc.SessionDescription
	currentRemote *webrtc.SessionDescription
	pendingLocal  *webrtc.SessionDescription
	pendingRemote *webrtc.SessionDescription
	created       int
	restarts      int
	candidates    []webrtc.ICECandidateInit
	senders       []*Sender
	closed        bool

	AddCandidateErr error

	onCandidate func(*webrtc.ICECandidateInit)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(peer.RemoteTrack)
}

func NewConn(name string) *Conn {
	return &Conn{Name: name, state: webrtc.SignalingStateStable}
}

// Factory returns a peer.Factory that records every Conn it creates.
func Factory(created *[]*Conn) peer.Factory {
	var mu sync.Mutex
	return func() (peer.PeerConnection, error) {
		mu.Lock()
		defer mu.Unlock()
		c := NewConn(fmt.Sprintf("pc-%d", len(*created)+1))
		*created = append(*created, c)
		return c, nil
	}
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRemote != nil {
		return c.pendingRemote
	}
	return c.currentRemote
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingLocal != nil {
		return c.pendingLocal
	}
	return c.currentLocal
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, fmt.Errorf("%s: closed", c.Name)
	}
	if iceRestart && c.currentLocal == nil && c.pendingLocal == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%s: ice restart before any local description", c.Name)
	}
	c.created++
	if iceRestart {
		c.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer:%s:%d", c.Name, c.created)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%s: create answer in %s", c.Name, c.state)
	}
	c.created++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer:%s:%d", c.Name, c.created)}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%s: set local offer in %s", c.Name, c.state)
		}
		c.pendingLocal = &desc
		c.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("%s: set local answer in %s", c.Name, c.state)
		}
		c.currentLocal = &desc
		c.currentRemote = c.pendingRemote
		c.pendingRemote = nil
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%s: unsupported local type %s", c.Name, desc.Type)
	}
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			return fmt.Errorf("%s: set remote offer in %s", c.Name, c.state)
		}
		c.pendingRemote = &desc
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%s: set remote answer in %s", c.Name, c.state)
		}
		c.currentRemote = &desc
		c.currentLocal = c.pendingLocal
		c.pendingLocal = nil
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%s: unsupported remote type %s", c.Name, desc.Type)
	}
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRemote == nil && c.currentRemote == nil {
		return fmt.Errorf("%s: candidate before remote description", c.Name)
	}
	if c.AddCandidateErr != nil {
		return c.AddCandidateErr
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sender{track: track}
	c.senders = append(c.senders, s)
	return s, nil
}

// AddTransceiver records a sender without a track.
func (c *Conn) AddTransceiver(kind webrtc.RTPCodecType) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sender{kind: kind}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = f
}

func (c *Conn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConn = f
}

func (c *Conn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = f
}

func (c *Conn) OnTrack(f func(peer.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	return nil
}

// EmitCandidate simulates local ICE gathering.
func (c *Conn) EmitCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(&candidate)
	}
}

// EmitConnectionState simulates a peer connection state change.
func (c *Conn) EmitConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onConn
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// EmitICEState simulates an ICE connection state change.
func (c *Conn) EmitICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	f := c.onICE
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// EmitTrack simulates remote media arriving.
func (c *Conn) EmitTrack(t peer.RemoteTrack) {
	c.mu.Lock()
	f := c.onTrack
	c.mu.Unlock()
	if f != nil {
		f(t)
	}
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

func (c *Conn) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sender implements peer.Sender.
type Sender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	replaced int
}

// Kind reports the media kind of the current track, or of the transceiver
// when no track was ever set.
func (s *Sender) Kind() webrtc.RTPCodecType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track != nil {
		return s.track.Kind()
	}
	return s.kind
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// Wire collects outbound messages from a negotiator.
type Wire struct {
	mu   sync.Mutex
	msgs []any
}

func (w *Wire) Send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, v)
	return nil
}

// Drain returns and clears the collected messages.
func (w *Wire) Drain() []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.msgs
	w.msgs = nil
	return msgs
}
