package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// Sender is the outbound side of one media kind.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack describes media arriving from the opponent.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
}

// PeerConnection is the subset of a WebRTC peer connection the negotiator
// drives.
type PeerConnection interface {
	SignalingState() webrtc.SignalingState
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	// AddTransceiver opens a send-receive slot of kind with no media yet.
	// The returned sender's track is swapped in later with ReplaceTrack.
	AddTransceiver(kind webrtc.RTPCodecType) (Sender, error)
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(RemoteTrack))
	Close() error
}

// Factory creates a fresh peer connection for a media session.
type Factory func() (PeerConnection, error)

// NewPionFactory returns a Factory backed by pion with the given ICE setup.
func NewPionFactory(config webrtc.Configuration) Factory {
	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConn) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	readRTCP(sender)
	return sender, nil
}

func (c *pionConn) AddTransceiver(kind webrtc.RTPCodecType) (Sender, error) {
	t, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		return nil, err
	}
	readRTCP(t.Sender())
	return t.Sender(), nil
}

// readRTCP drains the sender's RTCP. Interceptors only run while RTCP is
// being read.
func readRTCP(sender *webrtc.RTPSender) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (c *pionConn) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			f(nil)
			return
		}
		init := candidate.ToJSON()
		f(&init)
	})
}

func (c *pionConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *pionConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *pionConn) OnTrack(f func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()})

		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					slog.Debug("remote track ended", "track.id", track.ID(), "error", err)
					return
				}
			}
		}()
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
