package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// DisplaySurface is the kind of surface a screen capture is bound to.
type DisplaySurface string

const (
	SurfaceMonitor DisplaySurface = "monitor"
	SurfaceWindow  DisplaySurface = "window"
	SurfaceBrowser DisplaySurface = "browser"
)

var ErrCaptureDenied = errors.New("media: capture denied")

// Track is a live capture. Ended is closed when the source stops, either
// through Stop or because the user ended the share.
type Track interface {
	Local() webrtc.TrackLocal
	Surface() DisplaySurface
	Ended() <-chan struct{}
	Stop()
}

// Capturer acquires a screen capture. Implementations may block while the
// user picks a surface.
type Capturer interface {
	Capture(ctx context.Context) (Track, error)
}

// SyntheticCapturer produces VP8 tracks bound to a fixed surface and feeds
// them a placeholder frame every FrameInterval. It stands in for a desktop
// capture source on headless clients.
type SyntheticCapturer struct {
	Surface       DisplaySurface
	FrameInterval time.Duration
}

func (c SyntheticCapturer) Capture(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen-"+uuid.NewString()[:8],
		"screen",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture track: %w", err)
	}

	surface := c.Surface
	if surface == "" {
		surface = SurfaceMonitor
	}
	interval := c.FrameInterval
	if interval <= 0 {
		interval = time.Second
	}

	t := &syntheticTrack{local: local, surface: surface, ended: make(chan struct{})}
	go t.pump(interval)
	return t, nil
}

type syntheticTrack struct {
	local   *webrtc.TrackLocalStaticSample
	surface DisplaySurface
	ended   chan struct{}
	once    sync.Once
}

func (t *syntheticTrack) Local() webrtc.TrackLocal { return t.local }
func (t *syntheticTrack) Surface() DisplaySurface  { return t.surface }
func (t *syntheticTrack) Ended() <-chan struct{}   { return t.ended }
func (t *syntheticTrack) Stop()                    { t.once.Do(func() { close(t.ended) }) }

// placeholderFrame is a VP8 key frame header with an empty payload.
var placeholderFrame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x01, 0x00, 0x01, 0x00}

func (t *syntheticTrack) pump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ended:
			return
		case <-ticker.C:
			if err := t.local.WriteSample(media.Sample{Data: placeholderFrame, Duration: interval}); err != nil {
				slog.Debug("failed to write capture frame", "track.id", t.local.ID(), "error", err)
			}
		}
	}
}
