package pionrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"callrelay-backend/internal/callclient"
	"callrelay-backend/pkg/signaling"
)

// opusSilence is a single 20 ms Opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SyntheticSource produces tracks without capture hardware. Audio carries
// Opus silence; video tracks are negotiated but carry no frames.
type SyntheticSource struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

func (s *SyntheticSource) clock() clock.Clock {
	if s.Clock == nil {
		return clock.New()
	}
	return s.Clock
}

func (s *SyntheticSource) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Acquire implements callclient.MediaSource
func (s *SyntheticSource) Acquire(_ context.Context, mode signaling.Mode) (callclient.LocalMedia, error) {
	streamID := fmt.Sprintf("%s-%s", callclient.TrackRoleCamera, uuid.NewString())

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	m := &Media{role: callclient.TrackRoleCamera, audio: audio, audioOn: true, done: make(chan struct{})}
	if mode == signaling.ModeVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		m.video = video
		m.videoOn = true
	}

	go m.pump(s.clock(), s.logger())
	return m, nil
}

// AcquireScreen implements callclient.MediaSource
func (s *SyntheticSource) AcquireScreen(context.Context) (callclient.LocalMedia, error) {
	streamID := fmt.Sprintf("%s-%s", callclient.TrackRoleScreen, uuid.NewString())
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}
	return &Media{role: callclient.TrackRoleScreen, video: video, videoOn: true, done: make(chan struct{})}, nil
}

// Media is a set of local Pion tracks
type Media struct {
	role  callclient.TrackRole
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	audioOn  bool
	videoOn  bool
	stopOnce sync.Once
	done     chan struct{}
}

func (m *Media) Role() callclient.TrackRole { return m.role }

// Tracks implements TrackSource
func (m *Media) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.audio != nil {
		tracks = append(tracks, m.audio)
	}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *Media) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioOn = enabled
	m.mu.Unlock()
}

func (m *Media) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.videoOn = enabled
	m.mu.Unlock()
}

func (m *Media) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// pump writes one audio frame every frame duration while the microphone is on
func (m *Media) pump(clk clock.Clock, log *zap.Logger) {
	ticker := clk.Ticker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			on := m.audioOn
			m.mu.Unlock()
			if !on {
				continue
			}
			if err := m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug("Failed to write audio sample", zap.Error(err))
			}
		}
	}
}
