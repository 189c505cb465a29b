// Package pionrtc implements the call client media ports on top of Pion WebRTC.
package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callrelay-backend/internal/callclient"
	"callrelay-backend/pkg/signaling"
)

// DefaultICEServers is used when no ICE servers are configured
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// ErrForeignMedia is returned when media not created by this package is attached
var ErrForeignMedia = errors.New("pionrtc: media was not created by this package")

// TrackSource is implemented by LocalMedia values that carry Pion tracks
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// Factory creates peer connections that share one configured API
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

// NewFactory registers the default codecs and interceptors and applies
// ICE timeouts that leave the reconnect grace period to the call machine
func NewFactory(iceServers []string, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(5*time.Second, 25*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Factory{
		api:    api,
		config: webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: iceServers}}},
		log:    logger,
	}, nil
}

// NewTransport implements callclient.TransportFactory
func (f *Factory) NewTransport(events callclient.TransportEvents) (callclient.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &Transport{
		pc:      pc,
		log:     f.log,
		senders: make(map[callclient.TrackRole][]*webrtc.RTPSender),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug("Peer connection state changed", zap.String("state", s.String()))
		if events.OnStateChange != nil {
			events.OnStateChange(transportState(s))
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		events.OnCandidate(signaling.CandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		role := RoleOf(remote.StreamID())
		f.log.Debug("Remote track",
			zap.String("kind", remote.Kind().String()),
			zap.String("stream", remote.StreamID()))

		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			// ask for a keyframe so the first frames are decodable
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}); err != nil {
				f.log.Debug("Failed to send PLI", zap.Error(err))
			}
		}
		if events.OnTrack != nil {
			events.OnTrack(callclient.RemoteTrack{ID: remote.ID(), Kind: remote.Kind().String(), Role: role})
		}

		// drain so interceptors keep receiver statistics current
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	return t, nil
}

// RoleOf maps a media stream id to the track role announced by the sender
func RoleOf(streamID string) callclient.TrackRole {
	if strings.HasPrefix(streamID, string(callclient.TrackRoleScreen)) {
		return callclient.TrackRoleScreen
	}
	return callclient.TrackRoleCamera
}

func transportState(s webrtc.PeerConnectionState) callclient.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return callclient.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return callclient.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return callclient.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return callclient.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return callclient.TransportClosed
	default:
		return callclient.TransportNew
	}
}

// Transport is a callclient.PeerTransport backed by a Pion peer connection
type Transport struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	mu      sync.Mutex
	senders map[callclient.TrackRole][]*webrtc.RTPSender
}

func (t *Transport) AddMedia(media callclient.LocalMedia) error {
	src, ok := media.(TrackSource)
	if !ok {
		return ErrForeignMedia
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, track := range src.Tracks() {
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		t.senders[media.Role()] = append(t.senders[media.Role()], sender)
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors such as NACK keep working
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) RemoveMedia(role callclient.TrackRole) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, sender := range t.senders[role] {
		if err := t.pc.RemoveTrack(sender); err != nil {
			errs = append(errs, err)
		}
	}
	delete(t.senders, role)
	return errors.Join(errs...)
}

func (t *Transport) CreateOffer(_ context.Context, iceRestart bool) (string, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (t *Transport) CreateAnswer(context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (t *Transport) SetRemoteOffer(_ context.Context, sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (t *Transport) SetRemoteAnswer(_ context.Context, sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (t *Transport) Rollback() error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *Transport) AddCandidate(c signaling.CandidateInit) error {
	if c.Candidate == "" {
		return nil
	}
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Stats reads the round trip time of the selected candidate pair and the
// inbound audio counters
func (t *Transport) Stats(context.Context) (callclient.Stats, error) {
	if t.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return callclient.Stats{}, errors.New("pionrtc: transport closed")
	}
	return collectStats(t.pc.GetStats()), nil
}

func collectStats(report webrtc.StatsReport) callclient.Stats {
	var out callclient.Stats
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if !st.Nominated && st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if st.CurrentRoundTripTime <= 0 {
				continue
			}
			rtt := time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			if !out.HasRTT || rtt < out.RTT {
				out.RTT = rtt
				out.HasRTT = true
			}
		case webrtc.InboundRTPStreamStats:
			if st.Kind != "audio" {
				continue
			}
			out.PacketsReceived += uint64(st.PacketsReceived)
			out.PacketsLost += int64(st.PacketsLost)
			out.AudioBytesReceived += st.BytesReceived
		}
	}
	return out
}

func (t *Transport) Close() error {
	return t.pc.Close()
}
