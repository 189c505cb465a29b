package callclient

import (
	"maps"
	"time"

	"callrelay-backend/pkg/signaling"
)

// State is the local view of a call
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing_ringing"
	StateIncomingRinging State = "incoming_ringing"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateReconnecting    State = "reconnecting"
	StateEnded           State = "ended"
)

// Ringing reports whether s is one of the ringing states
func (s State) Ringing() bool {
	return s == StateOutgoingRinging || s == StateIncomingRinging
}

// Live reports whether the call has been answered and not yet ended
func (s State) Live() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// Quality is a coarse connection quality label
type Quality string

const (
	QualityChecking     Quality = "checking"
	QualityGood         Quality = "good"
	QualityFair         Quality = "fair"
	QualityPoor         Quality = "poor"
	QualityReconnecting Quality = "reconnecting"
)

// Stroke is one annotation segment in normalized coordinates
type Stroke struct {
	FromX  float64
	FromY  float64
	ToX    float64
	ToY    float64
	Color  string
	Width  float64
	Remote bool
}

// LocalCallState is one endpoint's view of its call, derived only from the
// signals it has seen. Snapshot returns a copy.
type LocalCallState struct {
	State          State
	ConversationID string
	Mode           signaling.Mode
	RemoteID       string
	RemoteName     string
	Initiator      bool

	Transport    PeerTransport
	LocalMedia   []TrackRole
	RemoteTracks map[TrackRole]RemoteTrack

	MicEnabled          bool
	CameraEnabled       bool
	ScreenSharing       bool
	RemoteMicEnabled    bool
	RemoteCameraEnabled bool
	RemoteScreenSharing bool

	RingCount         int
	ReconnectAttempts int
	ConnectedAt       *time.Time

	Quality        Quality
	LastRTT        time.Duration
	LastLoss       float64
	RemoteSpeaking bool

	DrawEnabled bool
	StrokeColor string
	StrokeWidth float64
	Strokes     []Stroke

	Sidechat []signaling.SidechatMessage
}

func (s *LocalCallState) clone() LocalCallState {
	c := *s
	c.LocalMedia = append([]TrackRole(nil), s.LocalMedia...)
	c.RemoteTracks = maps.Clone(s.RemoteTracks)
	if s.ConnectedAt != nil {
		at := *s.ConnectedAt
		c.ConnectedAt = &at
	}
	c.Strokes = append([]Stroke(nil), s.Strokes...)
	c.Sidechat = append([]signaling.SidechatMessage(nil), s.Sidechat...)
	return c
}

// appendSidechat adds msg unless already present, keeping at most limit entries
func appendSidechat(lines []signaling.SidechatMessage, msg signaling.SidechatMessage, limit int) []signaling.SidechatMessage {
	for _, l := range lines {
		if l.ID == msg.ID {
			return lines
		}
	}
	lines = append(lines, msg)
	if limit > 0 && len(lines) > limit {
		lines = append([]signaling.SidechatMessage(nil), lines[len(lines)-limit:]...)
	}
	return lines
}
