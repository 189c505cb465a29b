package callclient

import (
	"context"
	"time"

	"callrelay-backend/pkg/signaling"
)

// TrackRole distinguishes the camera track set from the screen-share track
type TrackRole string

const (
	TrackRoleCamera TrackRole = "camera"
	TrackRoleScreen TrackRole = "screen"
)

// TransportState mirrors the state of the underlying peer connection
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// LocalMedia is a set of captured local tracks. It is owned by the endpoint
// that acquired it until Stop is called.
type LocalMedia interface {
	Role() TrackRole
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Stop()
}

// MediaSource acquires local media. Acquisition may block on permission
// prompts and fails when the user or platform refuses.
type MediaSource interface {
	Acquire(ctx context.Context, mode signaling.Mode) (LocalMedia, error)
	AcquireScreen(ctx context.Context) (LocalMedia, error)
}

// RemoteTrack is a track received from the other participant
type RemoteTrack struct {
	ID   string
	Kind string // audio or video
	Role TrackRole
}

// Stats is one reading of transport statistics. Counters are cumulative
// since the transport was created.
type Stats struct {
	RTT                time.Duration
	HasRTT             bool
	PacketsReceived    uint64
	PacketsLost        int64
	AudioBytesReceived uint64
}

// TransportEvents are invoked by a PeerTransport from its own goroutines
type TransportEvents struct {
	OnStateChange func(TransportState)
	OnCandidate   func(signaling.CandidateInit)
	OnTrack       func(RemoteTrack)
}

// PeerTransport is the peer-to-peer media connection of one call
type PeerTransport interface {
	AddMedia(media LocalMedia) error
	RemoveMedia(role TrackRole) error
	// CreateOffer creates and applies a local offer. iceRestart gathers new
	// network paths.
	CreateOffer(ctx context.Context, iceRestart bool) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteOffer(ctx context.Context, sdp string) error
	SetRemoteAnswer(ctx context.Context, sdp string) error
	// Rollback discards a local offer that has not been answered
	Rollback() error
	AddCandidate(candidate signaling.CandidateInit) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// TransportFactory creates one PeerTransport per call
type TransportFactory interface {
	NewTransport(events TransportEvents) (PeerTransport, error)
}

// RelayClient sends one control message and waits for its acknowledgement
type RelayClient interface {
	Send(ctx context.Context, kind signaling.Kind, payload any) (*signaling.Ack, error)
}
