// Package callclient is the endpoint side of a one-to-one call. A Machine
// drives local media, the peer transport and the relay through the ringing,
// connecting, connected and reconnecting states, and guarantees a single
// teardown per call.
package callclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"callrelay-backend/pkg/constants"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/signaling"
)

var (
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNoCall           = errors.New("no active call")
	ErrNoIncomingCall   = errors.New("no incoming call to answer")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrCancelled        = errors.New("call cancelled")
	ErrNotConnected     = errors.New("call is not connected")
	ErrDrawingDisabled  = errors.New("drawing is disabled")
)

// RelayError is a request the relay acknowledged with an error code
type RelayError struct {
	Kind signaling.Kind
	Code string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay rejected %s: %s", e.Kind, e.Code)
}

// Config configures a Machine. Zero durations and counts use the defaults
// from pkg/constants.
type Config struct {
	Relay      RelayClient
	Media      MediaSource
	Transports TransportFactory
	Clock      clock.Clock
	Logger     *zap.Logger

	// OnNotice receives one notice per ended call and per failed start
	OnNotice func(Notice)
	// OnChange receives a snapshot after every visible change
	OnChange func(LocalCallState)

	MaxRings          int
	RingInterval      time.Duration
	QualityInterval   time.Duration
	ReconnectGrace    time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	SidechatCap       int
	// SpeakingThreshold is the number of remote audio bytes per quality
	// sample above which the remote side counts as speaking
	SpeakingThreshold uint64
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxRings <= 0 {
		c.MaxRings = constants.MaxRingCount
	}
	if c.RingInterval <= 0 {
		c.RingInterval = constants.RingInterval
	}
	if c.QualityInterval <= 0 {
		c.QualityInterval = constants.QualitySampleInterval
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = constants.ReconnectGracePeriod
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = constants.HeartbeatInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SidechatCap <= 0 {
		c.SidechatCap = constants.DefaultSidechatCap
	}
	if c.SpeakingThreshold == 0 {
		c.SpeakingThreshold = 2000
	}
}

// Machine is the call state machine of one endpoint. All methods are safe
// for concurrent use. Work that blocks runs outside the state lock and is
// re-validated against the call epoch before its result is applied.
type Machine struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	// opMu serializes media toggles and screen sharing
	opMu sync.Mutex

	mu      sync.Mutex
	epoch   uint64
	claimed bool
	st      LocalCallState

	transport PeerTransport
	media     LocalMedia
	screen    LocalMedia

	remoteOffer   string
	remoteDescSet bool
	inCandidates  []signaling.CandidateInit
	descSent      bool
	outCandidates []signaling.CandidateInit
	renegotiating bool

	ring      *RingController
	quality   *QualityMonitor
	reconnect *ReconnectManager
	heartbeat *repeater
}

// NewMachine creates an idle Machine
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Relay == nil || cfg.Media == nil || cfg.Transports == nil {
		return nil, errors.New("callclient: relay, media and transports are required")
	}
	cfg.setDefaults()
	return &Machine{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger,
		st:    LocalCallState{State: StateIdle},
	}, nil
}

// Snapshot returns a copy of the current call state
func (m *Machine) Snapshot() LocalCallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.clone()
}

// effects collects work produced under the state lock. It is applied by
// flush after the lock is released.
type effects struct {
	cleanup []func()
	snaps   []LocalCallState
	notices []Notice
	sends   []outbound
}

type outbound struct {
	kind    signaling.Kind
	payload any
}

func (m *Machine) flush(fx *effects) {
	for _, fn := range fx.cleanup {
		fn()
	}
	for _, o := range fx.sends {
		m.sendAsync(o.kind, o.payload)
	}
	if m.cfg.OnChange != nil {
		for _, s := range fx.snaps {
			m.cfg.OnChange(s)
		}
	}
	if m.cfg.OnNotice != nil {
		for _, n := range fx.notices {
			m.cfg.OnNotice(n)
		}
	}
}

func (m *Machine) setStateLocked(fx *effects, s State) {
	m.st.State = s
	m.changedLocked(fx)
}

func (m *Machine) changedLocked(fx *effects) {
	fx.snaps = append(fx.snaps, m.st.clone())
}

func (m *Machine) busyLocked() bool {
	return m.claimed || m.st.State != StateIdle
}

// currentLocked reports whether epoch still names the claimed call
func (m *Machine) currentLocked(epoch uint64) bool {
	return m.claimed && m.epoch == epoch
}

func (m *Machine) matchesLocked(conversationID string) bool {
	return m.claimed && m.st.ConversationID == conversationID
}

// teardownLocked releases every resource of the current call, returns to
// idle and emits exactly one notice. Later callbacks of the call see a
// stale epoch and are dropped.
func (m *Machine) teardownLocked(fx *effects, kind NoticeKind) {
	m.epoch++
	conversationID := m.st.ConversationID

	if m.ring != nil {
		m.ring.Stop()
	}
	if m.quality != nil {
		m.quality.Stop()
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	if m.media != nil {
		fx.cleanup = append(fx.cleanup, m.media.Stop)
	}
	if m.screen != nil {
		fx.cleanup = append(fx.cleanup, m.screen.Stop)
	}
	if tr := m.transport; tr != nil {
		fx.cleanup = append(fx.cleanup, func() {
			if err := tr.Close(); err != nil {
				m.log.Debug("Failed to close transport", zap.Error(err))
			}
		})
	}

	if m.st.State != StateIdle {
		m.setStateLocked(fx, StateEnded)
	}
	m.resetLocked()
	m.changedLocked(fx)

	fx.notices = append(fx.notices, Notice{
		Kind:           kind,
		Text:           noticeText(kind, m.cfg.MaxRings),
		ConversationID: conversationID,
	})
	m.log.Info("Call torn down",
		zap.String("conversation_id", conversationID),
		zap.String("notice", string(kind)))
}

func (m *Machine) resetLocked() {
	m.claimed = false
	m.st = LocalCallState{State: StateIdle}
	m.transport = nil
	m.media = nil
	m.screen = nil
	m.remoteOffer = ""
	m.remoteDescSet = false
	m.inCandidates = nil
	m.descSent = false
	m.outCandidates = nil
	m.renegotiating = false
	m.ring = nil
	m.quality = nil
	m.reconnect = nil
	m.heartbeat = nil
}

// claimLocked reserves the call slot for a new call
func (m *Machine) claimLocked(conversationID, remoteID string, mode signaling.Mode, initiator bool) uint64 {
	m.epoch++
	m.claimed = true
	m.st = LocalCallState{
		State:          StateIdle,
		ConversationID: conversationID,
		Mode:           mode,
		RemoteID:       remoteID,
		Initiator:      initiator,
		RemoteTracks:   make(map[TrackRole]RemoteTrack),
		StrokeColor:    "#ff3b30",
		StrokeWidth:    3,
	}
	epoch := m.epoch
	m.reconnect = NewReconnectManager(m.clock, m.cfg.ReconnectGrace, func() { m.graceExpired(epoch) })
	return epoch
}

// abandon releases a claimed call that never reached the relay
func (m *Machine) abandon(epoch uint64, kind NoticeKind) {
	fx := &effects{}
	m.mu.Lock()
	if m.currentLocked(epoch) {
		m.teardownLocked(fx, kind)
	}
	m.mu.Unlock()
	m.flush(fx)
}

// end tears the call down and tells the relay, once
func (m *Machine) end(epoch uint64, kind signaling.Kind, reason signaling.Reason, notice NoticeKind) bool {
	fx := &effects{}
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return false
	}
	conversationID := m.st.ConversationID
	m.teardownLocked(fx, notice)
	fx.sends = append(fx.sends, outbound{kind, signaling.TerminalPayload{ConversationID: conversationID, Reason: reason}})
	m.mu.Unlock()
	m.flush(fx)
	return true
}

func (m *Machine) request(ctx context.Context, kind signaling.Kind, payload any) (*signaling.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	ack, err := m.cfg.Relay.Send(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	if !ack.OK {
		return ack, &RelayError{Kind: kind, Code: ack.Error}
	}
	return ack, nil
}

func (m *Machine) sendAsync(kind signaling.Kind, payload any) {
	go func() {
		if _, err := m.request(context.Background(), kind, payload); err != nil {
			m.log.Debug("Signal not delivered", zap.String("type", string(kind)), zap.Error(err))
		}
	}()
}

func relayCode(err error) string {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Initiate starts a call to remoteID in conversationID
func (m *Machine) Initiate(ctx context.Context, conversationID, remoteID string, mode signaling.Mode) error {
	m.mu.Lock()
	if m.busyLocked() {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	epoch := m.claimLocked(conversationID, remoteID, mode, true)
	m.mu.Unlock()

	media, err := m.cfg.Media.Acquire(ctx, mode)
	if err != nil {
		m.abandon(epoch, NoticeMediaUnavailable)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	transport, offer, err := m.prepareOffer(ctx, epoch, media)
	if err != nil {
		media.Stop()
		m.abandon(epoch, NoticeUnavailable)
		return err
	}

	fx := &effects{}
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		media.Stop()
		_ = transport.Close()
		return ErrCancelled
	}
	m.transport = transport
	m.media = media
	m.st.Transport = transport
	m.st.LocalMedia = []TrackRole{media.Role()}
	m.st.MicEnabled = true
	m.st.CameraEnabled = mode == signaling.ModeVideo
	m.ring = NewRingController(m.clock, m.cfg.RingInterval, m.cfg.MaxRings,
		func(n int) { m.ringTick(epoch, n) },
		func() { m.ringExpired(epoch) })
	m.ring.Start()
	m.heartbeat = startRepeater(m.clock, m.cfg.HeartbeatInterval, func() bool { return m.beat(epoch) })
	m.setStateLocked(fx, StateOutgoingRinging)
	mic, camera := m.st.MicEnabled, m.st.CameraEnabled
	m.mu.Unlock()
	m.flush(fx)

	_, err = m.request(ctx, signaling.KindOffer, signaling.OfferPayload{
		ConversationID: conversationID,
		Mode:           mode,
		SDPOffer:       offer,
		Mic:            mic,
		Camera:         camera,
	})
	if err != nil {
		m.abandon(epoch, relayNotice(relayCode(err)))
		return err
	}

	m.descriptionSent(epoch)
	m.log.Info("Call offered", zap.String("conversation_id", conversationID), zap.String("mode", string(mode)))
	return nil
}

func (m *Machine) prepareOffer(ctx context.Context, epoch uint64, media LocalMedia) (PeerTransport, string, error) {
	transport, err := m.cfg.Transports.NewTransport(m.transportEvents(epoch))
	if err != nil {
		return nil, "", err
	}
	if err := transport.AddMedia(media); err != nil {
		_ = transport.Close()
		return nil, "", err
	}
	offer, err := transport.CreateOffer(ctx, false)
	if err != nil {
		_ = transport.Close()
		return nil, "", err
	}
	return transport, offer, nil
}

// descriptionSent releases candidates gathered before the relay knew the call
func (m *Machine) descriptionSent(epoch uint64) {
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return
	}
	m.descSent = true
	pending := m.outCandidates
	m.outCandidates = nil
	conversationID := m.st.ConversationID
	m.mu.Unlock()

	for _, c := range pending {
		m.sendAsync(signaling.KindICECandidate, signaling.ICECandidatePayload{ConversationID: conversationID, Candidate: c})
	}
}

// Accept answers the ringing incoming call
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.st.State != StateIncomingRinging || m.transport != nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	epoch := m.epoch
	mode := m.st.Mode
	offer := m.remoteOffer
	conversationID := m.st.ConversationID
	if m.ring != nil {
		m.ring.Stop()
	}
	m.mu.Unlock()

	media, err := m.cfg.Media.Acquire(ctx, mode)
	if err != nil {
		m.end(epoch, signaling.KindReject, signaling.ReasonNoMedia, NoticeMediaUnavailable)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	transport, err := m.cfg.Transports.NewTransport(m.transportEvents(epoch))
	if err == nil {
		err = transport.AddMedia(media)
	}
	if err != nil {
		media.Stop()
		if transport != nil {
			_ = transport.Close()
		}
		m.end(epoch, signaling.KindReject, signaling.ReasonUnavailable, NoticeUnavailable)
		return err
	}

	fx := &effects{}
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		media.Stop()
		_ = transport.Close()
		return ErrCancelled
	}
	m.transport = transport
	m.media = media
	m.st.Transport = transport
	m.st.LocalMedia = []TrackRole{media.Role()}
	m.st.MicEnabled = true
	m.st.CameraEnabled = mode == signaling.ModeVideo
	m.reconnect.Begin()
	m.setStateLocked(fx, StateConnecting)
	mic, camera := m.st.MicEnabled, m.st.CameraEnabled
	m.mu.Unlock()
	m.flush(fx)

	if err := transport.SetRemoteOffer(ctx, offer); err != nil {
		m.end(epoch, signaling.KindReject, signaling.ReasonUnavailable, NoticeUnavailable)
		return err
	}
	m.remoteDescriptionApplied(epoch)

	answer, err := transport.CreateAnswer(ctx)
	if err != nil {
		m.end(epoch, signaling.KindReject, signaling.ReasonUnavailable, NoticeUnavailable)
		return err
	}

	_, err = m.request(ctx, signaling.KindAnswer, signaling.AnswerPayload{
		ConversationID: conversationID,
		SDPAnswer:      answer,
		Mic:            mic,
		Camera:         camera,
	})
	if err != nil {
		// The caller gave up before the answer reached the relay
		m.abandon(epoch, NoticeEnded)
		return err
	}

	m.descriptionSent(epoch)
	m.log.Info("Call accepted", zap.String("conversation_id", conversationID))
	return nil
}

// remoteDescriptionApplied applies candidates that arrived before the
// remote description
func (m *Machine) remoteDescriptionApplied(epoch uint64) {
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return
	}
	m.remoteDescSet = true
	pending := m.inCandidates
	m.inCandidates = nil
	transport := m.transport
	m.mu.Unlock()

	for _, c := range pending {
		if err := transport.AddCandidate(c); err != nil {
			m.log.Debug("Failed to add buffered candidate", zap.Error(err))
		}
	}
}

// Decline rejects the ringing incoming call
func (m *Machine) Decline() error {
	m.mu.Lock()
	if m.st.State != StateIncomingRinging {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	epoch := m.epoch
	m.mu.Unlock()

	m.end(epoch, signaling.KindReject, signaling.ReasonDeclined, NoticeDeclined)
	return nil
}

// Hangup ends the current call in any state
func (m *Machine) Hangup() error {
	m.mu.Lock()
	if !m.claimed {
		m.mu.Unlock()
		return ErrNoCall
	}
	epoch := m.epoch
	state := m.st.State
	m.mu.Unlock()

	switch state {
	case StateIdle:
		// the offer has not been sent yet
		m.abandon(epoch, NoticeEnded)
	case StateIncomingRinging:
		m.end(epoch, signaling.KindReject, signaling.ReasonDeclined, NoticeDeclined)
	default:
		m.end(epoch, signaling.KindEnd, signaling.ReasonEnded, NoticeEnded)
	}
	return nil
}

func (m *Machine) ringTick(epoch uint64, count int) {
	fx := &effects{}
	m.mu.Lock()
	if m.currentLocked(epoch) && m.st.State.Ringing() {
		m.st.RingCount = count
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
}

func (m *Machine) ringExpired(epoch uint64) {
	m.mu.Lock()
	state := m.st.State
	current := m.currentLocked(epoch)
	m.mu.Unlock()
	if !current {
		return
	}

	switch state {
	case StateOutgoingRinging:
		m.end(epoch, signaling.KindEnd, signaling.ReasonNoAnswer, NoticeNoAnswer)
	case StateIncomingRinging:
		m.end(epoch, signaling.KindReject, signaling.ReasonMissed, NoticeMissed)
	}
}

func (m *Machine) graceExpired(epoch uint64) {
	m.mu.Lock()
	state := m.st.State
	current := m.currentLocked(epoch)
	m.mu.Unlock()
	if !current || (state != StateConnecting && state != StateReconnecting) {
		return
	}

	m.log.Warn("Media path not restored in time", zap.String("state", string(state)))
	m.end(epoch, signaling.KindEnd, signaling.ReasonNetworkDrop, NoticeDropped)
}

// beat refreshes the relay session. A call the relay no longer knows is
// torn down locally.
func (m *Machine) beat(epoch uint64) bool {
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return false
	}
	conversationID := m.st.ConversationID
	m.mu.Unlock()

	_, err := m.request(context.Background(), signaling.KindHeartbeat, signaling.HeartbeatPayload{ConversationID: conversationID})
	if relayCode(err) == string(apperrors.ErrCodeNoActiveCall) {
		m.abandon(epoch, NoticeEnded)
		return false
	}
	if err != nil {
		m.log.Debug("Heartbeat failed", zap.Error(err))
	}
	return true
}
