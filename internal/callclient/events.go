package callclient

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"callrelay-backend/pkg/signaling"
)

// HandleEvent applies one event forwarded by the relay. Events for other
// conversations than the current call are ignored, except offers, which
// are answered with busy while a call is in progress.
func (m *Machine) HandleEvent(ctx context.Context, ev *signaling.Event) {
	if ev.Type == signaling.KindAnsweredElsewhere {
		m.onAnsweredElsewhere(ev.ConversationID)
		return
	}
	p, err := signaling.NewPayload(ev.Type)
	if err != nil {
		m.log.Debug("Ignoring unknown event", zap.String("type", string(ev.Type)))
		return
	}
	if ev.Type == signaling.KindSidechatMessage {
		var msg signaling.SidechatMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			m.log.Warn("Malformed sidechat event", zap.Error(err))
			return
		}
		m.onSidechat(ev.ConversationID, msg)
		return
	}
	if err := json.Unmarshal(ev.Payload, p); err != nil {
		m.log.Warn("Malformed event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	switch p := p.(type) {
	case *signaling.OfferPayload:
		m.onOffer(ev, p)
	case *signaling.AnswerPayload:
		m.onAnswer(ctx, ev.ConversationID, p)
	case *signaling.ICECandidatePayload:
		m.onCandidate(ev.ConversationID, p.Candidate)
	case *signaling.SDPPayload:
		m.onDescription(ctx, ev.Type, ev.ConversationID, p.SDP)
	case *signaling.MediaStatePayload:
		m.onMediaState(ev.ConversationID, p)
	case *signaling.AnnotationPayload:
		m.onAnnotation(ev.ConversationID, p)
	case *signaling.TerminalPayload:
		m.onTerminal(ev.Type, ev.ConversationID, p.Reason)
	}
}

func (m *Machine) onOffer(ev *signaling.Event, p *signaling.OfferPayload) {
	fx := &effects{}
	m.mu.Lock()
	if m.busyLocked() {
		m.mu.Unlock()
		m.log.Info("Rejecting call while busy",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("from", ev.From))
		m.sendAsync(signaling.KindReject, signaling.TerminalPayload{ConversationID: ev.ConversationID, Reason: signaling.ReasonBusy})
		return
	}

	epoch := m.claimLocked(ev.ConversationID, ev.From, p.Mode, false)
	m.st.RemoteName = p.CallerName
	m.st.RemoteMicEnabled = p.Mic
	m.st.RemoteCameraEnabled = p.Camera
	m.remoteOffer = p.SDPOffer
	m.ring = NewRingController(m.clock, m.cfg.RingInterval, m.cfg.MaxRings,
		func(n int) { m.ringTick(epoch, n) },
		func() { m.ringExpired(epoch) })
	m.ring.Start()
	m.heartbeat = startRepeater(m.clock, m.cfg.HeartbeatInterval, func() bool { return m.beat(epoch) })
	m.setStateLocked(fx, StateIncomingRinging)
	m.mu.Unlock()
	m.flush(fx)
}

func (m *Machine) onAnswer(ctx context.Context, conversationID string, p *signaling.AnswerPayload) {
	fx := &effects{}
	m.mu.Lock()
	if !m.matchesLocked(conversationID) || m.st.State != StateOutgoingRinging {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	m.ring.Stop()
	m.st.RemoteMicEnabled = p.Mic
	m.st.RemoteCameraEnabled = p.Camera
	m.reconnect.Begin()
	m.setStateLocked(fx, StateConnecting)
	transport := m.transport
	m.mu.Unlock()
	m.flush(fx)

	if err := transport.SetRemoteAnswer(ctx, p.SDPAnswer); err != nil {
		m.log.Warn("Failed to apply answer", zap.Error(err))
		m.end(epoch, signaling.KindEnd, signaling.ReasonUnavailable, NoticeUnavailable)
		return
	}
	m.remoteDescriptionApplied(epoch)
}

func (m *Machine) onCandidate(conversationID string, c signaling.CandidateInit) {
	m.mu.Lock()
	if !m.matchesLocked(conversationID) {
		m.mu.Unlock()
		return
	}
	if m.transport == nil || !m.remoteDescSet {
		m.inCandidates = append(m.inCandidates, c)
		m.mu.Unlock()
		return
	}
	transport := m.transport
	m.mu.Unlock()

	if err := transport.AddCandidate(c); err != nil {
		m.log.Debug("Failed to add candidate", zap.Error(err))
	}
}

// onDescription handles ICE restart and renegotiation descriptions
func (m *Machine) onDescription(ctx context.Context, kind signaling.Kind, conversationID, sdp string) {
	m.mu.Lock()
	if !m.matchesLocked(conversationID) || !m.st.State.Live() || m.transport == nil {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	transport := m.transport
	initiator := m.st.Initiator
	glare := kind == signaling.KindRenegotiateOffer && m.renegotiating
	if glare && !initiator {
		m.renegotiating = false
	}
	m.mu.Unlock()

	switch kind {
	case signaling.KindReconnectOffer, signaling.KindRenegotiateOffer:
		if glare {
			if initiator {
				// the other side rolls back and answers our offer
				return
			}
			if err := transport.Rollback(); err != nil {
				m.log.Warn("Failed to roll back local offer", zap.Error(err))
			}
		}
		if err := transport.SetRemoteOffer(ctx, sdp); err != nil {
			m.log.Warn("Failed to apply remote offer", zap.String("type", string(kind)), zap.Error(err))
			return
		}
		answer, err := transport.CreateAnswer(ctx)
		if err != nil {
			m.log.Warn("Failed to create answer", zap.String("type", string(kind)), zap.Error(err))
			return
		}
		reply := signaling.KindReconnectAnswer
		if kind == signaling.KindRenegotiateOffer {
			reply = signaling.KindRenegotiateAnswer
		}
		m.mu.Lock()
		current := m.currentLocked(epoch)
		m.mu.Unlock()
		if current {
			m.sendAsync(reply, signaling.SDPPayload{ConversationID: conversationID, SDP: answer})
		}

	case signaling.KindReconnectAnswer, signaling.KindRenegotiateAnswer:
		if err := transport.SetRemoteAnswer(ctx, sdp); err != nil {
			m.log.Warn("Failed to apply remote answer", zap.String("type", string(kind)), zap.Error(err))
		}
		m.mu.Lock()
		if m.currentLocked(epoch) {
			if kind == signaling.KindReconnectAnswer {
				m.reconnect.RestartDone()
			} else {
				m.renegotiating = false
			}
		}
		m.mu.Unlock()
	}
}

func (m *Machine) onMediaState(conversationID string, p *signaling.MediaStatePayload) {
	fx := &effects{}
	m.mu.Lock()
	if m.matchesLocked(conversationID) {
		m.st.RemoteMicEnabled = p.Mic
		m.st.RemoteCameraEnabled = p.Camera
		m.st.RemoteScreenSharing = p.ScreenSharing
		if !p.ScreenSharing {
			delete(m.st.RemoteTracks, TrackRoleScreen)
		}
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
}

func (m *Machine) onAnnotation(conversationID string, p *signaling.AnnotationPayload) {
	fx := &effects{}
	m.mu.Lock()
	if m.matchesLocked(conversationID) {
		if p.Type == signaling.AnnotationClear {
			m.st.Strokes = nil
		} else {
			m.st.Strokes = append(m.st.Strokes, Stroke{
				FromX: p.FromX, FromY: p.FromY, ToX: p.ToX, ToY: p.ToY,
				Color: p.Color, Width: p.Width, Remote: true,
			})
		}
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
}

func (m *Machine) onSidechat(conversationID string, msg signaling.SidechatMessage) {
	fx := &effects{}
	m.mu.Lock()
	if m.matchesLocked(conversationID) {
		m.st.Sidechat = appendSidechat(m.st.Sidechat, msg, m.cfg.SidechatCap)
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
}

// onAnsweredElsewhere dismisses the ring after another device of this user
// took the call. Nothing is sent so the call keeps going there.
func (m *Machine) onAnsweredElsewhere(conversationID string) {
	fx := &effects{}
	m.mu.Lock()
	if !m.matchesLocked(conversationID) || m.st.State != StateIncomingRinging {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(fx, NoticeAnsweredElsewhere)
	m.mu.Unlock()
	m.flush(fx)
}

func (m *Machine) onTerminal(kind signaling.Kind, conversationID string, reason signaling.Reason) {
	fx := &effects{}
	m.mu.Lock()
	if !m.matchesLocked(conversationID) {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(fx, remoteNotice(kind, reason, m.st.State))
	m.mu.Unlock()
	m.flush(fx)
}

// transportEvents binds transport callbacks to one call epoch
func (m *Machine) transportEvents(epoch uint64) TransportEvents {
	return TransportEvents{
		OnStateChange: func(s TransportState) { m.onTransportState(epoch, s) },
		OnCandidate:   func(c signaling.CandidateInit) { m.onLocalCandidate(epoch, c) },
		OnTrack:       func(t RemoteTrack) { m.onRemoteTrack(epoch, t) },
	}
}

func (m *Machine) onLocalCandidate(epoch uint64, c signaling.CandidateInit) {
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return
	}
	if !m.descSent {
		m.outCandidates = append(m.outCandidates, c)
		m.mu.Unlock()
		return
	}
	conversationID := m.st.ConversationID
	m.mu.Unlock()

	m.sendAsync(signaling.KindICECandidate, signaling.ICECandidatePayload{ConversationID: conversationID, Candidate: c})
}

func (m *Machine) onRemoteTrack(epoch uint64, t RemoteTrack) {
	fx := &effects{}
	m.mu.Lock()
	if m.currentLocked(epoch) {
		m.st.RemoteTracks[t.Role] = t
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
}

func (m *Machine) onTransportState(epoch uint64, s TransportState) {
	fx := &effects{}
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return
	}

	restart := false
	switch s {
	case TransportConnected:
		if m.st.State != StateConnecting && m.st.State != StateReconnecting {
			break
		}
		m.reconnect.Recovered()
		if m.st.ConnectedAt == nil {
			now := m.clock.Now()
			m.st.ConnectedAt = &now
		}
		m.st.Quality = QualityChecking
		m.startQualityLocked(epoch)
		m.setStateLocked(fx, StateConnected)
		m.log.Info("Call connected", zap.String("conversation_id", m.st.ConversationID))

	case TransportDisconnected, TransportFailed:
		switch m.st.State {
		case StateConnected:
			if m.quality != nil {
				m.quality.Stop()
				m.quality = nil
			}
			m.st.Quality = QualityReconnecting
			m.reconnect.Begin()
			m.setStateLocked(fx, StateReconnecting)
			m.log.Warn("Media path lost", zap.String("conversation_id", m.st.ConversationID), zap.String("transport", string(s)))
			restart = m.st.Initiator
		case StateReconnecting:
			restart = m.st.Initiator
		}
		if restart {
			restart = m.reconnect.TryRestart()
			if restart {
				m.st.ReconnectAttempts = m.reconnect.Attempts()
				m.changedLocked(fx)
			}
		}
	}
	m.mu.Unlock()
	m.flush(fx)

	if restart {
		go m.restartICE(epoch)
	}
}

// restartICE sends a fresh offer over new network paths. Only the call
// initiator restarts, so the two sides never race.
func (m *Machine) restartICE(epoch uint64) {
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return
	}
	transport := m.transport
	conversationID := m.st.ConversationID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReconnectGrace)
	defer cancel()

	offer, err := transport.CreateOffer(ctx, true)
	if err == nil {
		_, err = m.request(ctx, signaling.KindReconnectOffer, signaling.SDPPayload{ConversationID: conversationID, SDP: offer})
	}
	if err != nil {
		m.log.Warn("ICE restart failed", zap.Error(err))
		m.mu.Lock()
		if m.currentLocked(epoch) {
			m.reconnect.RestartDone()
		}
		m.mu.Unlock()
	}
}

func (m *Machine) startQualityLocked(epoch uint64) {
	if m.quality != nil {
		m.quality.Stop()
	}
	transport := m.transport
	m.quality = NewQualityMonitor(m.clock, m.cfg.QualityInterval, m.cfg.SpeakingThreshold,
		transport.Stats,
		func(s Sample) { m.onQuality(epoch, s) })
	m.quality.Start()
}

func (m *Machine) onQuality(epoch uint64, s Sample) {
	fx := &effects{}
	m.mu.Lock()
	if m.currentLocked(epoch) && m.st.State == StateConnected {
		m.st.Quality = s.Quality
		m.st.LastRTT = s.RTT
		m.st.LastLoss = s.Loss
		m.st.RemoteSpeaking = s.Speaking
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
}
