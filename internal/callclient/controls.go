package callclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"callrelay-backend/pkg/signaling"
)

// ToggleMic flips the local microphone and tells the other side
func (m *Machine) ToggleMic(ctx context.Context) (bool, error) {
	return m.toggle(ctx, func(st *LocalCallState, media LocalMedia) bool {
		st.MicEnabled = !st.MicEnabled
		media.SetAudioEnabled(st.MicEnabled)
		return st.MicEnabled
	})
}

// ToggleCamera flips the local camera and tells the other side
func (m *Machine) ToggleCamera(ctx context.Context) (bool, error) {
	return m.toggle(ctx, func(st *LocalCallState, media LocalMedia) bool {
		st.CameraEnabled = !st.CameraEnabled
		media.SetVideoEnabled(st.CameraEnabled)
		return st.CameraEnabled
	})
}

func (m *Machine) toggle(ctx context.Context, flip func(*LocalCallState, LocalMedia) bool) (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	fx := &effects{}
	m.mu.Lock()
	if !m.st.State.Live() || m.media == nil {
		m.mu.Unlock()
		return false, ErrNotConnected
	}
	epoch := m.epoch
	enabled := flip(&m.st, m.media)
	m.changedLocked(fx)
	state := m.mediaStateLocked()
	connected := m.st.State == StateConnected
	m.mu.Unlock()
	m.flush(fx)

	if _, err := m.request(ctx, signaling.KindMediaState, state); err != nil {
		return enabled, err
	}
	if connected {
		return enabled, m.renegotiate(ctx, epoch)
	}
	return enabled, nil
}

func (m *Machine) mediaStateLocked() signaling.MediaStatePayload {
	return signaling.MediaStatePayload{
		ConversationID: m.st.ConversationID,
		Mic:            m.st.MicEnabled,
		Camera:         m.st.CameraEnabled,
		ScreenSharing:  m.st.ScreenSharing,
	}
}

// StartScreenShare adds a screen track to the connected call
func (m *Machine) StartScreenShare(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.st.State != StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.st.ScreenSharing {
		m.mu.Unlock()
		return nil
	}
	epoch := m.epoch
	transport := m.transport
	m.mu.Unlock()

	screen, err := m.cfg.Media.AcquireScreen(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if err := transport.AddMedia(screen); err != nil {
		screen.Stop()
		return err
	}

	fx := &effects{}
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		screen.Stop()
		return ErrCancelled
	}
	m.screen = screen
	m.st.ScreenSharing = true
	m.st.LocalMedia = append(m.st.LocalMedia, TrackRoleScreen)
	m.changedLocked(fx)
	state := m.mediaStateLocked()
	m.mu.Unlock()
	m.flush(fx)

	if err := m.renegotiate(ctx, epoch); err != nil {
		return err
	}
	_, err = m.request(ctx, signaling.KindMediaState, state)
	return err
}

// StopScreenShare removes the screen track
func (m *Machine) StopScreenShare(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	fx := &effects{}
	m.mu.Lock()
	if !m.st.ScreenSharing || m.screen == nil {
		m.mu.Unlock()
		return nil
	}
	epoch := m.epoch
	screen := m.screen
	transport := m.transport
	m.screen = nil
	m.st.ScreenSharing = false
	roles := m.st.LocalMedia[:0]
	for _, r := range m.st.LocalMedia {
		if r != TrackRoleScreen {
			roles = append(roles, r)
		}
	}
	m.st.LocalMedia = roles
	m.changedLocked(fx)
	state := m.mediaStateLocked()
	connected := m.st.State == StateConnected
	m.mu.Unlock()
	m.flush(fx)

	if err := transport.RemoveMedia(TrackRoleScreen); err != nil {
		m.log.Debug("Failed to remove screen track", zap.Error(err))
	}
	screen.Stop()

	if _, err := m.request(ctx, signaling.KindMediaState, state); err != nil {
		return err
	}
	if connected {
		return m.renegotiate(ctx, epoch)
	}
	return nil
}

// renegotiate sends a new offer over the existing transport. The answer
// arrives as a renegotiate_answer event.
func (m *Machine) renegotiate(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	if !m.currentLocked(epoch) {
		m.mu.Unlock()
		return ErrCancelled
	}
	m.renegotiating = true
	transport := m.transport
	conversationID := m.st.ConversationID
	m.mu.Unlock()

	offer, err := transport.CreateOffer(ctx, false)
	if err == nil {
		_, err = m.request(ctx, signaling.KindRenegotiateOffer, signaling.SDPPayload{ConversationID: conversationID, SDP: offer})
	}
	if err != nil {
		m.mu.Lock()
		if m.currentLocked(epoch) {
			m.renegotiating = false
		}
		m.mu.Unlock()
	}
	return err
}

// SendSidechat posts an in-call chat line. The stored message is returned
// and also added to the local state.
func (m *Machine) SendSidechat(ctx context.Context, text string) (*signaling.SidechatMessage, error) {
	m.mu.Lock()
	if !m.st.State.Live() {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conversationID := m.st.ConversationID
	m.mu.Unlock()

	ack, err := m.request(ctx, signaling.KindSidechatMessage, signaling.SidechatPayload{ConversationID: conversationID, Text: text})
	if err != nil {
		return nil, err
	}
	if ack.Message != nil {
		m.onSidechat(conversationID, *ack.Message)
	}
	return ack.Message, nil
}

// SetDrawing switches annotation drawing on or off and sets the stroke style
func (m *Machine) SetDrawing(enabled bool, color string, width float64) {
	fx := &effects{}
	m.mu.Lock()
	m.st.DrawEnabled = enabled
	if color != "" {
		m.st.StrokeColor = color
	}
	if width > 0 {
		m.st.StrokeWidth = width
	}
	m.changedLocked(fx)
	m.mu.Unlock()
	m.flush(fx)
}

// SendAnnotation draws one segment in normalized coordinates with the
// current stroke style
func (m *Machine) SendAnnotation(ctx context.Context, fromX, fromY, toX, toY float64) error {
	m.mu.Lock()
	if !m.st.State.Live() {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if !m.st.DrawEnabled {
		m.mu.Unlock()
		return ErrDrawingDisabled
	}
	p := signaling.AnnotationPayload{
		ConversationID: m.st.ConversationID,
		Type:           signaling.AnnotationSegment,
		FromX:          fromX,
		FromY:          fromY,
		ToX:            toX,
		ToY:            toY,
		Color:          m.st.StrokeColor,
		Width:          m.st.StrokeWidth,
	}
	m.mu.Unlock()

	if err := signaling.Validate(&p); err != nil {
		return err
	}
	if _, err := m.request(ctx, signaling.KindAnnotation, p); err != nil {
		return err
	}

	fx := &effects{}
	m.mu.Lock()
	if m.matchesLocked(p.ConversationID) {
		m.st.Strokes = append(m.st.Strokes, Stroke{
			FromX: fromX, FromY: fromY, ToX: toX, ToY: toY,
			Color: p.Color, Width: p.Width,
		})
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
	return nil
}

// ClearAnnotations clears the overlay on both sides
func (m *Machine) ClearAnnotations(ctx context.Context) error {
	m.mu.Lock()
	if !m.st.State.Live() {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conversationID := m.st.ConversationID
	m.mu.Unlock()

	if _, err := m.request(ctx, signaling.KindAnnotation, signaling.AnnotationPayload{
		ConversationID: conversationID,
		Type:           signaling.AnnotationClear,
	}); err != nil {
		return err
	}

	fx := &effects{}
	m.mu.Lock()
	if m.matchesLocked(conversationID) {
		m.st.Strokes = nil
		m.changedLocked(fx)
	}
	m.mu.Unlock()
	m.flush(fx)
	return nil
}
