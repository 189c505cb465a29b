// Package call implements the server side of call signaling: the relay that
// validates and forwards control messages, and the log writer that records
// how each call ended.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/push"
	"callrelay-backend/pkg/sanitize"
	"callrelay-backend/pkg/signaling"
)

// Deps are the collaborators of a Relay. Push and Metrics may be nil.
type Deps struct {
	Conversations ConversationLookup
	Registry      SessionRegistry
	Logs          *LogWriter
	Notifier      Notifier
	Directory     Directory
	Push          PushSender
	Metrics       *metrics.Metrics
}

// Config tunes a Relay
type Config struct {
	SidechatCap    int
	StaleAfter     time.Duration
	ReaperInterval time.Duration
	Clock          clock.Clock
}

// Relay validates control messages and forwards them to the other participant.
// It holds no locks; atomicity per conversation comes from the registry.
type Relay struct {
	conversations ConversationLookup
	registry      SessionRegistry
	logs          *LogWriter
	notifier      Notifier
	directory     Directory
	push          PushSender
	metrics       *metrics.Metrics

	clock          clock.Clock
	sidechatCap    int
	staleAfter     time.Duration
	reaperInterval time.Duration
}

// NewRelay creates a Relay
func NewRelay(deps Deps, cfg Config) *Relay {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Relay{
		conversations:  deps.Conversations,
		registry:       deps.Registry,
		logs:           deps.Logs,
		notifier:       deps.Notifier,
		directory:      deps.Directory,
		push:           deps.Push,
		metrics:        deps.Metrics,
		clock:          cfg.Clock,
		sidechatCap:    cfg.SidechatCap,
		staleAfter:     cfg.StaleAfter,
		reaperInterval: cfg.ReaperInterval,
	}
}

// Dispatch handles one request from senderID and returns its acknowledgement.
func (r *Relay) Dispatch(ctx context.Context, senderID uuid.UUID, req *signaling.Request) *signaling.Ack {
	ack := &signaling.Ack{ID: req.ID}

	payload, err := signaling.Decode(req.Type, req.Payload)
	if err != nil {
		return r.reject(ack, req.Type, senderID, apperrors.InvalidPayloadError(err.Error()))
	}
	conversationID, err := uuid.Parse(payload.Conversation())
	if err != nil {
		return r.reject(ack, req.Type, senderID, apperrors.InvalidPayloadError("conversationId is not a uuid"))
	}

	var msg *signaling.SidechatMessage
	switch p := payload.(type) {
	case *signaling.OfferPayload:
		err = r.Offer(ctx, senderID, conversationID, p)
	case *signaling.AnswerPayload:
		err = r.Answer(ctx, senderID, conversationID, req.Payload)
	case *signaling.ICECandidatePayload:
		err = r.ICECandidate(ctx, senderID, conversationID, req.Payload)
	case *signaling.SidechatPayload:
		msg, err = r.SidechatMessage(ctx, senderID, conversationID, p.Text)
	case *signaling.TerminalPayload:
		err = r.Terminate(ctx, senderID, conversationID, req.Type, p.Reason)
	case *signaling.HeartbeatPayload:
		err = r.Heartbeat(ctx, senderID, conversationID)
	default:
		// media_state, annotation, reconnect and renegotiate offers/answers
		err = r.ForwardAnswered(ctx, senderID, conversationID, req.Type, req.Payload)
	}
	if err != nil {
		return r.reject(ack, req.Type, senderID, err)
	}

	if r.metrics != nil {
		r.metrics.RecordSignalRelayed(string(req.Type))
	}
	ack.OK = true
	ack.Message = msg
	return ack
}

func (r *Relay) reject(ack *signaling.Ack, kind signaling.Kind, senderID uuid.UUID, err error) *signaling.Ack {
	appErr := apperrors.GetAppError(err)
	if appErr.Code == apperrors.ErrCodeInternal || appErr.Code == apperrors.ErrCodeDatabase {
		logger.Error("Signaling request failed",
			zap.String("kind", string(kind)),
			zap.String("user_id", senderID.String()),
			zap.Error(err))
	} else {
		logger.Debug("Signaling request rejected",
			zap.String("kind", string(kind)),
			zap.String("user_id", senderID.String()),
			zap.String("code", string(appErr.Code)))
	}
	if r.metrics != nil {
		r.metrics.RecordSignalRejected(string(kind), string(appErr.Code))
	}
	ack.OK = false
	ack.Error = string(appErr.Code)
	return ack
}

// authorize checks the conversation exists, senderID belongs to it, and it is
// a direct two-party conversation. It returns the other participant.
func (r *Relay) authorize(ctx context.Context, senderID, conversationID uuid.UUID) (uuid.UUID, error) {
	info, err := r.conversations.LookupConversation(ctx, conversationID)
	if err != nil {
		if apperrors.IsAppError(err) {
			return uuid.Nil, err
		}
		return uuid.Nil, apperrors.DatabaseError(err)
	}
	if info == nil {
		return uuid.Nil, apperrors.NotFoundError("Conversation")
	}
	if !info.HasParticipant(senderID) {
		return uuid.Nil, apperrors.NotParticipantError()
	}
	if info.IsGroup {
		return uuid.Nil, apperrors.GroupNotSupportedError()
	}
	peer, ok := info.Peer(senderID)
	if !ok {
		return uuid.Nil, apperrors.GroupNotSupportedError()
	}
	return peer, nil
}

// Offer starts a call and forwards the offer to the callee.
func (r *Relay) Offer(ctx context.Context, senderID, conversationID uuid.UUID, p *signaling.OfferPayload) error {
	peer, err := r.authorize(ctx, senderID, conversationID)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	if _, err := r.registry.Start(ctx, conversationID, senderID, domain.CallMode(p.Mode), now); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordCallStarted(string(p.Mode))
	}

	forwarded := *p
	forwarded.CallerName = r.displayName(ctx, senderID)
	r.forward(ctx, peer, signaling.KindOffer, conversationID, senderID, forwarded)

	logger.Info("Call started",
		zap.String("conversation_id", conversationID.String()),
		zap.String("user_id", senderID.String()),
		zap.String("mode", string(p.Mode)))

	if r.push != nil {
		r.pushIfOffline(ctx, peer, &push.CallNotificationData{
			ConversationID: conversationID,
			CallerID:       senderID,
			CallerName:     forwarded.CallerName,
			CallType:       string(p.Mode),
			Timestamp:      now.Unix(),
		}, r.push.SendIncomingCall)
	}
	return nil
}

// Answer records the first answer and forwards it to the caller. The
// callee's other devices are told to stop ringing.
func (r *Relay) Answer(ctx context.Context, senderID, conversationID uuid.UUID, raw json.RawMessage) error {
	peer, err := r.authorize(ctx, senderID, conversationID)
	if err != nil {
		return err
	}

	session, err := r.registry.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if session == nil {
		return apperrors.NoActiveCallError()
	}
	if session.InitiatorID == senderID {
		return apperrors.InvalidPayloadError("the caller cannot answer its own call")
	}

	_, first, err := r.registry.MarkAnswered(ctx, conversationID, r.clock.Now())
	if err != nil {
		return err
	}
	if first {
		logger.Info("Call answered",
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", senderID.String()))
		r.forward(ctx, senderID, signaling.KindAnsweredElsewhere, conversationID, senderID,
			signaling.AnsweredElsewherePayload{ConversationID: conversationID.String()})
	}

	r.forwardRaw(ctx, peer, signaling.KindAnswer, conversationID, senderID, raw)
	return nil
}

// ICECandidate forwards a candidate. The call need not be answered yet.
func (r *Relay) ICECandidate(ctx context.Context, senderID, conversationID uuid.UUID, raw json.RawMessage) error {
	peer, err := r.authorize(ctx, senderID, conversationID)
	if err != nil {
		return err
	}

	session, err := r.registry.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if session == nil {
		return apperrors.NoActiveCallError()
	}

	r.forwardRaw(ctx, peer, signaling.KindICECandidate, conversationID, senderID, raw)
	return nil
}

// ForwardAnswered forwards a message that is only meaningful during an answered call.
func (r *Relay) ForwardAnswered(ctx context.Context, senderID, conversationID uuid.UUID, kind signaling.Kind, raw json.RawMessage) error {
	peer, err := r.authorize(ctx, senderID, conversationID)
	if err != nil {
		return err
	}
	if _, err := r.answeredSession(ctx, conversationID); err != nil {
		return err
	}

	r.forwardRaw(ctx, peer, kind, conversationID, senderID, raw)
	return nil
}

// SidechatMessage stores an in-call chat line and broadcasts it to every
// connection of both participants, the sender's included.
func (r *Relay) SidechatMessage(ctx context.Context, senderID, conversationID uuid.UUID, text string) (*signaling.SidechatMessage, error) {
	peer, err := r.authorize(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := r.answeredSession(ctx, conversationID); err != nil {
		return nil, err
	}
	if text = sanitize.ChatText(text); text == "" {
		return nil, apperrors.InvalidPayloadError("text must not be blank")
	}

	entry := domain.SidechatMessage{
		MessageID: uuid.New(),
		SenderID:  senderID,
		Text:      text,
		SentAt:    r.clock.Now(),
	}
	if _, err := r.registry.AppendSidechat(ctx, conversationID, entry, r.sidechatCap); err != nil {
		return nil, err
	}

	msg := toWireSidechat(conversationID, entry)
	r.forward(ctx, peer, signaling.KindSidechatMessage, conversationID, senderID, msg)
	r.forward(ctx, senderID, signaling.KindSidechatMessage, conversationID, senderID, msg)
	return msg, nil
}

// Terminate handles end and reject. The session is consumed if present and
// exactly one consumer writes the log. The terminal signal is forwarded even
// when the session was already gone. A reject that reaches an answered call
// comes from a device that was still ringing and is dropped.
func (r *Relay) Terminate(ctx context.Context, senderID, conversationID uuid.UUID, kind signaling.Kind, reason signaling.Reason) error {
	peer, err := r.authorize(ctx, senderID, conversationID)
	if err != nil {
		return err
	}

	if kind == signaling.KindReject {
		current, err := r.registry.Get(ctx, conversationID)
		if err != nil {
			return err
		}
		if current != nil && current.Answered() {
			logger.Info("Ignoring reject of answered call",
				zap.String("conversation_id", conversationID.String()),
				zap.String("user_id", senderID.String()),
				zap.String("reason", string(reason)))
			return nil
		}
	}

	session, err := r.registry.Consume(ctx, conversationID)
	if err != nil {
		return err
	}
	if session != nil {
		callee := peer
		if session.InitiatorID == peer {
			callee = senderID
		}
		r.finish(ctx, session, callee, kind, reason)
	}

	r.forward(ctx, peer, kind, conversationID, senderID, signaling.TerminalPayload{
		ConversationID: conversationID.String(),
		Reason:         reason,
	})
	return nil
}

// Heartbeat refreshes the liveness of the sender's call.
func (r *Relay) Heartbeat(ctx context.Context, senderID, conversationID uuid.UUID) error {
	if _, err := r.authorize(ctx, senderID, conversationID); err != nil {
		return err
	}
	return r.registry.Touch(ctx, conversationID, r.clock.Now())
}

// ActiveCall returns the current session of a conversation for one of its participants.
func (r *Relay) ActiveCall(ctx context.Context, userID, conversationID uuid.UUID) (*domain.CallSession, error) {
	if _, err := r.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	session, err := r.registry.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.NoActiveCallError()
	}
	return session, nil
}

// Reap consumes sessions that have not been seen for the stale period,
// logs them, and tells both participants the call dropped.
func (r *Relay) Reap(ctx context.Context) int {
	cutoff := r.clock.Now().Add(-r.staleAfter)
	ids, err := r.registry.Stale(ctx, cutoff)
	if err != nil {
		logger.Warn("Failed to list stale call sessions", zap.Error(err))
		return 0
	}

	reaped := 0
	for _, conversationID := range ids {
		session, err := r.registry.Consume(ctx, conversationID)
		if err != nil {
			logger.Warn("Failed to consume stale call session",
				zap.String("conversation_id", conversationID.String()),
				zap.Error(err))
			continue
		}
		if session == nil {
			continue
		}
		reaped++

		recipients := []uuid.UUID{session.InitiatorID}
		peer := uuid.Nil
		if info, err := r.conversations.LookupConversation(ctx, conversationID); err == nil && info != nil {
			if p, ok := info.Peer(session.InitiatorID); ok {
				peer = p
				recipients = append(recipients, p)
			}
		}

		r.finish(ctx, session, peer, signaling.KindEnd, signaling.ReasonNetworkDrop)
		if r.metrics != nil {
			r.metrics.RecordSessionReaped()
		}

		end := signaling.TerminalPayload{ConversationID: conversationID.String(), Reason: signaling.ReasonNetworkDrop}
		for _, userID := range recipients {
			r.forward(ctx, userID, signaling.KindEnd, conversationID, uuid.Nil, end)
		}

		logger.Info("Reaped stale call session",
			zap.String("conversation_id", conversationID.String()),
			zap.Time("last_seen_at", session.LastSeenAt))
	}
	return reaped
}

// RunReaper calls Reap every reaper interval until ctx is done.
func (r *Relay) RunReaper(ctx context.Context) {
	if r.reaperInterval <= 0 || r.staleAfter <= 0 {
		return
	}
	ticker := r.clock.Ticker(r.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// finish writes the single log entry of a consumed session.
// callee may be uuid.Nil when unknown.
func (r *Relay) finish(ctx context.Context, session *domain.CallSession, callee uuid.UUID, kind signaling.Kind, reason signaling.Reason) {
	endedAt := r.clock.Now()
	outcome := OutcomeFor(kind, reason, session.Answered())

	if r.logs != nil {
		if _, err := r.logs.Write(ctx, session, outcome, reason, endedAt); err != nil {
			logger.Error("Failed to write call log",
				zap.String("conversation_id", session.ConversationID.String()),
				zap.Error(err))
		}
	}
	if r.metrics != nil {
		r.metrics.RecordCallEnded(string(session.Mode), string(outcome), string(reason), CallDuration(session, endedAt))
	}

	logger.Info("Call finished",
		zap.String("conversation_id", session.ConversationID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("reason", string(reason)))

	if outcome == domain.CallOutcomeMissed && r.push != nil && callee != uuid.Nil {
		r.pushIfOffline(ctx, callee, &push.CallNotificationData{
			ConversationID: session.ConversationID,
			CallerID:       session.InitiatorID,
			CallerName:     r.displayName(ctx, session.InitiatorID),
			CallType:       string(session.Mode),
			Timestamp:      endedAt.Unix(),
		}, r.push.SendMissedCall)
	}
}

func (r *Relay) answeredSession(ctx context.Context, conversationID uuid.UUID) (*domain.CallSession, error) {
	session, err := r.registry.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Answered() {
		return nil, apperrors.NoActiveCallError()
	}
	return session, nil
}

func (r *Relay) forward(ctx context.Context, to uuid.UUID, kind signaling.Kind, conversationID, from uuid.UUID, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal forwarded payload", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	r.forwardRaw(ctx, to, kind, conversationID, from, raw)
}

// forwardRaw is fire-and-forget: delivery failures are logged, never acked as errors.
func (r *Relay) forwardRaw(ctx context.Context, to uuid.UUID, kind signaling.Kind, conversationID, from uuid.UUID, raw json.RawMessage) {
	sender := ""
	if from != uuid.Nil {
		sender = from.String()
	}
	ev := &signaling.Event{
		Type:           kind,
		ConversationID: conversationID.String(),
		From:           sender,
		Payload:        raw,
		Timestamp:      r.clock.Now().UTC(),
	}
	if err := r.notifier.NotifyUser(ctx, to, ev); err != nil {
		logger.Warn("Failed to deliver signaling event",
			zap.String("kind", string(kind)),
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", to.String()),
			zap.Error(err))
	}
}

func (r *Relay) pushIfOffline(ctx context.Context, userID uuid.UUID, data *push.CallNotificationData, send func(context.Context, uuid.UUID, *push.CallNotificationData) error) {
	online, err := r.notifier.IsOnline(ctx, userID)
	if err != nil {
		logger.Debug("Presence check failed, sending push", zap.String("user_id", userID.String()), zap.Error(err))
	}
	if online {
		return
	}
	if err := send(ctx, userID, data); err != nil {
		logger.Warn("Failed to send call push notification",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (r *Relay) displayName(ctx context.Context, userID uuid.UUID) string {
	if r.directory == nil {
		return unknownCaller
	}
	name, err := r.directory.DisplayNameOf(ctx, userID)
	if err != nil {
		return unknownCaller
	}
	if name = sanitize.DisplayName(name); name == "" {
		return unknownCaller
	}
	return name
}

func toWireSidechat(conversationID uuid.UUID, m domain.SidechatMessage) *signaling.SidechatMessage {
	return &signaling.SidechatMessage{
		ID:             m.MessageID.String(),
		ConversationID: conversationID.String(),
		From:           m.SenderID.String(),
		Text:           m.Text,
		SentAt:         m.SentAt.UTC(),
	}
}

// IsBusy reports whether err is the busy rejection of a second call attempt
func IsBusy(err error) bool {
	return errors.Is(err, apperrors.BusyError())
}
