package call

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/signaling"
)

const unknownCaller = "Someone"

// LogWriter turns a consumed session into one system message in the conversation history
type LogWriter struct {
	messages  MessageStore
	publisher MessagePublisher
	history   HistoryStore
	directory Directory
	location  *time.Location
}

// NewLogWriter creates a LogWriter. publisher and history may be nil.
// Times in summaries are rendered in loc, or UTC when loc is nil.
func NewLogWriter(messages MessageStore, publisher MessagePublisher, history HistoryStore, directory Directory, loc *time.Location) *LogWriter {
	if loc == nil {
		loc = time.UTC
	}
	return &LogWriter{
		messages:  messages,
		publisher: publisher,
		history:   history,
		directory: directory,
		location:  loc,
	}
}

// OutcomeFor classifies a terminal signal
func OutcomeFor(kind signaling.Kind, reason signaling.Reason, answered bool) domain.CallOutcome {
	if answered {
		return domain.CallOutcomeCompleted
	}
	if kind == signaling.KindReject {
		if reason == signaling.ReasonMissed || reason == signaling.ReasonBusy {
			return domain.CallOutcomeMissed
		}
		return domain.CallOutcomeDeclined
	}
	if reason == signaling.ReasonEnded {
		return domain.CallOutcomeCancelled
	}
	return domain.CallOutcomeMissed
}

// CallDuration is the answered time of a session, zero if it was never answered
func CallDuration(s *domain.CallSession, endedAt time.Time) time.Duration {
	if s.AnsweredAt == nil || endedAt.Before(*s.AnsweredAt) {
		return 0
	}
	return endedAt.Sub(*s.AnsweredAt)
}

// Summarize renders the human readable summary of a finished call
func (w *LogWriter) Summarize(initiatorName string, s *domain.CallSession, outcome domain.CallOutcome, endedAt time.Time) string {
	at := s.StartedAt.In(w.location).Format("15:04")

	switch outcome {
	case domain.CallOutcomeCompleted:
		return fmt.Sprintf("%s started a %s call at %s. Duration %s.",
			initiatorName, s.Mode, at, formatDuration(CallDuration(s, endedAt)))
	case domain.CallOutcomeDeclined:
		return fmt.Sprintf("%s started a %s call at %s. Call declined.", initiatorName, s.Mode, at)
	case domain.CallOutcomeCancelled:
		return fmt.Sprintf("%s cancelled a %s call at %s.", initiatorName, s.Mode, at)
	default:
		return fmt.Sprintf("Missed %s call from %s at %s.", s.Mode, initiatorName, at)
	}
}

// Write appends the summary, broadcasts it, and records call history.
// Publishing and history failures are logged; only the append is reported.
func (w *LogWriter) Write(ctx context.Context, s *domain.CallSession, outcome domain.CallOutcome, reason signaling.Reason, endedAt time.Time) (*domain.Message, error) {
	name := w.displayName(ctx, s.InitiatorID)
	duration := CallDuration(s, endedAt)

	metadata := map[string]string{
		"kind":     "call_summary",
		"mode":     string(s.Mode),
		"outcome":  string(outcome),
		"reason":   string(reason),
		"duration": strconv.Itoa(int(duration.Seconds())),
	}

	msg, err := w.messages.AppendSystemSummary(ctx, s.ConversationID, w.Summarize(name, s, outcome, endedAt), metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to append call summary: %w", err)
	}

	if w.publisher != nil {
		if err := w.publisher.PublishMessage(ctx, msg); err != nil {
			logger.Warn("Failed to publish call summary",
				zap.String("conversation_id", s.ConversationID.String()),
				zap.Error(err))
		}
	}

	if w.history != nil {
		record := &domain.Call{
			CallID:         uuid.New(),
			ConversationID: s.ConversationID,
			CallerID:       s.InitiatorID,
			Mode:           s.Mode,
			Outcome:        outcome,
			Reason:         string(reason),
			StartedAt:      s.StartedAt,
			AnsweredAt:     s.AnsweredAt,
			EndedAt:        endedAt,
			Duration:       int(duration.Seconds()),
		}
		if err := w.history.Record(ctx, record); err != nil {
			logger.Warn("Failed to record call history",
				zap.String("conversation_id", s.ConversationID.String()),
				zap.Error(err))
		}
	}

	return msg, nil
}

func (w *LogWriter) displayName(ctx context.Context, userID uuid.UUID) string {
	if w.directory == nil {
		return unknownCaller
	}
	name, err := w.directory.DisplayNameOf(ctx, userID)
	if err != nil || name == "" {
		if err != nil {
			logger.Debug("Display name lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return unknownCaller
	}
	return name
}

// formatDuration renders d as mm:ss, with minutes growing past 59
func formatDuration(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
