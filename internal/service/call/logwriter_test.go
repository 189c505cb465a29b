package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/signaling"
)

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) PublishMessage(ctx context.Context, msg *domain.Message) error {
	return m.Called(ctx, msg).Error(0)
}

type MockHistoryStore struct{ mock.Mock }

func (m *MockHistoryStore) Record(ctx context.Context, call *domain.Call) error {
	return m.Called(ctx, call).Error(0)
}

func (m *MockHistoryStore) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		kind     signaling.Kind
		reason   signaling.Reason
		answered bool
		want     domain.CallOutcome
	}{
		{signaling.KindEnd, signaling.ReasonEnded, true, domain.CallOutcomeCompleted},
		{signaling.KindEnd, signaling.ReasonNetworkDrop, true, domain.CallOutcomeCompleted},
		{signaling.KindEnd, signaling.ReasonEnded, false, domain.CallOutcomeCancelled},
		{signaling.KindEnd, signaling.ReasonNoAnswer, false, domain.CallOutcomeMissed},
		{signaling.KindEnd, signaling.ReasonNoMedia, false, domain.CallOutcomeMissed},
		{signaling.KindEnd, signaling.ReasonNetworkDrop, false, domain.CallOutcomeMissed},
		{signaling.KindReject, signaling.ReasonDeclined, false, domain.CallOutcomeDeclined},
		{signaling.KindReject, signaling.ReasonUnavailable, false, domain.CallOutcomeDeclined},
		{signaling.KindReject, signaling.ReasonBusy, false, domain.CallOutcomeMissed},
		{signaling.KindReject, signaling.ReasonMissed, false, domain.CallOutcomeMissed},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeFor(tt.kind, tt.reason, tt.answered))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "00:59", formatDuration(59*time.Second))
	assert.Equal(t, "01:05", formatDuration(65*time.Second))
	assert.Equal(t, "62:05", formatDuration(62*time.Minute+5*time.Second))
}

func TestLogWriter_Summarize(t *testing.T) {
	berlin := time.FixedZone("CEST", 2*60*60)
	started := time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC)
	answered := started.Add(4 * time.Second)
	session := &domain.CallSession{Mode: domain.CallModeVideo, StartedAt: started, AnsweredAt: &answered}

	w := NewLogWriter(nil, nil, nil, nil, berlin)
	assert.Equal(t, "Alice started a video call at 09:30. Duration 02:00.",
		w.Summarize("Alice", session, domain.CallOutcomeCompleted, answered.Add(2*time.Minute)))

	unanswered := &domain.CallSession{Mode: domain.CallModeVoice, StartedAt: started}
	assert.Equal(t, "Missed voice call from Alice at 09:30.", w.Summarize("Alice", unanswered, domain.CallOutcomeMissed, started))
	assert.Equal(t, "Alice started a voice call at 09:30. Call declined.", w.Summarize("Alice", unanswered, domain.CallOutcomeDeclined, started))
	assert.Equal(t, "Alice cancelled a voice call at 09:30.", w.Summarize("Alice", unanswered, domain.CallOutcomeCancelled, started))
}

func TestLogWriter_Write(t *testing.T) {
	ctx := context.Background()
	caller, conv := uuid.New(), uuid.New()
	started := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	answered := started.Add(5 * time.Second)
	ended := answered.Add(90 * time.Second)
	session := &domain.CallSession{ConversationID: conv, InitiatorID: caller, Mode: domain.CallModeVoice, StartedAt: started, AnsweredAt: &answered}

	stored := &domain.Message{MessageID: uuid.New(), ConversationID: conv, MessageType: domain.MessageTypeSystem}
	messages := new(MockMessageStore)
	messages.On("AppendSystemSummary", ctx, conv, "Someone started a voice call at 09:00. Duration 01:30.", mock.MatchedBy(func(md map[string]string) bool {
		return md["outcome"] == "completed" && md["duration"] == "90" && md["reason"] == "ended"
	})).Return(stored, nil)

	publisher := new(MockPublisher)
	publisher.On("PublishMessage", ctx, stored).Return(errors.New("redis down"))

	history := new(MockHistoryStore)
	history.On("Record", ctx, mock.MatchedBy(func(c *domain.Call) bool {
		return c.ConversationID == conv && c.CallerID == caller && c.Outcome == domain.CallOutcomeCompleted && c.Duration == 90
	})).Return(nil)

	w := NewLogWriter(messages, publisher, history, stubDirectory{}, nil)
	msg, err := w.Write(ctx, session, domain.CallOutcomeCompleted, signaling.ReasonEnded, ended)

	require.NoError(t, err, "publish failures are not reported")
	assert.Equal(t, stored, msg)
	messages.AssertExpectations(t)
	publisher.AssertExpectations(t)
	history.AssertExpectations(t)
}

func TestLogWriter_WriteAppendFailure(t *testing.T) {
	ctx := context.Background()
	session := &domain.CallSession{ConversationID: uuid.New(), InitiatorID: uuid.New(), Mode: domain.CallModeVoice, StartedAt: time.Now()}

	messages := new(MockMessageStore)
	messages.On("AppendSystemSummary", ctx, session.ConversationID, mock.Anything, mock.Anything).Return(nil, errors.New("cassandra down"))
	history := new(MockHistoryStore)

	w := NewLogWriter(messages, nil, history, nil, nil)
	_, err := w.Write(ctx, session, domain.CallOutcomeMissed, signaling.ReasonNoAnswer, time.Now())

	assert.Error(t, err)
	history.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}
