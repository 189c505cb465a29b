package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
)

// ConversationRepository resolves conversation membership for call authorization
type ConversationRepository struct {
	pool    *pgxpool.Pool
	metrics QueryRecorder
}

// NewConversationRepository creates a new ConversationRepository. metrics may be nil.
func NewConversationRepository(pool *pgxpool.Pool, metrics QueryRecorder) *ConversationRepository {
	return &ConversationRepository{pool: pool, metrics: recorderOrNop(metrics)}
}

// LookupConversation returns the conversation type and its participants.
// A missing conversation yields a not_found AppError.
func (r *ConversationRepository) LookupConversation(ctx context.Context, conversationID uuid.UUID) (info *domain.ConversationInfo, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("select", "conversations", time.Since(start), err) }()

	var convType string
	err = r.pool.QueryRow(ctx,
		`SELECT type FROM conversations WHERE conversation_id = $1`,
		conversationID,
	).Scan(&convType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("Conversation")
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	participants, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participants: %w", err)
	}

	return &domain.ConversationInfo{
		ConversationID: conversationID,
		Participants:   participants,
		IsGroup:        convType == domain.ConversationTypeGroup || len(participants) > 2,
	}, nil
}
