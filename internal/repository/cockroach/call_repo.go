package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callrelay-backend/internal/domain"
)

// CallRepository persists finished calls
type CallRepository struct {
	pool    *pgxpool.Pool
	metrics QueryRecorder
}

// NewCallRepository creates a new call repository. metrics may be nil.
func NewCallRepository(pool *pgxpool.Pool, metrics QueryRecorder) *CallRepository {
	return &CallRepository{pool: pool, metrics: recorderOrNop(metrics)}
}

// Record inserts a finished call
func (r *CallRepository) Record(ctx context.Context, call *domain.Call) (err error) {
	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("insert", "calls", time.Since(start), err) }()

	query := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, mode, outcome, reason,
			started_at, answered_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.pool.Exec(ctx, query,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		call.Mode,
		call.Outcome,
		call.Reason,
		call.StartedAt,
		call.AnsweredAt,
		call.EndedAt,
		call.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// ListForUser returns the calls of every conversation the user belongs to, newest first
func (r *CallRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) (calls []*domain.Call, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("select", "calls", time.Since(start), err) }()

	query := `
		SELECT c.call_id, c.conversation_id, c.caller_id, c.mode, c.outcome, c.reason,
		       c.started_at, c.answered_at, c.ended_at, c.duration
		FROM calls c
		INNER JOIN conversation_participants cp ON c.conversation_id = cp.conversation_id
		WHERE cp.user_id = $1
		ORDER BY c.started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	calls, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Call, error) {
		call := &domain.Call{}
		err := row.Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.Mode,
			&call.Outcome,
			&call.Reason,
			&call.StartedAt,
			&call.AnsweredAt,
			&call.EndedAt,
			&call.Duration,
		)
		return call, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan calls: %w", err)
	}
	return calls, nil
}
