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

// UserRepository reads the user directory
type UserRepository struct {
	pool    *pgxpool.Pool
	metrics QueryRecorder
}

// NewUserRepository creates a new UserRepository. metrics may be nil.
func NewUserRepository(pool *pgxpool.Pool, metrics QueryRecorder) *UserRepository {
	return &UserRepository{pool: pool, metrics: recorderOrNop(metrics)}
}

// GetByID retrieves the identity fields of a user
func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (user *domain.User, err error) {
	start := time.Now()
	defer func() { r.metrics.RecordDBQuery("select", "users", time.Since(start), err) }()

	user = &domain.User{}
	err = r.pool.QueryRow(ctx,
		`SELECT user_id, username, COALESCE(display_name, '') FROM users WHERE user_id = $1`,
		userID,
	).Scan(&user.UserID, &user.Username, &user.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("User")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// DisplayNameOf returns the name shown for userID in call UI and summaries
func (r *UserRepository) DisplayNameOf(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Name(), nil
}
