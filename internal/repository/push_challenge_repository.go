package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/model"
)

// PushChallengeRepository handles push challenge persistence
type PushChallengeRepository struct {
	db *database.Postgres
}

// NewPushChallengeRepository creates a new PushChallengeRepository
func NewPushChallengeRepository(db *database.Postgres) *PushChallengeRepository {
	return &PushChallengeRepository{db: db}
}

const pushChallengeColumns = `id, user_id, device_id, session_id, client_ip, user_agent, location, context, code, status, response_signature, responded_at, created_at, expires_at`

// Create inserts a new push challenge
func (r *PushChallengeRepository) Create(ctx context.Context, p *model.PushChallenge) error {
	query := `
		INSERT INTO push_challenges (id, user_id, device_id, session_id, client_ip, user_agent, location, context, code, status, response_signature, responded_at, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.UserID,
		p.DeviceID,
		p.SessionID,
		p.ClientIP,
		p.UserAgent,
		p.Location,
		p.Context,
		p.Code,
		p.Status,
		p.ResponseSignature,
		p.RespondedAt,
		p.CreatedAt,
		p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create push challenge: %w", err)
	}
	return nil
}

// GetByID retrieves a push challenge
func (r *PushChallengeRepository) GetByID(ctx context.Context, id string) (*model.PushChallenge, error) {
	query := `SELECT ` + pushChallengeColumns + ` FROM push_challenges WHERE id = $1`

	var p model.PushChallenge
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.UserID,
		&p.DeviceID,
		&p.SessionID,
		&p.ClientIP,
		&p.UserAgent,
		&p.Location,
		&p.Context,
		&p.Code,
		&p.Status,
		&p.ResponseSignature,
		&p.RespondedAt,
		&p.CreatedAt,
		&p.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan push challenge: %w", err)
	}
	return &p, nil
}

// CountCreatedSince counts push challenges created inside the trailing window
func (r *PushChallengeRepository) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM push_challenges WHERE user_id = $1 AND created_at >= $2`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent push challenges: %w", err)
	}
	return count, nil
}

// Update persists the status and response fields
func (r *PushChallengeRepository) Update(ctx context.Context, p *model.PushChallenge) error {
	query := `
		UPDATE push_challenges
		SET status = $1, response_signature = $2, responded_at = $3
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, p.Status, p.ResponseSignature, p.RespondedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update push challenge: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredBefore removes push challenges whose expiry is older than
// the cutoff. Returns the number removed; zero matches is not an error.
func (r *PushChallengeRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM push_challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired push challenges: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}
