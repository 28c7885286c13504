package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/model"
)

// ChallengeRepository handles challenge persistence
type ChallengeRepository struct {
	db *database.Postgres
}

// NewChallengeRepository creates a new ChallengeRepository
func NewChallengeRepository(db *database.Postgres) *ChallengeRepository {
	return &ChallengeRepository{db: db}
}

const challengeColumns = `id, user_id, token, method_type, method_id, attempts, completed, invalid, metadata, created_at, expires_at, completed_at`

// Create inserts a new challenge
func (r *ChallengeRepository) Create(ctx context.Context, c *model.Challenge) error {
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO challenges (id, user_id, token, method_type, method_id, attempts, completed, invalid, metadata, created_at, expires_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID,
		c.UserID,
		c.Token,
		c.MethodType,
		nullString(c.MethodID),
		c.Attempts,
		c.Completed,
		c.Invalid,
		metadata,
		c.CreatedAt,
		c.ExpiresAt,
		c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

// GetByToken retrieves a challenge by its opaque token
func (r *ChallengeRepository) GetByToken(ctx context.Context, token string) (*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges WHERE token = $1`
	return r.scanChallenge(r.db.QueryRowContext(ctx, query, token))
}

// GetActiveByUser retrieves a user's non-terminal, unexpired challenges
func (r *ChallengeRepository) GetActiveByUser(ctx context.Context, userID string, now time.Time) ([]*model.Challenge, error) {
	query := `
		SELECT ` + challengeColumns + `
		FROM challenges
		WHERE user_id = $1 AND completed = FALSE AND invalid = FALSE AND expires_at > $2
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query active challenges: %w", err)
	}
	defer rows.Close()

	var challenges []*model.Challenge
	for rows.Next() {
		c, err := r.scanChallengeRows(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, c)
	}
	return challenges, rows.Err()
}

// CountActiveByUser counts a user's active challenges
func (r *ChallengeRepository) CountActiveByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM challenges WHERE user_id = $1 AND completed = FALSE AND invalid = FALSE AND expires_at > $2`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active challenges: %w", err)
	}
	return count, nil
}

// CountCreatedSince counts challenges created inside the trailing window
func (r *ChallengeRepository) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM challenges WHERE user_id = $1 AND created_at >= $2`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent challenges: %w", err)
	}
	return count, nil
}

// Update persists attempt bookkeeping and terminal flags
func (r *ChallengeRepository) Update(ctx context.Context, c *model.Challenge) error {
	query := `
		UPDATE challenges
		SET attempts = $1, completed = $2, invalid = $3, completed_at = $4
		WHERE id = $5
	`
	result, err := r.db.ExecContext(ctx, query, c.Attempts, c.Completed, c.Invalid, c.CompletedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredBefore removes challenges whose expiry is older than the
// cutoff. Returns the number removed; zero matches is not an error.
func (r *ChallengeRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

func (r *ChallengeRepository) scanChallenge(row *sql.Row) (*model.Challenge, error) {
	var c model.Challenge
	var methodID sql.NullString
	var metadata []byte
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Token,
		&c.MethodType,
		&methodID,
		&c.Attempts,
		&c.Completed,
		&c.Invalid,
		&metadata,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan challenge: %w", err)
	}
	c.MethodID = methodID.String
	if err := unmarshalMetadata(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChallengeRepository) scanChallengeRows(rows *sql.Rows) (*model.Challenge, error) {
	var c model.Challenge
	var methodID sql.NullString
	var metadata []byte
	err := rows.Scan(
		&c.ID,
		&c.UserID,
		&c.Token,
		&c.MethodType,
		&methodID,
		&c.Attempts,
		&c.Completed,
		&c.Invalid,
		&metadata,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan challenge row: %w", err)
	}
	c.MethodID = methodID.String
	if err := unmarshalMetadata(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte, m *map[string]string) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to unmarshal challenge metadata: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
