package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/model"
)

// MethodRepository handles second-factor method persistence
type MethodRepository struct {
	db *database.Postgres
}

// NewMethodRepository creates a new MethodRepository
func NewMethodRepository(db *database.Postgres) *MethodRepository {
	return &MethodRepository{db: db}
}

const methodColumns = `id, user_id, type, secret, metadata, enabled, is_default, verified_at, last_used, created_at`

// Create inserts a new method
func (r *MethodRepository) Create(ctx context.Context, m *model.Method) error {
	query := `
		INSERT INTO mfa_methods (id, user_id, type, secret, metadata, enabled, is_default, verified_at, last_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.UserID,
		m.Type,
		m.Secret,
		m.Metadata,
		m.Enabled,
		m.IsDefault,
		m.VerifiedAt,
		m.LastUsed,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create method: %w", err)
	}
	return nil
}

// GetByID retrieves a method by ID
func (r *MethodRepository) GetByID(ctx context.Context, id string) (*model.Method, error) {
	query := `SELECT ` + methodColumns + ` FROM mfa_methods WHERE id = $1`
	return r.scanMethod(r.db.QueryRowContext(ctx, query, id))
}

// GetByUser retrieves all methods for a user
func (r *MethodRepository) GetByUser(ctx context.Context, userID string) ([]*model.Method, error) {
	query := `SELECT ` + methodColumns + ` FROM mfa_methods WHERE user_id = $1 ORDER BY created_at ASC`
	return r.queryMethods(ctx, query, userID)
}

// GetEnabledByUser retrieves the user's enabled methods
func (r *MethodRepository) GetEnabledByUser(ctx context.Context, userID string) ([]*model.Method, error) {
	query := `SELECT ` + methodColumns + ` FROM mfa_methods WHERE user_id = $1 AND enabled = TRUE ORDER BY created_at ASC`
	return r.queryMethods(ctx, query, userID)
}

// GetByUserAndType retrieves a specific method type for a user
func (r *MethodRepository) GetByUserAndType(ctx context.Context, userID string, methodType model.MethodType) (*model.Method, error) {
	query := `SELECT ` + methodColumns + ` FROM mfa_methods WHERE user_id = $1 AND type = $2`
	return r.scanMethod(r.db.QueryRowContext(ctx, query, userID, methodType))
}

// Update persists the mutable method fields
func (r *MethodRepository) Update(ctx context.Context, m *model.Method) error {
	query := `
		UPDATE mfa_methods
		SET secret = $1, metadata = $2, enabled = $3, is_default = $4, verified_at = $5, last_used = $6
		WHERE id = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		m.Secret,
		m.Metadata,
		m.Enabled,
		m.IsDefault,
		m.VerifiedAt,
		m.LastUsed,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update method: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastUsed stamps the last_used timestamp
func (r *MethodRepository) UpdateLastUsed(ctx context.Context, id string, lastUsed time.Time) error {
	query := `UPDATE mfa_methods SET last_used = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, lastUsed, id)
	if err != nil {
		return fmt.Errorf("failed to update method last_used: %w", err)
	}
	return nil
}

// SetDefault marks one method as the user's default and unsets the rest.
// At most one method per user is ever marked default.
func (r *MethodRepository) SetDefault(ctx context.Context, userID, methodID string) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE mfa_methods SET is_default = FALSE WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to unset default methods: %w", err)
	}

	result, err := tx.ExecContext(ctx, `UPDATE mfa_methods SET is_default = TRUE WHERE id = $1 AND user_id = $2`, methodID, userID)
	if err != nil {
		return fmt.Errorf("failed to set default method: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// Delete removes a method
func (r *MethodRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM mfa_methods WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete method: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUnverifiedBefore removes methods that were never verified and
// are older than the cutoff. Returns the number removed.
func (r *MethodRepository) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM mfa_methods WHERE verified_at IS NULL AND created_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unverified methods: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

func (r *MethodRepository) queryMethods(ctx context.Context, query string, args ...interface{}) ([]*model.Method, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query methods: %w", err)
	}
	defer rows.Close()

	var methods []*model.Method
	for rows.Next() {
		var m model.Method
		if err := rows.Scan(
			&m.ID,
			&m.UserID,
			&m.Type,
			&m.Secret,
			&m.Metadata,
			&m.Enabled,
			&m.IsDefault,
			&m.VerifiedAt,
			&m.LastUsed,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan method: %w", err)
		}
		methods = append(methods, &m)
	}
	return methods, rows.Err()
}

func (r *MethodRepository) scanMethod(row *sql.Row) (*model.Method, error) {
	var m model.Method
	err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.Type,
		&m.Secret,
		&m.Metadata,
		&m.Enabled,
		&m.IsDefault,
		&m.VerifiedAt,
		&m.LastUsed,
		&m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan method: %w", err)
	}
	return &m, nil
}
