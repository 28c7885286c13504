package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/model"
)

// RecoveryCodeRepository handles recovery code persistence.
// The plaintext form is never written to the database.
type RecoveryCodeRepository struct {
	db *database.Postgres
}

// NewRecoveryCodeRepository creates a new RecoveryCodeRepository
func NewRecoveryCodeRepository(db *database.Postgres) *RecoveryCodeRepository {
	return &RecoveryCodeRepository{db: db}
}

// CreateBatch inserts a batch of recovery codes atomically
func (r *RecoveryCodeRepository) CreateBatch(ctx context.Context, codes []*model.RecoveryCode) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO recovery_codes (id, method_id, code_hash, created_at) VALUES ($1, $2, $3, $4)`
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, query, code.ID, code.MethodID, code.CodeHash, code.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert recovery code: %w", err)
		}
	}

	return tx.Commit()
}

// GetUnusedByMethod retrieves all unused codes for a method
func (r *RecoveryCodeRepository) GetUnusedByMethod(ctx context.Context, methodID string) ([]*model.RecoveryCode, error) {
	query := `
		SELECT id, method_id, code_hash, used_at, created_at
		FROM recovery_codes
		WHERE method_id = $1 AND used_at IS NULL
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, methodID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery codes: %w", err)
	}
	defer rows.Close()

	var codes []*model.RecoveryCode
	for rows.Next() {
		var (
			id, methodID, codeHash string
			usedAt                 *time.Time
			createdAt              time.Time
		)
		if err := rows.Scan(&id, &methodID, &codeHash, &usedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan recovery code: %w", err)
		}
		codes = append(codes, model.RestoreRecoveryCode(id, methodID, codeHash, usedAt, createdAt))
	}
	return codes, rows.Err()
}

// CountUnusedByMethod returns the number of remaining codes
func (r *RecoveryCodeRepository) CountUnusedByMethod(ctx context.Context, methodID string) (int, error) {
	query := `SELECT COUNT(*) FROM recovery_codes WHERE method_id = $1 AND used_at IS NULL`
	var count int
	if err := r.db.QueryRowContext(ctx, query, methodID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recovery codes: %w", err)
	}
	return count, nil
}

// MarkUsed stamps a code's used_at; never clears an existing stamp
func (r *RecoveryCodeRepository) MarkUsed(ctx context.Context, id string, usedAt time.Time) error {
	query := `UPDATE recovery_codes SET used_at = $1 WHERE id = $2 AND used_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, usedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark recovery code used: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByMethod removes all codes for a method (before regeneration)
func (r *RecoveryCodeRepository) DeleteByMethod(ctx context.Context, methodID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM recovery_codes WHERE method_id = $1`, methodID)
	if err != nil {
		return fmt.Errorf("failed to delete recovery codes: %w", err)
	}
	return nil
}
