package model

import (
	"fmt"
	"time"
)

// RecoveryCode is a single-use backup credential scoped to one method.
// Once used it is permanently used; there is no reset.
type RecoveryCode struct {
	ID       string `json:"id"`
	MethodID string `json:"methodId"`
	// CodeHash is the stored comparison form; never exposed
	CodeHash string `json:"-"`
	// plaintext is held only between generation and the one-time
	// issuance response; the repository never persists it
	plaintext string
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NewRecoveryCode constructs an unused recovery code
func NewRecoveryCode(id, methodID, codeHash, plaintext string) (*RecoveryCode, error) {
	if id == "" || methodID == "" {
		return nil, fmt.Errorf("%w: recovery code id and method id are required", ErrInvalidArgument)
	}
	if codeHash == "" || plaintext == "" {
		return nil, fmt.Errorf("%w: recovery code hash and plaintext are required", ErrInvalidArgument)
	}
	return &RecoveryCode{
		ID:        id,
		MethodID:  methodID,
		CodeHash:  codeHash,
		plaintext: plaintext,
		CreatedAt: time.Now(),
	}, nil
}

// RestoreRecoveryCode rebuilds a persisted code (no plaintext available)
func RestoreRecoveryCode(id, methodID, codeHash string, usedAt *time.Time, createdAt time.Time) *RecoveryCode {
	return &RecoveryCode{
		ID:        id,
		MethodID:  methodID,
		CodeHash:  codeHash,
		UsedAt:    usedAt,
		CreatedAt: createdAt,
	}
}

// Plaintext returns the display form available only at issuance time
func (r *RecoveryCode) Plaintext() string {
	return r.plaintext
}

// IsUsed reports whether the code has already been consumed
func (r *RecoveryCode) IsUsed() bool {
	return r.UsedAt != nil
}

// TryConsume stamps UsedAt exactly once. Every later call returns false
// and leaves UsedAt unchanged; "already used" is an expected outcome,
// not an error.
func (r *RecoveryCode) TryConsume(now time.Time) bool {
	if r.UsedAt != nil {
		return false
	}
	r.UsedAt = &now
	return true
}
