package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/model"
)

// ErrInvalidRecoveryCode is returned when a submitted recovery code
// matches none of the method's unused codes.
var ErrInvalidRecoveryCode = errors.New("invalid recovery code")

const (
	recoveryCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	recoveryCodeLength   = 16
	recoveryCodeGroup    = 4
	recoveryBatchSize    = 10
)

// RecoveryService generates, normalizes and consumes single-use backup
// codes. Plaintext codes exist only in the return value of IssueBatch;
// the store holds bcrypt hashes.
type RecoveryService struct {
	codes RecoveryCodeStore
	log   *logger.Logger
}

// NewRecoveryService creates a new RecoveryService.
func NewRecoveryService(codes RecoveryCodeStore, log *logger.Logger) *RecoveryService {
	return &RecoveryService{
		codes: codes,
		log:   log.WithComponent("recovery"),
	}
}

// GenerateCode produces a 16-character code over [A-Z0-9], formatted as
// four hyphen-separated groups of four.
func (s *RecoveryService) GenerateCode() (string, error) {
	chars := make([]byte, recoveryCodeLength)
	max := big.NewInt(int64(len(recoveryCodeAlphabet)))
	for i := range chars {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate recovery code: %w", err)
		}
		chars[i] = recoveryCodeAlphabet[n.Int64()]
	}

	var groups []string
	for i := 0; i < recoveryCodeLength; i += recoveryCodeGroup {
		groups = append(groups, string(chars[i:i+recoveryCodeGroup]))
	}
	return strings.Join(groups, "-"), nil
}

// NormalizeCode strips hyphens and upper-cases for comparison.
// Idempotent; other characters pass through unchanged.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(code, "-", ""))
}

// ValidateAndConsume checks a submitted plaintext against a stored hash
func (s *RecoveryService) ValidateAndConsume(storedHash, submitted string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(NormalizeCode(submitted)))
	return err == nil
}

// IssueBatch replaces a method's recovery codes with a fresh batch and
// returns the plaintext forms for one-time display. The plaintexts are
// never persisted.
func (s *RecoveryService) IssueBatch(ctx context.Context, methodID string) ([]string, error) {
	if err := s.codes.DeleteByMethod(ctx, methodID); err != nil {
		return nil, fmt.Errorf("failed to supersede recovery codes: %w", err)
	}

	batch := make([]*model.RecoveryCode, 0, recoveryBatchSize)
	plaintexts := make([]string, 0, recoveryBatchSize)
	for i := 0; i < recoveryBatchSize; i++ {
		plain, err := s.GenerateCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(NormalizeCode(plain)), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash recovery code: %w", err)
		}
		code, err := model.NewRecoveryCode(generateID(recoveryCodeIDPrefix), methodID, string(hash), plain)
		if err != nil {
			return nil, err
		}
		batch = append(batch, code)
		plaintexts = append(plaintexts, plain)
	}

	if err := s.codes.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to store recovery codes: %w", err)
	}

	s.log.Info().Str("method_id", methodID).Int("count", recoveryBatchSize).Msg("recovery code batch issued")
	return plaintexts, nil
}

// ConsumeCode matches the submission against the method's unused codes
// and spends the first match. Returns ErrInvalidRecoveryCode when
// nothing matches.
func (s *RecoveryService) ConsumeCode(ctx context.Context, methodID, submitted string) error {
	unused, err := s.codes.GetUnusedByMethod(ctx, methodID)
	if err != nil {
		return fmt.Errorf("failed to load recovery codes: %w", err)
	}

	now := time.Now()
	for _, code := range unused {
		if !s.ValidateAndConsume(code.CodeHash, submitted) {
			continue
		}
		if !code.TryConsume(now) {
			continue
		}
		if err := s.codes.MarkUsed(ctx, code.ID, now); err != nil {
			return fmt.Errorf("failed to mark recovery code used: %w", err)
		}
		s.log.Info().Str("method_id", methodID).Str("code_id", code.ID).Msg("recovery code consumed")
		return nil
	}
	return ErrInvalidRecoveryCode
}

// RemainingCodes returns how many unused codes the method still has
func (s *RecoveryService) RemainingCodes(ctx context.Context, methodID string) (int, error) {
	return s.codes.CountUnusedByMethod(ctx, methodID)
}
