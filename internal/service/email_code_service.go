package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/email"
	"github.com/stepauth/stepauth/internal/logger"
)

// Email code errors
var (
	ErrEmailResendCooldown = errors.New("a code was sent recently, please wait")
	ErrNoEmailAddress      = errors.New("no email address configured for method")
)

const (
	emailCodePrefix     = "mfa_email_code:"
	emailAttemptsPrefix = "mfa_email_attempts:"
	emailResendPrefix   = "mfa_email_resend:"
)

// EmailCodeResult describes a sent code
type EmailCodeResult struct {
	ExpiresAt         time.Time
	RemainingAttempts int
}

// EmailCodeVerification is the verdict of a code check. A wrong code is
// an unsuccessful verification, not an error.
type EmailCodeVerification struct {
	Success           bool
	RemainingAttempts int
}

// EmailCodeService delivers and checks emailed one-time codes. Codes are
// stored hashed in Redis keyed by the owning challenge (or method, for
// enrollment), with a per-key attempt cap and resend cooldown.
type EmailCodeService struct {
	rdb    *database.Redis
	sender email.Sender
	cfg    *config.Config
	log    *logger.Logger
}

// NewEmailCodeService creates a new EmailCodeService.
func NewEmailCodeService(rdb *database.Redis, sender email.Sender, cfg *config.Config, log *logger.Logger) *EmailCodeService {
	return &EmailCodeService{
		rdb:    rdb,
		sender: sender,
		cfg:    cfg,
		log:    log.WithComponent("email_code"),
	}
}

// SendCode generates a code, stores its hash and emails it to address.
func (s *EmailCodeService) SendCode(ctx context.Context, key, address string) (*EmailCodeResult, error) {
	if address == "" {
		return nil, ErrNoEmailAddress
	}

	cooldownKey := emailResendPrefix + key
	exists, err := s.rdb.Exists(ctx, cooldownKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check resend cooldown: %w", err)
	}
	if exists > 0 {
		return nil, ErrEmailResendCooldown
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate email code: %w", err)
	}

	ttl := s.cfg.EmailCode.CodeTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if err := s.rdb.SetWithTTL(ctx, emailCodePrefix+key, hashEmailCode(code), ttl); err != nil {
		return nil, fmt.Errorf("failed to store email code: %w", err)
	}

	// Fresh code resets the attempt counter
	_ = s.rdb.Delete(ctx, emailAttemptsPrefix+key)

	cooldown := s.cfg.EmailCode.ResendCooldown
	if cooldown == 0 {
		cooldown = 60 * time.Second
	}
	if err := s.rdb.SetWithTTL(ctx, cooldownKey, "1", cooldown); err != nil {
		s.log.Warn().Err(err).Msg("failed to set resend cooldown")
	}

	ttlMinutes := int(ttl.Minutes())
	if ttlMinutes < 1 {
		ttlMinutes = 1
	}
	appName := s.cfg.Email.AppName
	if appName == "" {
		appName = "StepAuth"
	}

	msg := email.Message{
		To:       address,
		Subject:  fmt.Sprintf("Your %s sign-in code: %s", appName, code),
		HTMLBody: email.MFACodeEmailHTML(code, appName, ttlMinutes),
		TextBody: email.MFACodeEmailText(code, appName, ttlMinutes),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		// Drop the stored code so the caller can retry immediately
		_ = s.rdb.Delete(ctx, emailCodePrefix+key, cooldownKey)
		return nil, fmt.Errorf("failed to send code email: %w", err)
	}

	s.log.Info().Str("email", address).Msg("MFA code sent")
	return &EmailCodeResult{
		ExpiresAt:         time.Now().Add(ttl),
		RemainingAttempts: s.maxAttempts(),
	}, nil
}

// VerifyCode checks a submitted code against the stored hash. A missing
// or expired code and an exhausted attempt counter both report an
// unsuccessful verification with zero remaining attempts.
func (s *EmailCodeService) VerifyCode(ctx context.Context, key, code string) (*EmailCodeVerification, error) {
	attemptsKey := emailAttemptsPrefix + key
	attempts, err := s.rdb.Incr(ctx, attemptsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to track code attempts: %w", err)
	}
	if attempts == 1 {
		_ = s.rdb.Expire(ctx, attemptsKey, 15*time.Minute)
	}

	remaining := s.maxAttempts() - int(attempts)
	if remaining < 0 {
		remaining = 0
	}
	if int(attempts) > s.maxAttempts() {
		return &EmailCodeVerification{Success: false, RemainingAttempts: 0}, nil
	}

	storedHash, err := s.rdb.GetString(ctx, emailCodePrefix+key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &EmailCodeVerification{Success: false, RemainingAttempts: 0}, nil
		}
		return nil, fmt.Errorf("failed to get email code: %w", err)
	}

	if storedHash != hashEmailCode(code) {
		return &EmailCodeVerification{Success: false, RemainingAttempts: remaining}, nil
	}

	_ = s.rdb.Delete(ctx, emailCodePrefix+key, attemptsKey, emailResendPrefix+key)
	return &EmailCodeVerification{Success: true, RemainingAttempts: remaining}, nil
}

func (s *EmailCodeService) maxAttempts() int {
	if s.cfg.EmailCode.MaxAttempts > 0 {
		return s.cfg.EmailCode.MaxAttempts
	}
	return 3
}

// generateCode creates a cryptographically random numeric code
func (s *EmailCodeService) generateCode() (string, error) {
	length := s.cfg.EmailCode.CodeLength
	if length == 0 {
		length = 6
	}

	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}

	format := fmt.Sprintf("%%0%dd", length)
	return fmt.Sprintf(format, n), nil
}

// hashEmailCode hashes a code for storage
func hashEmailCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}
