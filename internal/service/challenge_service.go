package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/model"
	"github.com/stepauth/stepauth/internal/repository"
)

// Challenge lifecycle errors
var (
	ErrRateLimited        = errors.New("too many challenges, try again later")
	ErrNoEnabledMethods   = errors.New("no enabled MFA methods")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")
	ErrInvalidMethod      = errors.New("invalid method")
)

// ChallengeResult is returned on challenge creation
type ChallengeResult struct {
	Token             string             `json:"token"`
	MethodType        model.MethodType   `json:"methodType"`
	Methods           []model.MethodInfo `json:"methods"`
	ExpiresAt         time.Time          `json:"expiresAt"`
	RemainingAttempts int                `json:"remainingAttempts"`
}

// VerifyRequest carries one verification submission
type VerifyRequest struct {
	Token string
	Code  string
	// MethodID optionally overrides the challenge-bound method
	MethodID        string
	IsRecoveryCode  bool
	WebAuthnSession string
}

// VerifyResult is the outcome of a verification submission. A wrong
// code is a result, not an error; Exhausted marks the attempt that
// permanently invalidated the challenge.
type VerifyResult struct {
	Success           bool   `json:"success"`
	Exhausted         bool   `json:"exhausted,omitempty"`
	UserID            string `json:"userId,omitempty"`
	MethodID          string `json:"methodId,omitempty"`
	UsedRecoveryCode  bool   `json:"usedRecoveryCode,omitempty"`
	RemainingAttempts int    `json:"remainingAttempts"`
	Reason            string `json:"reason,omitempty"`
}

// ChallengeService owns the challenge state machine: creation under
// rate limits, attempt bookkeeping, dispatching verification and
// terminal-state handling.
type ChallengeService struct {
	challenges ChallengeStore
	methods    MethodStore
	emailCodes EmailCodeVerifier
	dispatcher *MethodDispatcher
	cfg        *config.Config
	log        *logger.Logger
}

// NewChallengeService creates a new ChallengeService.
func NewChallengeService(
	challenges ChallengeStore,
	methods MethodStore,
	emailCodes EmailCodeVerifier,
	dispatcher *MethodDispatcher,
	cfg *config.Config,
	log *logger.Logger,
) *ChallengeService {
	return &ChallengeService{
		challenges: challenges,
		methods:    methods,
		emailCodes: emailCodes,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.WithComponent("challenge"),
	}
}

// CreateChallenge starts a challenge for the user's default (else first)
// enabled method. Email methods get their code sent eagerly; delivery
// failure is logged, not fatal.
func (s *ChallengeService) CreateChallenge(ctx context.Context, userID, clientIP, userAgent string) (*ChallengeResult, error) {
	now := time.Now()

	active, err := s.challenges.CountActiveByUser(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count active challenges: %w", err)
	}
	if active >= s.cfg.Challenge.MaxActive {
		return nil, ErrRateLimited
	}

	recent, err := s.challenges.CountCreatedSince(ctx, userID, now.Add(-s.cfg.Challenge.RateWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent challenges: %w", err)
	}
	if recent >= s.cfg.Challenge.MaxPerWindow {
		return nil, ErrRateLimited
	}

	enabled, err := s.methods.GetEnabledByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load methods: %w", err)
	}
	if len(enabled) == 0 {
		return nil, ErrNoEnabledMethods
	}

	method := enabled[0]
	for _, m := range enabled {
		if m.IsDefault {
			method = m
			break
		}
	}

	challenge, err := model.NewChallenge(generateID(challengeIDPrefix), userID, method.Type, method.ID, s.cfg.Challenge.Lifetime)
	if err != nil {
		return nil, err
	}
	challenge.Metadata = map[string]string{
		"client_ip":  clientIP,
		"user_agent": userAgent,
	}

	if err := s.challenges.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	if method.Type == model.MethodEmail {
		if _, err := s.emailCodes.SendCode(ctx, challenge.ID, method.EmailAddress()); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("eager email code delivery failed")
		}
	}

	infos := make([]model.MethodInfo, 0, len(enabled))
	for _, m := range enabled {
		infos = append(infos, m.Info())
	}

	s.log.Info().Str("user_id", userID).Str("method_type", string(method.Type)).Msg("challenge created")

	return &ChallengeResult{
		Token:             challenge.Token,
		MethodType:        method.Type,
		Methods:           infos,
		ExpiresAt:         challenge.ExpiresAt,
		RemainingAttempts: challenge.RemainingAttempts(),
	}, nil
}

// VerifyChallenge adjudicates one submission. One attempt is debited
// before verification runs, including on the attempt that succeeds;
// the debit that reaches the limit invalidates the challenge and the
// submission is rejected unverified.
func (s *ChallengeService) VerifyChallenge(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	challenge, err := s.challenges.GetByToken(ctx, req.Token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	now := time.Now()
	if challenge.IsTerminal() {
		return nil, ErrChallengeExhausted
	}
	if challenge.IsExpired(now) {
		return nil, ErrChallengeExpired
	}

	exhausted, err := challenge.RecordAttempt()
	if err != nil {
		return nil, ErrChallengeExhausted
	}
	if updateErr := s.challenges.Update(ctx, challenge); updateErr != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", updateErr)
	}
	if exhausted {
		s.log.Warn().Str("user_id", challenge.UserID).Msg("challenge attempts exhausted")
		return &VerifyResult{
			Exhausted:         true,
			RemainingAttempts: 0,
			Reason:            "attempts exhausted",
		}, nil
	}

	method, err := s.resolveMethod(ctx, challenge, req.MethodID)
	if err != nil {
		return nil, err
	}

	verdict, err := s.dispatcher.Verify(ctx, challenge, method, Submission{
		Code:            req.Code,
		IsRecoveryCode:  req.IsRecoveryCode,
		WebAuthnSession: req.WebAuthnSession,
	})
	if err != nil {
		return nil, err
	}

	if !verdict.Success {
		remaining := challenge.RemainingAttempts()
		if verdict.RemainingAttempts >= 0 && verdict.RemainingAttempts < remaining {
			remaining = verdict.RemainingAttempts
		}
		return &VerifyResult{
			RemainingAttempts: remaining,
			Reason:            verdict.Reason,
		}, nil
	}

	if err := challenge.Complete(now); err != nil {
		return nil, ErrChallengeExhausted
	}
	if err := s.challenges.Update(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to complete challenge: %w", err)
	}

	if err := s.methods.UpdateLastUsed(ctx, method.ID, now); err != nil {
		s.log.Warn().Err(err).Str("method_id", method.ID).Msg("failed to stamp method last-used")
	}

	// A satisfied login must not leave a parallel challenge redeemable
	if _, err := s.invalidateActive(ctx, challenge.UserID, challenge.ID); err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", challenge.UserID).Str("method_id", method.ID).Bool("recovery", verdict.UsedRecoveryCode).Msg("challenge completed")

	return &VerifyResult{
		Success:           true,
		UserID:            verdict.UserID,
		MethodID:          method.ID,
		UsedRecoveryCode:  verdict.UsedRecoveryCode,
		RemainingAttempts: challenge.RemainingAttempts(),
	}, nil
}

// resolveMethod picks the target method: explicit override, else the
// challenge-bound method, else the user's default enabled method.
// Ownership failures report ErrInvalidMethod without existence details.
func (s *ChallengeService) resolveMethod(ctx context.Context, challenge *model.Challenge, overrideID string) (*model.Method, error) {
	methodID := overrideID
	if methodID == "" {
		methodID = challenge.MethodID
	}

	if methodID != "" {
		method, err := s.methods.GetByID(ctx, methodID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidMethod
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load method: %w", err)
		}
		if method.UserID != challenge.UserID || !method.Enabled {
			return nil, ErrInvalidMethod
		}
		return method, nil
	}

	enabled, err := s.methods.GetEnabledByUser(ctx, challenge.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load methods: %w", err)
	}
	for _, m := range enabled {
		if m.IsDefault {
			return m, nil
		}
	}
	if len(enabled) > 0 {
		return enabled[0], nil
	}
	return nil, ErrInvalidMethod
}

// StartWebAuthn begins the assertion ceremony for a challenge bound to
// a WebAuthn method. The returned session key accompanies the assertion
// in the eventual VerifyChallenge call.
func (s *ChallengeService) StartWebAuthn(ctx context.Context, token string) (interface{}, string, error) {
	challenge, err := s.challenges.GetByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, "", ErrChallengeNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load challenge: %w", err)
	}
	if !challenge.IsValid(time.Now()) {
		return nil, "", ErrChallengeExpired
	}

	method, err := s.resolveMethod(ctx, challenge, "")
	if err != nil {
		return nil, "", err
	}
	return s.dispatcher.BeginWebAuthn(ctx, method)
}

// InvalidateUserChallenges cancels all of a user's active challenges.
// Idempotent; returns the count affected.
func (s *ChallengeService) InvalidateUserChallenges(ctx context.Context, userID string) (int, error) {
	return s.invalidateActive(ctx, userID, "")
}

func (s *ChallengeService) invalidateActive(ctx context.Context, userID, exceptID string) (int, error) {
	active, err := s.challenges.GetActiveByUser(ctx, userID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to load active challenges: %w", err)
	}

	count := 0
	for _, c := range active {
		if c.ID == exceptID {
			continue
		}
		if err := c.Invalidate(); err != nil {
			continue
		}
		if err := s.challenges.Update(ctx, c); err != nil {
			return count, fmt.Errorf("failed to invalidate challenge: %w", err)
		}
		count++
	}
	return count, nil
}

// RequiresMFA reports whether the user has any enabled method
func (s *ChallengeService) RequiresMFA(ctx context.Context, userID string) (bool, error) {
	enabled, err := s.methods.GetEnabledByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load methods: %w", err)
	}
	return len(enabled) > 0, nil
}

// IsChallengeValid reports whether the token still accepts submissions
func (s *ChallengeService) IsChallengeValid(ctx context.Context, token string) (bool, error) {
	challenge, err := s.challenges.GetByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load challenge: %w", err)
	}
	return challenge.IsValid(time.Now()), nil
}

// CleanupExpired removes challenge rows whose expiry is older than the
// configured cleanup age. Invoked by the scheduled sweep.
func (s *ChallengeService) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.Challenge.CleanupAge)
	removed, err := s.challenges.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("expired challenges cleaned up")
	}
	return removed, nil
}
