package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/model"
	"github.com/stepauth/stepauth/internal/provider"
	"github.com/stepauth/stepauth/internal/repository"
)

// Method enrollment errors
var (
	ErrMethodNotFound      = errors.New("method not found")
	ErrMethodAlreadyExists = errors.New("method of this type already exists")
	ErrInvalidCode         = errors.New("invalid verification code")
	ErrInvalidEmailAddress = errors.New("invalid email address")
)

// TOTPSetup is the enrollment material returned once at setup time
type TOTPSetup struct {
	MethodID   string `json:"methodId"`
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauthUrl"`
	// QRCodePNG is the otpauth URL rendered as a PNG for scanning
	QRCodePNG []byte `json:"qrCodePng"`
}

// MethodService handles second-factor enrollment: setup, verification
// (which enables the method and issues recovery codes), defaults,
// deletion and the unverified-method sweep.
type MethodService struct {
	methods    MethodStore
	recovery   *RecoveryService
	totp       *provider.TOTPProvider
	emailCodes EmailCodeVerifier
	cfg        *config.Config
	log        *logger.Logger
}

// NewMethodService creates a new MethodService.
func NewMethodService(
	methods MethodStore,
	recovery *RecoveryService,
	totp *provider.TOTPProvider,
	emailCodes EmailCodeVerifier,
	cfg *config.Config,
	log *logger.Logger,
) *MethodService {
	return &MethodService{
		methods:    methods,
		recovery:   recovery,
		totp:       totp,
		emailCodes: emailCodes,
		cfg:        cfg,
		log:        log.WithComponent("method"),
	}
}

// SetupTOTP starts TOTP enrollment: creates a disabled method holding a
// fresh secret and returns the provisioning material.
func (s *MethodService) SetupTOTP(ctx context.Context, userID, accountName string) (*TOTPSetup, error) {
	if err := s.ensureNoMethod(ctx, userID, model.MethodTOTP); err != nil {
		return nil, err
	}

	key, err := s.totp.GenerateKey(accountName)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	method, err := model.NewMethod(generateID(methodIDPrefix), userID, model.MethodTOTP)
	if err != nil {
		return nil, err
	}
	method.Secret = []byte(key.Secret())

	if err := s.methods.Create(ctx, method); err != nil {
		return nil, fmt.Errorf("failed to create method: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}

	s.log.Info().Str("user_id", userID).Msg("TOTP enrollment started")
	return &TOTPSetup{
		MethodID:   method.ID,
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
		QRCodePNG:  png,
	}, nil
}

// SetupEmail starts email enrollment: creates a disabled method bound
// to the address and sends the first verification code.
func (s *MethodService) SetupEmail(ctx context.Context, userID, address string) (*model.Method, error) {
	address = strings.TrimSpace(address)
	if !strings.Contains(address, "@") {
		return nil, ErrInvalidEmailAddress
	}
	if err := s.ensureNoMethod(ctx, userID, model.MethodEmail); err != nil {
		return nil, err
	}

	method, err := model.NewMethod(generateID(methodIDPrefix), userID, model.MethodEmail)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(map[string]string{"email": address})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal method metadata: %w", err)
	}
	method.Metadata = metadata

	if err := s.methods.Create(ctx, method); err != nil {
		return nil, fmt.Errorf("failed to create method: %w", err)
	}

	if _, err := s.emailCodes.SendCode(ctx, method.ID, address); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("enrollment code delivery failed")
	}

	s.log.Info().Str("user_id", userID).Msg("email enrollment started")
	return method, nil
}

// SendEmailVerification re-sends the enrollment code for a pending
// email method.
func (s *MethodService) SendEmailVerification(ctx context.Context, userID, methodID string) (*EmailCodeResult, error) {
	method, err := s.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}
	if method.Type != model.MethodEmail {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method.Type)
	}
	return s.emailCodes.SendCode(ctx, method.ID, method.EmailAddress())
}

// VerifyMethod checks the enrollment proof, enables the method and
// issues its first recovery code batch. The plaintext codes are
// returned exactly once.
func (s *MethodService) VerifyMethod(ctx context.Context, userID, methodID, code string) ([]string, error) {
	method, err := s.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}

	switch method.Type {
	case model.MethodTOTP:
		if len(method.Secret) == 0 {
			return nil, fmt.Errorf("%w: TOTP method has no secret", ErrMethodMisconfigured)
		}
		if !s.totp.ValidateCode(string(method.Secret), code) {
			return nil, ErrInvalidCode
		}
	case model.MethodEmail:
		verdict, err := s.emailCodes.VerifyCode(ctx, method.ID, code)
		if err != nil {
			return nil, err
		}
		if !verdict.Success {
			return nil, ErrInvalidCode
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method.Type)
	}

	method.MarkVerified(time.Now())
	if err := s.methods.Update(ctx, method); err != nil {
		return nil, fmt.Errorf("failed to enable method: %w", err)
	}

	codes, err := s.recovery.IssueBatch(ctx, method.ID)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", userID).Str("method_id", methodID).Str("type", string(method.Type)).Msg("method verified and enabled")
	return codes, nil
}

// RegenerateRecoveryCodes supersedes the method's batch
func (s *MethodService) RegenerateRecoveryCodes(ctx context.Context, userID, methodID string) ([]string, error) {
	method, err := s.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}
	if !method.Enabled {
		return nil, ErrMethodNotFound
	}
	return s.recovery.IssueBatch(ctx, method.ID)
}

// ListMethods returns read-only projections of the user's methods
func (s *MethodService) ListMethods(ctx context.Context, userID string) ([]model.MethodInfo, error) {
	methods, err := s.methods.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list methods: %w", err)
	}
	infos := make([]model.MethodInfo, 0, len(methods))
	for _, m := range methods {
		infos = append(infos, m.Info())
	}
	return infos, nil
}

// SetDefaultMethod marks one enabled method as the user's default
func (s *MethodService) SetDefaultMethod(ctx context.Context, userID, methodID string) error {
	method, err := s.ownedMethod(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if !method.Enabled {
		return ErrMethodNotFound
	}
	if err := s.methods.SetDefault(ctx, userID, methodID); err != nil {
		return fmt.Errorf("failed to set default method: %w", err)
	}
	return nil
}

// DeleteMethod removes a method and its recovery codes
func (s *MethodService) DeleteMethod(ctx context.Context, userID, methodID string) error {
	if _, err := s.ownedMethod(ctx, userID, methodID); err != nil {
		return err
	}
	if err := s.recovery.codes.DeleteByMethod(ctx, methodID); err != nil {
		return fmt.Errorf("failed to delete recovery codes: %w", err)
	}
	if err := s.methods.Delete(ctx, methodID); err != nil {
		return fmt.Errorf("failed to delete method: %w", err)
	}
	s.log.Info().Str("user_id", userID).Str("method_id", methodID).Msg("method deleted")
	return nil
}

// CleanupUnverified removes methods that were never verified and are
// older than the configured age. Invoked by the scheduled sweep.
func (s *MethodService) CleanupUnverified(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.Challenge.UnverifiedMethodAge)
	removed, err := s.methods.DeleteUnverifiedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("unverified methods cleaned up")
	}
	return removed, nil
}

// ensureNoMethod fails when the user already has a method of this type
func (s *MethodService) ensureNoMethod(ctx context.Context, userID string, methodType model.MethodType) error {
	_, err := s.methods.GetByUserAndType(ctx, userID, methodType)
	if err == nil {
		return ErrMethodAlreadyExists
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to look up method: %w", err)
	}
	return nil
}

// ownedMethod loads a method and enforces ownership without revealing
// whether the method exists for someone else.
func (s *MethodService) ownedMethod(ctx context.Context, userID, methodID string) (*model.Method, error) {
	method, err := s.methods.GetByID(ctx, methodID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load method: %w", err)
	}
	if method.UserID != userID {
		return nil, ErrMethodNotFound
	}
	return method, nil
}
