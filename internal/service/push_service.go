package service

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/model"
	"github.com/stepauth/stepauth/internal/provider"
	"github.com/stepauth/stepauth/internal/repository"
)

// Push protocol errors
var (
	ErrDeviceNotFound        = errors.New("device not found")
	ErrDeviceInactive        = errors.New("device is inactive")
	ErrInvalidPushToken      = errors.New("invalid push token")
	ErrInvalidPublicKey      = errors.New("invalid device public key")
	ErrPushRateLimited       = errors.New("too many push challenges, try again later")
	ErrPushNotFound          = errors.New("push challenge not found")
	ErrSessionMismatch       = errors.New("session does not match challenge")
	ErrInvalidSignature      = errors.New("invalid response signature")
	ErrStaleSignature        = errors.New("response signature timestamp out of range")
	ErrApprovalNotConsumable = errors.New("push challenge is not approved")
)

// SessionInfo describes the login attempt a push challenge belongs to
type SessionInfo struct {
	SessionID string
	ClientIP  string
	UserAgent string
	Location  string
	Context   string
}

// PushResponse is a device's signed decision on a push challenge
type PushResponse struct {
	DeviceID  string
	Approved  bool
	Signature []byte
	// SignedAt is the unix timestamp the device included in the signed
	// payload; it must be fresh within the configured window
	SignedAt int64
}

// PushService is the trust-scored device registry and the out-of-band
// approval protocol on top of it.
type PushService struct {
	devices        PushDeviceStore
	pushChallenges PushChallengeStore
	methods        MethodStore
	sender         provider.PushSender
	cfg            *config.Config
	log            *logger.Logger
}

// NewPushService creates a new PushService.
func NewPushService(
	devices PushDeviceStore,
	pushChallenges PushChallengeStore,
	methods MethodStore,
	sender provider.PushSender,
	cfg *config.Config,
	log *logger.Logger,
) *PushService {
	return &PushService{
		devices:        devices,
		pushChallenges: pushChallenges,
		methods:        methods,
		sender:         sender,
		cfg:            cfg,
		log:            log.WithComponent("push"),
	}
}

// RegisterDevice registers an authenticator endpoint. Re-registering an
// existing device id rotates the push token in place; created reports
// whether a new device record was made.
func (s *PushService) RegisterDevice(ctx context.Context, userID, deviceID, name, platform, pushToken, publicKeyPEM string) (device *model.PushDevice, created bool, err error) {
	existing, err := s.devices.GetByUserAndDeviceID(ctx, userID, deviceID)
	if err == nil {
		if err := existing.RotatePushToken(pushToken); err != nil {
			return nil, false, err
		}
		if err := s.devices.Update(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("failed to update device: %w", err)
		}
		s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("push device re-registered")
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up device: %w", err)
	}

	if !s.sender.ValidateToken(pushToken, platform) {
		return nil, false, ErrInvalidPushToken
	}
	if _, err := s.parsePublicKey(publicKeyPEM); err != nil {
		return nil, false, err
	}

	method, err := s.ensurePushMethod(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	device, err = model.NewPushDevice(generateID(pushDeviceIDPrefix), userID, method.ID, deviceID, name, platform, pushToken, publicKeyPEM)
	if err != nil {
		return nil, false, err
	}
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, false, fmt.Errorf("failed to create device: %w", err)
	}

	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Str("platform", platform).Msg("push device registered")
	return device, true, nil
}

// ensurePushMethod reuses the user's push method or creates one.
// Registering a device is itself the verification step, so a fresh
// method is enabled immediately.
func (s *PushService) ensurePushMethod(ctx context.Context, userID string) (*model.Method, error) {
	method, err := s.methods.GetByUserAndType(ctx, userID, model.MethodPush)
	if err == nil {
		return method, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up push method: %w", err)
	}

	method, err = model.NewMethod(generateID(methodIDPrefix), userID, model.MethodPush)
	if err != nil {
		return nil, err
	}
	method.MarkVerified(time.Now())
	if err := s.methods.Create(ctx, method); err != nil {
		return nil, fmt.Errorf("failed to create push method: %w", err)
	}
	return method, nil
}

// ListDevices returns the user's registered devices
func (s *PushService) ListDevices(ctx context.Context, userID string) ([]*model.PushDevice, error) {
	devices, err := s.devices.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// RemoveDevice deletes a device by its stable client identifier
func (s *PushService) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	device, err := s.devices.GetByUserAndDeviceID(ctx, userID, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if err := s.devices.Delete(ctx, device.ID); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("push device removed")
	return nil
}

// UpdateDeviceToken rotates a device's delivery token
func (s *PushService) UpdateDeviceToken(ctx context.Context, userID, deviceID, pushToken string) error {
	device, err := s.devices.GetByUserAndDeviceID(ctx, userID, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if !s.sender.ValidateToken(pushToken, device.Platform) {
		return ErrInvalidPushToken
	}
	if err := device.RotatePushToken(pushToken); err != nil {
		return err
	}
	if err := s.devices.Update(ctx, device); err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	return nil
}

// ReactivateDevice restores a quarantined or deactivated device. The
// trust score resets to the initial value; history is not forgiven.
func (s *PushService) ReactivateDevice(ctx context.Context, userID, deviceID string) (*model.PushDevice, error) {
	device, err := s.devices.GetByUserAndDeviceID(ctx, userID, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	if err := device.Reactivate(); err != nil {
		return nil, err
	}
	if err := s.devices.Update(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to update device: %w", err)
	}
	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("push device reactivated")
	return device, nil
}

// SendChallenge creates a push challenge and best-effort-delivers the
// notification. Delivery failure is logged, never surfaced: the device
// can still fetch the challenge by polling.
func (s *PushService) SendChallenge(ctx context.Context, userID, deviceID string, session SessionInfo) (*model.PushChallenge, error) {
	device, err := s.devices.GetByUserAndDeviceID(ctx, userID, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	if !device.Active {
		return nil, ErrDeviceInactive
	}

	now := time.Now()
	recent, err := s.pushChallenges.CountCreatedSince(ctx, userID, now.Add(-s.cfg.Push.RateWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent push challenges: %w", err)
	}
	if recent >= s.cfg.Push.MaxPerWindow {
		return nil, ErrPushRateLimited
	}

	challenge, err := model.NewPushChallenge(generateID(pushChallengeIDPrefix), userID, device.ID, session.SessionID, s.challengeLifetime())
	if err != nil {
		return nil, err
	}
	challenge.ClientIP = session.ClientIP
	challenge.UserAgent = session.UserAgent
	challenge.Location = session.Location
	challenge.Context = session.Context

	if err := s.pushChallenges.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store push challenge: %w", err)
	}

	title := "Sign-in request"
	body := signInSummary(session.UserAgent, session.Location)
	data := map[string]string{
		"challenge_id": challenge.ID,
		"code":         challenge.Code,
		"session_id":   challenge.SessionID,
	}
	if err := s.sender.Send(ctx, device.PushToken, title, body, data); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("push delivery failed")
	}

	s.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("push challenge sent")
	return challenge, nil
}

// challengeLifetime clamps the configured lifetime to the configured
// bounds. The model enforces the absolute limits on top.
func (s *PushService) challengeLifetime() time.Duration {
	lifetime := s.cfg.Push.Lifetime
	if lifetime <= 0 {
		lifetime = model.DefaultPushLifetime
	}
	if lo := s.cfg.Push.MinLifetime; lo > 0 && lifetime < lo {
		lifetime = lo
	}
	if hi := s.cfg.Push.MaxLifetime; hi > 0 && lifetime > hi {
		lifetime = hi
	}
	return lifetime
}

// CheckStatus reports a challenge's state to the polling login session.
// The session id must match; a pending challenge past its expiry is
// lazily transitioned before reporting.
func (s *PushService) CheckStatus(ctx context.Context, challengeID, sessionID string) (*model.PushChallenge, error) {
	challenge, err := s.loadBoundChallenge(ctx, challengeID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.lazyExpire(ctx, challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// RespondToChallenge adjudicates a device's signed decision. A bad
// signature penalizes the device's trust and fails without touching the
// challenge state; a verified approval rewards it.
func (s *PushService) RespondToChallenge(ctx context.Context, challengeID string, resp PushResponse) (*model.PushChallenge, error) {
	challenge, err := s.pushChallenges.GetByID(ctx, challengeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPushNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load push challenge: %w", err)
	}

	if err := s.lazyExpire(ctx, challenge); err != nil {
		return nil, err
	}

	device, err := s.devices.GetByID(ctx, challenge.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device.DeviceID != resp.DeviceID {
		return nil, ErrDeviceNotFound
	}
	if !device.Active {
		return nil, ErrDeviceInactive
	}

	now := time.Now()
	age := now.Unix() - resp.SignedAt
	maxAge := int64(s.cfg.Push.SignatureMaxAge.Seconds())
	if age > maxAge || age < -maxAge {
		return nil, ErrStaleSignature
	}

	publicKey, err := s.parsePublicKey(device.PublicKeyPEM)
	if err != nil {
		return nil, err
	}

	payload := challenge.SignaturePayload(resp.Approved, resp.SignedAt)
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPSS(publicKey, crypto.SHA256, digest[:], resp.Signature, nil); err != nil {
		if device.RecordSuspiciousActivity() {
			s.log.Warn().Str("device_id", device.DeviceID).Msg("device quarantined after trust drop")
		}
		if updateErr := s.devices.Update(ctx, device); updateErr != nil {
			return nil, fmt.Errorf("failed to record suspicious activity: %w", updateErr)
		}
		s.log.Warn().Str("device_id", device.DeviceID).Str("challenge_id", challengeID).Msg("push response signature mismatch")
		return nil, ErrInvalidSignature
	}

	if resp.Approved {
		if err := challenge.Approve(resp.Signature, now); err != nil {
			return nil, err
		}
		device.RecordSuccessfulUse(now)
		if err := s.devices.Update(ctx, device); err != nil {
			return nil, fmt.Errorf("failed to reward device: %w", err)
		}
	} else {
		if err := challenge.Deny(resp.Signature, now); err != nil {
			return nil, err
		}
	}

	if err := s.pushChallenges.Update(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store push response: %w", err)
	}

	s.log.Info().Str("challenge_id", challengeID).Bool("approved", resp.Approved).Msg("push challenge resolved")
	return challenge, nil
}

// ConsumeApproval spends an approved challenge so the login flow cannot
// redeem it twice.
func (s *PushService) ConsumeApproval(ctx context.Context, challengeID, sessionID string) error {
	challenge, err := s.loadBoundChallenge(ctx, challengeID, sessionID)
	if err != nil {
		return err
	}
	if err := challenge.MarkConsumed(); err != nil {
		return fmt.Errorf("%w: %v", ErrApprovalNotConsumable, err)
	}
	if err := s.pushChallenges.Update(ctx, challenge); err != nil {
		return fmt.Errorf("failed to consume approval: %w", err)
	}
	return nil
}

// CleanupExpired removes push challenge rows whose expiry is older than
// the configured cleanup age.
func (s *PushService) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.Push.CleanupAge)
	removed, err := s.pushChallenges.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("expired push challenges cleaned up")
	}
	return removed, nil
}

func (s *PushService) loadBoundChallenge(ctx context.Context, challengeID, sessionID string) (*model.PushChallenge, error) {
	challenge, err := s.pushChallenges.GetByID(ctx, challengeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPushNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load push challenge: %w", err)
	}
	if challenge.SessionID != sessionID {
		return nil, ErrSessionMismatch
	}
	return challenge, nil
}

func (s *PushService) lazyExpire(ctx context.Context, challenge *model.PushChallenge) error {
	if challenge.Status != model.PushStatusPending || !challenge.IsExpired(time.Now()) {
		return nil
	}
	if err := challenge.MarkExpired(); err != nil {
		return err
	}
	if err := s.pushChallenges.Update(ctx, challenge); err != nil {
		return fmt.Errorf("failed to expire push challenge: %w", err)
	}
	return nil
}

// parsePublicKey decodes a PEM-encoded PKIX RSA public key and enforces
// the configured minimum key size.
func (s *PushService) parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	if publicKey.Size()*8 < s.cfg.Push.DeviceKeyBits {
		return nil, fmt.Errorf("%w: key smaller than %d bits", ErrInvalidPublicKey, s.cfg.Push.DeviceKeyBits)
	}
	return publicKey, nil
}

// signInSummary builds the human-readable notification body from the
// requesting browser and location.
func signInSummary(userAgent, location string) string {
	browser := browserName(userAgent)
	switch {
	case browser != "" && location != "":
		return fmt.Sprintf("Sign-in attempt from %s near %s", browser, location)
	case browser != "":
		return fmt.Sprintf("Sign-in attempt from %s", browser)
	case location != "":
		return fmt.Sprintf("Sign-in attempt near %s", location)
	default:
		return "Someone is trying to sign in to your account"
	}
}

// browserName extracts a coarse browser family from a user agent.
// Order matters: Edge and Opera embed "Chrome", Chrome embeds "Safari".
func browserName(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge"):
		return "Microsoft Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "Opera"
	case strings.Contains(ua, "firefox"):
		return "Firefox"
	case strings.Contains(ua, "chrome"):
		return "Chrome"
	case strings.Contains(ua, "safari"):
		return "Safari"
	default:
		return "an unknown browser"
	}
}
