package service

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/model"
	"github.com/stepauth/stepauth/internal/provider"
	"github.com/stepauth/stepauth/internal/repository"
)

// In-memory store fakes and stub providers shared by the service tests.

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.New(io.Discard)}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Challenge.Lifetime = 5 * time.Minute
	cfg.Challenge.MaxActive = 3
	cfg.Challenge.MaxPerWindow = 10
	cfg.Challenge.RateWindow = 15 * time.Minute
	cfg.Challenge.CleanupAge = time.Hour
	cfg.Challenge.UnverifiedMethodAge = 30 * 24 * time.Hour
	cfg.Push.Lifetime = 5 * time.Minute
	cfg.Push.MinLifetime = time.Minute
	cfg.Push.MaxLifetime = 30 * time.Minute
	cfg.Push.MaxPerWindow = 5
	cfg.Push.RateWindow = 10 * time.Minute
	cfg.Push.DeviceKeyBits = 2048
	cfg.Push.SignatureMaxAge = 2 * time.Minute
	cfg.Push.CleanupAge = 24 * time.Hour
	cfg.TOTP.Issuer = "StepAuth"
	cfg.TOTP.Digits = 6
	cfg.TOTP.Period = 30
	cfg.EmailCode.CodeLength = 6
	cfg.EmailCode.CodeTTL = 5 * time.Minute
	cfg.EmailCode.MaxAttempts = 3
	return cfg
}

type memMethodStore struct {
	methods []*model.Method
}

func (s *memMethodStore) Create(ctx context.Context, m *model.Method) error {
	s.methods = append(s.methods, m)
	return nil
}

func (s *memMethodStore) GetByID(ctx context.Context, id string) (*model.Method, error) {
	for _, m := range s.methods {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memMethodStore) GetByUser(ctx context.Context, userID string) ([]*model.Method, error) {
	var out []*model.Method
	for _, m := range s.methods {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMethodStore) GetEnabledByUser(ctx context.Context, userID string) ([]*model.Method, error) {
	var out []*model.Method
	for _, m := range s.methods {
		if m.UserID == userID && m.Enabled {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMethodStore) GetByUserAndType(ctx context.Context, userID string, methodType model.MethodType) (*model.Method, error) {
	for _, m := range s.methods {
		if m.UserID == userID && m.Type == methodType {
			return m, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memMethodStore) Update(ctx context.Context, m *model.Method) error {
	_, err := s.GetByID(ctx, m.ID)
	return err
}

func (s *memMethodStore) UpdateLastUsed(ctx context.Context, id string, lastUsed time.Time) error {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	m.LastUsed = &lastUsed
	return nil
}

func (s *memMethodStore) SetDefault(ctx context.Context, userID, methodID string) error {
	found := false
	for _, m := range s.methods {
		if m.UserID != userID {
			continue
		}
		m.IsDefault = m.ID == methodID
		if m.IsDefault {
			found = true
		}
	}
	if !found {
		return repository.ErrNotFound
	}
	return nil
}

func (s *memMethodStore) Delete(ctx context.Context, id string) error {
	for i, m := range s.methods {
		if m.ID == id {
			s.methods = append(s.methods[:i], s.methods[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memMethodStore) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var kept []*model.Method
	var removed int64
	for _, m := range s.methods {
		if m.VerifiedAt == nil && m.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.methods = kept
	return removed, nil
}

type memChallengeStore struct {
	challenges []*model.Challenge
}

func (s *memChallengeStore) Create(ctx context.Context, c *model.Challenge) error {
	s.challenges = append(s.challenges, c)
	return nil
}

func (s *memChallengeStore) GetByToken(ctx context.Context, token string) (*model.Challenge, error) {
	for _, c := range s.challenges {
		if c.Token == token {
			return c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memChallengeStore) GetActiveByUser(ctx context.Context, userID string, now time.Time) ([]*model.Challenge, error) {
	var out []*model.Challenge
	for _, c := range s.challenges {
		if c.UserID == userID && !c.IsTerminal() && !c.IsExpired(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memChallengeStore) CountActiveByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	active, _ := s.GetActiveByUser(ctx, userID, now)
	return len(active), nil
}

func (s *memChallengeStore) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	count := 0
	for _, c := range s.challenges {
		if c.UserID == userID && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *memChallengeStore) Update(ctx context.Context, c *model.Challenge) error {
	for _, stored := range s.challenges {
		if stored.ID == c.ID {
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memChallengeStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var kept []*model.Challenge
	var removed int64
	for _, c := range s.challenges {
		if c.ExpiresAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.challenges = kept
	return removed, nil
}

type memRecoveryCodeStore struct {
	codes []*model.RecoveryCode
}

func (s *memRecoveryCodeStore) CreateBatch(ctx context.Context, codes []*model.RecoveryCode) error {
	s.codes = append(s.codes, codes...)
	return nil
}

func (s *memRecoveryCodeStore) GetUnusedByMethod(ctx context.Context, methodID string) ([]*model.RecoveryCode, error) {
	var out []*model.RecoveryCode
	for _, c := range s.codes {
		if c.MethodID == methodID && !c.IsUsed() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memRecoveryCodeStore) CountUnusedByMethod(ctx context.Context, methodID string) (int, error) {
	unused, _ := s.GetUnusedByMethod(ctx, methodID)
	return len(unused), nil
}

func (s *memRecoveryCodeStore) MarkUsed(ctx context.Context, id string, usedAt time.Time) error {
	for _, c := range s.codes {
		if c.ID == id {
			c.TryConsume(usedAt)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memRecoveryCodeStore) DeleteByMethod(ctx context.Context, methodID string) error {
	var kept []*model.RecoveryCode
	for _, c := range s.codes {
		if c.MethodID != methodID {
			kept = append(kept, c)
		}
	}
	s.codes = kept
	return nil
}

type memPushDeviceStore struct {
	devices []*model.PushDevice
}

func (s *memPushDeviceStore) Create(ctx context.Context, d *model.PushDevice) error {
	s.devices = append(s.devices, d)
	return nil
}

func (s *memPushDeviceStore) GetByID(ctx context.Context, id string) (*model.PushDevice, error) {
	for _, d := range s.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memPushDeviceStore) GetByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*model.PushDevice, error) {
	for _, d := range s.devices {
		if d.UserID == userID && d.DeviceID == deviceID {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memPushDeviceStore) GetByUser(ctx context.Context, userID string) ([]*model.PushDevice, error) {
	var out []*model.PushDevice
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memPushDeviceStore) Update(ctx context.Context, d *model.PushDevice) error {
	_, err := s.GetByID(ctx, d.ID)
	return err
}

func (s *memPushDeviceStore) Delete(ctx context.Context, id string) error {
	for i, d := range s.devices {
		if d.ID == id {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

type memPushChallengeStore struct {
	challenges []*model.PushChallenge
}

func (s *memPushChallengeStore) Create(ctx context.Context, p *model.PushChallenge) error {
	s.challenges = append(s.challenges, p)
	return nil
}

func (s *memPushChallengeStore) GetByID(ctx context.Context, id string) (*model.PushChallenge, error) {
	for _, p := range s.challenges {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memPushChallengeStore) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	count := 0
	for _, p := range s.challenges {
		if p.UserID == userID && !p.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *memPushChallengeStore) Update(ctx context.Context, p *model.PushChallenge) error {
	for _, stored := range s.challenges {
		if stored.ID == p.ID {
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memPushChallengeStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var kept []*model.PushChallenge
	var removed int64
	for _, p := range s.challenges {
		if p.ExpiresAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.challenges = kept
	return removed, nil
}

// stubTOTP accepts exactly one code
type stubTOTP struct {
	valid string
}

func (s stubTOTP) ValidateCode(secret, code string) bool {
	return code == s.valid
}

type sentEmailCode struct {
	key     string
	address string
}

// stubEmailCodes accepts exactly one code and records sends
type stubEmailCodes struct {
	valid     string
	remaining int
	sendErr   error
	sent      []sentEmailCode
}

func (s *stubEmailCodes) SendCode(ctx context.Context, key, address string) (*EmailCodeResult, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, sentEmailCode{key: key, address: address})
	return &EmailCodeResult{ExpiresAt: time.Now().Add(5 * time.Minute), RemainingAttempts: 3}, nil
}

func (s *stubEmailCodes) VerifyCode(ctx context.Context, key, code string) (*EmailCodeVerification, error) {
	if code == s.valid {
		return &EmailCodeVerification{Success: true, RemainingAttempts: s.remaining}, nil
	}
	return &EmailCodeVerification{Success: false, RemainingAttempts: s.remaining}, nil
}

// stubWebAuthn returns a fixed assertion verdict
type stubWebAuthn struct {
	result *provider.AssertionResult
	err    error
}

func (s *stubWebAuthn) BeginAuthentication(ctx context.Context, userID string, credentialData []byte) (interface{}, string, error) {
	return map[string]string{"challenge": "stub"}, "session-key", nil
}

func (s *stubWebAuthn) CompleteAuthentication(ctx context.Context, userID string, credentialData []byte, sessionKey string, assertion []byte) (*provider.AssertionResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type sentPush struct {
	token string
	title string
	body  string
	data  map[string]string
}

// stubPushSender records notifications and controls token validity
type stubPushSender struct {
	tokenValid bool
	sendErr    error
	sent       []sentPush
}

func (s *stubPushSender) ValidateToken(token, platform string) bool {
	return s.tokenValid && token != ""
}

func (s *stubPushSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentPush{token: token, title: title, body: body, data: data})
	return nil
}
