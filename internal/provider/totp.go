package provider

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/stepauth/stepauth/internal/config"
)

// TOTPValidator verifies time-based one-time codes against a shared secret
type TOTPValidator interface {
	ValidateCode(secret, code string) bool
}

// TOTPProvider implements TOTPValidator on top of RFC 6238
type TOTPProvider struct {
	issuer string
	digits otp.Digits
	period uint
}

// NewTOTPProvider creates a TOTPProvider from configuration
func NewTOTPProvider(cfg config.TOTPConfig) *TOTPProvider {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "StepAuth"
	}
	digits := otp.DigitsSix
	if cfg.Digits == 8 {
		digits = otp.DigitsEight
	}
	period := uint(cfg.Period)
	if period == 0 {
		period = 30
	}
	return &TOTPProvider{
		issuer: issuer,
		digits: digits,
		period: period,
	}
}

// ValidateCode checks a submitted code against the stored secret,
// allowing one time-step of clock skew in either direction
func (p *TOTPProvider) ValidateCode(secret, code string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    p.period,
		Skew:      1,
		Digits:    p.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// GenerateKey creates a fresh TOTP key for enrollment
func (p *TOTPProvider) GenerateKey(accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		Period:      p.period,
		Digits:      p.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
}
