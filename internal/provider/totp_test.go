package provider

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/stepauth/stepauth/internal/config"
)

func TestTOTPValidateCode(t *testing.T) {
	p := NewTOTPProvider(config.TOTPConfig{Issuer: "StepAuth", Digits: 6, Period: 30})

	key, err := p.GenerateKey("user@example.com")
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}

	if !p.ValidateCode(key.Secret(), code) {
		t.Error("ValidateCode() rejected a current code")
	}
	if p.ValidateCode(key.Secret(), "000000") {
		t.Error("ValidateCode() accepted a wrong code")
	}
	if p.ValidateCode(key.Secret(), "") {
		t.Error("ValidateCode() accepted an empty code")
	}
}

func TestTOTPSkewWindow(t *testing.T) {
	p := NewTOTPProvider(config.TOTPConfig{Digits: 6, Period: 30})

	key, err := p.GenerateKey("user@example.com")
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	// One time-step of clock drift in either direction is tolerated
	for _, offset := range []time.Duration{-30 * time.Second, 30 * time.Second} {
		code, err := totp.GenerateCode(key.Secret(), time.Now().Add(offset))
		if err != nil {
			t.Fatalf("GenerateCode() error = %v", err)
		}
		if !p.ValidateCode(key.Secret(), code) {
			t.Errorf("ValidateCode() rejected code with %v drift", offset)
		}
	}
}

func TestTOTPProviderDefaults(t *testing.T) {
	p := NewTOTPProvider(config.TOTPConfig{})
	if p.issuer != "StepAuth" {
		t.Errorf("issuer = %q, want StepAuth", p.issuer)
	}
	if p.period != 30 {
		t.Errorf("period = %d, want 30", p.period)
	}
}
