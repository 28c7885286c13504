package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stepauth/stepauth/internal/config"
)

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{Secret: "test-secret", Issuer: "stepauth-test"}
}

func signToken(t *testing.T, cfg config.TokenConfig, claims TokenClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func TestValidateAccessToken(t *testing.T) {
	cfg := testTokenConfig()
	svc := NewTokenService(cfg)

	signed := signToken(t, cfg, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email:    "user@example.com",
		DeviceID: "dev-1",
	})

	claims, err := svc.ValidateAccessToken(signed)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "user@example.com" || claims.DeviceID != "dev-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateAccessTokenRejections(t *testing.T) {
	cfg := testTokenConfig()
	svc := NewTokenService(cfg)

	valid := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    cfg.Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, config.TokenConfig{Secret: "other", Issuer: cfg.Issuer}, TokenClaims{RegisteredClaims: valid})},
		{"wrong issuer", signToken(t, cfg, TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}})},
		{"expired", signToken(t, cfg, TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}})},
		{"no expiry", signToken(t, cfg, TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-1",
			Issuer:  cfg.Issuer,
		}})},
		{"missing subject", signToken(t, cfg, TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateAccessToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateAccessToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}
