package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/logger"
)

// WebAuthn provider errors
var (
	ErrWebAuthnUnconfigured   = errors.New("WebAuthn is not configured")
	ErrWebAuthnSessionExpired = errors.New("WebAuthn session expired")
	ErrAssertionFailed        = errors.New("WebAuthn assertion verification failed")
)

const (
	webauthnSessionPrefix = "webauthn_session:"
	webauthnSessionTTL    = 5 * time.Minute
)

// AssertionResult is the uniform verdict of an assertion verification
type AssertionResult struct {
	Success      bool
	UserID       string
	CredentialID string
}

// WebAuthnVerifier runs the authentication ceremony for a user's
// stored credentials
type WebAuthnVerifier interface {
	BeginAuthentication(ctx context.Context, userID string, credentialData []byte) (options interface{}, sessionKey string, err error)
	CompleteAuthentication(ctx context.Context, userID string, credentialData []byte, sessionKey string, assertion []byte) (*AssertionResult, error)
}

// WebAuthnProvider implements WebAuthnVerifier with ceremony state in Redis
type WebAuthnProvider struct {
	webauthn *webauthn.WebAuthn
	rdb      *database.Redis
	log      *logger.Logger
}

// NewWebAuthnProvider creates a WebAuthnProvider; returns nil webauthn
// handle (and ErrWebAuthnUnconfigured on use) when no RP ID is set
func NewWebAuthnProvider(cfg config.WebAuthnConfig, rdb *database.Redis, log *logger.Logger) (*WebAuthnProvider, error) {
	p := &WebAuthnProvider{
		rdb: rdb,
		log: log.WithComponent("webauthn_provider"),
	}

	if cfg.RPID != "" {
		wconfig := &webauthn.Config{
			RPID:                  cfg.RPID,
			RPDisplayName:         cfg.RPName,
			RPOrigins:             cfg.RPOrigins,
			AttestationPreference: protocol.PreferNoAttestation,
			AuthenticatorSelection: protocol.AuthenticatorSelection{
				UserVerification: protocol.VerificationPreferred,
			},
		}

		var err error
		p.webauthn, err = webauthn.New(wconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize WebAuthn: %w", err)
		}
	}

	return p, nil
}

// webauthnUser implements the webauthn.User interface
type webauthnUser struct {
	id          []byte
	name        string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return u.id }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

type credentialData struct {
	Credentials []webauthn.Credential `json:"credentials"`
}

// BeginAuthentication starts the assertion ceremony and stores the
// session data keyed by a random session key
func (p *WebAuthnProvider) BeginAuthentication(ctx context.Context, userID string, data []byte) (interface{}, string, error) {
	if p.webauthn == nil {
		return nil, "", ErrWebAuthnUnconfigured
	}

	creds, err := parseCredentials(data)
	if err != nil {
		return nil, "", err
	}

	wUser := &webauthnUser{id: []byte(userID), name: userID, credentials: creds}
	assertion, session, err := p.webauthn.BeginLogin(wUser)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin WebAuthn authentication: %w", err)
	}

	sessionKey, err := newSessionKey()
	if err != nil {
		return nil, "", err
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal WebAuthn session: %w", err)
	}
	if err := p.rdb.SetWithTTL(ctx, webauthnSessionPrefix+sessionKey, sessionJSON, webauthnSessionTTL); err != nil {
		return nil, "", fmt.Errorf("failed to store WebAuthn session: %w", err)
	}

	return assertion, sessionKey, nil
}

// CompleteAuthentication verifies the device's assertion against the
// stored credentials and the pending ceremony session
func (p *WebAuthnProvider) CompleteAuthentication(ctx context.Context, userID string, data []byte, sessionKey string, assertion []byte) (*AssertionResult, error) {
	if p.webauthn == nil {
		return nil, ErrWebAuthnUnconfigured
	}

	sessionJSON, err := p.rdb.GetString(ctx, webauthnSessionPrefix+sessionKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrWebAuthnSessionExpired
		}
		return nil, fmt.Errorf("failed to load WebAuthn session: %w", err)
	}
	defer func() {
		_ = p.rdb.Delete(ctx, webauthnSessionPrefix+sessionKey)
	}()

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(sessionJSON), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal WebAuthn session: %w", err)
	}

	creds, err := parseCredentials(data)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(assertion))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionFailed, err)
	}

	wUser := &webauthnUser{id: []byte(userID), name: userID, credentials: creds}
	credential, err := p.webauthn.ValidateLogin(wUser, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionFailed, err)
	}

	p.log.Debug().Str("user_id", userID).Msg("WebAuthn assertion verified")

	return &AssertionResult{
		Success:      true,
		UserID:       userID,
		CredentialID: hex.EncodeToString(credential.ID),
	}, nil
}

func parseCredentials(data []byte) ([]webauthn.Credential, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cd credentialData
	if err := json.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal WebAuthn credentials: %w", err)
	}
	return cd.Credentials, nil
}

func newSessionKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
