package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is returned by entity factories when a required
// field is missing or malformed. Invalid entities are never constructed.
var ErrInvalidArgument = errors.New("invalid argument")

// MethodType represents a type of second factor
type MethodType string

const (
	MethodTOTP     MethodType = "totp"
	MethodEmail    MethodType = "email"
	MethodWebAuthn MethodType = "webauthn"
	MethodPush     MethodType = "push"
)

// IsKnown reports whether t is a supported method type
func (t MethodType) IsKnown() bool {
	switch t {
	case MethodTOTP, MethodEmail, MethodWebAuthn, MethodPush:
		return true
	}
	return false
}

// Method represents a user's configured second factor.
// A method is created disabled during setup and enabled on first
// successful verification. Only enabled methods participate in
// challenge creation.
type Method struct {
	ID     string     `json:"id"`
	UserID string     `json:"userId"`
	Type   MethodType `json:"type"`
	// Secret holds the TOTP shared secret; never exposed
	Secret []byte `json:"-"`
	// Metadata holds per-type data: the target address for email
	// methods, credential data for WebAuthn, the device binding for push
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Enabled    bool            `json:"enabled"`
	IsDefault  bool            `json:"isDefault"`
	VerifiedAt *time.Time      `json:"verifiedAt,omitempty"`
	LastUsed   *time.Time      `json:"lastUsed,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// NewMethod constructs a disabled method pending verification
func NewMethod(id, userID string, methodType MethodType) (*Method, error) {
	if id == "" || userID == "" {
		return nil, fmt.Errorf("%w: method id and user id are required", ErrInvalidArgument)
	}
	if !methodType.IsKnown() {
		return nil, fmt.Errorf("%w: unknown method type %q", ErrInvalidArgument, methodType)
	}
	return &Method{
		ID:        id,
		UserID:    userID,
		Type:      methodType,
		Enabled:   false,
		CreatedAt: time.Now(),
	}, nil
}

// MarkVerified enables the method after its first successful verification
func (m *Method) MarkVerified(now time.Time) {
	if m.VerifiedAt == nil {
		m.VerifiedAt = &now
	}
	m.Enabled = true
}

// EmailAddress returns the delivery address stored in the metadata of
// an email method, or empty if absent.
func (m *Method) EmailAddress() string {
	if m.Type != MethodEmail || m.Metadata == nil {
		return ""
	}
	var meta struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return ""
	}
	return meta.Email
}

// MethodInfo provides information about a configured method (for listing)
type MethodInfo struct {
	ID        string     `json:"id"`
	Type      MethodType `json:"type"`
	Enabled   bool       `json:"enabled"`
	IsDefault bool       `json:"isDefault"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Info returns the read-only projection of the method
func (m *Method) Info() MethodInfo {
	return MethodInfo{
		ID:        m.ID,
		Type:      m.Type,
		Enabled:   m.Enabled,
		IsDefault: m.IsDefault,
		LastUsed:  m.LastUsed,
		CreatedAt: m.CreatedAt,
	}
}
