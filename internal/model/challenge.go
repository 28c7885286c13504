package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// MaxChallengeAttempts is the number of verification attempts a
	// challenge allows before it is permanently invalidated
	MaxChallengeAttempts = 3

	// DefaultChallengeLifetime is how long a challenge stays valid
	DefaultChallengeLifetime = 5 * time.Minute

	challengeTokenBytes = 32
)

// Challenge state errors
var (
	ErrChallengeCompleted = fmt.Errorf("challenge already completed")
	ErrChallengeInvalid   = fmt.Errorf("challenge already invalidated")
	ErrChallengeExpired   = fmt.Errorf("challenge expired")
)

// Challenge is an ephemeral proof request tied to one login attempt.
// Once completed or invalidated it is terminal and rejects mutation.
type Challenge struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	// Token is the opaque URL-safe handle the login flow holds
	Token      string     `json:"token"`
	MethodType MethodType `json:"methodType"`
	// MethodID optionally binds the challenge to a specific method
	MethodID    string            `json:"methodId,omitempty"`
	Attempts    int               `json:"attempts"`
	Completed   bool              `json:"completed"`
	Invalid     bool              `json:"invalid"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// NewChallenge constructs a challenge with a fresh random token
func NewChallenge(id, userID string, methodType MethodType, methodID string, lifetime time.Duration) (*Challenge, error) {
	if id == "" || userID == "" {
		return nil, fmt.Errorf("%w: challenge id and user id are required", ErrInvalidArgument)
	}
	if !methodType.IsKnown() {
		return nil, fmt.Errorf("%w: unknown method type %q", ErrInvalidArgument, methodType)
	}
	if lifetime <= 0 {
		lifetime = DefaultChallengeLifetime
	}

	token, err := NewChallengeToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge token: %w", err)
	}

	now := time.Now()
	return &Challenge{
		ID:         id,
		UserID:     userID,
		Token:      token,
		MethodType: methodType,
		MethodID:   methodID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(lifetime),
	}, nil
}

// NewChallengeToken returns a cryptographically random URL-safe token
func NewChallengeToken() (string, error) {
	b := make([]byte, challengeTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IsExpired reports whether the challenge is past its expiry
func (c *Challenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsTerminal reports whether the challenge rejects further mutation
func (c *Challenge) IsTerminal() bool {
	return c.Completed || c.Invalid
}

// IsValid reports whether the challenge can still be verified
func (c *Challenge) IsValid(now time.Time) bool {
	return !c.IsTerminal() && !c.IsExpired(now) && c.Attempts < MaxChallengeAttempts
}

// RemainingAttempts returns max(0, limit - attempts), or 0 once terminal
func (c *Challenge) RemainingAttempts() int {
	if c.IsTerminal() {
		return 0
	}
	remaining := MaxChallengeAttempts - c.Attempts
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordAttempt debits one verification attempt. When the attempt
// counter reaches the limit the challenge is invalidated and exhausted
// is true: the submission must be rejected without being verified.
func (c *Challenge) RecordAttempt() (exhausted bool, err error) {
	if c.Completed {
		return false, ErrChallengeCompleted
	}
	if c.Invalid {
		return false, ErrChallengeInvalid
	}

	c.Attempts++
	if c.Attempts >= MaxChallengeAttempts {
		c.Invalid = true
		return true, nil
	}
	return false, nil
}

// Complete marks the challenge satisfied
func (c *Challenge) Complete(now time.Time) error {
	if c.Completed {
		return ErrChallengeCompleted
	}
	if c.Invalid {
		return ErrChallengeInvalid
	}
	if c.IsExpired(now) {
		return ErrChallengeExpired
	}
	c.Completed = true
	c.CompletedAt = &now
	return nil
}

// Invalidate marks the challenge unusable. Completed challenges stay
// completed; invalidating an already-invalid challenge is an error so
// callers can distinguish the states.
func (c *Challenge) Invalidate() error {
	if c.Completed {
		return ErrChallengeCompleted
	}
	if c.Invalid {
		return ErrChallengeInvalid
	}
	c.Invalid = true
	return nil
}
