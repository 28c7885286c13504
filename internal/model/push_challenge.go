package model

import (
	"crypto/rand"
	"fmt"
	"time"
)

// PushChallengeStatus is the state of an out-of-band approval request
type PushChallengeStatus string

const (
	PushStatusPending  PushChallengeStatus = "pending"
	PushStatusApproved PushChallengeStatus = "approved"
	PushStatusDenied   PushChallengeStatus = "denied"
	PushStatusExpired  PushChallengeStatus = "expired"
	PushStatusConsumed PushChallengeStatus = "consumed"
)

// Push challenge lifetime bounds
const (
	DefaultPushLifetime = 5 * time.Minute
	MinPushLifetime     = 1 * time.Minute
	MaxPushLifetime     = 30 * time.Minute

	pushCodeLength   = 16
	pushCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

// PushChallenge is one out-of-band approval request. Transitions run
// only Pending -> {Approved, Denied, Expired} and Approved -> Consumed;
// every resolved state is terminal.
type PushChallenge struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	// SessionID correlates the challenge with the polling login session
	SessionID string `json:"sessionId"`
	ClientIP  string `json:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Location  string `json:"location,omitempty"`
	Context   string `json:"context,omitempty"`
	// Code is the short random secret echoed back in the signed response
	Code              string              `json:"-"`
	Status            PushChallengeStatus `json:"status"`
	ResponseSignature []byte              `json:"-"`
	RespondedAt       *time.Time          `json:"respondedAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	ExpiresAt         time.Time           `json:"expiresAt"`
}

// NewPushChallenge constructs a pending challenge. Lifetimes outside
// [MinPushLifetime, MaxPushLifetime] are clamped.
func NewPushChallenge(id, userID, deviceID, sessionID string, lifetime time.Duration) (*PushChallenge, error) {
	if id == "" || userID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: push challenge id, user id and device id are required", ErrInvalidArgument)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}

	if lifetime <= 0 {
		lifetime = DefaultPushLifetime
	}
	if lifetime < MinPushLifetime {
		lifetime = MinPushLifetime
	}
	if lifetime > MaxPushLifetime {
		lifetime = MaxPushLifetime
	}

	code, err := newPushCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate push challenge code: %w", err)
	}

	now := time.Now()
	return &PushChallenge{
		ID:        id,
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Code:      code,
		Status:    PushStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
	}, nil
}

// newPushCode returns a 16-character URL-safe random code
func newPushCode() (string, error) {
	b := make([]byte, pushCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = pushCodeAlphabet[int(b[i])%len(pushCodeAlphabet)]
	}
	return string(b), nil
}

// IsExpired reports whether the challenge is past its expiry
func (p *PushChallenge) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// transitionError distinguishes "already resolved as X" from "expired"
func (p *PushChallenge) transitionError() error {
	if p.Status == PushStatusExpired {
		return fmt.Errorf("%w: challenge expired", ErrInvalidStateTransition)
	}
	return fmt.Errorf("%w: challenge already %s", ErrInvalidStateTransition, p.Status)
}

// Approve resolves a pending challenge with a verified signature
func (p *PushChallenge) Approve(signature []byte, now time.Time) error {
	if p.Status != PushStatusPending {
		return p.transitionError()
	}
	p.Status = PushStatusApproved
	p.ResponseSignature = signature
	p.RespondedAt = &now
	return nil
}

// Deny resolves a pending challenge with a verified signature
func (p *PushChallenge) Deny(signature []byte, now time.Time) error {
	if p.Status != PushStatusPending {
		return p.transitionError()
	}
	p.Status = PushStatusDenied
	p.ResponseSignature = signature
	p.RespondedAt = &now
	return nil
}

// MarkExpired resolves a pending challenge that outlived its window
func (p *PushChallenge) MarkExpired() error {
	if p.Status != PushStatusPending {
		return p.transitionError()
	}
	p.Status = PushStatusExpired
	return nil
}

// MarkConsumed spends an approval; reachable only from Approved
func (p *PushChallenge) MarkConsumed() error {
	if p.Status != PushStatusApproved {
		return p.transitionError()
	}
	p.Status = PushStatusConsumed
	return nil
}

// SignaturePayload is the canonical byte string a device signs when
// responding: {challengeId, challengeCode, deviceId, isApproved,
// timestamp} joined with ':'.
func (p *PushChallenge) SignaturePayload(approved bool, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%t:%d", p.ID, p.Code, p.DeviceID, approved, timestamp))
}
