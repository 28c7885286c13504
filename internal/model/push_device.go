package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidStateTransition is returned when an operation is attempted
// against an entity in the wrong state
var ErrInvalidStateTransition = errors.New("invalid state transition")

// Trust score bounds and adjustments
const (
	TrustScoreInitial = 50
	TrustScoreMax     = 100
	TrustScoreMin     = 0

	// TrustQuarantineThreshold is the score below which a device is
	// automatically deactivated
	TrustQuarantineThreshold = 20

	trustReward  = 5
	trustPenalty = 10
)

// PushDevice is a registered authenticator endpoint with a bounded
// trust score. The score never leaves [0,100].
type PushDevice struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	MethodID string `json:"methodId"`
	// DeviceID is the stable client-supplied identifier
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	// PushToken is the current delivery token; rotated on re-registration
	PushToken string `json:"-"`
	// PublicKeyPEM is the device's PKIX-encoded RSA public key
	PublicKeyPEM string     `json:"-"`
	TrustScore   int        `json:"trustScore"`
	Active       bool       `json:"active"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

// NewPushDevice constructs an active device at the initial trust score
func NewPushDevice(id, userID, methodID, deviceID, name, platform, pushToken, publicKeyPEM string) (*PushDevice, error) {
	if id == "" || userID == "" || methodID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: device id, user id and method id are required", ErrInvalidArgument)
	}
	if pushToken == "" {
		return nil, fmt.Errorf("%w: push token is required", ErrInvalidArgument)
	}
	if publicKeyPEM == "" {
		return nil, fmt.Errorf("%w: device public key is required", ErrInvalidArgument)
	}
	return &PushDevice{
		ID:           id,
		UserID:       userID,
		MethodID:     methodID,
		DeviceID:     deviceID,
		Name:         name,
		Platform:     platform,
		PushToken:    pushToken,
		PublicKeyPEM: publicKeyPEM,
		TrustScore:   TrustScoreInitial,
		Active:       true,
		RegisteredAt: time.Now(),
	}, nil
}

// RotatePushToken replaces the delivery token on re-registration
func (d *PushDevice) RotatePushToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: push token is required", ErrInvalidArgument)
	}
	d.PushToken = token
	return nil
}

// RecordSuccessfulUse rewards the device and stamps last-used
func (d *PushDevice) RecordSuccessfulUse(now time.Time) {
	d.TrustScore += trustReward
	if d.TrustScore > TrustScoreMax {
		d.TrustScore = TrustScoreMax
	}
	d.LastUsedAt = &now
}

// RecordSuspiciousActivity penalizes the device. A score below the
// quarantine threshold force-deactivates it; the return value reports
// whether that happened on this call.
func (d *PushDevice) RecordSuspiciousActivity() (deactivated bool) {
	d.TrustScore -= trustPenalty
	if d.TrustScore < TrustScoreMin {
		d.TrustScore = TrustScoreMin
	}
	if d.TrustScore < TrustQuarantineThreshold && d.Active {
		d.Active = false
		return true
	}
	return false
}

// Deactivate soft-deletes the device
func (d *PushDevice) Deactivate() error {
	if !d.Active {
		return fmt.Errorf("%w: device is already inactive", ErrInvalidStateTransition)
	}
	d.Active = false
	return nil
}

// Reactivate restores the device and resets trust to the initial score
func (d *PushDevice) Reactivate() error {
	if d.Active {
		return fmt.Errorf("%w: device is already active", ErrInvalidStateTransition)
	}
	d.Active = true
	d.TrustScore = TrustScoreInitial
	return nil
}
