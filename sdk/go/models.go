package stepauth

import "time"

// MethodInfo describes an enrolled MFA method without its secret material.
type MethodInfo struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Enabled   bool       `json:"enabled"`
	IsDefault bool       `json:"isDefault"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Challenge is returned when a challenge is created.
type Challenge struct {
	Token             string       `json:"token"`
	MethodType        string       `json:"methodType"`
	Methods           []MethodInfo `json:"methods"`
	ExpiresAt         time.Time    `json:"expiresAt"`
	RemainingAttempts int          `json:"remainingAttempts"`
}

// VerifyRequest contains one verification submission.
type VerifyRequest struct {
	Token           string `json:"token"`
	Code            string `json:"code"`
	MethodID        string `json:"methodId,omitempty"`
	IsRecoveryCode  bool   `json:"isRecoveryCode,omitempty"`
	WebAuthnSession string `json:"webauthnSession,omitempty"`
}

// VerifyResult is the outcome of a verification submission. A wrong code
// is an unsuccessful result, not an error.
type VerifyResult struct {
	Success           bool   `json:"success"`
	Exhausted         bool   `json:"exhausted,omitempty"`
	UserID            string `json:"userId,omitempty"`
	MethodID          string `json:"methodId,omitempty"`
	UsedRecoveryCode  bool   `json:"usedRecoveryCode,omitempty"`
	RemainingAttempts int    `json:"remainingAttempts"`
	Reason            string `json:"reason,omitempty"`
}

// Push challenge status values.
const (
	PushPending  = "pending"
	PushApproved = "approved"
	PushDenied   = "denied"
	PushExpired  = "expired"
	PushConsumed = "consumed"
)

// SendPushRequest describes the sign-in attempt awaiting approval.
type SendPushRequest struct {
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
	Location  string `json:"location,omitempty"`
	Context   string `json:"context,omitempty"`
}

// PushChallenge is a pending or resolved push approval.
type PushChallenge struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	DeviceID    string     `json:"deviceId"`
	SessionID   string     `json:"sessionId"`
	Location    string     `json:"location,omitempty"`
	Context     string     `json:"context,omitempty"`
	Status      string     `json:"status"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// PushDevice is a registered authenticator endpoint.
type PushDevice struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	DeviceID     string     `json:"deviceId"`
	Name         string     `json:"name"`
	Platform     string     `json:"platform"`
	TrustScore   int        `json:"trustScore"`
	Active       bool       `json:"active"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}
