package service

import (
	"context"
	"time"

	"github.com/stepauth/stepauth/internal/model"
)

// Store ports consumed by the services. The concrete implementations
// live in internal/repository; tests substitute in-memory fakes.

// MethodStore is the persistence port for second-factor methods
type MethodStore interface {
	Create(ctx context.Context, m *model.Method) error
	GetByID(ctx context.Context, id string) (*model.Method, error)
	GetByUser(ctx context.Context, userID string) ([]*model.Method, error)
	GetEnabledByUser(ctx context.Context, userID string) ([]*model.Method, error)
	GetByUserAndType(ctx context.Context, userID string, methodType model.MethodType) (*model.Method, error)
	Update(ctx context.Context, m *model.Method) error
	UpdateLastUsed(ctx context.Context, id string, lastUsed time.Time) error
	SetDefault(ctx context.Context, userID, methodID string) error
	Delete(ctx context.Context, id string) error
	DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChallengeStore is the persistence port for challenges
type ChallengeStore interface {
	Create(ctx context.Context, c *model.Challenge) error
	GetByToken(ctx context.Context, token string) (*model.Challenge, error)
	GetActiveByUser(ctx context.Context, userID string, now time.Time) ([]*model.Challenge, error)
	CountActiveByUser(ctx context.Context, userID string, now time.Time) (int, error)
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
	Update(ctx context.Context, c *model.Challenge) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecoveryCodeStore is the persistence port for recovery codes
type RecoveryCodeStore interface {
	CreateBatch(ctx context.Context, codes []*model.RecoveryCode) error
	GetUnusedByMethod(ctx context.Context, methodID string) ([]*model.RecoveryCode, error)
	CountUnusedByMethod(ctx context.Context, methodID string) (int, error)
	MarkUsed(ctx context.Context, id string, usedAt time.Time) error
	DeleteByMethod(ctx context.Context, methodID string) error
}

// PushDeviceStore is the persistence port for push devices
type PushDeviceStore interface {
	Create(ctx context.Context, d *model.PushDevice) error
	GetByID(ctx context.Context, id string) (*model.PushDevice, error)
	GetByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*model.PushDevice, error)
	GetByUser(ctx context.Context, userID string) ([]*model.PushDevice, error)
	Update(ctx context.Context, d *model.PushDevice) error
	Delete(ctx context.Context, id string) error
}

// PushChallengeStore is the persistence port for push challenges
type PushChallengeStore interface {
	Create(ctx context.Context, p *model.PushChallenge) error
	GetByID(ctx context.Context, id string) (*model.PushChallenge, error)
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
	Update(ctx context.Context, p *model.PushChallenge) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EmailCodeVerifier is the port the challenge flow uses to send and
// check emailed codes. Implemented by EmailCodeService.
type EmailCodeVerifier interface {
	SendCode(ctx context.Context, key, address string) (*EmailCodeResult, error)
	VerifyCode(ctx context.Context, key, code string) (*EmailCodeVerification, error)
}
