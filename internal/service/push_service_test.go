package service

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stepauth/stepauth/internal/model"
)

type pushHarness struct {
	devices        *memPushDeviceStore
	pushChallenges *memPushChallengeStore
	methods        *memMethodStore
	sender         *stubPushSender
	service        *PushService
	key            *rsa.PrivateKey
	publicKeyPEM   string
}

func newPushHarness(t *testing.T) *pushHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	devices := &memPushDeviceStore{}
	pushChallenges := &memPushChallengeStore{}
	methods := &memMethodStore{}
	sender := &stubPushSender{tokenValid: true}
	svc := NewPushService(devices, pushChallenges, methods, sender, testConfig(), testLogger())

	return &pushHarness{
		devices:        devices,
		pushChallenges: pushChallenges,
		methods:        methods,
		sender:         sender,
		service:        svc,
		key:            key,
		publicKeyPEM:   string(pemData),
	}
}

func (h *pushHarness) register(t *testing.T, userID, deviceID string) *model.PushDevice {
	t.Helper()
	device, created, err := h.service.RegisterDevice(context.Background(), userID, deviceID, "Pixel", "android", "token-abcdefghijklmnopqrstuvwxyz-0123456789", h.publicKeyPEM)
	if err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if !created {
		t.Fatal("RegisterDevice() created = false on first registration")
	}
	return device
}

func (h *pushHarness) sign(t *testing.T, challenge *model.PushChallenge, approved bool, signedAt int64) []byte {
	t.Helper()
	digest := sha256.Sum256(challenge.SignaturePayload(approved, signedAt))
	sig, err := rsa.SignPSS(rand.Reader, h.key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatalf("SignPSS() error = %v", err)
	}
	return sig
}

func TestRegisterDevice(t *testing.T) {
	h := newPushHarness(t)

	device := h.register(t, "user-1", "dev-1")
	if device.TrustScore != model.TrustScoreInitial {
		t.Errorf("TrustScore = %d, want %d", device.TrustScore, model.TrustScoreInitial)
	}
	if !device.Active {
		t.Error("Active = false")
	}

	// A push method was created and enabled for the user
	method, err := h.methods.GetByUserAndType(context.Background(), "user-1", model.MethodPush)
	if err != nil {
		t.Fatalf("GetByUserAndType() error = %v", err)
	}
	if !method.Enabled {
		t.Error("push method not enabled")
	}
	if device.MethodID != method.ID {
		t.Errorf("MethodID = %q, want %q", device.MethodID, method.ID)
	}
}

func TestRegisterDeviceIdempotentReRegistration(t *testing.T) {
	h := newPushHarness(t)

	first := h.register(t, "user-1", "dev-1")
	updated, created, err := h.service.RegisterDevice(context.Background(), "user-1", "dev-1", "Pixel", "android", "token-rotated-abcdefghijklmnopqrstuvwxyz", h.publicKeyPEM)
	if err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if created {
		t.Error("created = true on re-registration")
	}
	if updated.ID != first.ID {
		t.Errorf("device ID changed on re-registration: %q != %q", updated.ID, first.ID)
	}
	if updated.PushToken != "token-rotated-abcdefghijklmnopqrstuvwxyz" {
		t.Error("push token not rotated")
	}
}

func TestRegisterDeviceRejectsBadToken(t *testing.T) {
	h := newPushHarness(t)
	h.sender.tokenValid = false

	_, _, err := h.service.RegisterDevice(context.Background(), "user-1", "dev-1", "Pixel", "android", "tok", h.publicKeyPEM)
	if !errors.Is(err, ErrInvalidPushToken) {
		t.Fatalf("RegisterDevice() error = %v, want ErrInvalidPushToken", err)
	}
}

func TestRegisterDeviceRejectsBadKey(t *testing.T) {
	h := newPushHarness(t)

	tests := []struct {
		name string
		pem  string
	}{
		{"not pem", "garbage"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.service.RegisterDevice(context.Background(), "user-1", "dev-1", "Pixel", "android", "token-abcdefghijklmnopqrstuvwxyz-0123456789", tt.pem)
			if !errors.Is(err, ErrInvalidPublicKey) {
				t.Fatalf("RegisterDevice() error = %v, want ErrInvalidPublicKey", err)
			}
		})
	}
}

func TestSendChallengeDeliversNotification(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{
		SessionID: "sess-1",
		ClientIP:  "1.2.3.4",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0",
		Location:  "Berlin, DE",
	})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}
	if challenge.Status != model.PushStatusPending {
		t.Errorf("Status = %q, want pending", challenge.Status)
	}
	if len(challenge.Code) != 16 {
		t.Errorf("len(Code) = %d, want 16", len(challenge.Code))
	}

	if len(h.sender.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(h.sender.sent))
	}
	note := h.sender.sent[0]
	if note.data["challenge_id"] != challenge.ID {
		t.Errorf("data challenge_id = %q, want %q", note.data["challenge_id"], challenge.ID)
	}
	if note.body != "Sign-in attempt from Chrome near Berlin, DE" {
		t.Errorf("body = %q", note.body)
	}
}

func TestSendChallengeDeliveryFailureIsSoft(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")
	h.sender.sendErr = errors.New("fcm down")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v, want nil despite delivery failure", err)
	}
	if challenge.Status != model.PushStatusPending {
		t.Errorf("Status = %q, want pending", challenge.Status)
	}
}

func TestSendChallengeLifetimeBounds(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	tests := []struct {
		name     string
		lifetime time.Duration
		min      time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{"within bounds", 5 * time.Minute, time.Minute, 30 * time.Minute, 5 * time.Minute},
		{"clamped to configured max", time.Hour, time.Minute, 10 * time.Minute, 10 * time.Minute},
		{"clamped to configured min", 90 * time.Second, 2 * time.Minute, 30 * time.Minute, 2 * time.Minute},
		{"zero falls back to default", 0, time.Minute, 30 * time.Minute, model.DefaultPushLifetime},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := h.service.cfg
			cfg.Push.Lifetime = tt.lifetime
			cfg.Push.MinLifetime = tt.min
			cfg.Push.MaxLifetime = tt.max

			challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: fmt.Sprintf("sess-%d", i)})
			if err != nil {
				t.Fatalf("SendChallenge() error = %v", err)
			}
			if got := challenge.ExpiresAt.Sub(challenge.CreatedAt); got != tt.want {
				t.Errorf("lifetime = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendChallengeGuards(t *testing.T) {
	h := newPushHarness(t)
	device := h.register(t, "user-1", "dev-1")

	t.Run("unknown device", func(t *testing.T) {
		_, err := h.service.SendChallenge(context.Background(), "user-1", "dev-2", SessionInfo{SessionID: "s"})
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("error = %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("other user's device", func(t *testing.T) {
		_, err := h.service.SendChallenge(context.Background(), "user-2", "dev-1", SessionInfo{SessionID: "s"})
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("error = %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("inactive device", func(t *testing.T) {
		if err := device.Deactivate(); err != nil {
			t.Fatalf("Deactivate() error = %v", err)
		}
		_, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "s"})
		if !errors.Is(err, ErrDeviceInactive) {
			t.Fatalf("error = %v, want ErrDeviceInactive", err)
		}
		if err := device.Reactivate(); err != nil {
			t.Fatalf("Reactivate() error = %v", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			if _, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "s"}); err != nil {
				t.Fatalf("SendChallenge() #%d error = %v", i+1, err)
			}
		}
		_, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "s"})
		if !errors.Is(err, ErrPushRateLimited) {
			t.Fatalf("error = %v, want ErrPushRateLimited", err)
		}
	})
}

func TestRespondToChallengeApproval(t *testing.T) {
	h := newPushHarness(t)
	device := h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	signedAt := time.Now().Unix()
	resolved, err := h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-1",
		Approved:  true,
		Signature: h.sign(t, challenge, true, signedAt),
		SignedAt:  signedAt,
	})
	if err != nil {
		t.Fatalf("RespondToChallenge() error = %v", err)
	}
	if resolved.Status != model.PushStatusApproved {
		t.Errorf("Status = %q, want approved", resolved.Status)
	}
	if device.TrustScore != model.TrustScoreInitial+5 {
		t.Errorf("TrustScore = %d, want %d", device.TrustScore, model.TrustScoreInitial+5)
	}
	if device.LastUsedAt == nil {
		t.Error("device last-used not stamped")
	}
}

func TestRespondToChallengeDenial(t *testing.T) {
	h := newPushHarness(t)
	device := h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	signedAt := time.Now().Unix()
	resolved, err := h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-1",
		Approved:  false,
		Signature: h.sign(t, challenge, false, signedAt),
		SignedAt:  signedAt,
	})
	if err != nil {
		t.Fatalf("RespondToChallenge() error = %v", err)
	}
	if resolved.Status != model.PushStatusDenied {
		t.Errorf("Status = %q, want denied", resolved.Status)
	}
	// Denial is a legitimate response, not suspicion
	if device.TrustScore != model.TrustScoreInitial {
		t.Errorf("TrustScore = %d, want %d", device.TrustScore, model.TrustScoreInitial)
	}
}

func TestRespondToChallengeInvalidSignature(t *testing.T) {
	h := newPushHarness(t)
	device := h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	// Signature over a denial submitted as an approval does not verify
	signedAt := time.Now().Unix()
	_, err = h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-1",
		Approved:  true,
		Signature: h.sign(t, challenge, false, signedAt),
		SignedAt:  signedAt,
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("RespondToChallenge() error = %v, want ErrInvalidSignature", err)
	}
	if device.TrustScore != model.TrustScoreInitial-10 {
		t.Errorf("TrustScore = %d, want %d", device.TrustScore, model.TrustScoreInitial-10)
	}

	// The challenge state is untouched by the bad signature
	if challenge.Status != model.PushStatusPending {
		t.Errorf("Status = %q, want pending", challenge.Status)
	}
}

func TestRespondToChallengeStaleTimestamp(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	signedAt := time.Now().Add(-10 * time.Minute).Unix()
	_, err = h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-1",
		Approved:  true,
		Signature: h.sign(t, challenge, true, signedAt),
		SignedAt:  signedAt,
	})
	if !errors.Is(err, ErrStaleSignature) {
		t.Fatalf("RespondToChallenge() error = %v, want ErrStaleSignature", err)
	}
}

func TestRespondToChallengeWrongDevice(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	signedAt := time.Now().Unix()
	_, err = h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-other",
		Approved:  true,
		Signature: h.sign(t, challenge, true, signedAt),
		SignedAt:  signedAt,
	})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("RespondToChallenge() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRespondToChallengeAlreadyResolved(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	signedAt := time.Now().Unix()
	if _, err := h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-1",
		Approved:  false,
		Signature: h.sign(t, challenge, false, signedAt),
		SignedAt:  signedAt,
	}); err != nil {
		t.Fatalf("RespondToChallenge() error = %v", err)
	}

	_, err = h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-1",
		Approved:  true,
		Signature: h.sign(t, challenge, true, signedAt),
		SignedAt:  signedAt,
	})
	if !errors.Is(err, model.ErrInvalidStateTransition) {
		t.Fatalf("RespondToChallenge() error = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCheckStatus(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	t.Run("session mismatch", func(t *testing.T) {
		_, err := h.service.CheckStatus(context.Background(), challenge.ID, "sess-other")
		if !errors.Is(err, ErrSessionMismatch) {
			t.Fatalf("CheckStatus() error = %v, want ErrSessionMismatch", err)
		}
	})

	t.Run("pending", func(t *testing.T) {
		got, err := h.service.CheckStatus(context.Background(), challenge.ID, "sess-1")
		if err != nil {
			t.Fatalf("CheckStatus() error = %v", err)
		}
		if got.Status != model.PushStatusPending {
			t.Errorf("Status = %q, want pending", got.Status)
		}
	})

	t.Run("lazy expiry", func(t *testing.T) {
		challenge.ExpiresAt = time.Now().Add(-time.Minute)
		got, err := h.service.CheckStatus(context.Background(), challenge.ID, "sess-1")
		if err != nil {
			t.Fatalf("CheckStatus() error = %v", err)
		}
		if got.Status != model.PushStatusExpired {
			t.Errorf("Status = %q, want expired", got.Status)
		}
	})
}

func TestConsumeApproval(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}

	// Pending approvals cannot be consumed
	if err := h.service.ConsumeApproval(context.Background(), challenge.ID, "sess-1"); !errors.Is(err, ErrApprovalNotConsumable) {
		t.Fatalf("ConsumeApproval() error = %v, want ErrApprovalNotConsumable", err)
	}

	signedAt := time.Now().Unix()
	if _, err := h.service.RespondToChallenge(context.Background(), challenge.ID, PushResponse{
		DeviceID:  "dev-1",
		Approved:  true,
		Signature: h.sign(t, challenge, true, signedAt),
		SignedAt:  signedAt,
	}); err != nil {
		t.Fatalf("RespondToChallenge() error = %v", err)
	}

	if err := h.service.ConsumeApproval(context.Background(), challenge.ID, "sess-1"); err != nil {
		t.Fatalf("ConsumeApproval() error = %v", err)
	}
	if challenge.Status != model.PushStatusConsumed {
		t.Errorf("Status = %q, want consumed", challenge.Status)
	}

	// An approval is spent exactly once
	if err := h.service.ConsumeApproval(context.Background(), challenge.ID, "sess-1"); !errors.Is(err, ErrApprovalNotConsumable) {
		t.Fatalf("second ConsumeApproval() error = %v, want ErrApprovalNotConsumable", err)
	}
}

func TestDeviceRegistryOperations(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")
	h.register(t, "user-1", "dev-2")

	devices, err := h.service.ListDevices(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}

	if err := h.service.UpdateDeviceToken(context.Background(), "user-1", "dev-1", "token-rotated-abcdefghijklmnopqrstuvwxyz"); err != nil {
		t.Fatalf("UpdateDeviceToken() error = %v", err)
	}

	if err := h.service.RemoveDevice(context.Background(), "user-1", "dev-1"); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	if err := h.service.RemoveDevice(context.Background(), "user-1", "dev-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("RemoveDevice() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestReactivateDevice(t *testing.T) {
	h := newPushHarness(t)
	device := h.register(t, "user-1", "dev-1")

	// Active devices cannot be reactivated
	if _, err := h.service.ReactivateDevice(context.Background(), "user-1", "dev-1"); !errors.Is(err, model.ErrInvalidStateTransition) {
		t.Fatalf("ReactivateDevice() error = %v, want ErrInvalidStateTransition", err)
	}

	device.TrustScore = 10
	device.Active = false

	restored, err := h.service.ReactivateDevice(context.Background(), "user-1", "dev-1")
	if err != nil {
		t.Fatalf("ReactivateDevice() error = %v", err)
	}
	if !restored.Active {
		t.Error("device not active after reactivation")
	}
	if restored.TrustScore != model.TrustScoreInitial {
		t.Errorf("TrustScore = %d, want %d", restored.TrustScore, model.TrustScoreInitial)
	}

	if _, err := h.service.ReactivateDevice(context.Background(), "user-1", "dev-9"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("ReactivateDevice() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestCleanupExpiredPushChallenges(t *testing.T) {
	h := newPushHarness(t)
	h.register(t, "user-1", "dev-1")

	challenge, err := h.service.SendChallenge(context.Background(), "user-1", "dev-1", SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SendChallenge() error = %v", err)
	}
	challenge.ExpiresAt = time.Now().Add(-48 * time.Hour)

	removed, err := h.service.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
