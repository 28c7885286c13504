package model

import (
	"errors"
	"testing"
	"time"
)

func newTestDevice(t *testing.T) *PushDevice {
	t.Helper()
	d, err := NewPushDevice("pdv_1", "usr_1", "mth_1", "device-abc", "Pixel 9", "android", "fcm-token", "-----BEGIN PUBLIC KEY-----")
	if err != nil {
		t.Fatalf("NewPushDevice failed: %v", err)
	}
	return d
}

func TestNewPushDeviceDefaults(t *testing.T) {
	d := newTestDevice(t)
	if d.TrustScore != TrustScoreInitial {
		t.Fatalf("trust score = %d, want %d", d.TrustScore, TrustScoreInitial)
	}
	if !d.Active {
		t.Fatal("new device should be active")
	}
}

func TestNewPushDeviceValidation(t *testing.T) {
	if _, err := NewPushDevice("pdv_1", "usr_1", "mth_1", "device-abc", "n", "android", "", "key"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty token, got %v", err)
	}
	if _, err := NewPushDevice("pdv_1", "usr_1", "mth_1", "device-abc", "n", "android", "tok", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
	}
}

func TestTrustScoreRewardIsClamped(t *testing.T) {
	d := newTestDevice(t)
	now := time.Now()

	for i := 0; i < 20; i++ {
		d.RecordSuccessfulUse(now)
	}
	if d.TrustScore != TrustScoreMax {
		t.Fatalf("trust score = %d, want clamp at %d", d.TrustScore, TrustScoreMax)
	}
	if d.LastUsedAt == nil {
		t.Fatal("expected last-used to be stamped")
	}
}

func TestSuspiciousActivityQuarantine(t *testing.T) {
	d := newTestDevice(t)

	// 50 -> 40 -> 30 -> 20: still active
	for i := 0; i < 3; i++ {
		if deactivated := d.RecordSuspiciousActivity(); deactivated {
			t.Fatalf("unexpected deactivation at score %d", d.TrustScore)
		}
	}
	if d.TrustScore != 20 || !d.Active {
		t.Fatalf("score = %d active = %v, want 20/active", d.TrustScore, d.Active)
	}

	// 20 -> 10: below threshold, quarantined
	if deactivated := d.RecordSuspiciousActivity(); !deactivated {
		t.Fatal("expected quarantine below threshold")
	}
	if d.TrustScore != 10 || d.Active {
		t.Fatalf("score = %d active = %v, want 10/inactive", d.TrustScore, d.Active)
	}

	// Floor clamp
	for i := 0; i < 5; i++ {
		d.RecordSuspiciousActivity()
	}
	if d.TrustScore != TrustScoreMin {
		t.Fatalf("trust score = %d, want clamp at %d", d.TrustScore, TrustScoreMin)
	}
}

func TestDeactivateReactivateTransitions(t *testing.T) {
	d := newTestDevice(t)

	if err := d.Reactivate(); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition reactivating an active device, got %v", err)
	}

	if err := d.Deactivate(); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if err := d.Deactivate(); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition on double deactivate, got %v", err)
	}
}

func TestReactivateResetsTrustScore(t *testing.T) {
	d := newTestDevice(t)

	// Drive the score down and into quarantine
	for i := 0; i < 4; i++ {
		d.RecordSuspiciousActivity()
	}
	if d.Active || d.TrustScore != 10 {
		t.Fatalf("score = %d active = %v, want 10/inactive", d.TrustScore, d.Active)
	}

	if err := d.Reactivate(); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	if !d.Active || d.TrustScore != TrustScoreInitial {
		t.Fatalf("score = %d active = %v, want %d/active", d.TrustScore, d.Active, TrustScoreInitial)
	}
}
