package model

import (
	"errors"
	"testing"
	"time"
)

func TestNewRecoveryCodeValidation(t *testing.T) {
	tests := []struct {
		name                      string
		id, methodID, hash, plain string
	}{
		{"empty id", "", "mth_1", "hash", "AAAA-BBBB-CCCC-DDDD"},
		{"empty method", "rcv_1", "", "hash", "AAAA-BBBB-CCCC-DDDD"},
		{"empty hash", "rcv_1", "mth_1", "", "AAAA-BBBB-CCCC-DDDD"},
		{"empty plaintext", "rcv_1", "mth_1", "hash", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRecoveryCode(tt.id, tt.methodID, tt.hash, tt.plain); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestTryConsumeIsOneShot(t *testing.T) {
	code, err := NewRecoveryCode("rcv_1", "mth_1", "hash", "AAAA-BBBB-CCCC-DDDD")
	if err != nil {
		t.Fatalf("NewRecoveryCode failed: %v", err)
	}

	first := time.Now()
	if !code.TryConsume(first) {
		t.Fatal("first consume should succeed")
	}
	if code.UsedAt == nil || !code.UsedAt.Equal(first) {
		t.Fatal("expected used-at stamp from first consume")
	}

	later := first.Add(time.Hour)
	if code.TryConsume(later) {
		t.Fatal("second consume should fail")
	}
	if !code.UsedAt.Equal(first) {
		t.Fatal("used-at must not change on repeated consume")
	}
}

func TestPlaintextAvailableOnlyAtIssuance(t *testing.T) {
	code, err := NewRecoveryCode("rcv_1", "mth_1", "hash", "AAAA-BBBB-CCCC-DDDD")
	if err != nil {
		t.Fatalf("NewRecoveryCode failed: %v", err)
	}
	if code.Plaintext() != "AAAA-BBBB-CCCC-DDDD" {
		t.Fatal("expected plaintext at issuance")
	}

	restored := RestoreRecoveryCode("rcv_1", "mth_1", "hash", nil, time.Now())
	if restored.Plaintext() != "" {
		t.Fatal("restored code must not carry plaintext")
	}
}
