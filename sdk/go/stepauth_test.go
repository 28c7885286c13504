package stepauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL})
}

func TestCreateChallenge(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/challenges" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"chl-token","methodType":"totp","remainingAttempts":3}`))
	})

	challenge, err := client.CreateChallenge(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("CreateChallenge() error = %v", err)
	}
	if challenge.Token != "chl-token" || challenge.RemainingAttempts != 3 {
		t.Errorf("challenge = %+v", challenge)
	}
}

func TestVerifyChallengeWrongCodeIsResult(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"remainingAttempts":1,"reason":"invalid code"}`))
	})

	result, err := client.VerifyChallenge(context.Background(), VerifyRequest{Token: "chl-token", Code: "000000"})
	if err != nil {
		t.Fatalf("VerifyChallenge() error = %v", err)
	}
	if result.Success || result.RemainingAttempts != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"error":{"code":"challenge_expired","message":"Challenge has expired"}}`))
	})

	_, err := client.VerifyChallenge(context.Background(), VerifyRequest{Token: "chl-token", Code: "123456"})
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusGone || apiErr.Code != "challenge_expired" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestConsumePushNotApproved(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"not_consumable","message":"Push challenge is not in the approved state"}}`))
	})

	err := client.ConsumePush(context.Background(), "psh_1", "sess-1")
	if !errors.Is(err, ErrNotApproved) {
		t.Fatalf("ConsumePush() error = %v, want ErrNotApproved", err)
	}
}

func TestWaitForApprovalResolves(t *testing.T) {
	calls := 0
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls < 3 {
			w.Write([]byte(`{"id":"psh_1","status":"pending"}`))
			return
		}
		w.Write([]byte(`{"id":"psh_1","status":"approved"}`))
	})

	challenge, err := client.WaitForApproval(context.Background(), "psh_1", "sess-1", 1)
	if err != nil {
		t.Fatalf("WaitForApproval() error = %v", err)
	}
	if challenge.Status != PushApproved {
		t.Errorf("Status = %q, want approved", challenge.Status)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
