package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stepauth/stepauth/internal/logger"
)

// PushSender delivers push notifications to registered devices
type PushSender interface {
	// ValidateToken checks that a delivery token is plausible for the platform
	ValidateToken(token, platform string) bool
	// Send delivers a notification; failures are soft and the caller logs them
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMSender implements PushSender over the FCM legacy HTTP API
type FCMSender struct {
	serverKey string
	client    *http.Client
	log       *logger.Logger
}

// NewFCMSender creates an FCMSender
func NewFCMSender(serverKey string, log *logger.Logger) *FCMSender {
	return &FCMSender{
		serverKey: serverKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log.WithComponent("fcm_sender"),
	}
}

// ValidateToken applies a length sanity check; FCM tokens are opaque
// strings well over 100 characters on both supported platforms
func (s *FCMSender) ValidateToken(token, platform string) bool {
	if token == "" {
		return false
	}
	switch platform {
	case "android", "ios":
		return len(token) >= 32
	default:
		return false
	}
}

type fcmMessage struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send posts the notification to FCM
func (s *FCMSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	msg := fcmMessage{
		To:       token,
		Priority: "high",
		Notification: fcmNotification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fcmEndpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push delivery failed with status %d", resp.StatusCode)
	}

	s.log.Debug().Str("title", title).Msg("push notification delivered")
	return nil
}

// LogSender is a PushSender that only logs; used in development and
// when no FCM server key is configured
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("push_sender")}
}

// ValidateToken accepts any non-empty token
func (s *LogSender) ValidateToken(token, platform string) bool {
	return token != ""
}

// Send logs the notification instead of delivering it
func (s *LogSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	s.log.Info().
		Str("token", token).
		Str("title", title).
		Str("body", body).
		Interface("data", data).
		Msg("push notification (log only)")
	return nil
}
