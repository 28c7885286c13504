package handler

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/stepauth/stepauth/internal/middleware"
	"github.com/stepauth/stepauth/internal/model"
	"github.com/stepauth/stepauth/internal/service"
)

// RegisterDeviceRequest carries the material for push enrollment
type RegisterDeviceRequest struct {
	DeviceID  string `json:"deviceId"`
	Name      string `json:"name"`
	Platform  string `json:"platform"`
	PushToken string `json:"pushToken"`
	// PublicKey is the device's PEM-encoded RSA public key used to
	// verify signed approval responses
	PublicKey string `json:"publicKey"`
}

// RegisterDevice enrolls an authenticator device. Re-registering an
// existing device rotates its push token in place.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req RegisterDeviceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "deviceId is required")
		return
	}

	device, created, err := h.pushSvc.RegisterDevice(r.Context(), userID, req.DeviceID, req.Name, req.Platform, req.PushToken, req.PublicKey)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPushToken):
			writeError(w, http.StatusBadRequest, "invalid_push_token", "Push token is not valid for the given platform")
		case errors.Is(err, service.ErrInvalidPublicKey):
			writeError(w, http.StatusBadRequest, "invalid_public_key", "Device public key is missing, malformed, or too weak")
		case errors.Is(err, model.ErrInvalidArgument):
			writeError(w, http.StatusBadRequest, "invalid_request", "Missing required device fields")
		default:
			h.log.Error().Err(err).Msg("failed to register push device")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to register device")
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.AuditLog(userID, "push.device.register", "push_device", device.ID, map[string]interface{}{
			"platform": device.Platform,
		})
	}

	writeJSON(w, status, device)
}

// ListPushDevices returns the user's registered authenticator devices
func (h *Handler) ListPushDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.pushSvc.ListDevices(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list push devices")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// RemovePushDevice deletes a registered device
func (h *Handler) RemovePushDevice(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	deviceID := r.PathValue("id")

	if err := h.pushSvc.RemoveDevice(r.Context(), userID, deviceID); err != nil {
		switch {
		case errors.Is(err, service.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, "device_not_found", "Device not found")
		default:
			h.log.Error().Err(err).Msg("failed to remove push device")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to remove device")
		}
		return
	}

	h.log.AuditLog(userID, "push.device.remove", "push_device", deviceID, nil)

	w.WriteHeader(http.StatusNoContent)
}

// UpdateDeviceTokenRequest carries a rotated delivery token
type UpdateDeviceTokenRequest struct {
	PushToken string `json:"pushToken"`
}

// UpdateDeviceToken rotates a device's push delivery token
func (h *Handler) UpdateDeviceToken(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	deviceID := r.PathValue("id")

	var req UpdateDeviceTokenRequest
	if err := readJSON(r, &req); err != nil || req.PushToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "pushToken is required")
		return
	}

	if err := h.pushSvc.UpdateDeviceToken(r.Context(), userID, deviceID, req.PushToken); err != nil {
		switch {
		case errors.Is(err, service.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, "device_not_found", "Device not found")
		case errors.Is(err, service.ErrInvalidPushToken):
			writeError(w, http.StatusBadRequest, "invalid_push_token", "Push token is not valid for the given platform")
		default:
			h.log.Error().Err(err).Msg("failed to update device token")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update device token")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReactivatePushDevice restores a deactivated device at the initial
// trust score
func (h *Handler) ReactivatePushDevice(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	deviceID := r.PathValue("id")

	device, err := h.pushSvc.ReactivateDevice(r.Context(), userID, deviceID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, "device_not_found", "Device not found")
		case errors.Is(err, model.ErrInvalidStateTransition):
			writeError(w, http.StatusConflict, "already_active", "Device is already active")
		default:
			h.log.Error().Err(err).Msg("failed to reactivate push device")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to reactivate device")
		}
		return
	}

	h.log.AuditLog(userID, "push.device.reactivate", "push_device", deviceID, nil)

	writeJSON(w, http.StatusOK, device)
}

// SendPushRequest describes the sign-in attempt awaiting approval
type SendPushRequest struct {
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
	Location  string `json:"location,omitempty"`
	Context   string `json:"context,omitempty"`
}

// SendPush creates a push challenge and delivers the approval
// notification to the device
func (h *Handler) SendPush(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req SendPushRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.DeviceID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "deviceId and sessionId are required")
		return
	}

	challenge, err := h.pushSvc.SendChallenge(r.Context(), userID, req.DeviceID, service.SessionInfo{
		SessionID: req.SessionID,
		ClientIP:  getClientIP(r),
		UserAgent: r.UserAgent(),
		Location:  req.Location,
		Context:   req.Context,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, "device_not_found", "Device not found")
		case errors.Is(err, service.ErrDeviceInactive):
			writeError(w, http.StatusConflict, "device_inactive", "Device is deactivated")
		case errors.Is(err, service.ErrPushRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many push challenges, try again later")
		default:
			h.log.Error().Err(err).Msg("failed to send push challenge")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to send push challenge")
		}
		return
	}

	h.log.AuditLog(userID, "push.challenge.send", "push_challenge", challenge.ID, map[string]interface{}{
		"device_id": req.DeviceID,
	})

	writeJSON(w, http.StatusCreated, challenge)
}

// PushStatus lets the waiting login session poll a challenge's state.
// The session id must match the one the challenge was created with.
func (h *Handler) PushStatus(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")
	sessionID := r.URL.Query().Get("session_id")

	challenge, err := h.pushSvc.CheckStatus(r.Context(), challengeID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPushNotFound):
			writeError(w, http.StatusNotFound, "push_not_found", "Push challenge not found")
		case errors.Is(err, service.ErrSessionMismatch):
			writeError(w, http.StatusForbidden, "session_mismatch", "Session does not match this challenge")
		default:
			h.log.Error().Err(err).Msg("failed to check push status")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to check push status")
		}
		return
	}

	writeJSON(w, http.StatusOK, challenge)
}

// RespondPushRequest is the device's signed decision
type RespondPushRequest struct {
	DeviceID string `json:"deviceId"`
	Approved bool   `json:"approved"`
	// Signature is the base64-encoded RSA-PSS signature over the
	// challenge payload
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
}

// RespondPush adjudicates a device's decision on a push challenge
func (h *Handler) RespondPush(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")

	var req RespondPushRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(signature) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "signature must be base64-encoded")
		return
	}

	challenge, err := h.pushSvc.RespondToChallenge(r.Context(), challengeID, service.PushResponse{
		DeviceID:  req.DeviceID,
		Approved:  req.Approved,
		Signature: signature,
		SignedAt:  req.SignedAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPushNotFound):
			writeError(w, http.StatusNotFound, "push_not_found", "Push challenge not found")
		case errors.Is(err, service.ErrDeviceNotFound):
			writeError(w, http.StatusForbidden, "device_mismatch", "Response device does not match the challenge")
		case errors.Is(err, service.ErrDeviceInactive):
			writeError(w, http.StatusConflict, "device_inactive", "Device is deactivated")
		case errors.Is(err, service.ErrStaleSignature):
			writeError(w, http.StatusBadRequest, "stale_signature", "Response timestamp is outside the accepted window")
		case errors.Is(err, service.ErrInvalidSignature):
			writeError(w, http.StatusForbidden, "invalid_signature", "Response signature verification failed")
		case errors.Is(err, model.ErrInvalidStateTransition):
			writeError(w, http.StatusConflict, "already_resolved", "Push challenge is no longer pending")
		default:
			h.log.Error().Err(err).Msg("failed to adjudicate push response")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process response")
		}
		return
	}

	h.log.AuditLog(challenge.UserID, "push.challenge.respond", "push_challenge", challengeID, map[string]interface{}{
		"approved": req.Approved,
	})

	writeJSON(w, http.StatusOK, challenge)
}

// ConsumePushRequest binds consumption to the waiting session
type ConsumePushRequest struct {
	SessionID string `json:"sessionId"`
}

// ConsumePush redeems an approved push challenge exactly once,
// completing the sign-in it belongs to
func (h *Handler) ConsumePush(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")

	var req ConsumePushRequest
	if err := readJSON(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}

	if err := h.pushSvc.ConsumeApproval(r.Context(), challengeID, req.SessionID); err != nil {
		switch {
		case errors.Is(err, service.ErrPushNotFound):
			writeError(w, http.StatusNotFound, "push_not_found", "Push challenge not found")
		case errors.Is(err, service.ErrSessionMismatch):
			writeError(w, http.StatusForbidden, "session_mismatch", "Session does not match this challenge")
		case errors.Is(err, service.ErrApprovalNotConsumable):
			writeError(w, http.StatusConflict, "not_consumable", "Push challenge is not in the approved state")
		default:
			h.log.Error().Err(err).Msg("failed to consume push approval")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to consume approval")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consumed": true,
	})
}
