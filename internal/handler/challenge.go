package handler

import (
	"errors"
	"net/http"

	"github.com/stepauth/stepauth/internal/middleware"
	"github.com/stepauth/stepauth/internal/service"
)

// CreateChallenge starts a new MFA challenge for the authenticated user
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	result, err := h.challengeSvc.CreateChallenge(r.Context(), userID, getClientIP(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many active challenges, try again later")
		case errors.Is(err, service.ErrNoEnabledMethods):
			writeError(w, http.StatusBadRequest, "no_methods", "No enabled MFA methods for this account")
		default:
			h.log.Error().Err(err).Msg("failed to create challenge")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create challenge")
		}
		return
	}

	h.log.AuditLog(userID, "challenge.create", "challenge", result.Token, map[string]interface{}{
		"method_type": result.MethodType,
		"client_ip":   getClientIP(r),
	})

	writeJSON(w, http.StatusCreated, result)
}

// VerifyChallengeRequest is the verification submission body
type VerifyChallengeRequest struct {
	Token           string `json:"token"`
	Code            string `json:"code"`
	MethodID        string `json:"methodId,omitempty"`
	IsRecoveryCode  bool   `json:"isRecoveryCode,omitempty"`
	WebAuthnSession string `json:"webauthnSession,omitempty"`
}

// VerifyChallenge submits a code against a pending challenge. A wrong
// code returns 200 with success=false; only protocol-level failures
// (unknown token, expired, exhausted) map to error statuses.
func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req VerifyChallengeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	result, err := h.challengeSvc.VerifyChallenge(r.Context(), service.VerifyRequest{
		Token:           req.Token,
		Code:            req.Code,
		MethodID:        req.MethodID,
		IsRecoveryCode:  req.IsRecoveryCode,
		WebAuthnSession: req.WebAuthnSession,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChallengeNotFound):
			writeError(w, http.StatusNotFound, "challenge_not_found", "Challenge not found")
		case errors.Is(err, service.ErrChallengeExpired):
			writeError(w, http.StatusGone, "challenge_expired", "Challenge has expired")
		case errors.Is(err, service.ErrChallengeExhausted):
			writeError(w, http.StatusGone, "challenge_exhausted", "Challenge attempts exhausted")
		case errors.Is(err, service.ErrInvalidMethod), errors.Is(err, service.ErrUnsupportedMethod):
			writeError(w, http.StatusBadRequest, "invalid_method", "Requested method is not usable for this challenge")
		case errors.Is(err, service.ErrMethodMisconfigured):
			writeError(w, http.StatusConflict, "method_misconfigured", "MFA method is misconfigured")
		default:
			h.log.Error().Err(err).Msg("challenge verification failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Verification failed")
		}
		return
	}

	if result.Success {
		h.log.AuditLog(result.UserID, "challenge.verify", "challenge", req.Token, map[string]interface{}{
			"method_id":     result.MethodID,
			"recovery_code": result.UsedRecoveryCode,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// ChallengeStatus reports whether a challenge token is still usable
func (h *Handler) ChallengeStatus(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	valid, err := h.challengeSvc.IsChallengeValid(r.Context(), token)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to check challenge status")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to check challenge status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": valid,
	})
}

// beginWebAuthnRequest carries the challenge token for assertion start
type beginWebAuthnRequest struct {
	Token string `json:"token"`
}

// BeginWebAuthn starts a WebAuthn assertion for a pending challenge
func (h *Handler) BeginWebAuthn(w http.ResponseWriter, r *http.Request) {
	var req beginWebAuthnRequest
	if err := readJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	options, sessionKey, err := h.challengeSvc.StartWebAuthn(r.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChallengeNotFound):
			writeError(w, http.StatusNotFound, "challenge_not_found", "Challenge not found")
		case errors.Is(err, service.ErrChallengeExpired):
			writeError(w, http.StatusGone, "challenge_expired", "Challenge has expired")
		case errors.Is(err, service.ErrInvalidMethod), errors.Is(err, service.ErrUnsupportedMethod):
			writeError(w, http.StatusBadRequest, "invalid_method", "Challenge is not bound to a WebAuthn method")
		default:
			h.log.Error().Err(err).Msg("failed to begin webauthn assertion")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to begin WebAuthn")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"options":         options,
		"webauthnSession": sessionKey,
	})
}

// InvalidateChallenges cancels every active challenge for the
// authenticated user
func (h *Handler) InvalidateChallenges(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	count, err := h.challengeSvc.InvalidateUserChallenges(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to invalidate challenges")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to invalidate challenges")
		return
	}

	h.log.AuditLog(userID, "challenge.invalidate_all", "challenge", "", map[string]interface{}{
		"count": count,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invalidated": count,
	})
}

// MFARequired reports whether the authenticated user has any enabled
// MFA method and therefore needs a challenge during sign-in
func (h *Handler) MFARequired(w http.ResponseWriter, r *http.Request) {
	required, err := h.challengeSvc.RequiresMFA(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to check MFA requirement")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to check MFA requirement")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"required": required,
	})
}
