package handler

import (
	"errors"
	"net/http"

	"github.com/stepauth/stepauth/internal/middleware"
	"github.com/stepauth/stepauth/internal/service"
)

// ListMethods returns the authenticated user's MFA methods
func (h *Handler) ListMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.methodSvc.ListMethods(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list methods")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list methods")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"methods": methods,
	})
}

// SetupTOTP begins TOTP enrollment and returns the provisioning secret,
// otpauth URL and QR code. The secret is shown exactly once.
func (h *Handler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	// Account name labels the entry in the authenticator app
	accountName := middleware.Email(r.Context())
	if accountName == "" {
		accountName = userID
	}

	setup, err := h.methodSvc.SetupTOTP(r.Context(), userID, accountName)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMethodAlreadyExists):
			writeError(w, http.StatusConflict, "method_exists", "A TOTP method already exists for this account")
		default:
			h.log.Error().Err(err).Msg("failed to set up TOTP")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to set up TOTP")
		}
		return
	}

	h.log.AuditLog(userID, "method.setup", "method", setup.MethodID, map[string]interface{}{
		"type": "totp",
	})

	writeJSON(w, http.StatusCreated, setup)
}

// SetupEmailRequest carries the address for email-code enrollment
type SetupEmailRequest struct {
	Address string `json:"address"`
}

// SetupEmail begins email-code enrollment and sends the first
// verification code to the given address
func (h *Handler) SetupEmail(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req SetupEmailRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	method, err := h.methodSvc.SetupEmail(r.Context(), userID, req.Address)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmailAddress):
			writeError(w, http.StatusBadRequest, "invalid_email", "Invalid email address")
		case errors.Is(err, service.ErrMethodAlreadyExists):
			writeError(w, http.StatusConflict, "method_exists", "An email method already exists for this account")
		default:
			h.log.Error().Err(err).Msg("failed to set up email method")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to set up email method")
		}
		return
	}

	h.log.AuditLog(userID, "method.setup", "method", method.ID, map[string]interface{}{
		"type": "email",
	})

	writeJSON(w, http.StatusCreated, method)
}

// SendMethodCode re-sends the enrollment verification code for a
// pending email method
func (h *Handler) SendMethodCode(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	methodID := r.PathValue("id")

	result, err := h.methodSvc.SendEmailVerification(r.Context(), userID, methodID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMethodNotFound):
			writeError(w, http.StatusNotFound, "method_not_found", "Method not found")
		case errors.Is(err, service.ErrEmailResendCooldown):
			writeError(w, http.StatusTooManyRequests, "resend_cooldown", "A code was sent recently, please wait before requesting another")
		case errors.Is(err, service.ErrNoEmailAddress):
			writeError(w, http.StatusConflict, "method_misconfigured", "Method has no email address configured")
		default:
			h.log.Error().Err(err).Msg("failed to send verification code")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to send verification code")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// VerifyMethodRequest carries the enrollment verification code
type VerifyMethodRequest struct {
	Code string `json:"code"`
}

// VerifyMethod confirms enrollment with a code, enables the method and
// returns its freshly issued recovery codes. The plaintext codes appear
// in this response and nowhere else.
func (h *Handler) VerifyMethod(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	methodID := r.PathValue("id")

	var req VerifyMethodRequest
	if err := readJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	recoveryCodes, err := h.methodSvc.VerifyMethod(r.Context(), userID, methodID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMethodNotFound):
			writeError(w, http.StatusNotFound, "method_not_found", "Method not found")
		case errors.Is(err, service.ErrInvalidCode):
			writeError(w, http.StatusBadRequest, "invalid_code", "Invalid verification code")
		case errors.Is(err, service.ErrUnsupportedMethod):
			writeError(w, http.StatusBadRequest, "unsupported_method", "This method type cannot be verified with a code")
		default:
			h.log.Error().Err(err).Msg("failed to verify method")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to verify method")
		}
		return
	}

	h.log.AuditLog(userID, "method.verify", "method", methodID, nil)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verified":      true,
		"recoveryCodes": recoveryCodes,
	})
}

// RegenerateRecoveryCodes replaces the method's recovery codes with a
// fresh batch, invalidating any unused ones
func (h *Handler) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	methodID := r.PathValue("id")

	codes, err := h.methodSvc.RegenerateRecoveryCodes(r.Context(), userID, methodID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMethodNotFound):
			writeError(w, http.StatusNotFound, "method_not_found", "Method not found")
		default:
			h.log.Error().Err(err).Msg("failed to regenerate recovery codes")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to regenerate recovery codes")
		}
		return
	}

	h.log.AuditLog(userID, "method.recovery_codes.regenerate", "method", methodID, nil)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recoveryCodes": codes,
	})
}

// SetDefaultMethod marks an enabled method as the user's default
func (h *Handler) SetDefaultMethod(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	methodID := r.PathValue("id")

	if err := h.methodSvc.SetDefaultMethod(r.Context(), userID, methodID); err != nil {
		switch {
		case errors.Is(err, service.ErrMethodNotFound):
			writeError(w, http.StatusNotFound, "method_not_found", "Method not found")
		default:
			h.log.Error().Err(err).Msg("failed to set default method")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to set default method")
		}
		return
	}

	h.log.AuditLog(userID, "method.set_default", "method", methodID, nil)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default": methodID,
	})
}

// DeleteMethod removes a method and its recovery codes
func (h *Handler) DeleteMethod(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	methodID := r.PathValue("id")

	if err := h.methodSvc.DeleteMethod(r.Context(), userID, methodID); err != nil {
		switch {
		case errors.Is(err, service.ErrMethodNotFound):
			writeError(w, http.StatusNotFound, "method_not_found", "Method not found")
		default:
			h.log.Error().Err(err).Msg("failed to delete method")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to delete method")
		}
		return
	}

	h.log.AuditLog(userID, "method.delete", "method", methodID, nil)

	w.WriteHeader(http.StatusNoContent)
}
