package handler

import (
	"net/http"

	"github.com/stepauth/stepauth/internal/middleware"
)

// AdminCleanup runs the retention sweeps on demand: expired challenges
// past their retention age, resolved push challenges, and enrollment
// records that were never verified. The same sweeps run on a background
// ticker; this endpoint exists for operators.
func (h *Handler) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	challenges, err := h.challengeSvc.CleanupExpired(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("challenge cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Cleanup failed")
		return
	}

	pushChallenges, err := h.pushSvc.CleanupExpired(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("push challenge cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Cleanup failed")
		return
	}

	methods, err := h.methodSvc.CleanupUnverified(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("unverified method cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Cleanup failed")
		return
	}

	h.log.AuditLog(middleware.UserID(ctx), "admin.cleanup", "cleanup", "", map[string]interface{}{
		"challenges":      challenges,
		"push_challenges": pushChallenges,
		"methods":         methods,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challengesRemoved":     challenges,
		"pushChallengesRemoved": pushChallenges,
		"methodsRemoved":        methods,
	})
}
