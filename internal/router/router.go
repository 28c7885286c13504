package router

import (
	"net/http"
	"time"

	"github.com/stepauth/stepauth/internal/auth"
	"github.com/stepauth/stepauth/internal/handler"
	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/middleware"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, log *logger.Logger, tokenSvc *auth.TokenService) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// API v1 routes
	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"StepAuth API v1","version":"0.1.0"}`))
	})

	authMw := mw.Auth(tokenSvc)

	// Challenge creation is per-user limited; verification is hit by
	// unauthenticated login sessions holding only a challenge token
	challengeRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  20,
		Window: 15 * time.Minute,
		KeyFn:  middleware.UserKey,
	})
	verifyRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  30,
		Window: 5 * time.Minute,
		KeyFn:  middleware.IPKey,
	})

	// Challenge routes
	mux.Handle("POST /api/v1/challenges", authMw(challengeRateLimit(http.HandlerFunc(h.CreateChallenge))))
	mux.Handle("POST /api/v1/challenges/verify", verifyRateLimit(http.HandlerFunc(h.VerifyChallenge)))
	mux.Handle("POST /api/v1/challenges/webauthn/begin", verifyRateLimit(http.HandlerFunc(h.BeginWebAuthn)))
	mux.Handle("GET /api/v1/challenges/{token}/status", verifyRateLimit(http.HandlerFunc(h.ChallengeStatus)))
	mux.Handle("POST /api/v1/challenges/invalidate", authMw(http.HandlerFunc(h.InvalidateChallenges)))
	mux.Handle("GET /api/v1/challenges/required", authMw(http.HandlerFunc(h.MFARequired)))

	// Method management routes (authenticated)
	methodRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  10,
		Window: 1 * time.Minute,
		KeyFn:  middleware.UserKey,
	})
	mux.Handle("GET /api/v1/methods", authMw(http.HandlerFunc(h.ListMethods)))
	mux.Handle("POST /api/v1/methods/totp", authMw(methodRateLimit(http.HandlerFunc(h.SetupTOTP))))
	mux.Handle("POST /api/v1/methods/email", authMw(methodRateLimit(http.HandlerFunc(h.SetupEmail))))
	mux.Handle("POST /api/v1/methods/{id}/send-code", authMw(methodRateLimit(http.HandlerFunc(h.SendMethodCode))))
	mux.Handle("POST /api/v1/methods/{id}/verify", authMw(methodRateLimit(http.HandlerFunc(h.VerifyMethod))))
	mux.Handle("POST /api/v1/methods/{id}/recovery-codes", authMw(methodRateLimit(http.HandlerFunc(h.RegenerateRecoveryCodes))))
	mux.Handle("POST /api/v1/methods/{id}/default", authMw(http.HandlerFunc(h.SetDefaultMethod)))
	mux.Handle("DELETE /api/v1/methods/{id}", authMw(http.HandlerFunc(h.DeleteMethod)))

	// Push device routes (authenticated)
	mux.Handle("POST /api/v1/push/devices", authMw(http.HandlerFunc(h.RegisterDevice)))
	mux.Handle("GET /api/v1/push/devices", authMw(http.HandlerFunc(h.ListPushDevices)))
	mux.Handle("DELETE /api/v1/push/devices/{id}", authMw(http.HandlerFunc(h.RemovePushDevice)))
	mux.Handle("PATCH /api/v1/push/devices/{id}/token", authMw(http.HandlerFunc(h.UpdateDeviceToken)))
	mux.Handle("POST /api/v1/push/devices/{id}/reactivate", authMw(http.HandlerFunc(h.ReactivatePushDevice)))

	// Push challenge routes. Status polling and consumption come from
	// the waiting login session; responses come from the device app.
	pushRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  10,
		Window: 10 * time.Minute,
		KeyFn:  middleware.UserKey,
	})
	mux.Handle("POST /api/v1/push/challenges", authMw(pushRateLimit(http.HandlerFunc(h.SendPush))))
	mux.Handle("GET /api/v1/push/challenges/{id}", verifyRateLimit(http.HandlerFunc(h.PushStatus)))
	mux.Handle("POST /api/v1/push/challenges/{id}/respond", authMw(http.HandlerFunc(h.RespondPush)))
	mux.Handle("POST /api/v1/push/challenges/{id}/consume", verifyRateLimit(http.HandlerFunc(h.ConsumePush)))

	// Admin routes (require auth)
	// TODO: Add admin role check middleware when roles are implemented
	adminRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  10,
		Window: 1 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	mux.Handle("POST /api/v1/admin/cleanup", authMw(adminRateLimit(http.HandlerFunc(h.AdminCleanup))))

	// Apply middleware stack
	var handler http.Handler = mux

	// CORS (configure allowed origins based on environment)
	handler = mw.CORS([]string{"http://localhost:3000", "http://localhost:5173"})(handler)

	// Security headers
	handler = mw.SecurityHeaders(handler)

	// Request logging
	handler = mw.Logger(handler)

	// Timing
	handler = mw.Timing(handler)

	// Request ID
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
