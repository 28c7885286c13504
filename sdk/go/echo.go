package stepauth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Context keys for storing approval data in Echo context.
const (
	// ApprovalContextKey is the key used to store the consumed PushChallenge in echo.Context.
	ApprovalContextKey = "stepauth_approval"
)

// Request headers carrying the push approval reference.
const (
	ChallengeHeader = "X-StepAuth-Challenge"
	SessionHeader   = "X-StepAuth-Session"
)

// StepUpConfig configures the Echo step-up middleware.
type StepUpConfig struct {
	// Skipper defines a function to skip this middleware for certain requests.
	// Return true to skip the approval check for the request.
	Skipper func(c echo.Context) bool

	// SkipPaths is a list of path prefixes that do not require approval.
	// Example: []string{"/health", "/public/"}
	SkipPaths []string

	// ErrorHandler is an optional custom error handler for approval failures.
	// If nil, the default handler returns JSON 401/403 errors.
	ErrorHandler func(c echo.Context, err error) error
}

// EchoStepUp returns Echo middleware that gates sensitive routes behind
// an out-of-band push approval.
//
// The request must carry the push challenge id and session id in the
// X-StepAuth-Challenge and X-StepAuth-Session headers. The middleware
// consumes the approval against the StepAuth server, so a given
// approval admits exactly one request.
//
// Retrieve the consumed challenge id in handlers with GetApproval(c).
func (client *Client) EchoStepUp(cfgs ...StepUpConfig) echo.MiddlewareFunc {
	cfg := StepUpConfig{}
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Check skipper
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			// Check skip paths
			path := c.Request().URL.Path
			for _, p := range cfg.SkipPaths {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			challengeID := c.Request().Header.Get(ChallengeHeader)
			sessionID := c.Request().Header.Get(SessionHeader)
			if challengeID == "" || sessionID == "" {
				return handleStepUpError(c, cfg, ErrNoChallenge)
			}

			if err := client.ConsumePush(c.Request().Context(), challengeID, sessionID); err != nil {
				return handleStepUpError(c, cfg, err)
			}

			c.Set(ApprovalContextKey, challengeID)

			return next(c)
		}
	}
}

// GetApproval retrieves the consumed push challenge id from the Echo
// context. Returns an empty string if no approval was consumed
// (middleware not applied or skipped).
func GetApproval(c echo.Context) string {
	if id, ok := c.Get(ApprovalContextKey).(string); ok {
		return id
	}
	return ""
}

func handleStepUpError(c echo.Context, cfg StepUpConfig, err error) error {
	// Custom error handler
	if cfg.ErrorHandler != nil {
		return cfg.ErrorHandler(c, err)
	}

	code := http.StatusUnauthorized
	message := "Push approval required"

	if errors.Is(err, ErrNotApproved) {
		code = http.StatusForbidden
		message = "Push challenge was not approved"
	} else if apiErr, ok := IsAPIError(err); ok {
		switch apiErr.StatusCode {
		case http.StatusNotFound, http.StatusForbidden, http.StatusConflict:
			code = http.StatusForbidden
			message = "Push approval rejected"
		}
	}

	return c.JSON(code, map[string]interface{}{
		"error": map[string]string{
			"code":    "step_up_required",
			"message": message,
		},
	})
}
