package stepauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the configuration for the StepAuth client.
type Config struct {
	// BaseURL is the root URL of the StepAuth server.
	// Examples: "https://mfa.example.com" or "https://mfa.example.com/api/v1"
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client is the StepAuth SDK client. Relying services use it to drive
// the MFA step-up flow: create a challenge for the signed-in user,
// submit codes, or run the push-approval loop.
type Client struct {
	cfg Config
}

// NewClient creates a new StepAuth client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{cfg: cfg}
}

// CreateChallenge starts an MFA challenge for the user identified by the
// access token.
func (c *Client) CreateChallenge(ctx context.Context, accessToken string) (*Challenge, error) {
	body, err := c.post(ctx, "/challenges", nil, accessToken)
	if err != nil {
		return nil, err
	}

	var challenge Challenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("stepauth: failed to parse challenge: %w", err)
	}
	return &challenge, nil
}

// VerifyChallenge submits a verification code against a challenge. A
// wrong code returns a result with Success=false, not an error.
func (c *Client) VerifyChallenge(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	body, err := c.post(ctx, "/challenges/verify", req, "")
	if err != nil {
		return nil, err
	}

	var result VerifyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("stepauth: failed to parse verify result: %w", err)
	}
	return &result, nil
}

// MFARequired reports whether the user behind the access token has any
// enabled MFA method.
func (c *Client) MFARequired(ctx context.Context, accessToken string) (bool, error) {
	body, err := c.get(ctx, "/challenges/required", accessToken)
	if err != nil {
		return false, err
	}

	var resp struct {
		Required bool `json:"required"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("stepauth: failed to parse response: %w", err)
	}
	return resp.Required, nil
}

// SendPush creates a push challenge for one of the user's registered
// devices and delivers the approval notification.
func (c *Client) SendPush(ctx context.Context, accessToken string, req SendPushRequest) (*PushChallenge, error) {
	body, err := c.post(ctx, "/push/challenges", req, accessToken)
	if err != nil {
		return nil, err
	}

	var challenge PushChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("stepauth: failed to parse push challenge: %w", err)
	}
	return &challenge, nil
}

// PushStatus polls a push challenge. The session id must be the one the
// challenge was created with.
func (c *Client) PushStatus(ctx context.Context, challengeID, sessionID string) (*PushChallenge, error) {
	path := fmt.Sprintf("/push/challenges/%s?session_id=%s", url.PathEscape(challengeID), url.QueryEscape(sessionID))
	body, err := c.get(ctx, path, "")
	if err != nil {
		return nil, err
	}

	var challenge PushChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("stepauth: failed to parse push challenge: %w", err)
	}
	return &challenge, nil
}

// WaitForApproval polls a push challenge until it leaves the pending
// state or ctx is done. The interval defaults to 2 seconds.
func (c *Client) WaitForApproval(ctx context.Context, challengeID, sessionID string, interval time.Duration) (*PushChallenge, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		challenge, err := c.PushStatus(ctx, challengeID, sessionID)
		if err != nil {
			return nil, err
		}
		if challenge.Status != PushPending {
			return challenge, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConsumePush redeems an approved push challenge exactly once. A second
// call for the same challenge fails.
func (c *Client) ConsumePush(ctx context.Context, challengeID, sessionID string) error {
	path := fmt.Sprintf("/push/challenges/%s/consume", url.PathEscape(challengeID))
	_, err := c.post(ctx, path, map[string]string{"sessionId": sessionID}, "")
	if apiErr, ok := IsAPIError(err); ok && apiErr.StatusCode == http.StatusConflict {
		return ErrNotApproved
	}
	return err
}

// ListDevices returns the user's registered push devices.
func (c *Client) ListDevices(ctx context.Context, accessToken string) ([]PushDevice, error) {
	body, err := c.get(ctx, "/push/devices", accessToken)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Devices []PushDevice `json:"devices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("stepauth: failed to parse devices: %w", err)
	}
	return resp.Devices, nil
}

// post sends a POST request to the StepAuth API.
func (c *Client) post(ctx context.Context, path string, payload interface{}, token string) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("stepauth: failed to marshal request: %w", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("stepauth: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token)
}

// get sends a GET request to the StepAuth API.
func (c *Client) get(ctx context.Context, path, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("stepauth: failed to create request: %w", err)
	}
	return c.do(req, token)
}

func (c *Client) do(req *http.Request, token string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stepauth: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("stepauth: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	return body, nil
}
