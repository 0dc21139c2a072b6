// Package authclient talks to the external authentication service: silent
// credential refresh, session token sign-in, and account identity lookup.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/credkeeper/credkeeper/internal/errors"
	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/models"
	"github.com/credkeeper/credkeeper/pkg/headers"
)

// AuthService is the surface the refresh pipeline depends on.
type AuthService interface {
	// Refresh performs a silent refresh with the stored credential and
	// returns the replacement credential and a fresh access token.
	Refresh(ctx context.Context, cred models.Credential) (*RefreshResult, error)
	// SignInWithAccessToken derives a session token from an access token.
	SignInWithAccessToken(ctx context.Context, accessToken string) (string, error)
	// FetchAuthInfo retrieves the account identity blob and account type.
	FetchAuthInfo(ctx context.Context, sessionToken, accessToken string) (string, string, error)
}

// RefreshResult is the outcome of a successful silent refresh.
type RefreshResult struct {
	Credential  models.Credential
	AccessToken string
}

// Client implements AuthService over HTTP.
type Client struct {
	baseURL string
	http    *RotatingClient
	logger  *logging.Logger
}

// New creates a client for the authentication service at baseURL.
func New(baseURL string, timeout time.Duration, useUTLS bool) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewRotatingClient(timeout, useUTLS),
		logger:  logging.NewLogger(),
	}
}

type refreshRequest struct {
	Credential models.Credential `json:"credential"`
}

type refreshResponse struct {
	Credential  models.Credential `json:"credential"`
	AccessToken string            `json:"access_token"`
}

// Refresh exchanges the stored credential for a fresh one. Any non-200
// response means the service rejected the credential.
func (c *Client) Refresh(ctx context.Context, cred models.Credential) (*RefreshResult, error) {
	var resp refreshResponse
	if err := c.postJSON(ctx, "refresh", "/v1/auth/refresh", refreshRequest{Credential: cred}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Credential) == 0 || resp.AccessToken == "" {
		return nil, &errors.ErrAuthRequest{Operation: "refresh", Status: http.StatusOK, Err: fmt.Errorf("incomplete refresh response")}
	}
	return &RefreshResult{Credential: resp.Credential, AccessToken: resp.AccessToken}, nil
}

type sessionRequest struct {
	AccessToken string `json:"access_token"`
}

type sessionResponse struct {
	SessionToken string `json:"session_token"`
}

// SignInWithAccessToken performs the one-time sign-in that yields a session token.
func (c *Client) SignInWithAccessToken(ctx context.Context, accessToken string) (string, error) {
	var resp sessionResponse
	if err := c.postJSON(ctx, "session sign-in", "/v1/auth/session", sessionRequest{AccessToken: accessToken}, &resp); err != nil {
		return "", err
	}
	if resp.SessionToken == "" {
		return "", &errors.ErrAuthRequest{Operation: "session sign-in", Status: http.StatusOK, Err: fmt.Errorf("empty session token")}
	}
	return resp.SessionToken, nil
}

// FetchAuthInfo retrieves the raw identity blob for the account and the
// account type reported by the service. An absent type means free.
func (c *Client) FetchAuthInfo(ctx context.Context, sessionToken, accessToken string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/auth/me", nil)
	if err != nil {
		return "", "", &errors.ErrAuthRequest{Operation: "auth info", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if sessionToken != "" {
		req.Header.Set("X-Session-Token", sessionToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", &errors.ErrAuthRequest{Operation: "auth info", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", &errors.ErrAuthRequest{Operation: "auth info", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.logThrottling("auth info", resp)
		return "", "", &errors.ErrAuthRequest{Operation: "auth info", Status: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}

	var typed struct {
		AccountType string `json:"account_type"`
	}
	if err := json.Unmarshal(body, &typed); err != nil {
		return "", "", &errors.ErrAuthRequest{Operation: "auth info", Status: resp.StatusCode, Err: err}
	}
	accountType := typed.AccountType
	if accountType == "" {
		accountType = "free"
	}
	return string(body), accountType, nil
}

// logThrottling surfaces advertised backoff so a throttled window is
// distinguishable from a rejected credential in the logs.
func (c *Client) logThrottling(operation string, resp *http.Response) {
	rl := headers.Parse(resp.Header, time.Now())
	if !rl.Throttled() && resp.StatusCode != http.StatusTooManyRequests {
		return
	}
	c.logger.Warn("auth service throttling",
		"operation", operation,
		"status", resp.StatusCode,
		"retry_after", rl.RetryAfter.String(),
		"remaining", rl.Remaining)
}

func (c *Client) postJSON(ctx context.Context, operation, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &errors.ErrAuthRequest{Operation: operation, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &errors.ErrAuthRequest{Operation: operation, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.ErrAuthRequest{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		c.logThrottling(operation, resp)
		return &errors.ErrAuthRequest{Operation: operation, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errors.ErrAuthRequest{Operation: operation, Status: resp.StatusCode, Err: err}
	}
	return nil
}
