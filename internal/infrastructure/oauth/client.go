package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reservesync/internal/domain/provider"
	"reservesync/internal/shared/telemetry"
)

const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept on the error.
const maxErrorBody = 4 << 10

// Config describes one provider's refresh-token grant.
type Config struct {
	Provider     string // name used in errors and metrics, e.g. "truelayer"
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string // sent only when set
	Timeout      time.Duration
}

// Client performs the OAuth2 refresh_token grant against a provider.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// Ensure Client implements provider.Refresher
var _ provider.Refresher = (*Client)(nil)

// NewClient creates a refresh client for one provider.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Provider == "" {
		return nil, errors.New("oauth: provider name is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("oauth: %s token url is required", cfg.Provider)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("oauth: %s client credentials are required", cfg.Provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		httpClient: telemetry.NewHTTPClient(cfg.Timeout),
		cfg:        cfg,
	}, nil
}

// Provider returns the provider name this client refreshes for.
func (c *Client) Provider() string {
	return c.cfg.Provider
}

// Refresh exchanges refreshToken for a new token pair. A non-2xx response is
// returned as *provider.AuthRefreshError; a malformed success body is a plain error.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}
	if c.cfg.RedirectURI != "" {
		form.Set("redirect_uri", c.cfg.RedirectURI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return provider.Token{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Token{}, fmt.Errorf("%s token refresh: failed to execute request: %w", c.cfg.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return provider.Token{}, &provider.AuthRefreshError{
			Provider:   c.cfg.Provider,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	var tok provider.Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return provider.Token{}, fmt.Errorf("%s token refresh: failed to decode response: %w", c.cfg.Provider, err)
	}
	if tok.AccessToken == "" {
		return provider.Token{}, fmt.Errorf("%s token refresh: response has no access_token", c.cfg.Provider)
	}

	return tok, nil
}
