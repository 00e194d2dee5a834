package funds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reservesync/internal/domain/money"
	"reservesync/internal/domain/provider"
	"reservesync/internal/shared/telemetry"
)

// ProviderName identifies the funds provider in errors, metrics and the
// connections.provider column.
const ProviderName = "monzo"

const (
	DefaultBaseURL   = "https://api.monzo.com"
	DefaultTokenPath = "/oauth2/token"
	depositPath      = "/pots/%s/deposit"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// Config configures the transfer client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client moves money into reserve pots.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Ensure Client implements provider.Funds
var _ provider.Funds = (*Client)(nil)

// NewClient creates a transfer client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		httpClient: telemetry.NewHTTPClient(cfg.Timeout),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// potResponse is the pot returned by a successful deposit.
type potResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Balance  int64  `json:"balance"` // minor units
	Currency string `json:"currency"`
}

// Deposit moves req.Amount from the source account into the pot. When
// req.DedupeKey is empty the daily key for req.Date is used, so a repeated
// call for the same day and amount is collapsed by the provider.
func (c *Client) Deposit(ctx context.Context, accessToken string, req provider.DepositRequest) (*provider.TransferResult, error) {
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("deposit into pot %s: %w (got %s)", req.PotID, money.ErrNegativeAmount, req.Amount)
	}
	if req.PotID == "" || req.SourceAccountID == "" {
		return nil, fmt.Errorf("deposit: pot id and source account id are required")
	}

	dedupeKey := req.DedupeKey
	if dedupeKey == "" {
		date := req.Date
		if date.IsZero() {
			date = time.Now()
		}
		dedupeKey = provider.DailyDedupeKey(date, req.Amount)
	}

	form := url.Values{
		"source_account_id": {req.SourceAccountID},
		"amount":            {strconv.FormatInt(req.Amount.AsMinor(), 10)},
		"dedupe_id":         {dedupeKey},
	}

	endpoint := c.baseURL + fmt.Sprintf(depositPath, url.PathEscape(req.PotID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deposit into pot %s: failed to execute request: %w", req.PotID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &provider.ProviderError{
			Provider:   ProviderName,
			Operation:  "deposit",
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deposit into pot %s: failed to read response body: %w", req.PotID, err)
	}

	var pot potResponse
	if err := json.Unmarshal(body, &pot); err != nil {
		return nil, fmt.Errorf("deposit into pot %s: failed to unmarshal response: %w", req.PotID, err)
	}

	return &provider.TransferResult{
		ID:        pot.ID,
		Balance:   money.FromMinor(pot.Balance),
		DedupeKey: dedupeKey,
		Raw:       body,
	}, nil
}
