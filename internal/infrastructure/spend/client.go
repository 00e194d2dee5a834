package spend

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reservesync/internal/domain/provider"
	"reservesync/internal/shared/telemetry"
)

// ProviderName identifies the spend provider in errors, metrics and the
// connections.provider column.
const ProviderName = "truelayer"

const (
	liveDomain    = "truelayer.com"
	sandboxDomain = "truelayer-sandbox.com"

	DefaultTransactionsPath = "/data/v1/cards/{account_id}/transactions"
	DefaultTokenPath        = "/connect/token"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// HostURL builds the base URL of one of the provider's subdomains
// ("api" for data, "auth" for token grants).
func HostURL(subdomain string, sandbox bool) string {
	domain := liveDomain
	if sandbox {
		domain = sandboxDomain
	}
	return fmt.Sprintf("https://%s.%s", subdomain, domain)
}

// Config configures the ledger client.
type Config struct {
	APIURL           string // defaults to HostURL("api", Sandbox)
	Sandbox          bool
	TransactionsPath string // must contain {account_id}
	Timeout          time.Duration
}

// Client reads card transactions from the spend provider's data API.
type Client struct {
	httpClient       *http.Client
	apiURL           string
	transactionsPath string
}

// Ensure Client implements provider.Ledger
var _ provider.Ledger = (*Client)(nil)

// NewClient creates a ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = HostURL("api", cfg.Sandbox)
	}
	if cfg.TransactionsPath == "" {
		cfg.TransactionsPath = DefaultTransactionsPath
	}
	if !strings.Contains(cfg.TransactionsPath, "{account_id}") {
		return nil, fmt.Errorf("spend: transactions path %q has no {account_id} placeholder", cfg.TransactionsPath)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		httpClient:       telemetry.NewHTTPClient(cfg.Timeout),
		apiURL:           strings.TrimRight(cfg.APIURL, "/"),
		transactionsPath: cfg.TransactionsPath,
	}, nil
}

// FetchTransactions requests the card's transactions in [window.From, window.To].
// The response status is checked before returning; the body is decoded
// lazily while the caller ranges over the sequence.
func (c *Client) FetchTransactions(ctx context.Context, accountID, accessToken string, window provider.Window) (iter.Seq2[provider.Transaction, error], error) {
	path := strings.ReplaceAll(c.transactionsPath, "{account_id}", url.PathEscape(accountID))

	q := url.Values{}
	q.Set("from", window.From.UTC().Format(time.RFC3339))
	q.Set("to", window.To.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions for card %s: failed to execute request: %w", accountID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &provider.ProviderError{
			Provider:   ProviderName,
			Operation:  "fetch transactions",
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	return newStream(resp.Body).All(), nil
}
