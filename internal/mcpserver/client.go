package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SignerHeader carries the caller identity on mutating ledger requests.
const SignerHeader = "X-Signer-Address"

// Config holds the configuration for connecting to the ledger API.
type Config struct {
	APIURL          string // Base URL, e.g. "http://localhost:8080"
	Signer          string // Executor identity sent on renewals, e.g. "0x..."
	ExecutorAccount string // Token account that receives executor fees
}

// LedgerClient is a pure HTTP client for the recurring ledger API.
type LedgerClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewLedgerClient creates a new client for the ledger API.
func NewLedgerClient(cfg Config) *LedgerClient {
	return &LedgerClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the ledger.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the ledger and returns the response body.
func (c *LedgerClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.Signer != "" {
		req.Header.Set(SignerHeader, c.cfg.Signer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d, %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetAgreement returns one agreement record.
func (c *LedgerClient) GetAgreement(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agreements/"+address, nil, nil)
}

// ListDueRenewals returns active agreements whose renewal window is open.
func (c *LedgerClient) ListDueRenewals(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/renewals/due", q, nil)
}

// Quote returns the renewal split a terms record would produce right now.
func (c *LedgerClient) Quote(ctx context.Context, terms string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("terms", terms)
	return c.doRequest(ctx, http.MethodGet, "/v1/quote", q, nil)
}

// ExecuteRenewal charges one period of an agreement. executorAccount
// defaults to the configured account when empty.
func (c *LedgerClient) ExecuteRenewal(ctx context.Context, agreement, executorAccount string) (json.RawMessage, error) {
	if executorAccount == "" {
		executorAccount = c.cfg.ExecutorAccount
	}
	body := map[string]string{
		"executorAccount": executorAccount,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/agreements/"+agreement+"/renew", nil, body)
}

// AuthorizationStatus reports the grant an account carries and which of its
// agreements it serves.
func (c *LedgerClient) AuthorizationStatus(ctx context.Context, account string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+account+"/authorization", nil, nil)
}

// GetAccount returns a token account and its formatted balance.
func (c *LedgerClient) GetAccount(ctx context.Context, account string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+account, nil, nil)
}
