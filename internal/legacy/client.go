// Package legacy reads markets and share balances from the previous two-option
// market deployment so they can be imported into the ledger.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
)

// Client provides read access to the legacy market API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

// countResponse is the body of GET /markets/count.
type countResponse struct {
	Count uint64 `json:"count"`
}

// marketResponse is the body of GET /markets/{id}. Amounts are decimal strings.
type marketResponse struct {
	Question string `json:"question"`
	OptionA  string `json:"optionA"`
	OptionB  string `json:"optionB"`
	EndTime  int64  `json:"endTime"` // unix seconds
	Outcome  uint8  `json:"outcome"`
	SharesA  string `json:"totalOptionAShares"`
	SharesB  string `json:"totalOptionBShares"`
	Resolved bool   `json:"resolved"`
}

// balanceResponse is the body of GET /markets/{id}/balances/{user}.
type balanceResponse struct {
	OptionA string `json:"optionAShares"`
	OptionB string `json:"optionBShares"`
}

// NewClient creates a new legacy API client
func NewClient(baseURL string, timeout time.Duration, maxRetries int) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: maxRetries,
		backoff:    time.Second,
	}
}

// MarketCount returns the number of legacy markets. Legacy IDs run from 0 to count-1.
func (c *Client) MarketCount(ctx context.Context) (uint64, error) {
	var body countResponse
	if err := c.get(ctx, c.baseURL+"/markets/count", &body); err != nil {
		return 0, fmt.Errorf("failed to fetch market count: %w", err)
	}
	return body.Count, nil
}

// MarketInfo fetches one legacy market.
func (c *Client) MarketInfo(ctx context.Context, id uint64) (models.LegacyMarket, error) {
	var body marketResponse
	if err := c.get(ctx, fmt.Sprintf("%s/markets/%d", c.baseURL, id), &body); err != nil {
		return models.LegacyMarket{}, fmt.Errorf("failed to fetch market %d: %w", id, err)
	}

	m := models.LegacyMarket{
		Question: body.Question,
		OptionA:  body.OptionA,
		OptionB:  body.OptionB,
		EndTime:  time.Unix(body.EndTime, 0),
		Outcome:  body.Outcome,
		Resolved: body.Resolved,
	}
	if body.Outcome > models.LegacyCancelled {
		return models.LegacyMarket{}, fmt.Errorf("market %d: unknown outcome %d", id, body.Outcome)
	}
	if err := parseAmount(&m.SharesA, body.SharesA); err != nil {
		return models.LegacyMarket{}, fmt.Errorf("market %d option A total: %w", id, err)
	}
	if err := parseAmount(&m.SharesB, body.SharesB); err != nil {
		return models.LegacyMarket{}, fmt.Errorf("market %d option B total: %w", id, err)
	}
	return m, nil
}

// ShareBalance returns user's option A and option B shares in a legacy market.
func (c *Client) ShareBalance(ctx context.Context, id uint64, user string) (*uint256.Int, *uint256.Int, error) {
	var body balanceResponse
	u := fmt.Sprintf("%s/markets/%d/balances/%s", c.baseURL, id, url.PathEscape(user))
	if err := c.get(ctx, u, &body); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch balance of %s in market %d: %w", user, id, err)
	}

	a, b := new(uint256.Int), new(uint256.Int)
	if err := parseAmount(a, body.OptionA); err != nil {
		return nil, nil, fmt.Errorf("balance of %s in market %d: %w", user, id, err)
	}
	if err := parseAmount(b, body.OptionB); err != nil {
		return nil, nil, fmt.Errorf("balance of %s in market %d: %w", user, id, err)
	}
	return a, b, nil
}

func parseAmount(dst *uint256.Int, s string) error {
	if s == "" {
		dst.Clear()
		return nil
	}
	if err := dst.SetFromDecimal(s); err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, urlStr string, out interface{}) error {
	resp, err := c.doRequest(ctx, urlStr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			logger.Debug("Retrying %s (attempt %d/%d): %v", urlStr, i+1, c.maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * c.backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
