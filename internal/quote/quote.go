// Package quote fetches current market prices for B3 tickers, used to value
// open positions in portfolio responses. Prices are informational only and
// never feed the tax computation.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrQuoteUnavailable is returned when the upstream API has no price for a
// ticker.
var ErrQuoteUnavailable = errors.New("quote: unavailable")

// Quote is a point-in-time price observation for one ticker.
type Quote struct {
	Ticker    string          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Provider returns the current quote for a ticker.
type Provider interface {
	Get(ctx context.Context, ticker string) (*Quote, error)
}

// HTTPProvider fetches quotes from a brapi-style REST API:
// GET {base}/api/quote/{ticker} returning {"results":[{"symbol":...,
// "regularMarketPrice":...}]}.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider creates a provider for the given API base URL. An empty
// token disables authentication.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type quoteResponse struct {
	Results []struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"regularMarketPrice"`
	} `json:"results"`
}

func (p *HTTPProvider) Get(ctx context.Context, ticker string) (*Quote, error) {
	u := fmt.Sprintf("%s/api/quote/%s", p.baseURL, url.PathEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("quote: build request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote: fetch %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, ticker)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote: fetch %s: unexpected status %d", ticker, resp.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("quote: decode %s: %w", ticker, err)
	}
	if len(body.Results) == 0 || !body.Results[0].Price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, ticker)
	}

	return &Quote{
		Ticker:    ticker,
		Price:     body.Results[0].Price,
		FetchedAt: time.Now().UTC(),
	}, nil
}
