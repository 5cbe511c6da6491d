// Package market aggregates fee-rate and BTC price data from several
// external providers, each guarded by its own circuit breaker, and answers
// from static fallback data when none of them can.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fee-lens/pkg/breaker"
)

// maxBodySize caps provider responses.
const maxBodySize = 1 << 22

var (
	errAuth      = errors.New("authorization error")
	errRateLimit = errors.New("rate limit exceeded")
	// errUnavailable is returned for HTTP 451. The provider's breaker stays
	// open until reset.
	errUnavailable = fmt.Errorf("unavailable for legal reasons: %w", breaker.ErrPermanent)
)

// Fetcher retrieves the body of a GET request.
type Fetcher interface {
	FetchRaw(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is a Fetcher backed by an *http.Client.
type HTTPFetcher struct {
	Client *http.Client
	// UserAgent is sent when non-empty.
	UserAgent string
}

// NewHTTPFetcher returns a fetcher using a client with the given timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "fee-lens",
	}
}

// FetchRaw implements Fetcher.
func (f *HTTPFetcher) FetchRaw(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errAuth
	case http.StatusTooManyRequests:
		return nil, errRateLimit
	case http.StatusUnavailableForLegalReasons:
		return nil, errUnavailable
	default:
		return nil, fmt.Errorf("error %d fetching %q", resp.StatusCode, url)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

// fetchJSON decodes the body at url into thing and returns the raw body for
// debug payloads.
func fetchJSON(ctx context.Context, f Fetcher, url string, thing any) (json.RawMessage, error) {
	body, err := f.FetchRaw(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, thing); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", url, err)
	}
	return json.RawMessage(body), nil
}
