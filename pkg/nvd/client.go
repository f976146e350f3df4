// Package nvd cross-references collected CVE identifiers against the
// NVD CVE API 2.0 and caches the responses locally.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/log"
)

// ErrNotFound is returned when the API answers but carries no record
// for the requested CVE ID.
var ErrNotFound = xerrors.New("CVE not found in NVD")

type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *retryablehttp.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *retryablehttp.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient builds an API client honoring the NVD rate limits. Without
// an API key NVD allows 5 requests per 30 seconds, so the retry backoff
// is deliberately generous.
func NewClient(cfg config.NVDConfig, apiKey string, opts ...ClientOption) *Client {
	client := &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    apiKey,
		userAgent: cfg.UserAgent,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		c := retryablehttp.NewClient()
		c.RetryMax = cfg.RetryLimit
		c.Logger = nil
		client.httpClient = c
	}

	// The NVD rate-limit rules apply to injected clients too.
	client.httpClient.CheckRetry = checkRetry
	client.httpClient.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return time.Duration(float64(cfg.RequestDelay) * math.Pow(cfg.BackoffMultiplier, float64(attemptNum)))
	}
	return client
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	// NVD signals rate limiting with 403 as well as 429.
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusForbidden, http.StatusServiceUnavailable:
		return true, nil
	}
	return false, nil
}

type apiResponse struct {
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE json.RawMessage `json:"cve"`
	} `json:"vulnerabilities"`
}

// Fetch retrieves the raw CVE object for one identifier.
func (c *Client) Fetch(ctx context.Context, cveID string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s?cveId=%s", c.baseURL, cveID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to build NVD request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("NVD request failed for %s: %w", cveID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.Errorf("NVD returned HTTP %d for %s: %s", resp.StatusCode, cveID, string(body))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, xerrors.Errorf("failed to decode NVD response for %s: %w", cveID, err)
	}
	if parsed.TotalResults == 0 || len(parsed.Vulnerabilities) == 0 {
		log.Debug("NVD has no record", log.String("cve_id", cveID))
		return nil, ErrNotFound
	}
	return parsed.Vulnerabilities[0].CVE, nil
}
