// Package modat implements the Modat Magnify search client shared by the
// host and service collectors.
package modat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/log"
)

type Client struct {
	url        string
	token      string
	pageSize   int
	pageDelay  time.Duration
	httpClient *retryablehttp.Client
	clock      clock.Clock
	logger     *log.Logger
}

type Option func(*Client)

func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(mc *Client) {
		mc.httpClient = c
	}
}

func WithClock(c clock.Clock) Option {
	return func(mc *Client) {
		mc.clock = c
	}
}

func WithPageDelay(d time.Duration) Option {
	return func(mc *Client) {
		mc.pageDelay = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(mc *Client) {
		mc.logger = l
	}
}

// NewClient builds a Magnify search client. Rate-limit answers (429) are
// retried with a linear backoff, other HTTP errors fail the request.
func NewClient(url, token string, pageSize, maxRetries int, opts ...Option) *Client {
	c := &Client{
		url:      url,
		token:    token,
		pageSize: pageSize,
		clock:    clock.RealClock{},
		logger:   log.WithPrefix("modat"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = maxRetries
		rc.Logger = nil
		rc.HTTPClient.Timeout = 60 * time.Second
		rc.CheckRetry = checkRetry
		rc.Backoff = func(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
			return time.Duration(attemptNum+1) * 5 * time.Second
		}
		c.httpClient = rc
	}
	return c
}

// checkRetry retries network errors and 429 answers only; any other HTTP
// status is final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// Search fetches one page of results for a Magnify query.
func (c *Client) Search(ctx context.Context, query string, page int) (SearchResponse, error) {
	body, err := json.Marshal(searchRequest{
		Query:    query,
		Page:     page,
		PageSize: c.pageSize,
	})
	if err != nil {
		return SearchResponse{}, xerrors.Errorf("failed to marshal search request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return SearchResponse{}, xerrors.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SearchResponse{}, xerrors.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SearchResponse{}, xerrors.Errorf("search returned HTTP %d: %s", resp.StatusCode, string(msg))
	}

	var sr SearchResponse
	if err = json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return SearchResponse{}, xerrors.Errorf("failed to decode search response: %w", err)
	}
	return sr, nil
}

// SearchAll walks every page of a query, pausing between pages so the
// API quota survives large result sets. A page failure after the first
// returns what was collected so far along with the error.
func (c *Client) SearchAll(ctx context.Context, query string) ([]json.RawMessage, error) {
	first, err := c.Search(ctx, query, 1)
	if err != nil {
		return nil, err
	}

	collected := first.Records()
	c.logger.Info("Fetched page",
		log.Int("page", 1), log.Int("total_pages", first.TotalPages),
		log.Int("records", len(collected)), log.Int("total_records", first.TotalRecords))

	for page := 2; page <= first.TotalPages; page++ {
		c.clock.Sleep(c.pageDelay)

		next, err := c.Search(ctx, query, page)
		if err != nil {
			return collected, xerrors.Errorf("stopped at page %d: %w", page, err)
		}
		records := next.Records()
		collected = append(collected, records...)
		c.logger.Info("Fetched page",
			log.Int("page", page), log.Int("total_pages", first.TotalPages),
			log.Int("records", len(records)))
	}
	return collected, nil
}
