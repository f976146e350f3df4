package networksdb

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/xerrors"
)

// Client talks to the NetworksDB.io REST API. The DNS endpoint is a GET
// with query parameters; org-search and ip-info are form POSTs.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

func NewAPIClient(baseURL, apiKey string, httpClient *retryablehttp.Client) *Client {
	if httpClient == nil {
		httpClient = retryablehttp.NewClient()
		httpClient.RetryMax = 3
		httpClient.Logger = nil
		httpClient.HTTPClient.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// DNS returns the forward DNS answer for a domain.
func (c *Client) DNS(ctx context.Context, domain string) (map[string]any, error) {
	endpoint := c.baseURL + "/dns?" + url.Values{"domain": {domain}}.Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to build dns request: %w", err)
	}
	return c.do(req)
}

// OrgSearch looks up organisations matching a search term.
func (c *Client) OrgSearch(ctx context.Context, search string) (map[string]any, error) {
	return c.postForm(ctx, "/org-search", url.Values{"search": {search}})
}

// IPInfo returns ownership and geo details for one address.
func (c *Client) IPInfo(ctx context.Context, ip string) (map[string]any, error) {
	return c.postForm(ctx, "/ip-info", url.Values{"ip": {ip}})
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (map[string]any, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, xerrors.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *retryablehttp.Request) (map[string]any, error) {
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.Errorf("networksdb returned HTTP %d: %s", resp.StatusCode, string(msg))
	}

	var out map[string]any
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerrors.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}
