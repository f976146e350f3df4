package modat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/akaBetsy/cpss/pkg/modat"
)

func TestClient_SearchAll(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Query    string `json:"query"`
			Page     int    `json:"page"`
			PageSize int    `json:"page_size"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, `ip = "198.51.100.7"`, req.Query)
		assert.Equal(t, 100, req.PageSize)

		fmt.Fprintf(w, `{"total_pages": 2, "total_records": 3, "page": [{"n": %d}]}`, req.Page)
	}))
	defer ts.Close()

	fake := clocktesting.NewFakeClock(time.Now())
	c := modat.NewClient(ts.URL, "test-token", 100, 3,
		modat.WithClock(fake), modat.WithPageDelay(time.Second))

	records, err := c.SearchAll(context.Background(), `ip = "198.51.100.7"`)
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"n": 1}`, string(records[0]))
	assert.JSONEq(t, `{"n": 2}`, string(records[1]))
}

func TestClient_Search_ResultsKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"total_pages": 1, "results": [{"ip": "192.0.2.1"}]}`)
	}))
	defer ts.Close()

	c := modat.NewClient(ts.URL, "t", 100, 0)
	resp, err := c.Search(context.Background(), "domain ~ example.com", 1)
	require.NoError(t, err)
	require.Len(t, resp.Records(), 1)
}

func TestClient_Search_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := modat.NewClient(ts.URL, "t", 100, 3)
	_, err := c.Search(context.Background(), "???", 1)
	assert.ErrorContains(t, err, "HTTP 400")
}

func TestClient_Search_RetriesRateLimit(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"total_pages": 1, "page": []}`)
	}))
	defer ts.Close()

	// Shrink the backoff so the test does not sleep for real.
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2
	rc.RetryWaitMin = time.Millisecond
	rc.RetryWaitMax = time.Millisecond

	c := modat.NewClient(ts.URL, "t", 100, 2, modat.WithHTTPClient(rc))
	_, err := c.Search(context.Background(), "domain ~ example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
