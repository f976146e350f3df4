package nvd_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/db"
	"github.com/akaBetsy/cpss/pkg/nvd"
	"github.com/akaBetsy/cpss/pkg/types"
)

func testNVDConfig(url string) config.NVDConfig {
	c := config.Default().NVD
	c.BaseURL = url
	c.RequestDelay = 0
	return c
}

func fastHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 2
	c.RetryWaitMin = time.Millisecond
	c.RetryWaitMax = time.Millisecond
	return c
}

func TestClient_Fetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CVE-Scanner", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("apiKey"))

		switch r.URL.Query().Get("cveId") {
		case "CVE-2021-36260":
			fmt.Fprint(w, `{"totalResults": 1, "vulnerabilities": [{"cve": {"id": "CVE-2021-36260"}}]}`)
		default:
			fmt.Fprint(w, `{"totalResults": 0, "vulnerabilities": []}`)
		}
	}))
	defer ts.Close()

	client := nvd.NewClient(testNVDConfig(ts.URL), "secret", nvd.WithHTTPClient(fastHTTPClient()))

	raw, err := client.Fetch(context.Background(), "CVE-2021-36260")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": "CVE-2021-36260"}`, string(raw))

	_, err = client.Fetch(context.Background(), "CVE-1999-0001")
	assert.ErrorIs(t, err, nvd.ErrNotFound)
}

func TestClient_Fetch_RetriesRateLimit(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "rate limited", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"totalResults": 1, "vulnerabilities": [{"cve": {"id": "CVE-2021-36260"}}]}`)
	}))
	defer ts.Close()

	client := nvd.NewClient(testNVDConfig(ts.URL), "", nvd.WithHTTPClient(fastHTTPClient()))

	_, err := client.Fetch(context.Background(), "CVE-2021-36260")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSummarizeCvss(t *testing.T) {
	score := func(f float64) *float64 { return &f }

	tests := []struct {
		name string
		raw  string
		want types.CvssSummary
	}{
		{
			name: "primary v31 wins over secondary",
			raw: `{"metrics": {"cvssMetricV31": [
				{"type": "Secondary", "cvssData": {"baseScore": 8.8, "baseSeverity": "HIGH", "vectorString": "CVSS:3.1/S"}},
				{"type": "Primary", "cvssData": {"baseScore": 9.8, "baseSeverity": "CRITICAL", "vectorString": "CVSS:3.1/P"}}
			]}}`,
			want: types.CvssSummary{
				V31BaseScore:    score(9.8),
				V31BaseSeverity: "CRITICAL",
				V31VectorString: "CVSS:3.1/P",
			},
		},
		{
			name: "first entry when no primary",
			raw: `{"metrics": {"cvssMetricV31": [
				{"type": "Secondary", "cvssData": {"baseScore": 7.5, "baseSeverity": "HIGH", "vectorString": "CVSS:3.1/X"}}
			]}}`,
			want: types.CvssSummary{
				V31BaseScore:    score(7.5),
				V31BaseSeverity: "HIGH",
				V31VectorString: "CVSS:3.1/X",
			},
		},
		{
			name: "v40 alongside v31",
			raw: `{"metrics": {
				"cvssMetricV31": [{"type": "Primary", "cvssData": {"baseScore": 9.8, "baseSeverity": "CRITICAL", "vectorString": "CVSS:3.1/P"}}],
				"cvssMetricV40": [{"type": "Primary", "cvssData": {"baseScore": 9.3, "baseSeverity": "CRITICAL", "vectorString": "CVSS:4.0/P"}}]
			}}`,
			want: types.CvssSummary{
				V31BaseScore:    score(9.8),
				V31BaseSeverity: "CRITICAL",
				V31VectorString: "CVSS:3.1/P",
				V40BaseScore:    score(9.3),
				V40BaseSeverity: "CRITICAL",
				V40VectorString: "CVSS:4.0/P",
			},
		},
		{
			name: "no metrics",
			raw:  `{"id": "CVE-2020-0001"}`,
			want: types.CvssSummary{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nvd.SummarizeCvss(json.RawMessage(tt.raw)))
		})
	}
}

func TestExtractIDs(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{
			name:  "semicolon joined",
			value: "CVE-2021-36260;CVE-2017-7921",
			want:  []string{"CVE-2017-7921", "CVE-2021-36260"},
		},
		{
			name:  "embedded in text with duplicates",
			value: "see cve-2021-36260 and CVE-2021-36260 (advisory)",
			want:  []string{"CVE-2021-36260"},
		},
		{
			name:  "no IDs",
			value: "nothing here",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nvd.ExtractIDs(tt.value)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractIDsFromCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flat.csv")
	content := `"source_ip","service.cves","service.port"
"10.0.0.1","CVE-2021-36260;CVE-2017-7921","80"
"10.0.0.2","","554"
"10.0.0.3","CVE-2021-36260","8000"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := nvd.ExtractIDsFromCSV(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"CVE-2017-7921", "CVE-2021-36260"}, got)
}

func TestExtractIDsFromCSV_MissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flat.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	_, err := nvd.ExtractIDsFromCSV(path)
	assert.ErrorContains(t, err, "service.cves")
}

func TestUpdater_Update(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cveId") {
		case "CVE-2021-36260":
			fmt.Fprint(w, `{"totalResults": 1, "vulnerabilities": [{"cve": {
				"id": "CVE-2021-36260",
				"metrics": {"cvssMetricV31": [{"type": "Primary",
					"cvssData": {"baseScore": 9.8, "baseSeverity": "CRITICAL", "vectorString": "CVSS:3.1/P"}}]}
			}}]}`)
		default:
			fmt.Fprint(w, `{"totalResults": 0, "vulnerabilities": []}`)
		}
	}))
	defer ts.Close()

	mockDB := new(db.MockOperation)
	mockDB.On("CVEIDs").Return([]string{"CVE-2017-7921"}, nil)
	mockDB.On("BatchUpdate", mock.Anything).Run(func(args mock.Arguments) {
		fn := args.Get(0).(func(tx *bolt.Tx) error)
		require.NoError(t, fn(nil))
	}).Return(nil)
	mockDB.ApplyPutCVERecordExpectation(db.PutCVERecordExpectation{
		Args: db.PutCVERecordArgs{TxAnything: true, RecordAnything: true},
	})

	fake := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	client := nvd.NewClient(testNVDConfig(ts.URL), "", nvd.WithHTTPClient(fastHTTPClient()))
	updater := nvd.NewUpdater(testNVDConfig(ts.URL), "",
		nvd.WithDB(mockDB), nvd.WithClient(client), nvd.WithClock(fake))

	res, err := updater.Update(context.Background(), []string{"CVE-2017-7921", "CVE-2021-36260", "CVE-1999-0001"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 1, res.Cached)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, []string{"CVE-1999-0001"}, res.Failed)

	mockDB.AssertNumberOfCalls(t, "PutCVERecord", 1)
	putRecord := mockDB.Calls[len(mockDB.Calls)-1].Arguments.Get(1).(types.CVERecord)
	assert.Equal(t, "CVE-2021-36260", putRecord.CveID)
	require.NotNil(t, putRecord.Cvss.V31BaseScore)
	assert.Equal(t, 9.8, *putRecord.Cvss.V31BaseScore)
}

func TestUpdater_Update_Refresh(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"totalResults": 1, "vulnerabilities": [{"cve": {"id": "CVE-2017-7921"}}]}`)
	}))
	defer ts.Close()

	mockDB := new(db.MockOperation)
	mockDB.On("BatchUpdate", mock.Anything).Return(nil)

	fake := clocktesting.NewFakeClock(time.Now())
	client := nvd.NewClient(testNVDConfig(ts.URL), "", nvd.WithHTTPClient(fastHTTPClient()))
	updater := nvd.NewUpdater(testNVDConfig(ts.URL), "",
		nvd.WithDB(mockDB), nvd.WithClient(client), nvd.WithClock(fake), nvd.WithRefresh(true))

	res, err := updater.Update(context.Background(), []string{"CVE-2017-7921"})
	require.NoError(t, err)

	// refresh skips the cache lookup entirely
	mockDB.AssertNotCalled(t, "CVEIDs")
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 0, res.Cached)
}

func TestUpdater_Update_CommitsInBatches(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"totalResults": 1, "vulnerabilities": [{"cve": {"id": %q}}]}`,
			r.URL.Query().Get("cveId"))
	}))
	defer ts.Close()

	mockDB := new(db.MockOperation)
	mockDB.On("CVEIDs").Return([]string{}, nil)
	mockDB.On("BatchUpdate", mock.Anything).Run(func(args mock.Arguments) {
		fn := args.Get(0).(func(tx *bolt.Tx) error)
		require.NoError(t, fn(nil))
	}).Return(nil)
	mockDB.ApplyPutCVERecordExpectation(db.PutCVERecordExpectation{
		Args: db.PutCVERecordArgs{TxAnything: true, RecordAnything: true},
	})

	var ids []string
	for i := 1; i <= 30; i++ {
		ids = append(ids, fmt.Sprintf("CVE-2024-%04d", i))
	}

	fake := clocktesting.NewFakeClock(time.Now())
	client := nvd.NewClient(testNVDConfig(ts.URL), "", nvd.WithHTTPClient(fastHTTPClient()))
	updater := nvd.NewUpdater(testNVDConfig(ts.URL), "",
		nvd.WithDB(mockDB), nvd.WithClient(client), nvd.WithClock(fake))

	res, err := updater.Update(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 30, res.Fetched)

	// one checkpoint after 25 records, one final commit for the rest
	mockDB.AssertNumberOfCalls(t, "BatchUpdate", 2)
	mockDB.AssertNumberOfCalls(t, "PutCVERecord", 30)
}

func TestWriteFailed(t *testing.T) {
	dir := t.TempDir()

	path, err := nvd.WriteFailed(dir, []string{"CVE-1999-0001"})
	require.NoError(t, err)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "CVE-1999-0001\n", string(b))

	path, err = nvd.WriteFailed(dir, nil)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestExportCSV(t *testing.T) {
	score := func(f float64) *float64 { return &f }
	records := []types.CVERecord{
		{
			CveID: "CVE-2021-36260",
			Cvss: types.CvssSummary{
				V31BaseScore:    score(9.8),
				V31BaseSeverity: "CRITICAL",
				V31VectorString: "CVSS:3.1/P",
			},
			NVD: json.RawMessage(`{
				"published": "2021-09-22T13:15:00",
				"lastModified": "2024-02-01T10:00:00",
				"descriptions": [
					{"lang": "es", "value": "otra"},
					{"lang": "en", "value": "A command injection vulnerability"}
				]
			}`),
		},
		{
			CveID: "CVE-2017-7921",
		},
	}

	mockDB := new(db.MockOperation)
	mockDB.On("ForEachCVERecord", mock.Anything).Run(func(args mock.Arguments) {
		fn := args.Get(0).(func(record types.CVERecord) error)
		for _, r := range records {
			require.NoError(t, fn(r))
		}
	}).Return(nil)

	path := filepath.Join(t.TempDir(), "cve_summary.csv")
	n, err := nvd.ExportCSV(mockDB, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	want := "cve_id,published,lastModified," +
		"v31_baseScore,v31_baseSeverity,v31_vectorString," +
		"v40_baseScore,v40_baseSeverity,v40_vectorString,description_en\n" +
		"CVE-2017-7921,,,,,,,,,\n" +
		"CVE-2021-36260,2021-09-22T13:15:00,2024-02-01T10:00:00," +
		"9.8,CRITICAL,CVSS:3.1/P,,,,A command injection vulnerability\n"
	assert.Equal(t, want, string(b))
}

func TestExportJSONL(t *testing.T) {
	records := []types.CVERecord{
		{CveID: "CVE-2021-36260", NVD: json.RawMessage(`{"id": "CVE-2021-36260"}`)},
		{CveID: "CVE-2017-7921", NVD: json.RawMessage(`{"id": "CVE-2017-7921"}`)},
	}

	mockDB := new(db.MockOperation)
	mockDB.On("ForEachCVERecord", mock.Anything).Run(func(args mock.Arguments) {
		fn := args.Get(0).(func(record types.CVERecord) error)
		for _, r := range records {
			require.NoError(t, fn(r))
		}
	}).Return(nil)

	path := filepath.Join(t.TempDir(), "cve_enriched.jsonl")
	n, err := nvd.ExportJSONL(mockDB, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "CVE-2017-7921", first["cve_id"])
}
