// Package extract builds a verified domain list from a source document,
// usually a certification body's PDF listing of accredited companies.
package extract

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
)

const defaultTLDListURL = "https://data.iana.org/TLD/tlds-alpha-by-domain.txt"

// TLDs is the set of valid top level domains, lowercased.
type TLDs struct {
	set.Set[string]
}

// TLDLoader fetches and caches the IANA TLD list.
type TLDLoader struct {
	url      string
	cacheDir string
	client   *retryablehttp.Client
}

type TLDOption func(*TLDLoader)

func WithTLDURL(url string) TLDOption {
	return func(l *TLDLoader) {
		l.url = url
	}
}

func NewTLDLoader(cacheDir string, opts ...TLDOption) *TLDLoader {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	l := &TLDLoader{
		url:      defaultTLDListURL,
		cacheDir: cacheDir,
		client:   client,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches the TLD list, serving a cached copy when the download
// fails so the extraction also works offline.
func (l *TLDLoader) Load(ctx context.Context) (TLDs, error) {
	cachePath := filepath.Join(l.cacheDir, "tlds-alpha-by-domain.txt")

	body, err := l.download(ctx)
	if err != nil {
		log.Warn("TLD list download failed, trying cache", log.Err(err))
		b, cacheErr := os.ReadFile(cachePath)
		if cacheErr != nil {
			return TLDs{}, xerrors.Errorf("failed to load TLD list: %w", err)
		}
		body = string(b)
	} else {
		if err := os.MkdirAll(l.cacheDir, 0o755); err == nil {
			// cache write failures are not fatal
			_ = os.WriteFile(cachePath, []byte(body), 0o644)
		}
	}

	tlds := TLDs{Set: set.New[string]()}
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tlds.Append(strings.ToLower(line))
	}
	if tlds.Size() == 0 {
		return TLDs{}, xerrors.New("TLD list is empty")
	}
	return tlds, nil
}

func (l *TLDLoader) download(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return "", xerrors.Errorf("failed to build TLD request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", xerrors.Errorf("TLD request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("TLD list returned HTTP %d", resp.StatusCode)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", xerrors.Errorf("failed to read TLD list: %w", err)
	}
	return sb.String(), nil
}
