// Package networksdb resolves domains to addresses via NetworksDB.io and
// enriches every address with ownership details.
package networksdb

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/runlog"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/types"
	"github.com/akaBetsy/cpss/pkg/utils"
)

const filePrefix = "networksdb"

type Collector struct {
	client *Client
	outDir string
	runLog *runlog.Log
	cfg    config.NetworksDBConfig
	clock  clock.Clock
	logger *log.Logger
}

type Option func(*Collector)

func WithClock(c clock.Clock) Option {
	return func(col *Collector) {
		col.clock = c
	}
}

func WithClient(c *Client) Option {
	return func(col *Collector) {
		col.client = c
	}
}

func NewCollector(cfg config.NetworksDBConfig, apiKey, outDir string, runLog *runlog.Log, opts ...Option) *Collector {
	col := &Collector{
		outDir: outDir,
		runLog: runLog,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: log.WithPrefix("networksdb"),
	}
	for _, opt := range opts {
		opt(col)
	}
	if col.client == nil {
		col.client = NewAPIClient(cfg.BaseURL, apiKey, nil)
	}
	return col
}

func (c *Collector) Name() types.SourceID {
	return types.NetworksDB
}

func (c *Collector) Collect(ctx context.Context, domains []string) error {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return xerrors.Errorf("failed to create output dir: %w", err)
	}

	completed, err := c.completedSafeNames()
	if err != nil {
		return err
	}
	c.logger.Info("Resuming collection", log.Int("already_processed", completed.Size()))

	dateStr := c.clock.Now().UTC().Format("20060102")

	for _, domain := range domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}

		safeName := utils.SafeName(domain)
		if completed.Contains(safeName) {
			c.logger.Info("Already processed, skipping", log.Domain(domain))
			if err := c.runLog.Append(domain, types.StatusSkipExists, 0); err != nil {
				return err
			}
			continue
		}

		scan, resolved, err := c.collectDomain(ctx, domain)
		if err != nil {
			c.logger.Error("Domain query failed", log.Domain(domain), log.Err(err))
			if err := c.runLog.Append(domain, types.StatusFail, 0); err != nil {
				return err
			}
			c.clock.Sleep(c.cfg.Delay)
			continue
		}

		outFile := filepath.Join(c.outDir, fmt.Sprintf("%s_%s_%s.json", filePrefix, safeName, dateStr))
		if err := utils.WriteJSONFile(outFile, scan); err != nil {
			return xerrors.Errorf("failed to write %s: %w", outFile, err)
		}

		c.logger.Info("Saved results", log.Domain(domain), log.Count(resolved), log.FilePath(outFile))
		if err := c.runLog.Append(domain, types.StatusOK, resolved); err != nil {
			return err
		}
		c.clock.Sleep(c.cfg.Delay)
	}
	return nil
}

func (c *Collector) collectDomain(ctx context.Context, domain string) (types.DomainScan, int, error) {
	c.logger.Info("Querying", log.Domain(domain))

	scan := types.DomainScan{
		Domain:    domain,
		Timestamp: c.clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}

	dnsData, err := c.client.DNS(ctx, domain)
	if err != nil {
		return scan, 0, xerrors.Errorf("dns lookup failed: %w", err)
	}
	scan.DNS = dnsData

	ips := extractIPs(dnsData)

	// Organisation context: search on the first domain label.
	orgName := strings.SplitN(domain, ".", 2)[0]
	orgData, err := c.client.OrgSearch(ctx, orgName)
	if err != nil {
		return scan, 0, xerrors.Errorf("org search failed: %w", err)
	}
	scan.OrgSearch = orgData

	for _, ip := range ips {
		info, err := c.client.IPInfo(ctx, ip)
		if err != nil {
			return scan, 0, xerrors.Errorf("ip-info failed for %s: %w", ip, err)
		}
		detail := types.IPDetail{IP: ip, IPInfo: info}

		addr, parseErr := netip.ParseAddr(ip)
		switch {
		case parseErr != nil:
			detail.Error = "Invalid IP format"
			scan.IPv4Details = append(scan.IPv4Details, detail)
		case addr.Is4():
			scan.IPv4Details = append(scan.IPv4Details, detail)
		default:
			scan.IPv6Details = append(scan.IPv6Details, detail)
		}

		scan.IPs = append(scan.IPs, normalizeIP(detail))
		c.clock.Sleep(c.cfg.Delay)
	}

	return scan, len(ips), nil
}

// extractIPs pulls addresses from a DNS answer, accepting both plain
// strings and {"ip": ...} objects under `results`.
func extractIPs(dnsData map[string]any) []string {
	results, ok := dnsData["results"].([]any)
	if !ok {
		return nil
	}

	var ips []string
	for _, entry := range results {
		switch v := entry.(type) {
		case string:
			if v != "" {
				ips = append(ips, v)
			}
		case map[string]any:
			if ip, ok := v["ip"].(string); ok && ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

// normalizeIP flattens an ip-info answer into the source-independent
// shape shared with the Modat side of the pipeline.
func normalizeIP(detail types.IPDetail) types.IPInfo {
	info := detail.IPInfo

	out := types.IPInfo{
		IP:      detail.IP,
		Sources: []string{"networksdb:dns", "networksdb:ip-info"},
	}
	if addr, err := netip.ParseAddr(detail.IP); err == nil {
		if addr.Is4() {
			out.Version = 4
		} else {
			out.Version = 6
		}
	}

	out.ASN = firstOf(info, "asn", "asn_number")
	out.Org = firstOf(info, "org", "organization")
	out.Country = info["country"]
	out.Tags = info["tags"]

	if rdns := info["reverse_dns"]; rdns != nil {
		out.RDNS = rdns
	} else {
		out.RDNS = []string{}
	}
	return out
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func (c *Collector) completedSafeNames() (set.Set[string], error) {
	completed := set.New[string]()

	matches, err := filepath.Glob(filepath.Join(c.outDir, filePrefix+"_*_*.json"))
	if err != nil {
		return completed, xerrors.Errorf("failed to glob output dir: %w", err)
	}
	for _, m := range matches {
		stem := strings.TrimSuffix(filepath.Base(m), ".json")
		parts := strings.Split(stem, "_")
		if len(parts) >= 3 {
			safeName := strings.ToLower(strings.Join(parts[1:len(parts)-1], "_"))
			completed.Append(safeName)
		}
	}
	return completed, nil
}
