package staging

import (
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/utils"
)

// Targets is the deduplicated IPv4 target list for the service scan,
// with per-source counts kept for the summary output.
type Targets struct {
	IPs           []string
	HostScanCount int
	DomainCount   int
	Overlap       int
}

// BuildTargets unions the IPv4 addresses found in the host-scan and
// domain-scan staging directories into one numerically sorted list.
func BuildTargets(hostDir, domainDir string) (*Targets, error) {
	fromHosts, err := DirIPv4s(hostDir, HostScanIPv4s)
	if err != nil {
		return nil, xerrors.Errorf("failed to collect host scan IPs: %w", err)
	}
	fromDomains, err := DirIPv4s(domainDir, DomainScanIPv4s)
	if err != nil {
		return nil, xerrors.Errorf("failed to collect domain scan IPs: %w", err)
	}

	merged := fromHosts.Union(fromDomains)
	overlap := 0
	for _, ip := range fromHosts.Values() {
		if fromDomains.Contains(ip) {
			overlap++
		}
	}

	return &Targets{
		IPs:           SortIPs(merged.Values()),
		HostScanCount: fromHosts.Size(),
		DomainCount:   fromDomains.Size(),
		Overlap:       overlap,
	}, nil
}

// TargetFileName builds the target list name for a run date.
func TargetFileName(dateStr string) string {
	return "_domain_to_ip_" + dateStr + ".txt"
}

// Write stores the target list, one address per line.
func (t *Targets) Write(dir, dateStr string) (string, error) {
	path := filepath.Join(dir, TargetFileName(dateStr))
	if err := utils.WriteLines(path, t.IPs); err != nil {
		return "", xerrors.Errorf("failed to write target list: %w", err)
	}
	log.Info("Wrote service scan targets", log.FilePath(path), log.Count(len(t.IPs)))
	return path, nil
}

// NewestTargetList returns the most recent target list in dir, by the
// date embedded in the name, or "" when none exists.
func NewestTargetList(dir string) string {
	matches, err := filepath.Glob(filepath.Join(dir, "_domain_to_ip_*.txt"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

// LoadTargets reads a previously written target list, dropping any
// line that is not a valid IPv4 address.
func LoadTargets(path string) ([]string, error) {
	lines, err := utils.ReadLines(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read target list %s: %w", path, err)
	}

	ips := set.New[string]()
	for _, line := range lines {
		if ip := NormalizeIPv4(line); ip != "" {
			ips.Append(ip)
		}
	}
	return SortIPs(ips.Values()), nil
}
