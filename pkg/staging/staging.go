// Package staging reads the JSON artifacts the collectors leave behind
// and prepares the deduplicated IPv4 list for the service scan.
package staging

import (
	"net/netip"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/utils"
)

const serviceFilePrefix = "modat_service"

// NormalizeIPv4 parses a candidate address and returns its canonical
// string form, or "" when it is not a valid IPv4 address.
func NormalizeIPv4(value string) string {
	s := strings.Trim(strings.TrimSpace(value), `"'`)
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return ""
	}
	return addr.String()
}

// HostScanIPv4s extracts all IPv4 addresses from one Modat host scan
// artifact. The host payload has carried addresses under several keys
// over time, at the top level, on the host object and on interfaces.
func HostScanIPv4s(path string) (set.Set[string], error) {
	out := set.New[string]()

	var data map[string]any
	if err := utils.UnmarshalJSONFile(&data, path); err != nil {
		return out, xerrors.Errorf("failed to read host scan %s: %w", path, err)
	}

	results, ok := data["results"].([]any)
	if !ok {
		results, _ = data["page"].([]any)
	}

	ipKeys := []string{"ip", "ip_str", "ip_address", "addr", "address"}
	for _, entry := range results {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		for _, k := range ipKeys {
			addString(out, item[k])
		}
		if host, ok := item["host"].(map[string]any); ok {
			for _, k := range ipKeys {
				addString(out, host[k])
			}
		}
		if ifaces, ok := item["interfaces"].([]any); ok {
			for _, e := range ifaces {
				if iface, ok := e.(map[string]any); ok {
					addString(out, iface["ip"])
				}
			}
		}
	}
	return out, nil
}

// DomainScanIPv4s extracts all IPv4 addresses from one NetworksDB scan
// artifact: the normalized `ips` list first, `ipv4_details` as backup,
// and plain string lists for very old artifacts.
func DomainScanIPv4s(path string) (set.Set[string], error) {
	out := set.New[string]()

	var data map[string]any
	if err := utils.UnmarshalJSONFile(&data, path); err != nil {
		return out, xerrors.Errorf("failed to read domain scan %s: %w", path, err)
	}

	for _, key := range []string{"ips", "ipv4_details"} {
		list, ok := data[key].([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			switch v := entry.(type) {
			case map[string]any:
				addString(out, v["ip"])
			case string:
				addString(out, v)
			}
		}
	}
	return out, nil
}

func addString(s set.Set[string], v any) {
	str, ok := v.(string)
	if !ok {
		return
	}
	if ip := NormalizeIPv4(str); ip != "" {
		s.Append(ip)
	}
}

// DirIPv4s runs the extractor over every JSON file in a directory and
// unions the results. A missing directory yields an empty set.
func DirIPv4s(dir string, extract func(path string) (set.Set[string], error)) (set.Set[string], error) {
	out := set.New[string]()

	exists, err := utils.Exists(dir)
	if err != nil {
		return out, xerrors.Errorf("failed to stat %s: %w", dir, err)
	}
	if !exists {
		return out, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return out, xerrors.Errorf("failed to glob %s: %w", dir, err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		ips, err := extract(path)
		if err != nil {
			// A single corrupt artifact should not sink the whole run.
			continue
		}
		out = out.Union(ips)
	}
	return out, nil
}

// SortIPs orders addresses numerically, not lexically.
func SortIPs(ips []string) []string {
	sort.Slice(ips, func(i, j int) bool {
		a, errA := netip.ParseAddr(ips[i])
		b, errB := netip.ParseAddr(ips[j])
		if errA != nil || errB != nil {
			return ips[i] < ips[j]
		}
		return a.Compare(b) < 0
	})
	return ips
}

// ServiceFileName builds the per-IP artifact name for a service scan.
func ServiceFileName(ip, dateStr string) string {
	return serviceFilePrefix + "_" + utils.SafeName(ip) + "_" + dateStr + ".json"
}

// ParseServiceFileName splits modat_service_<safeip>_<YYYYMMDD>.json
// into its IP and date parts.
func ParseServiceFileName(name string) (ip, date string, ok bool) {
	stem := strings.TrimSuffix(name, ".json")
	if !strings.HasPrefix(strings.ToLower(stem), serviceFilePrefix+"_") {
		return "", "", false
	}
	core := stem[len(serviceFilePrefix)+1:]
	idx := strings.LastIndex(core, "_")
	if idx <= 0 || idx == len(core)-1 {
		return "", "", false
	}
	ip, date = core[:idx], core[idx+1:]
	if len(date) != 8 {
		return "", "", false
	}
	return ip, date, true
}

// ServiceFileIndex maps each already-scanned IP to the dates it was
// scanned on, reconstructed from the artifact filenames.
func ServiceFileIndex(dir string) (map[string][]string, error) {
	index := map[string][]string{}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, xerrors.Errorf("failed to glob %s: %w", dir, err)
	}
	for _, m := range matches {
		if ip, date, ok := ParseServiceFileName(filepath.Base(m)); ok {
			index[ip] = append(index[ip], date)
		}
	}
	return index, nil
}
