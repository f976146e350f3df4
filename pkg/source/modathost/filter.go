package modathost

import (
	"strings"

	"github.com/akaBetsy/cpss/pkg/types"
)

// underDomain reports whether host equals base or is a subdomain of it.
func underDomain(host, base string) bool {
	host = strings.Trim(strings.ToLower(host), ".")
	base = strings.Trim(strings.ToLower(base), ".")
	if host == "" || base == "" {
		return false
	}
	return host == base || strings.HasSuffix(host, "."+base)
}

// hostFrom digs the primary hostname out of a search hit. The host API
// has shipped it under several keys and sometimes as a nested object.
func hostFrom(item map[string]any) string {
	for _, k := range []string{"host", "hostname", "fqdn", "domain", "name"} {
		switch v := item[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			for _, kk := range []string{"hostname", "name", "fqdn", "value"} {
				if s, ok := v[kk].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// sansFrom returns certificate SANs, either top-level or under cert.san.
func sansFrom(item map[string]any) []string {
	v := item["san"]
	if v == nil {
		if cert, ok := item["cert"].(map[string]any); ok {
			v = cert["san"]
		}
	}
	return stringList(v)
}

// fqdnsFrom returns FQDNs listed on the hit or on its host object.
func fqdnsFrom(item map[string]any) []string {
	out := stringList(item["fqdns"])
	if h, ok := item["host"].(map[string]any); ok {
		out = append(out, stringList(h["fqdns"])...)
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// matchesDomain is the strict suffix check: a hit survives only when its
// hostname, a SAN, or an FQDN falls under the queried domain.
func matchesDomain(item types.HostResult, domain string) bool {
	if underDomain(hostFrom(item), domain) {
		return true
	}
	for _, san := range sansFrom(item) {
		if underDomain(san, domain) {
			return true
		}
	}
	for _, fqdn := range fqdnsFrom(item) {
		if underDomain(fqdn, domain) {
			return true
		}
	}
	return false
}
