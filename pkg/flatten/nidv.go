package flatten

import (
	"encoding/json"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/utils"
)

var (
	domainPattern    = regexp.MustCompile(`^(?:[a-z0-9-]{1,63}\.)+[a-z]{2,63}$`)
	separatorPattern = regexp.MustCompile(`[\s;|,]+`)
	hostFilePattern  = regexp.MustCompile(`^modat_host_(.+)_(\d{8})\.json$`)
)

// NormalizeDomainToken validates one candidate domain label, returning
// "" when it is not a plausible domain.
func NormalizeDomainToken(token string) string {
	d := strings.Trim(strings.ToLower(strings.TrimSpace(token)), ".")
	if d == "" || strings.HasPrefix(d, "-") {
		return ""
	}
	if !domainPattern.MatchString(d) {
		return ""
	}
	return d
}

func splitToDomains(value string) []string {
	var out []string
	for _, part := range separatorPattern.Split(strings.TrimSpace(value), -1) {
		if dom := NormalizeDomainToken(part); dom != "" {
			out = append(out, dom)
		}
	}
	return out
}

// KnownDomains is the index of company domains the collectors were run
// for, used to attribute scanned services back to a listed company.
type KnownDomains struct {
	set.Set[string]
}

// LoadKnownDomains builds the index from the domain fields of the
// NetworksDB artifacts and the labels in the Modat host artifact
// filenames.
func LoadKnownDomains(hostDir, domainDir string) KnownDomains {
	known := KnownDomains{Set: set.New[string]()}

	if exists, _ := utils.Exists(domainDir); exists {
		_ = utils.FileWalk(domainDir, func(r io.Reader, path string) error {
			if !strings.HasSuffix(path, ".json") {
				return nil
			}
			var data struct {
				Domain string `json:"domain"`
			}
			if err := json.NewDecoder(r).Decode(&data); err != nil {
				return nil
			}
			known.Append(splitToDomains(data.Domain)...)
			return nil
		})
	}

	if matches, err := filepath.Glob(filepath.Join(hostDir, "modat_host_*_*.json")); err == nil {
		for _, path := range matches {
			m := hostFilePattern.FindStringSubmatch(filepath.Base(path))
			if m == nil {
				continue
			}
			known.Append(splitToDomains(m[1])...)
		}
	}

	log.Debug("Known domain index built", log.Count(known.Size()))
	return known
}

// Match attributes a list of FQDNs to known domains by exact or
// dot-suffix match, returning the `;`-joined sorted hits.
func (k KnownDomains) Match(fqdns []string) string {
	matches := set.NewOrdered[string]()
	for _, fqdn := range fqdns {
		h := strings.Trim(strings.ToLower(strings.TrimSpace(fqdn)), ".")
		if h == "" {
			continue
		}
		if k.Contains(h) {
			matches.Append(h)
			continue
		}
		for _, dom := range k.Values() {
			if strings.HasSuffix(h, "."+dom) {
				matches.Append(dom)
			}
		}
	}
	return strings.Join(matches.Values(), ";")
}
