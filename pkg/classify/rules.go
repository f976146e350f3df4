// Package classify labels flattened scan rows as electronic access
// control (EACS), video surveillance (VSS) or intrusion and hold-up
// alarm (IHAS) systems using embedded rule sets.
package classify

import (
	"embed"
	"regexp"
	"sort"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

//go:embed rules/*.yaml
var ruleFiles embed.FS

// Category identifies one rule set.
type Category string

const (
	EACS Category = "eacs"
	VSS  Category = "vss"
	IHAS Category = "ihas"
)

func Categories() []Category {
	return []Category{EACS, VSS, IHAS}
}

type ruleFile struct {
	Category       string                  `yaml:"category"`
	Tags           []string                `yaml:"tags"`
	Exclusions     map[string][]string     `yaml:"exclusions"`
	HTTPPaths      map[string][]string     `yaml:"http_paths"`
	Protocols      map[string]protocolRule `yaml:"protocols"`
	Brands         map[string]brandRule    `yaml:"brands"`
	VendorPorts    map[string][]int        `yaml:"vendor_ports"`
	ModernFeatures []string                `yaml:"modern_features"`
}

type protocolRule struct {
	Ports          []int    `yaml:"ports"`
	BannerPatterns []string `yaml:"banner_patterns"`
	Confidence     int      `yaml:"confidence"`
	RequireBanner  bool     `yaml:"require_banner"`
}

type brandRule struct {
	BrandPatterns   []string `yaml:"brand_patterns"`
	ProductPatterns []string `yaml:"product_patterns"`
	CertPatterns    []string `yaml:"cert_patterns"`
	Confidence      int      `yaml:"confidence"`
	RequireProduct  bool     `yaml:"require_product"`
	MultiFunction   bool     `yaml:"multi_function"`
	FixedFirmware   string   `yaml:"fixed_firmware"`
}

// Ruleset is a compiled rule file.
type Ruleset struct {
	Category       Category
	Tags           []string
	Exclusions     []exclusionGroup
	HTTPPaths      []pathGroup
	Protocols      []protocol
	Brands         []brand
	VendorPorts    map[string][]int
	ModernFeatures []*regexp.Regexp
}

type exclusionGroup struct {
	Name     string
	Patterns []*regexp.Regexp
}

type pathGroup struct {
	Brand string
	Paths []string
}

type protocol struct {
	Name           string
	Ports          []int
	BannerPatterns []*regexp.Regexp
	Confidence     int
	RequireBanner  bool
}

type brand struct {
	Name            string
	BrandPatterns   []*regexp.Regexp
	ProductPatterns []*regexp.Regexp
	CertPatterns    []*regexp.Regexp
	Confidence      int
	RequireProduct  bool
	MultiFunction   bool
	FixedFirmware   string
}

// LoadRuleset parses and compiles the embedded rules of one category.
func LoadRuleset(category Category) (*Ruleset, error) {
	b, err := ruleFiles.ReadFile("rules/" + string(category) + ".yaml")
	if err != nil {
		return nil, xerrors.Errorf("unknown category %q: %w", category, err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, xerrors.Errorf("failed to parse %s rules: %w", category, err)
	}

	rs := &Ruleset{
		Category:    Category(rf.Category),
		Tags:        rf.Tags,
		VendorPorts: rf.VendorPorts,
	}

	for _, name := range sortedKeys(rf.Exclusions) {
		patterns, err := compileAll(rf.Exclusions[name])
		if err != nil {
			return nil, xerrors.Errorf("bad exclusion %s: %w", name, err)
		}
		rs.Exclusions = append(rs.Exclusions, exclusionGroup{Name: name, Patterns: patterns})
	}

	for _, name := range sortedKeys(rf.HTTPPaths) {
		rs.HTTPPaths = append(rs.HTTPPaths, pathGroup{Brand: name, Paths: rf.HTTPPaths[name]})
	}

	for _, name := range sortedKeys(rf.Protocols) {
		p := rf.Protocols[name]
		patterns, err := compileAll(p.BannerPatterns)
		if err != nil {
			return nil, xerrors.Errorf("bad protocol %s: %w", name, err)
		}
		rs.Protocols = append(rs.Protocols, protocol{
			Name:           name,
			Ports:          p.Ports,
			BannerPatterns: patterns,
			Confidence:     p.Confidence,
			RequireBanner:  p.RequireBanner,
		})
	}

	for _, name := range sortedKeys(rf.Brands) {
		br := rf.Brands[name]
		brandPatterns, err := compileAll(br.BrandPatterns)
		if err != nil {
			return nil, xerrors.Errorf("bad brand %s: %w", name, err)
		}
		productPatterns, err := compileAll(br.ProductPatterns)
		if err != nil {
			return nil, xerrors.Errorf("bad brand %s: %w", name, err)
		}
		certPatterns, err := compileAll(br.CertPatterns)
		if err != nil {
			return nil, xerrors.Errorf("bad brand %s: %w", name, err)
		}
		rs.Brands = append(rs.Brands, brand{
			Name:            name,
			BrandPatterns:   brandPatterns,
			ProductPatterns: productPatterns,
			CertPatterns:    certPatterns,
			Confidence:      br.Confidence,
			RequireProduct:  br.RequireProduct,
			MultiFunction:   br.MultiFunction,
			FixedFirmware:   br.FixedFirmware,
		})
	}

	rs.ModernFeatures, err = compileAll(rf.ModernFeatures)
	if err != nil {
		return nil, xerrors.Errorf("bad modern feature pattern: %w", err)
	}
	return rs, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, xerrors.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
