package classify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	version "github.com/hashicorp/go-version"
	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
)

const (
	maxConfidence      = 100
	bodySearchLimit    = 10000
	bodyTextLimit      = 5000
	bonusVendorPort    = 5
	bonusModernFeature = 5
	bonusMultiMethod   = 10
	bonusOldFirmware   = 5
)

// Classifier applies one category's rule set to flattened scan rows.
type Classifier struct {
	rules  *Ruleset
	logger *log.Logger
}

func NewClassifier(category Category) (*Classifier, error) {
	rules, err := LoadRuleset(category)
	if err != nil {
		return nil, xerrors.Errorf("failed to load %s rules: %w", category, err)
	}
	return &Classifier{
		rules:  rules,
		logger: log.WithPrefix("classify-" + string(category)),
	}, nil
}

func (c *Classifier) Category() Category {
	return c.rules.Category
}

// Detection is the outcome for one row.
type Detection struct {
	Detected   bool
	Excluded   bool
	Confidence int
	Brand      string
	Product    string
	Reasons    []string
}

// Reason renders the detection reasons as one pipe-joined cell.
func (d Detection) Reason() string {
	seen := set.New[string]()
	var out []string
	for _, r := range d.Reasons {
		if seen.Contains(r) {
			continue
		}
		seen.Append(r)
		out = append(out, r)
	}
	return strings.Join(out, "|")
}

// rowFields is the searchable text pulled out of one flattened row.
// Column names shifted between API versions, so each field falls back
// through the known variants.
type rowFields struct {
	title       string
	body        string
	path        string
	headers     string
	banner      string
	product     string
	tags        string
	certIssuer  string
	certSubject string
	allText     string
	port        int
	firmware    string
}

func extractFields(row map[string]string) rowFields {
	get := func(names ...string) string {
		for _, n := range names {
			if v := row[n]; v != "" {
				return strings.ToLower(v)
			}
		}
		return ""
	}

	f := rowFields{
		title:       get("service.http.title", "http.html_title"),
		body:        get("service.http.body"),
		path:        get("service.http.path", "http.path"),
		headers:     get("service.http.headers", "http.headers"),
		banner:      get("service.banner"),
		product:     get("service.product"),
		tags:        get("service.fingerprints.tags"),
		certIssuer:  get("service.tls.issuer.common_name", "service.tls.issuer", "ssl.cert.issuer"),
		certSubject: get("service.tls.subject.common_name", "service.tls.subject", "ssl.cert.subject"),
		firmware:    get("service.software.version", "service.version", "service.firmware"),
	}
	f.port, _ = strconv.Atoi(row["service.port"])

	bodySnippet := f.body
	if len(bodySnippet) > bodyTextLimit {
		bodySnippet = bodySnippet[:bodyTextLimit]
	}
	f.allText = strings.Join([]string{
		f.title, f.banner, f.product, f.path, f.headers,
		bodySnippet, f.certIssuer, f.certSubject, f.tags,
	}, " ")
	return f
}

func (f rowFields) searchable() []string {
	return []string{
		f.title, f.body, f.path, f.headers, f.banner,
		f.product, f.tags, f.certIssuer, f.certSubject,
	}
}

// Classify runs the rule set over one row. Exclusions win outright;
// otherwise every detection method is tried and the confidence is the
// best base score plus bonuses.
func (c *Classifier) Classify(row map[string]string) Detection {
	f := extractFields(row)
	var d Detection

	for _, group := range c.rules.Exclusions {
		for _, pattern := range group.Patterns {
			if pattern.MatchString(f.allText) {
				d.Excluded = true
				d.Reasons = append(d.Reasons, "EXCLUDED:"+group.Name)
				return d
			}
		}
	}

	methods := 0

	if conf, reason := c.matchProtocol(f); conf > 0 {
		methods++
		d.Reasons = append(d.Reasons, reason)
		if conf > d.Confidence {
			d.Confidence = conf
		}
	}

	if brand, path := c.matchHTTPPath(f); brand != "" {
		methods++
		d.Reasons = append(d.Reasons, fmt.Sprintf("http_path:%s brand:%s", path, brand))
		if d.Brand == "" {
			d.Brand = brand
		}
		if 90 > d.Confidence {
			d.Confidence = 90
		}
	}

	if br, product := c.matchBrand(f); br != nil {
		methods++
		d.Brand = br.Name
		d.Product = product
		if product != "" {
			d.Reasons = append(d.Reasons, fmt.Sprintf("brand:%s product:%s", br.Name, product))
		} else {
			d.Reasons = append(d.Reasons, "brand:"+br.Name)
		}
		if br.Confidence > d.Confidence {
			d.Confidence = br.Confidence
		}
	}

	if tag, brandName := c.matchTag(f); tag != "" {
		methods++
		d.Reasons = append(d.Reasons, fmt.Sprintf("tag:%s brand_mention:%s", tag, brandName))
		if d.Brand == "" {
			d.Brand = brandName
		}
		if 60 > d.Confidence {
			d.Confidence = 60
		}
	}

	if methods == 0 {
		return d
	}
	d.Detected = true

	if d.Brand != "" {
		if ports, ok := c.rules.VendorPorts[d.Brand]; ok && containsInt(ports, f.port) {
			d.Confidence += bonusVendorPort
			d.Reasons = append(d.Reasons, fmt.Sprintf("vendor_port:%d", f.port))
		}
	}
	for _, feature := range c.rules.ModernFeatures {
		if feature.MatchString(f.allText) {
			d.Confidence += bonusModernFeature
			d.Reasons = append(d.Reasons, "modern_features")
			break
		}
	}
	if methods >= 2 {
		d.Confidence += bonusMultiMethod
		d.Reasons = append(d.Reasons, "multi_method")
	}
	if reason := c.checkFirmware(d.Brand, f.firmware); reason != "" {
		d.Confidence += bonusOldFirmware
		d.Reasons = append(d.Reasons, reason)
	}

	if d.Confidence > maxConfidence {
		d.Confidence = maxConfidence
	}
	return d
}

func (c *Classifier) matchProtocol(f rowFields) (int, string) {
	for _, proto := range c.rules.Protocols {
		portMatch := len(proto.Ports) == 0 || containsInt(proto.Ports, f.port)
		if !portMatch && proto.RequireBanner {
			continue
		}
		for _, pattern := range proto.BannerPatterns {
			if pattern.MatchString(f.allText) {
				return proto.Confidence, fmt.Sprintf("protocol:%s port:%d", proto.Name, f.port)
			}
		}
	}
	return 0, ""
}

func (c *Classifier) matchHTTPPath(f rowFields) (string, string) {
	bodySearch := f.body
	if len(bodySearch) > bodySearchLimit {
		bodySearch = bodySearch[:bodySearchLimit]
	}
	for _, group := range c.rules.HTTPPaths {
		if !strings.Contains(f.allText, strings.ToLower(group.Brand)) {
			continue
		}
		for _, path := range group.Paths {
			p := strings.ToLower(path)
			if strings.Contains(f.path, p) || strings.Contains(bodySearch, p) {
				return group.Brand, path
			}
		}
	}
	return "", ""
}

func (c *Classifier) matchBrand(f rowFields) (*brand, string) {
	fields := f.searchable()
	for i := range c.rules.Brands {
		br := &c.rules.Brands[i]
		if !matchAny(br.BrandPatterns, fields) && !matchAny(br.CertPatterns, fields) {
			continue
		}

		product := firstMatch(br.ProductPatterns, fields)
		if br.RequireProduct && product == "" {
			continue
		}
		return br, product
	}
	return nil, ""
}

func (c *Classifier) matchTag(f rowFields) (string, string) {
	if f.tags == "" {
		return "", ""
	}
	for _, tag := range c.rules.Tags {
		if !strings.Contains(f.tags, strings.ToLower(tag)) {
			continue
		}
		for _, br := range c.rules.Brands {
			if strings.Contains(f.allText, strings.ToLower(br.Name)) {
				return tag, br.Name
			}
		}
	}
	return "", ""
}

// checkFirmware flags rows exposing a firmware version older than the
// brand's known fixed release.
func (c *Classifier) checkFirmware(brandName, firmware string) string {
	if brandName == "" || firmware == "" {
		return ""
	}
	var fixed string
	for _, br := range c.rules.Brands {
		if br.Name == brandName {
			fixed = br.FixedFirmware
			break
		}
	}
	if fixed == "" {
		return ""
	}

	have, err := version.NewVersion(strings.TrimPrefix(firmware, "v"))
	if err != nil {
		return ""
	}
	want, err := version.NewVersion(fixed)
	if err != nil {
		return ""
	}
	if have.LessThan(want) {
		return fmt.Sprintf("outdated_firmware:%s<%s", firmware, fixed)
	}
	return ""
}

func matchAny(patterns []*regexp.Regexp, fields []string) bool {
	for _, pattern := range patterns {
		for _, field := range fields {
			if field != "" && pattern.MatchString(field) {
				return true
			}
		}
	}
	return false
}

func firstMatch(patterns []*regexp.Regexp, fields []string) string {
	for _, pattern := range patterns {
		for _, field := range fields {
			if field == "" {
				continue
			}
			if m := pattern.FindString(field); m != "" {
				return m
			}
		}
	}
	return ""
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
