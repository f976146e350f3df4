// Package shodan converts Shodan JSON exports into the same wide CSV
// schema the service scan pipeline produces, so both datasets can be
// compared column for column.
package shodan

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/akaBetsy/cpss/pkg/flatten"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
)

const (
	// OutputCSVName is the converted table written next to the input.
	OutputCSVName = "shodan_modat_format.csv"

	htmlTruncateAt     = 1000
	httpHTMLTruncateAt = 500
	htmlExcerptLen     = 200
	truncatedSuffix    = "... [truncated]"
)

// vendorModules are Shodan banner modules promoted to service.<vendor>.*
// columns instead of the generic shodan.* prefix.
var vendorModules = []string{"apache", "axis", "cisco", "dahua", "hikvision", "nginx"}

// handledKeys are record fields mapped explicitly; everything else is
// carried over under a shodan.* prefix.
var handledKeys = func() set.Set[string] {
	s := set.New[string]()
	s.Append("ip_str", "port", "transport", "product", "version", "timestamp",
		"location", "asn", "org", "isp", "hostnames", "domains", "http",
		"vulns", "ip", "data", "opts", "hash", "_shodan")
	s.Append(vendorModules...)
	return s
}()

type Converter struct {
	logger *log.Logger
}

func NewConverter() *Converter {
	return &Converter{logger: log.WithPrefix("shodan")}
}

// Result describes one conversion run.
type Result struct {
	Rows    int
	Columns int
	OutPath string
}

// Convert reads a Shodan export, either a single JSON document with a
// `matches` array or JSONL with one record per line, and writes the
// converted CSV into outDir.
func (c *Converter) Convert(inPath, outDir string) (*Result, error) {
	matches, err := c.readRecords(inPath)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, xerrors.Errorf("no records found in %s", inPath)
	}
	c.logger.Info("Converting Shodan records", log.Count(len(matches)))

	sourceFile := filepath.Base(inPath)
	rows := make([]map[string]string, 0, len(matches))
	columns := set.NewOrdered[string]()

	bar := pb.StartNew(len(matches))
	for i, match := range matches {
		bar.Increment()
		row := convertRecord(match)
		row["source_file"] = sourceFile
		row["source_format"] = "shodan"
		row["record_index"] = flatten.CleanValue(float64(i + 1))
		rows = append(rows, row)
		for k := range row {
			columns.Append(k)
		}
	}
	bar.Finish()

	outPath := filepath.Join(outDir, OutputCSVName)
	headers := columns.Values()
	if err := flatten.WriteCSV(outPath, headers, rows); err != nil {
		return nil, xerrors.Errorf("failed to write %s: %w", outPath, err)
	}

	c.logger.Info("Conversion written", log.FilePath(outPath),
		log.Int("rows", len(rows)), log.Int("columns", len(headers)))
	return &Result{Rows: len(rows), Columns: len(headers), OutPath: outPath}, nil
}

func (c *Converter) readRecords(path string) ([]map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read %s: %w", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err == nil {
		raw, ok := doc["matches"].([]any)
		if !ok {
			return nil, xerrors.Errorf("unexpected JSON structure in %s: no matches array", path)
		}
		var matches []map[string]any
		for _, m := range raw {
			if rec, ok := m.(map[string]any); ok {
				matches = append(matches, rec)
			}
		}
		return matches, nil
	}

	// Not a single document, treat it as JSONL.
	var matches []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(string(b)))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			c.logger.Warn("Skipping invalid JSON line", log.Int("line", lineNum), log.Err(err))
			continue
		}
		matches = append(matches, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("failed to scan %s: %w", path, err)
	}
	return matches, nil
}

// convertRecord maps one Shodan banner onto the service scan column
// names. Unknown fields keep their data under a shodan.* prefix.
func convertRecord(rec map[string]any) map[string]string {
	row := map[string]string{}

	row["ip"] = flatten.CleanValue(rec["ip_str"])

	if location, ok := rec["location"].(map[string]any); ok {
		row["geo.city_name"] = flatten.CleanValue(location["city"])
		row["geo.country_name"] = flatten.CleanValue(location["country_name"])
		row["geo.country_iso_code"] = flatten.CleanValue(location["country_code"])
		row["geo.region_code"] = flatten.CleanValue(location["region_code"])
		row["geo.latitude"] = flatten.CleanValue(location["latitude"])
		row["geo.longitude"] = flatten.CleanValue(location["longitude"])
	}

	// Shodan encodes the AS number as "AS1234".
	asn, _ := rec["asn"].(string)
	asn = strings.TrimPrefix(strings.TrimPrefix(asn, "AS"), "as")
	row["asn.number"] = asn

	org := flatten.CleanValue(rec["org"])
	isp := flatten.CleanValue(rec["isp"])
	if org == "" {
		org = isp
	}
	row["asn.org"] = org
	row["asn.isp"] = isp

	hostnames := stringList(rec["hostnames"])
	domains := stringList(rec["domains"])
	fqdns := set.NewOrdered[string]()
	fqdns.Append(hostnames...)
	fqdns.Append(domains...)
	row["fqdns"] = strings.Join(fqdns.Values(), ";")
	row["fqdns_count"] = flatten.CleanValue(float64(fqdns.Size()))
	if len(hostnames) > 0 {
		row["shodan.hostnames"] = strings.Join(hostnames, ";")
	}
	if len(domains) > 0 {
		row["shodan.domains"] = strings.Join(domains, ";")
	}

	// Shodan has no anycast flag.
	row["is_anycast"] = "false"

	row["service.port"] = flatten.CleanValue(rec["port"])
	row["service.transport"] = flatten.CleanValue(rec["transport"])
	row["service.protocol"] = flatten.CleanValue(rec["product"])
	row["service.product"] = flatten.CleanValue(rec["product"])
	row["service.version"] = flatten.CleanValue(rec["version"])
	row["service.timestamp"] = flatten.CleanValue(rec["timestamp"])

	if http, ok := rec["http"].(map[string]any); ok {
		convertHTTP(row, http)
	}

	for _, vendor := range vendorModules {
		data, ok := rec[vendor].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range data {
			row["service."+vendor+"."+k] = stringifyCell(v)
		}
	}

	row["tags"] = ""
	row["tags_count"] = "0"

	var cves []string
	if vulns, ok := rec["vulns"].(map[string]any); ok {
		for id := range vulns {
			cves = append(cves, id)
		}
		sort.Strings(cves)
	}
	row["cves"] = strings.Join(cves, ";")
	row["cves_count"] = flatten.CleanValue(float64(len(cves)))

	for k, v := range rec {
		if handledKeys.Contains(k) {
			continue
		}
		flattenExtra(row, "shodan."+k, v)
	}
	return row
}

// convertHTTP flattens Shodan's http object one level deep: long HTML
// becomes an excerpt, favicons keep only hash and location.
func convertHTTP(row map[string]string, http map[string]any) {
	for k, v := range http {
		switch {
		case k == "html":
			if s, ok := v.(string); ok && len(s) > httpHTMLTruncateAt {
				row["service.http.html"] = flatten.CleanValue(s[:htmlExcerptLen] + truncatedSuffix)
				continue
			}
			row["service.http.html"] = flatten.CleanValue(v)
		case k == "favicon":
			if fav, ok := v.(map[string]any); ok {
				row["service.http.favicon.hash"] = flatten.CleanValue(fav["hash"])
				row["service.http.favicon.location"] = flatten.CleanValue(fav["location"])
			}
		default:
			row["service.http."+k] = stringifyCell(v)
		}
	}
}

// flattenExtra mirrors the generic flattener but truncates oversized
// html or raw data payloads and drops favicon bodies.
func flattenExtra(row map[string]string, key string, value any) {
	lower := strings.ToLower(key)
	if strings.Contains(lower, "favicon.data") {
		return
	}
	if s, ok := value.(string); ok &&
		(strings.Contains(lower, "html") || strings.Contains(lower, "data")) &&
		len(s) > htmlTruncateAt {
		row[key] = flatten.CleanValue(s[:htmlExcerptLen] + truncatedSuffix)
		return
	}

	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			flattenExtra(row, key+"."+k, child)
		}
	case []any:
		for k, cell := range flatten.Flatten(map[string]any{key: v}) {
			row[k] = cell
		}
	default:
		row[key] = flatten.CleanValue(value)
	}
}

func stringifyCell(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return flatten.CleanValue(string(b))
	default:
		return flatten.CleanValue(v)
	}
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, x := range list {
		if x == nil {
			continue
		}
		if s := flatten.CleanValue(x); s != "" {
			out = append(out, s)
		}
	}
	return out
}
