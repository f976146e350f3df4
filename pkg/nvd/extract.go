package nvd

import (
	"encoding/csv"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/set"
)

const cveColumn = "service.cves"

var cveIDPattern = regexp.MustCompile(`CVE-\d{4}-\d{4,7}`)

// ExtractIDs pulls every CVE identifier out of a free-form value. The
// column often carries several IDs joined by separators or embedded in
// advisory text, so a regex scan beats any split.
func ExtractIDs(value string) []string {
	ids := set.NewOrdered[string]()
	for _, m := range cveIDPattern.FindAllString(strings.ToUpper(value), -1) {
		ids.Append(m)
	}
	return ids.Values()
}

// ExtractIDsFromCSV scans the service.cves column of a flattened scan
// CSV and returns the deduplicated, sorted CVE identifiers.
func ExtractIDsFromCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, xerrors.Errorf("failed to read CSV header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(name) == cveColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, xerrors.Errorf("column %q not found in %s", cveColumn, path)
	}

	ids := set.NewOrdered[string]()
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to read CSV row: %w", err)
		}
		if col >= len(record) {
			continue
		}
		ids.Append(ExtractIDs(record[col])...)
	}
	return ids.Values(), nil
}
