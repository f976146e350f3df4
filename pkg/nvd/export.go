package nvd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/db"
	"github.com/akaBetsy/cpss/pkg/types"
)

// ExportJSONL writes every cached CVE record as one JSON object per
// line, ordered by CVE ID so consecutive exports diff cleanly.
func ExportJSONL(dbc db.Operation, path string) (int, error) {
	records, err := sortedRecords(dbc)
	if err != nil {
		return 0, err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, xerrors.Errorf("failed to create %s: %w", tmp, err)
	}

	enc := json.NewEncoder(f)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			f.Close()
			return 0, xerrors.Errorf("failed to encode %s: %w", record.CveID, err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, xerrors.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, xerrors.Errorf("failed to rename %s: %w", tmp, err)
	}
	return len(records), nil
}

var csvHeader = []string{
	"cve_id", "published", "lastModified",
	"v31_baseScore", "v31_baseSeverity", "v31_vectorString",
	"v40_baseScore", "v40_baseSeverity", "v40_vectorString",
	"description_en",
}

// cveDetails carries the few raw NVD fields the CSV export surfaces.
type cveDetails struct {
	Published    string `json:"published"`
	LastModified string `json:"lastModified"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
}

func (d cveDetails) description() string {
	for _, desc := range d.Descriptions {
		if desc.Lang == "en" {
			return desc.Value
		}
	}
	if len(d.Descriptions) > 0 {
		return d.Descriptions[0].Value
	}
	return ""
}

// ExportCSV writes the CVE summary table next to the JSONL export.
func ExportCSV(dbc db.Operation, path string) (int, error) {
	records, err := sortedRecords(dbc)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, xerrors.Errorf("failed to create export dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, xerrors.Errorf("failed to create %s: %w", tmp, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return 0, xerrors.Errorf("failed to write CSV header: %w", err)
	}
	for _, record := range records {
		var details cveDetails
		if len(record.NVD) > 0 {
			// details stay empty on a malformed record, the row is still written
			_ = json.Unmarshal(record.NVD, &details)
		}
		row := []string{
			record.CveID,
			details.Published,
			details.LastModified,
			formatScore(record.Cvss.V31BaseScore),
			record.Cvss.V31BaseSeverity,
			record.Cvss.V31VectorString,
			formatScore(record.Cvss.V40BaseScore),
			record.Cvss.V40BaseSeverity,
			record.Cvss.V40VectorString,
			details.description(),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return 0, xerrors.Errorf("failed to write CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return 0, xerrors.Errorf("failed to flush CSV: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, xerrors.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, xerrors.Errorf("failed to rename %s: %w", tmp, err)
	}
	return len(records), nil
}

func sortedRecords(dbc db.Operation) ([]types.CVERecord, error) {
	var records []types.CVERecord
	err := dbc.ForEachCVERecord(func(record types.CVERecord) error {
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to walk CVE records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CveID < records[j].CveID
	})
	return records, nil
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.1f", *score)
}
