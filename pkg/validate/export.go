package validate

import (
	"path/filepath"
	"slices"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/flatten"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/utils"
)

// OutputCSVName is the combined CSV built from the sweep exports.
const OutputCSVName = "combined_output.csv"

// CSVResult summarizes a written validation CSV.
type CSVResult struct {
	OutPath string
	Rows    int
	Columns int
}

// exportDoc covers the three JSON shapes a sweep file can have: the
// consolidated export, the raw progress state and a single API page.
type exportDoc struct {
	Query         string                      `json:"query"`
	TotalPages    int                         `json:"total_pages"`
	ResultsCount  int                         `json:"results_count"`
	Results       []map[string]any            `json:"results"`
	ResultsByPage map[string][]map[string]any `json:"results_by_page"`
	Page          []map[string]any            `json:"page"`
}

func (d exportDoc) records() (recs []map[string]any, format string) {
	switch {
	case len(d.Results) > 0:
		return d.Results, "export"
	case len(d.ResultsByPage) > 0:
		pages := make([]int, 0, len(d.ResultsByPage))
		for k := range d.ResultsByPage {
			if n, err := strconv.Atoi(k); err == nil {
				pages = append(pages, n)
			}
		}
		slices.Sort(pages)
		for _, p := range pages {
			recs = append(recs, d.ResultsByPage[strconv.Itoa(p)]...)
		}
		return recs, "export"
	default:
		return d.Page, "api"
	}
}

// ExportCSV flattens one or more sweep JSON files into a single CSV with
// the union of all columns, every field quoted.
func ExportCSV(paths []string, outPath string) (*CSVResult, error) {
	logger := log.WithPrefix("validate")

	var rows []map[string]string
	headerSet := set.NewOrdered[string]()

	for _, path := range paths {
		var doc exportDoc
		if err := utils.UnmarshalJSONFile(&doc, path); err != nil {
			return nil, xerrors.Errorf("failed to read %s: %w", path, err)
		}
		records, format := doc.records()
		if len(records) == 0 {
			logger.Warn("No records in sweep file", log.FilePath(path))
			continue
		}

		source := filepath.Base(path)
		for i, record := range records {
			row := flatten.Flatten(record)
			row["source_file"] = source
			row["source_format"] = format
			row["record_index"] = strconv.Itoa(i + 1)
			if format == "export" {
				row["export.total_pages"] = strconv.Itoa(doc.TotalPages)
				row["export.results_count"] = strconv.Itoa(doc.ResultsCount)
			}
			headerSet.Append(keys(row)...)
			rows = append(rows, row)
		}
		logger.Info("Flattened sweep file", log.FilePath(path), log.Count(len(records)))
	}

	if len(rows) == 0 {
		return nil, xerrors.New("no records found in any sweep file")
	}

	headers := headerSet.Values()
	if err := flatten.WriteCSV(outPath, headers, rows); err != nil {
		return nil, err
	}
	return &CSVResult{OutPath: outPath, Rows: len(rows), Columns: len(headers)}, nil
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
