package classify

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/log"
)

// Summary counts one classification run.
type Summary struct {
	Rows     int
	Detected int
	Excluded int
	OutPath  string
}

// ClassifyCSV runs the classifier over a flattened scan CSV and writes
// `classified_<category>.csv` with the detection columns appended.
func (c *Classifier) ClassifyCSV(inPath, outDir string) (*Summary, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", inPath, err)
	}
	defer in.Close()

	r := csv.NewReader(bomReader(in))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, xerrors.Errorf("failed to read CSV header: %w", err)
	}

	cat := string(c.rules.Category)
	outHeader := append(append([]string{}, header...),
		"is_"+cat, cat+"_confidence", "detected_brand", "detected_product", cat+"_reason")

	outPath := filepath.Join(outDir, "classified_"+cat+".csv")
	tmp := outPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return nil, xerrors.Errorf("failed to create %s: %w", tmp, err)
	}

	w := csv.NewWriter(out)
	if err := w.Write(outHeader); err != nil {
		out.Close()
		return nil, xerrors.Errorf("failed to write header: %w", err)
	}

	summary := &Summary{OutPath: outPath}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return nil, xerrors.Errorf("failed to read CSV row: %w", err)
		}

		row := map[string]string{}
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}

		d := c.Classify(row)
		summary.Rows++
		if d.Detected {
			summary.Detected++
		}
		if d.Excluded {
			summary.Excluded++
		}

		outRecord := append(append([]string{}, record...),
			boolCell(d.Detected),
			strconv.Itoa(d.Confidence),
			d.Brand,
			d.Product,
			d.Reason())
		if err := w.Write(outRecord); err != nil {
			out.Close()
			return nil, xerrors.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return nil, xerrors.Errorf("failed to flush CSV: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, xerrors.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return nil, xerrors.Errorf("failed to rename %s: %w", tmp, err)
	}

	c.logger.Info("Classification written", log.FilePath(outPath),
		log.Int("rows", summary.Rows), log.Int("detected", summary.Detected),
		log.Int("excluded", summary.Excluded))
	return summary, nil
}

func boolCell(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// bomReader strips a UTF-8 BOM if present so the first header column
// parses cleanly.
func bomReader(f *os.File) io.Reader {
	buf := make([]byte, 3)
	n, _ := io.ReadFull(f, buf)
	if n == 3 && string(buf) == "\xef\xbb\xbf" {
		return f
	}
	return io.MultiReader(strings.NewReader(string(buf[:n])), f)
}
