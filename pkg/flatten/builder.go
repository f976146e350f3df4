package flatten

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/cheggaaa/pb.v1"

	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/staging"
	"github.com/akaBetsy/cpss/pkg/utils"
)

const (
	OutputCSVName = "modat_service_all.csv"
	ManifestName  = "_manifest_modat_service.json"
	csvBOM        = "\xef\xbb\xbf"
)

type Builder struct {
	serviceDir string
	hostDir    string
	domainDir  string
	outputDir  string
	force      bool
	logger     *log.Logger
}

type Option func(*Builder)

// WithForce rebuilds even when the manifest says nothing changed.
func WithForce(force bool) Option {
	return func(b *Builder) {
		b.force = force
	}
}

func NewBuilder(serviceDir, hostDir, domainDir, outputDir string, opts ...Option) *Builder {
	b := &Builder{
		serviceDir: serviceDir,
		hostDir:    hostDir,
		domainDir:  domainDir,
		outputDir:  outputDir,
		logger:     log.WithPrefix("flatten"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Result summarizes one build.
type Result struct {
	Rows    int
	Columns int
	Skipped bool
	OutPath string
}

// Build flattens every service JSON into one CSV. An unchanged input
// set short-circuits unless forced.
func (b *Builder) Build() (*Result, error) {
	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create output dir: %w", err)
	}

	outCSV := filepath.Join(b.outputDir, OutputCSVName)
	manifestPath := filepath.Join(b.outputDir, ManifestName)

	fp, err := Fingerprint(b.serviceDir)
	if err != nil {
		return nil, err
	}
	if fp.FileCount == 0 {
		return nil, xerrors.Errorf("no service JSON files in %s", b.serviceDir)
	}

	if !b.force {
		if old := LoadManifest(manifestPath); old != nil && old.SHA256 == fp.SHA256 {
			if exists, _ := utils.Exists(outCSV); exists {
				b.logger.Info("Dataset unchanged, skipping rebuild",
					log.Int("files", fp.FileCount), log.FilePath(outCSV))
				return &Result{Skipped: true, OutPath: outCSV}, nil
			}
		}
	}

	rows, headers, err := b.collectRows()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, xerrors.New("no rows collected, not writing CSV")
	}

	if err := WriteCSV(outCSV, headers, rows); err != nil {
		return nil, err
	}
	if err := SaveManifest(manifestPath, fp); err != nil {
		return nil, err
	}

	b.logger.Info("CSV written", log.FilePath(outCSV),
		log.Int("rows", len(rows)), log.Int("columns", len(headers)))
	return &Result{Rows: len(rows), Columns: len(headers), OutPath: outCSV}, nil
}

func (b *Builder) collectRows() ([]map[string]string, []string, error) {
	matches, err := filepath.Glob(filepath.Join(b.serviceDir, "modat_service_*_*.json"))
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to glob %s: %w", b.serviceDir, err)
	}
	sort.Strings(matches)

	known := LoadKnownDomains(b.hostDir, b.domainDir)
	b.logger.Info("Known domain index loaded", log.Count(known.Size()))

	var rows []map[string]string
	headers := set.NewOrdered[string]()

	bar := pb.StartNew(len(matches))
	defer bar.Finish()

	for _, path := range matches {
		bar.Increment()

		var data struct {
			Results []any `json:"results"`
		}
		if err := utils.UnmarshalJSONFile(&data, path); err != nil {
			// a corrupt artifact only costs its own rows
			b.logger.Warn("Skipping unreadable file", log.FilePath(path), log.Err(err))
			continue
		}

		name := filepath.Base(path)
		sourceIP, scanDate, _ := staging.ParseServiceFileName(name)

		for _, entry := range data.Results {
			result, ok := entry.(map[string]any)
			if !ok {
				continue
			}

			row := Flatten(result)

			fqdns := NormalizeFqdns(result["fqdns"])
			row["fqdns"] = strings.ReplaceAll(strings.Join(fqdns, ";"), "\t", ";")
			row["fqdns_count"] = strconv.Itoa(len(fqdns))

			row["nidv_company"] = known.Match(fqdns)
			row["nidv_hit"] = boolColumn(row["nidv_company"] != "")

			row["source_file"] = name
			row["source_ip"] = sourceIP
			row["scan_date"] = scanDate

			rows = append(rows, row)
			headers.Append(keys(row)...)
		}
	}
	return rows, headers.Values(), nil
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func boolColumn(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// WriteCSV stores the table with every field quoted so downstream
// tooling never has to guess at separators inside values. The write
// goes through a .tmp file.
func WriteCSV(path string, headers []string, rows []map[string]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return xerrors.Errorf("failed to create %s: %w", tmp, err)
	}

	w := &quotedWriter{f: f}
	w.writeString(csvBOM)
	w.writeRow(headers)
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			record[i] = row[h]
		}
		w.writeRow(record)
	}
	if w.err != nil {
		f.Close()
		return xerrors.Errorf("failed to write %s: %w", tmp, w.err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

type quotedWriter struct {
	f   *os.File
	err error
}

func (w *quotedWriter) writeString(s string) {
	if w.err != nil {
		return
	}
	_, w.err = w.f.WriteString(s)
}

func (w *quotedWriter) writeRow(record []string) {
	if w.err != nil {
		return
	}
	var sb strings.Builder
	for i, field := range record {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(field, `"`, `""`))
		sb.WriteByte('"')
	}
	sb.WriteByte('\n')
	w.writeString(sb.String())
}
