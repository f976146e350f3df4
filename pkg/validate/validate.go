// Package validate runs the tag-based Modat sweep that cross-checks the
// domain-driven collection: instead of starting from a domain list, it
// pulls every host in the target country that Modat tags as physical
// security equipment.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/modat"
	"github.com/akaBetsy/cpss/pkg/runlog"
	"github.com/akaBetsy/cpss/pkg/types"
	"github.com/akaBetsy/cpss/pkg/utils"
)

const (
	// ExportName is the consolidated sweep output.
	ExportName = ".6_modat_data_validation.json"
	// stateName keeps per-page progress so an interrupted sweep resumes
	// instead of re-spending the API quota.
	stateName = ".6_tmp_modat_data_validation.json"
)

// Query builds the Magnify filter for the sweep.
func Query(cfg config.ValidationConfig) string {
	tags := make([]string, 0, len(cfg.Tags))
	for _, t := range cfg.Tags {
		tags = append(tags, fmt.Sprintf("tag=%q", t))
	}
	return fmt.Sprintf("country=%q AND (%s) AND tag!=%q",
		cfg.Country, strings.Join(tags, " OR "), cfg.ExcludeTag)
}

type Runner struct {
	client *modat.Client
	cfg    config.ValidationConfig
	apiURL string
	outDir string
	runLog *runlog.Log
	clock  clock.Clock
	delay  time.Duration
	logger *log.Logger
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

func WithClient(c *modat.Client) Option {
	return func(r *Runner) {
		r.client = c
	}
}

func NewRunner(mcfg config.ModatConfig, vcfg config.ValidationConfig, token, outDir string,
	runLog *runlog.Log, opts ...Option) *Runner {
	logger := log.WithPrefix("validate")
	r := &Runner{
		cfg:    vcfg,
		apiURL: mcfg.ServiceURL,
		outDir: outDir,
		runLog: runLog,
		clock:  clock.RealClock{},
		delay:  mcfg.SleepBetweenPages,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = modat.NewClient(mcfg.ServiceURL, token, mcfg.PageSize, mcfg.MaxRetries,
			modat.WithLogger(logger))
	}
	return r
}

// state is the resumable progress file. Pages are keyed as strings so
// the map survives a JSON round trip.
type state struct {
	Query         string                       `json:"query"`
	StartedAt     string                       `json:"started_at"`
	TotalPages    int                          `json:"total_pages"`
	PagesDone     []int                        `json:"pages_done"`
	ResultsByPage map[string][]json.RawMessage `json:"results_by_page"`
}

func (s *state) done(page int) bool {
	return slices.Contains(s.PagesDone, page)
}

func (s *state) markDone(page int, records []json.RawMessage) {
	s.ResultsByPage[strconv.Itoa(page)] = records
	s.PagesDone = append(s.PagesDone, page)
	slices.Sort(s.PagesDone)
}

// Export is the consolidated sweep result, every fetched page in order.
type Export struct {
	Source       types.DataSource  `json:"source"`
	Query        string            `json:"query"`
	TotalPages   int               `json:"total_pages"`
	PagesDone    []int             `json:"pages_done"`
	ResultsCount int               `json:"results_count"`
	Results      []json.RawMessage `json:"results"`
	ExportedAt   string            `json:"exported_at"`
}

func (s *state) export(source types.DataSource, now time.Time) *Export {
	var combined []json.RawMessage
	for _, page := range s.PagesDone {
		combined = append(combined, s.ResultsByPage[strconv.Itoa(page)]...)
	}
	return &Export{
		Source:       source,
		Query:        s.Query,
		TotalPages:   s.TotalPages,
		PagesDone:    s.PagesDone,
		ResultsCount: len(combined),
		Results:      combined,
		ExportedAt:   now.Format(time.RFC3339),
	}
}

// Run walks every page of the sweep query, saving progress after each
// page. A page failure keeps the state file so the next run resumes;
// the state is also kept after success for traceability.
func (r *Runner) Run(ctx context.Context) (*Export, error) {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create output dir: %w", err)
	}

	query := Query(r.cfg)
	st := r.loadState(query)
	if len(st.PagesDone) > 0 {
		r.logger.Info("Resuming sweep", log.Int("pages_done", len(st.PagesDone)))
	}

	for page := 1; st.TotalPages == 0 || page <= st.TotalPages; page++ {
		if st.done(page) {
			continue
		}
		if page > 1 {
			r.clock.Sleep(r.delay)
		}

		resp, err := r.client.Search(ctx, query, page)
		if err != nil {
			if lerr := r.runLog.Append(fmt.Sprintf("page_%d", page), types.StatusFail, 0); lerr != nil {
				return nil, lerr
			}
			return nil, xerrors.Errorf("page %d failed, rerun to resume: %w", page, err)
		}

		if resp.TotalPages > 0 {
			st.TotalPages = resp.TotalPages
		} else if st.TotalPages == 0 {
			st.TotalPages = 1
		}
		records := resp.Records()
		st.markDone(page, records)
		if err := utils.WriteJSONFile(r.statePath(), st); err != nil {
			return nil, err
		}
		if err := r.runLog.Append(fmt.Sprintf("page_%d", page), types.StatusOK, len(records)); err != nil {
			return nil, err
		}
		r.logger.Info("Fetched page", log.Int("page", page),
			log.Int("total_pages", st.TotalPages), log.Int("records", len(records)))
	}

	ex := st.export(types.DataSource{
		ID:   types.ModatService,
		Name: "Modat Magnify service search",
		URL:  r.apiURL,
	}, r.clock.Now().UTC())
	if err := utils.WriteJSONFile(filepath.Join(r.outDir, ExportName), ex); err != nil {
		return nil, err
	}
	return ex, nil
}

func (r *Runner) statePath() string {
	return filepath.Join(r.outDir, stateName)
}

// loadState picks up the progress file when it matches the current
// query; a changed query starts a fresh sweep.
func (r *Runner) loadState(query string) *state {
	var st state
	if err := utils.UnmarshalJSONFile(&st, r.statePath()); err != nil || st.Query != query {
		return &state{
			Query:         query,
			StartedAt:     r.clock.Now().UTC().Format(time.RFC3339),
			ResultsByPage: map[string][]json.RawMessage{},
		}
	}
	if st.ResultsByPage == nil {
		st.ResultsByPage = map[string][]json.RawMessage{}
	}
	return &st
}
