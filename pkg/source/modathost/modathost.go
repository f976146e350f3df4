// Package modathost resolves domains to exposed hosts via the Modat
// Magnify host search API.
package modathost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/modat"
	"github.com/akaBetsy/cpss/pkg/runlog"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/types"
	"github.com/akaBetsy/cpss/pkg/utils"
)

const filePrefix = "modat_host"

type Collector struct {
	client  *modat.Client
	outDir  string
	runLog  *runlog.Log
	cfg     config.ModatConfig
	clock   clock.Clock
	logger  *log.Logger
	spinner *spinner.Spinner
}

type Option func(*Collector)

func WithClock(c clock.Clock) Option {
	return func(col *Collector) {
		col.clock = c
	}
}

func WithClient(c *modat.Client) Option {
	return func(col *Collector) {
		col.client = c
	}
}

func NewCollector(cfg config.ModatConfig, token, outDir string, runLog *runlog.Log, opts ...Option) *Collector {
	logger := log.WithPrefix("modat-host")
	col := &Collector{
		outDir: outDir,
		runLog: runLog,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(col)
	}
	if col.client == nil {
		col.client = modat.NewClient(cfg.HostURL, token, cfg.PageSize, cfg.MaxRetries,
			modat.WithPageDelay(cfg.SleepBetweenPages), modat.WithLogger(logger))
	}
	col.spinner = spinner.New(spinner.CharSets[11], 120*time.Millisecond,
		spinner.WithSuffix(" waiting out API batch limit..."))
	return col
}

func (c *Collector) Name() types.SourceID {
	return types.ModatHost
}

// Collect queries every domain and stages one JSON file per domain.
// Domains with an existing output file are skipped so an interrupted run
// picks up where it stopped.
func (c *Collector) Collect(ctx context.Context, domains []string) error {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return xerrors.Errorf("failed to create output dir: %w", err)
	}

	completed, err := c.completedSafeNames()
	if err != nil {
		return err
	}
	c.logger.Info("Resuming collection", log.Int("already_processed", completed.Size()))

	dateStr := c.clock.Now().UTC().Format("20060102")
	scanned := 0

	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}

		if scanned > 0 && scanned%c.cfg.BatchSize == 0 {
			c.pauseBatch()
		}

		safeName := utils.SafeName(domain)
		if completed.Contains(safeName) {
			c.logger.Info("Already processed, skipping", log.Domain(domain))
			if err := c.runLog.Append(domain, types.StatusSkipExists, 0); err != nil {
				return err
			}
			continue
		}

		results, err := c.collectDomain(ctx, domain)
		if err != nil {
			c.logger.Error("Domain query failed", log.Domain(domain), log.Err(err))
			if err := c.runLog.Append(domain, types.StatusFail, 0); err != nil {
				return err
			}
			continue
		}

		outFile := filepath.Join(c.outDir, fmt.Sprintf("%s_%s_%s.json", filePrefix, safeName, dateStr))
		if err := utils.WriteJSONFile(outFile, map[string]any{"results": results}); err != nil {
			return xerrors.Errorf("failed to write %s: %w", outFile, err)
		}

		c.logger.Info("Saved results", log.Domain(domain), log.Count(len(results)), log.FilePath(outFile))
		if err := c.runLog.Append(domain, types.StatusOK, len(results)); err != nil {
			return err
		}

		scanned++
		c.clock.Sleep(c.cfg.SleepBetweenItems)
	}
	return nil
}

func (c *Collector) collectDomain(ctx context.Context, domain string) ([]types.HostResult, error) {
	query := fmt.Sprintf("(web.html ~ %s) OR (cert ~ %s) OR (domain ~ %s)", domain, domain, domain)
	c.logger.Info("Querying", log.Domain(domain))

	raw, err := c.client.SearchAll(ctx, query)
	if err != nil {
		return nil, err
	}

	var results []types.HostResult
	dropped := 0
	for _, r := range raw {
		var item types.HostResult
		if err := json.Unmarshal(r, &item); err != nil {
			continue
		}
		if !matchesDomain(item, domain) {
			dropped++
			continue
		}
		results = append(results, item)
	}
	if dropped > 0 {
		c.logger.Info("Filtered hits outside domain", log.Domain(domain), log.Int("dropped", dropped))
	}
	return results, nil
}

// completedSafeNames rebuilds the resume index from the output files of
// earlier runs (modat_host_<safe>_<YYYYMMDD>.json).
func (c *Collector) completedSafeNames() (set.Set[string], error) {
	completed := set.New[string]()

	matches, err := filepath.Glob(filepath.Join(c.outDir, filePrefix+"_*_*.json"))
	if err != nil {
		return completed, xerrors.Errorf("failed to glob output dir: %w", err)
	}
	for _, m := range matches {
		stem := strings.TrimSuffix(filepath.Base(m), ".json")
		parts := strings.Split(stem, "_")
		if len(parts) >= 4 {
			safeName := strings.ToLower(strings.Join(parts[2:len(parts)-1], "_"))
			completed.Append(safeName)
		}
	}
	return completed, nil
}

func (c *Collector) pauseBatch() {
	c.logger.Info("Batch limit reached, pausing",
		log.Int("batch_size", c.cfg.BatchSize), log.Any("sleep", c.cfg.SleepAfterBatch))
	c.spinner.Start()
	c.clock.Sleep(c.cfg.SleepAfterBatch)
	c.spinner.Stop()
}
