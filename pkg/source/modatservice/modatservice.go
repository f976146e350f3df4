// Package modatservice fingerprints individual IPs via the Modat
// Magnify service search API.
package modatservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/modat"
	"github.com/akaBetsy/cpss/pkg/runlog"
	"github.com/akaBetsy/cpss/pkg/staging"
	"github.com/akaBetsy/cpss/pkg/types"
	"github.com/akaBetsy/cpss/pkg/utils"
)

type Collector struct {
	client    *modat.Client
	outDir    string
	runLog    *runlog.Log
	cfg       config.ModatConfig
	rescanOld bool
	clock     clock.Clock
	logger    *log.Logger
	spinner   *spinner.Spinner
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

// WithRescanOld includes IPs whose only artifacts predate today.
func WithRescanOld(rescan bool) Option {
	return func(col *Collector) {
		col.rescanOld = rescan
	}
}

func NewCollector(cfg config.ModatConfig, token, outDir string, runLog *runlog.Log, opts ...Option) *Collector {
	logger := log.WithPrefix("modat-service")
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
		col.client = modat.NewClient(cfg.ServiceURL, token, cfg.PageSize, cfg.MaxRetries,
			modat.WithPageDelay(cfg.SleepBetweenPages), modat.WithLogger(logger))
	}
	col.spinner = spinner.New(spinner.CharSets[11], 120*time.Millisecond,
		spinner.WithSuffix(" waiting out API batch limit..."))
	return col
}

func (c *Collector) Name() types.SourceID {
	return types.ModatService
}

// Overview classifies the target IPs against the artifacts already on
// disk before the scan starts.
type Overview struct {
	Pending []string // no artifact, or only old ones when rescanning
	Today   []string // already scanned today
	Old     []string // scanned on an earlier date only
}

// Plan decides which of the target IPs to scan this run. IPs scanned
// today are always skipped; older artifacts only count when rescanning
// is off.
func (c *Collector) Plan(ips []string) (*Overview, error) {
	index, err := staging.ServiceFileIndex(c.outDir)
	if err != nil {
		return nil, err
	}

	today := c.clock.Now().UTC().Format("20060102")
	ov := &Overview{}
	for _, ip := range ips {
		dates, seen := index[utils.SafeName(ip)]
		if !seen {
			ov.Pending = append(ov.Pending, ip)
			continue
		}
		if containsDate(dates, today) {
			ov.Today = append(ov.Today, ip)
			continue
		}
		ov.Old = append(ov.Old, ip)
		if c.rescanOld {
			ov.Pending = append(ov.Pending, ip)
		}
	}
	return ov, nil
}

func containsDate(dates []string, want string) bool {
	for _, d := range dates {
		if d == want {
			return true
		}
	}
	return false
}

// Collect scans every pending IP and stages one JSON file per address.
func (c *Collector) Collect(ctx context.Context, ips []string) error {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return xerrors.Errorf("failed to create output dir: %w", err)
	}

	ov, err := c.Plan(ips)
	if err != nil {
		return err
	}
	c.logger.Info("Service scan plan",
		log.Int("pending", len(ov.Pending)),
		log.Int("scanned_today", len(ov.Today)),
		log.Int("older_scans", len(ov.Old)))

	for _, ip := range ov.Today {
		if err := c.runLog.Append(ip, types.StatusSkipExists, 0); err != nil {
			return err
		}
	}
	if !c.rescanOld {
		for _, ip := range ov.Old {
			if err := c.runLog.Append(ip, types.StatusSkipExists, 0); err != nil {
				return err
			}
		}
	}

	dateStr := c.clock.Now().UTC().Format("20060102")
	for i, ip := range ov.Pending {
		if i > 0 && i%c.cfg.BatchSize == 0 {
			c.pauseBatch()
		}

		scan, err := c.collectIP(ctx, ip)
		if err != nil {
			c.logger.Error("Service query failed", log.IP(ip), log.Err(err))
			if err := c.runLog.Append(ip, types.StatusFail, 0); err != nil {
				return err
			}
			continue
		}

		outFile := filepath.Join(c.outDir, staging.ServiceFileName(ip, dateStr))
		if err := utils.WriteJSONFile(outFile, scan); err != nil {
			return xerrors.Errorf("failed to write %s: %w", outFile, err)
		}

		c.logger.Info("Saved services", log.IP(ip), log.Count(len(scan.Results)), log.FilePath(outFile))
		if err := c.runLog.Append(ip, types.StatusOK, len(scan.Results)); err != nil {
			return err
		}
		c.clock.Sleep(c.cfg.SleepBetweenItems)
	}
	return nil
}

func (c *Collector) collectIP(ctx context.Context, ip string) (*types.ServiceScan, error) {
	query := fmt.Sprintf("ip = %q", ip)
	c.logger.Info("Querying", log.IP(ip))

	raw, err := c.client.SearchAll(ctx, query)
	if err != nil {
		return nil, err
	}
	return &types.ServiceScan{IP: ip, Results: raw}, nil
}

func (c *Collector) pauseBatch() {
	c.logger.Info("Batch limit reached, pausing",
		log.Int("batch_size", c.cfg.BatchSize), log.Any("sleep", c.cfg.SleepAfterBatch))
	c.spinner.Start()
	c.clock.Sleep(c.cfg.SleepAfterBatch)
	c.spinner.Stop()
}
