// Package pipeline chains the collection steps end to end: domain
// extraction, the two reconnaissance collectors, the service scan and
// the CSV flattening.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/extract"
	"github.com/akaBetsy/cpss/pkg/flatten"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/runlog"
	"github.com/akaBetsy/cpss/pkg/source"
	"github.com/akaBetsy/cpss/pkg/source/modathost"
	"github.com/akaBetsy/cpss/pkg/source/modatservice"
	"github.com/akaBetsy/cpss/pkg/source/networksdb"
	"github.com/akaBetsy/cpss/pkg/staging"
	"github.com/akaBetsy/cpss/pkg/types"
	"github.com/akaBetsy/cpss/pkg/utils"
	"github.com/akaBetsy/cpss/pkg/validate"
)

// Staging subdirectories, one per pipeline step.
const (
	HostDirName       = "1a_modat_host_api"
	DomainDirName     = "1b_networksdb_api"
	ServiceDirName    = "2_modat_service_api"
	AnalysesDirName   = "3_prepare_analyses"
	ValidationDirName = "4_validation"
)

// API key environment variables, each overriding its key file.
const (
	ModatKeyEnv      = "MODAT_API_KEY"
	NetworksDBKeyEnv = "NETWORKSDB_API_KEY"
	NVDKeyEnv        = "NVD_API_KEY"
)

// ErrAborted is returned when the user declines a confirmation prompt.
var ErrAborted = xerrors.New("aborted by user")

type Core struct {
	cfg     config.Config
	clock   clock.Clock
	confirm func(prompt string) bool
	logger  *log.Logger
}

type Option func(*Core)

func WithClock(c clock.Clock) Option {
	return func(core *Core) {
		core.clock = c
	}
}

// WithConfirm replaces the interactive prompt, `--yes` installs one
// that always agrees.
func WithConfirm(fn func(prompt string) bool) Option {
	return func(core *Core) {
		core.confirm = fn
	}
}

func NewCore(cfg config.Config, opts ...Option) *Core {
	core := &Core{
		cfg:     cfg,
		clock:   clock.RealClock{},
		confirm: promptConfirm,
		logger:  log.WithPrefix("pipeline"),
	}
	for _, opt := range opts {
		opt(core)
	}
	return core
}

func promptConfirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y")
}

// CheckPrerequisites verifies the workspace before a full run: the
// input directory and every API key the collectors will need.
func (c *Core) CheckPrerequisites() error {
	if ok, err := utils.Exists(c.cfg.InputDir); err != nil {
		return err
	} else if !ok {
		return xerrors.Errorf("input directory not found: %s", c.cfg.InputDir)
	}

	var missing []string
	if _, err := config.APIKey(ModatKeyEnv, c.cfg.Modat.KeyFile); err != nil {
		missing = append(missing, fmt.Sprintf("Modat (%s or %s)", ModatKeyEnv, c.cfg.Modat.KeyFile))
	}
	if _, err := config.APIKey(NetworksDBKeyEnv, c.cfg.NetworksDB.KeyFile); err != nil {
		missing = append(missing, fmt.Sprintf("NetworksDB (%s or %s)", NetworksDBKeyEnv, c.cfg.NetworksDB.KeyFile))
	}
	if len(missing) > 0 {
		return xerrors.Errorf("missing API keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DetectInput returns the newest PDF or domain list in the input
// directory.
func (c *Core) DetectInput() (string, error) {
	return utils.NewestFile(c.cfg.InputDir, ".pdf", ".txt")
}

// Domains extracts the verified domain list from the newest input PDF
// and returns the path of the written list.
func (c *Core) Domains(ctx context.Context) (string, error) {
	loader := extract.NewTLDLoader(c.cfg.CacheDir)
	tlds, err := loader.Load(ctx)
	if err != nil {
		return "", xerrors.Errorf("failed to load TLD list: %w", err)
	}

	ex := extract.NewExtractor(tlds, extract.WithClock(c.clock))
	return ex.Run(ctx, c.cfg.InputDir)
}

// Collect runs the selected reconnaissance collectors over the domain
// list. An empty source list means all of them.
func (c *Core) Collect(ctx context.Context, domains []string, only []types.SourceID) error {
	if len(domains) == 0 {
		return xerrors.New("no domains to collect")
	}

	for _, id := range selectedSources(only) {
		stepBanner(fmt.Sprintf("Collecting from %s (%d domains)", id, len(domains)))
		collector, err := c.newCollector(id)
		if err != nil {
			return err
		}
		if err := collector.Collect(ctx, domains); err != nil {
			return xerrors.Errorf("%s collection failed: %w", id, err)
		}
	}
	return nil
}

func selectedSources(only []types.SourceID) []types.SourceID {
	if len(only) == 0 {
		return []types.SourceID{types.ModatHost, types.NetworksDB}
	}
	return only
}

func (c *Core) newCollector(id types.SourceID) (source.Collector, error) {
	switch id {
	case types.ModatHost:
		token, err := config.APIKey(ModatKeyEnv, c.cfg.Modat.KeyFile)
		if err != nil {
			return nil, err
		}
		outDir, err := c.cfg.StagingPath(HostDirName)
		if err != nil {
			return nil, err
		}
		runLog, err := c.newRunLog("modat_host")
		if err != nil {
			return nil, err
		}
		return modathost.NewCollector(c.cfg.Modat, token, outDir, runLog,
			modathost.WithClock(c.clock)), nil
	case types.NetworksDB:
		apiKey, err := config.APIKey(NetworksDBKeyEnv, c.cfg.NetworksDB.KeyFile)
		if err != nil {
			return nil, err
		}
		outDir, err := c.cfg.StagingPath(DomainDirName)
		if err != nil {
			return nil, err
		}
		runLog, err := c.newRunLog("networksdb")
		if err != nil {
			return nil, err
		}
		return networksdb.NewCollector(c.cfg.NetworksDB, apiKey, outDir, runLog,
			networksdb.WithClock(c.clock)), nil
	default:
		return nil, xerrors.Errorf("%s is not a supported source", id)
	}
}

func (c *Core) newRunLog(step string) (*runlog.Log, error) {
	ts := c.clock.Now().UTC().Format("20060102_150405")
	path := filepath.Join(c.cfg.LogDir, fmt.Sprintf("%s_log_%s.csv", step, ts))
	return runlog.New(path, runlog.WithClock(c.clock))
}

// Services merges the staged IPs from both collectors, writes the
// target list and runs the service fingerprint scan over it.
func (c *Core) Services(ctx context.Context, rescanOld bool) error {
	hostDir := filepath.Join(c.cfg.StagingDir, HostDirName)
	domainDir := filepath.Join(c.cfg.StagingDir, DomainDirName)

	serviceDir, err := c.cfg.StagingPath(ServiceDirName)
	if err != nil {
		return err
	}

	targets, err := staging.BuildTargets(hostDir, domainDir)
	if err != nil {
		return err
	}

	var listPath string
	if len(targets.IPs) > 0 {
		dateStr := c.clock.Now().UTC().Format("20060102")
		if listPath, err = targets.Write(serviceDir, dateStr); err != nil {
			return err
		}
	} else {
		// fall back to the target list of an earlier run
		listPath = staging.NewestTargetList(serviceDir)
		if listPath == "" {
			return xerrors.New("no IPv4 addresses found in the staging dirs, run collect first")
		}
		if targets.IPs, err = staging.LoadTargets(listPath); err != nil {
			return err
		}
		if len(targets.IPs) == 0 {
			return xerrors.Errorf("target list %s holds no IPv4 addresses", listPath)
		}
		c.logger.Info("Reusing target list from an earlier run",
			log.FilePath(listPath), log.Count(len(targets.IPs)))
	}

	stepBanner("Service scan targets")
	fmt.Printf("  combined IPv4 addresses: %s\n", color.GreenString("%d", len(targets.IPs)))
	fmt.Printf("  from Modat host scans:   %d\n", targets.HostScanCount)
	fmt.Printf("  from NetworksDB:         %d\n", targets.DomainCount)
	fmt.Printf("  in both sources:         %d\n", targets.Overlap)
	fmt.Printf("  target list:             %s\n", listPath)

	token, err := config.APIKey(ModatKeyEnv, c.cfg.Modat.KeyFile)
	if err != nil {
		return err
	}
	runLog, err := c.newRunLog("modat_service")
	if err != nil {
		return err
	}
	collector := modatservice.NewCollector(c.cfg.Modat, token, serviceDir, runLog,
		modatservice.WithClock(c.clock), modatservice.WithRescanOld(rescanOld))

	ov, err := collector.Plan(targets.IPs)
	if err != nil {
		return err
	}
	fmt.Printf("  to scan now:             %s (today: %d, earlier: %d)\n",
		color.GreenString("%d", len(ov.Pending)), len(ov.Today), len(ov.Old))

	if len(ov.Pending) == 0 {
		c.logger.Info("Nothing to scan, all targets are up to date")
		return nil
	}
	if !c.confirm(fmt.Sprintf("Scan %d addresses via the Modat service API?", len(ov.Pending))) {
		return ErrAborted
	}
	return collector.Collect(ctx, targets.IPs)
}

// Flatten builds the wide analysis CSV from the staged service scans.
func (c *Core) Flatten(force bool) (*flatten.Result, error) {
	outDir, err := c.cfg.StagingPath(AnalysesDirName)
	if err != nil {
		return nil, err
	}
	b := flatten.NewBuilder(
		filepath.Join(c.cfg.StagingDir, ServiceDirName),
		filepath.Join(c.cfg.StagingDir, HostDirName),
		filepath.Join(c.cfg.StagingDir, DomainDirName),
		outDir,
		flatten.WithForce(force))
	return b.Build()
}

// Validate runs the tag-based Modat sweep and flattens its export into
// the combined validation CSV.
func (c *Core) Validate(ctx context.Context) error {
	token, err := config.APIKey(ModatKeyEnv, c.cfg.Modat.KeyFile)
	if err != nil {
		return err
	}
	outDir, err := c.cfg.StagingPath(ValidationDirName)
	if err != nil {
		return err
	}
	runLog, err := c.newRunLog("modat_service_validation")
	if err != nil {
		return err
	}

	stepBanner("Modat tag sweep: " + validate.Query(c.cfg.Validation))
	runner := validate.NewRunner(c.cfg.Modat, c.cfg.Validation, token, outDir, runLog,
		validate.WithClock(c.clock))
	ex, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if ex.ResultsCount == 0 {
		c.logger.Info("Sweep returned no records, skipping the CSV")
		return nil
	}

	res, err := validate.ExportCSV(
		[]string{filepath.Join(outDir, validate.ExportName)},
		filepath.Join(outDir, validate.OutputCSVName))
	if err != nil {
		return err
	}
	fmt.Printf("  sweep records: %s (%d pages)\n", color.GreenString("%d", ex.ResultsCount), ex.TotalPages)
	fmt.Printf("  combined CSV:  %s (%d rows, %d columns)\n", res.OutPath, res.Rows, res.Columns)
	return nil
}

// Run drives the whole pipeline: input detection, domain extraction for
// PDFs, both collectors, the service scan and the flattening step.
func (c *Core) Run(ctx context.Context, rescanOld, force bool) error {
	if err := c.CheckPrerequisites(); err != nil {
		return err
	}

	input, err := c.DetectInput()
	if err != nil {
		return xerrors.Errorf("no input found: %w", err)
	}

	listPath := input
	if strings.EqualFold(filepath.Ext(input), ".pdf") {
		stepBanner("Extracting domains from " + filepath.Base(input))
		if listPath, err = c.Domains(ctx); err != nil {
			return err
		}
	}

	domains, err := utils.ReadLines(listPath)
	if err != nil {
		return err
	}
	c.logger.Info("Using domain list", log.FilePath(listPath), log.Count(len(domains)))

	if err := c.Collect(ctx, domains, nil); err != nil {
		return err
	}
	if err := c.Services(ctx, rescanOld); err != nil {
		return err
	}

	stepBanner("Flattening service scans")
	res, err := c.Flatten(force)
	if err != nil {
		return err
	}
	if res.Skipped {
		c.logger.Info("Dataset unchanged, kept the existing CSV", log.FilePath(res.OutPath))
	} else {
		c.logger.Info("Pipeline finished", log.FilePath(res.OutPath),
			log.Int("rows", res.Rows), log.Int("columns", res.Columns))
	}
	return nil
}

func stepBanner(title string) {
	color.New(color.FgCyan, color.Bold).Printf("==> %s\n", title)
}
