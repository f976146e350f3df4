package pkg

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/classify"
	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/db"
	"github.com/akaBetsy/cpss/pkg/flatten"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/metadata"
	"github.com/akaBetsy/cpss/pkg/nvd"
	"github.com/akaBetsy/cpss/pkg/pipeline"
	"github.com/akaBetsy/cpss/pkg/shodan"
	"github.com/akaBetsy/cpss/pkg/utils"
)

const (
	cveListName   = "cve_from_modat_service_api.txt"
	cveExportBase = "cve_details_nvd_full"
)

func flattenCSV(c *cli.Context) error {
	core, err := newCore(c)
	if err != nil {
		return err
	}

	res, err := core.Flatten(c.Bool("force"))
	if err != nil {
		return xerrors.Errorf("flatten failed: %w", err)
	}
	if res.Skipped {
		log.Info("Dataset unchanged, kept the existing CSV", log.FilePath(res.OutPath))
		return nil
	}
	log.Info("Analysis CSV written", log.FilePath(res.OutPath),
		log.Int("rows", res.Rows), log.Int("columns", res.Columns))
	return nil
}

func cve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	analysesDir, err := cfg.StagingPath(pipeline.AnalysesDirName)
	if err != nil {
		return err
	}

	csvPath := filepath.Join(analysesDir, flatten.OutputCSVName)
	ids, err := nvd.ExtractIDsFromCSV(csvPath)
	if err != nil {
		return xerrors.Errorf("failed to extract CVE IDs: %w", err)
	}
	if len(ids) == 0 {
		log.Info("No CVE IDs found in the analysis CSV", log.FilePath(csvPath))
		return nil
	}

	listPath := filepath.Join(analysesDir, cveListName)
	if err := utils.WriteLines(listPath, ids); err != nil {
		return err
	}
	log.Info("CVE ID list written", log.FilePath(listPath), log.Count(len(ids)))

	if err := db.Init(cfg.CacheDir); err != nil {
		return err
	}
	defer db.Close()

	apiKey := config.OptionalAPIKey(pipeline.NVDKeyEnv, cfg.NVD.KeyFile)
	updater := nvd.NewUpdater(cfg.NVD, apiKey, nvd.WithRefresh(c.Bool("refresh")))

	res, err := updater.Update(context.Background(), ids)
	if err != nil {
		return xerrors.Errorf("NVD update failed: %w", err)
	}
	if len(res.Failed) > 0 {
		failedPath, err := nvd.WriteFailed(analysesDir, res.Failed)
		if err != nil {
			return err
		}
		log.Warn("Some CVE IDs could not be resolved",
			log.Count(len(res.Failed)), log.FilePath(failedPath))
	}

	dbc := db.Config{}
	jsonlPath := filepath.Join(analysesDir, cveExportBase+".jsonl")
	if _, err := nvd.ExportJSONL(dbc, jsonlPath); err != nil {
		return err
	}
	exported, err := nvd.ExportCSV(dbc, filepath.Join(analysesDir, cveExportBase+".csv"))
	if err != nil {
		return err
	}

	updatedAt := time.Now().UTC()
	if err := dbc.SetMetadata(db.Metadata{
		Version:   db.SchemaVersion,
		UpdatedAt: updatedAt,
	}); err != nil {
		return err
	}
	if err := metadata.NewClient(analysesDir).Update(metadata.Metadata{
		Version:   db.SchemaVersion,
		UpdatedAt: updatedAt,
		Records:   exported,
	}); err != nil {
		return err
	}

	color.New(color.FgGreen).Printf(
		"CVE details: %d requested, %d fetched, %d cached, %d failed, %d exported\n",
		res.Requested, res.Fetched, res.Cached, len(res.Failed), exported)
	return nil
}

func classifyCSV(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	analysesDir, err := cfg.StagingPath(pipeline.AnalysesDirName)
	if err != nil {
		return err
	}
	csvPath := filepath.Join(analysesDir, flatten.OutputCSVName)

	for _, name := range strings.Split(c.String("category"), ",") {
		category, err := parseCategory(name)
		if err != nil {
			return err
		}

		classifier, err := classify.NewClassifier(category)
		if err != nil {
			return err
		}
		sum, err := classifier.ClassifyCSV(csvPath, analysesDir)
		if err != nil {
			return xerrors.Errorf("%s classification failed: %w", category, err)
		}
		color.New(color.FgGreen).Printf("%s: %d rows, %d detected, %d excluded -> %s\n",
			strings.ToUpper(string(category)), sum.Rows, sum.Detected, sum.Excluded, sum.OutPath)
	}
	return nil
}

func parseCategory(name string) (classify.Category, error) {
	want := classify.Category(strings.TrimSpace(strings.ToLower(name)))
	for _, category := range classify.Categories() {
		if category == want {
			return category, nil
		}
	}
	return "", xerrors.Errorf("%s is not a supported category", name)
}

func convertShodan(c *cli.Context) error {
	inPath := c.Args().First()
	if inPath == "" {
		return xerrors.New("usage: cpss convert-shodan <shodan_export.json>")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	outDir, err := cfg.StagingPath(pipeline.ValidationDirName)
	if err != nil {
		return err
	}

	res, err := shodan.NewConverter().Convert(inPath, outDir)
	if err != nil {
		return xerrors.Errorf("conversion failed: %w", err)
	}
	fmt.Printf("Converted %d records (%d columns) -> %s\n", res.Rows, res.Columns, res.OutPath)
	return nil
}
