package pkg

import (
	"context"
	"strings"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/pipeline"
	"github.com/akaBetsy/cpss/pkg/types"
	"github.com/akaBetsy/cpss/pkg/utils"
)

func loadConfig(c *cli.Context) (config.Config, error) {
	return config.Load(c.GlobalString("config"))
}

func newCore(c *cli.Context, opts ...pipeline.Option) (*pipeline.Core, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return pipeline.NewCore(cfg, opts...), nil
}

func domains(c *cli.Context) error {
	core, err := newCore(c)
	if err != nil {
		return err
	}

	listPath, err := core.Domains(context.Background())
	if err != nil {
		return xerrors.Errorf("domain extraction failed: %w", err)
	}
	log.Info("Domain list written", log.FilePath(listPath))
	return nil
}

func collect(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	core := pipeline.NewCore(cfg)

	listPath, err := utils.NewestFile(cfg.InputDir, ".txt")
	if err != nil {
		return xerrors.Errorf("no domain list found in %s: %w", cfg.InputDir, err)
	}
	domains, err := utils.ReadLines(listPath)
	if err != nil {
		return err
	}
	log.Info("Using domain list", log.FilePath(listPath), log.Count(len(domains)))

	only, err := parseSources(c.String("only-source"))
	if err != nil {
		return err
	}
	return core.Collect(context.Background(), domains, only)
}

func parseSources(s string) ([]types.SourceID, error) {
	if s == "" {
		return nil, nil
	}
	var out []types.SourceID
	for _, part := range strings.Split(s, ",") {
		switch id := types.SourceID(strings.TrimSpace(strings.ToLower(part))); id {
		case types.ModatHost, types.NetworksDB:
			out = append(out, id)
		default:
			return nil, xerrors.Errorf("%s is not a supported source", part)
		}
	}
	return out, nil
}

func services(c *cli.Context) error {
	var opts []pipeline.Option
	if c.Bool("yes") {
		opts = append(opts, pipeline.WithConfirm(func(string) bool { return true }))
	}
	core, err := newCore(c, opts...)
	if err != nil {
		return err
	}
	return core.Services(context.Background(), c.Bool("rescan-old"))
}

func validateSweep(c *cli.Context) error {
	core, err := newCore(c)
	if err != nil {
		return err
	}
	return core.Validate(context.Background())
}

func run(c *cli.Context) error {
	var opts []pipeline.Option
	if c.Bool("yes") {
		opts = append(opts, pipeline.WithConfirm(func(string) bool { return true }))
	}
	core, err := newCore(c, opts...)
	if err != nil {
		return err
	}
	return core.Run(context.Background(), c.Bool("rescan-old"), c.Bool("force"))
}
