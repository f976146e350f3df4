package pkg

import (
	"github.com/urfave/cli"
)

func NewApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "cpss"
	app.Version = version
	app.Usage = "CPSS exposure scanner, collects and analyzes internet-facing security systems"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "pipeline config file",
			Value: "cpss.yaml",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "domains",
			Usage:  "extract a verified domain list from the newest PDF in the input dir",
			Action: domains,
		},
		{
			Name:   "collect",
			Usage:  "resolve the domain list to exposed hosts via the reconnaissance APIs",
			Action: collect,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "only-source",
					Usage: "query only the listed sources (comma separated: modat-host,networksdb)",
				},
			},
		},
		{
			Name:   "services",
			Usage:  "scan the collected IPs with the service fingerprint API",
			Action: services,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "rescan-old",
					Usage: "rescan IPs whose artifacts are from an earlier date",
				},
				cli.BoolFlag{
					Name:  "yes, y",
					Usage: "skip the confirmation prompt",
				},
			},
		},
		{
			Name:   "flatten",
			Usage:  "build the wide analysis CSV from the staged service scans",
			Action: flattenCSV,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "force",
					Usage: "rebuild even when the dataset is unchanged",
				},
			},
		},
		{
			Name:   "cve",
			Usage:  "cross-reference the CVEs in the analysis CSV against NVD",
			Action: cve,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "refresh",
					Usage: "refetch records already in the store",
				},
			},
		},
		{
			Name:   "classify",
			Usage:  "classify the analysis CSV rows per security system category",
			Action: classifyCSV,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "category",
					Usage: "categories to run (comma separated: eacs,vss,ihas)",
					Value: "eacs,vss,ihas",
				},
			},
		},
		{
			Name:   "validate",
			Usage:  "cross-check the collection with a tag-based Modat sweep",
			Action: validateSweep,
		},
		{
			Name:      "convert-shodan",
			Usage:     "convert a Shodan JSON export into the analysis CSV schema",
			ArgsUsage: "shodan_export.json",
			Action:    convertShodan,
		},
		{
			Name:   "run",
			Usage:  "run the full pipeline: domains, collect, services, flatten",
			Action: run,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "yes, y",
					Usage: "skip confirmation prompts",
				},
				cli.BoolFlag{
					Name:  "rescan-old",
					Usage: "rescan IPs whose artifacts are from an earlier date",
				},
				cli.BoolFlag{
					Name:  "force",
					Usage: "rebuild the analysis CSV even when the dataset is unchanged",
				},
			},
		},
	}

	return app
}
