package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tcassar-diss/nethook/frontend"
)

func main() {
	var (
		cfgPath     string
		profilePath string
		verbose     bool
	)

	// loadConfig reads the config file and applies the global flags on top.
	loadConfig := func() (*frontend.Config, *zap.SugaredLogger, error) {
		cfg, err := frontend.LoadConfigFile(cfgPath)
		if err != nil {
			return nil, nil, err
		}

		if profilePath != "" {
			cfg.ProfilePath = profilePath
		}

		if verbose {
			cfg.Log.Level = "debug"
		}

		logger, err := frontend.NewLogger(cfg.Log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get a logger: %w", err)
		}

		return cfg, logger, nil
	}

	app := &cli.App{
		Name:  "nethook",
		Usage: "attach hook programs to packet filtering layers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a TOML config file",
				Destination: &cfgPath,
			},
			&cli.StringFlag{
				Name:        "profile",
				Usage:       "write a CSV line per program invocation to this file",
				Destination: &profilePath,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "log at debug level",
				Destination: &verbose,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "host the extension and serve its metrics until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "metrics-listen",
						Usage: "address to serve metrics on; empty disables the endpoint",
					},
				},
				Action: func(cCtx *cli.Context) error {
					cfg, logger, err := loadConfig()
					if err != nil {
						return cli.Exit(err, 1)
					}

					if cCtx.IsSet("metrics-listen") {
						cfg.Metrics.Listen = cCtx.String("metrics-listen")
					}

					if err := frontend.Run(cCtx.Context, logger, cfg); err != nil {
						return cli.Exit(fmt.Sprintf("nethook stopped with an error: %v", err), 2)
					}

					return nil
				},
			},
			{
				Name:      "replay",
				Usage:     "feed packet captures through the extension",
				ArgsUsage: "<capture.pcap> [capture.pcap...]",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "local",
						Usage: "prefix whose addresses are local to the capture; repeatable",
					},
				},
				Action: func(cCtx *cli.Context) error {
					if nArgs := cCtx.Args().Len(); nArgs < 1 {
						_ = cli.ShowSubcommandHelp(cCtx)

						return cli.Exit(
							fmt.Sprintf("\nERROR: Too few arguments! Expected >=1, got %d", nArgs),
							1,
						)
					}

					cfg, logger, err := loadConfig()
					if err != nil {
						return cli.Exit(err, 1)
					}

					if local := cCtx.StringSlice("local"); len(local) > 0 {
						cfg.Replay.LocalPrefixes = local

						if err := cfg.Validate(); err != nil {
							return cli.Exit(err, 1)
						}
					}

					if err := frontend.Replay(cCtx.Context, logger, cfg, cCtx.Args().Slice()); err != nil {
						return cli.Exit(fmt.Sprintf("replay failed: %v", err), 2)
					}

					return nil
				},
			},
			{
				Name:  "config",
				Usage: "print the effective configuration",
				Action: func(*cli.Context) error {
					cfg, err := frontend.LoadConfigFile(cfgPath)
					if err != nil {
						return cli.Exit(err, 1)
					}

					return frontend.MarshalConfig(os.Stdout, cfg)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
