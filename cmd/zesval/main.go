package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/config"
	"github.com/fxnlabs/zesval/internal/logger"
)

const version = "0.3.0"

func main() {
	var rootLogger *zap.Logger
	app := newApp(&rootLogger)
	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path over the defaults, or returns the defaults when
// path is empty. The validator toggles in the environment win over both.
func loadConfig(path string, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(lookup)
	return cfg, nil
}

func newApp(rootLogger **zap.Logger) *cli.App {
	var (
		cfgPath string
		console bool
	)
	env := &environment{}

	return &cli.App{
		Name:    "zesval",
		Usage:   "Validate handle lifetimes and dependencies of a sysman driver",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the config file; defaults apply when empty",
				EnvVars:     []string{"ZESVAL_CONFIG"},
				Destination: &cfgPath,
			},
			&cli.BoolFlag{
				Name:        "console",
				Usage:       "Human readable logs instead of JSON",
				Destination: &console,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(cfgPath, os.LookupEnv)
			if err != nil {
				return err
			}
			build := logger.New
			if console {
				build = logger.NewConsole
			}
			zapLogger, err := build(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			env.cfg = cfg
			env.log = zapLogger.Named("zesval")
			*rootLogger = env.log
			return nil
		},
		After: func(c *cli.Context) error {
			if env.log != nil {
				_ = env.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(env),
			stressCommand(env),
			serveCommand(env),
			initCommand(),
			versionCommand(),
		},
	}
}

// environment is filled by the app's Before hook.
type environment struct {
	cfg *config.Config
	log *zap.Logger
}
