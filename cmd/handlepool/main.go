package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxnlabs/handlepool/internal/config"
	"github.com/fxnlabs/handlepool/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	var home string

	app := &cli.App{
		Name:  "handlepool",
		Usage: "Serve BLAS, solver and FFT kernels on pooled per-stream library handles",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the handlepool home directory",
				EnvVars:     []string{"HANDLEPOOL_HOME"},
				Destination: &home,
			},
		},
		Before: func(c *cli.Context) error {
			c.App.Metadata["homeDir"] = home
			cfg, err := loadConfig(home)
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("cli")
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			serveCommand(),
			benchCommand(),
			infoCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config from home, falling back to the defaults when
// no config file has been written yet.
func loadConfig(home string) (*config.Config, error) {
	cfg, err := config.LoadConfig(filepath.Join(home, config.ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func metadata(c *cli.Context) (*config.Config, *zap.Logger) {
	return c.App.Metadata["config"].(*config.Config), c.App.Metadata["logger"].(*zap.Logger)
}
