package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxnlabs/handlepool/fixtures"
	"github.com/fxnlabs/handlepool/internal/config"
	"github.com/urfave/cli/v2"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config file to the home directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing config file",
			},
		},
		Action: func(c *cli.Context) error {
			homeDir := c.App.Metadata["homeDir"].(string)
			path, err := writeConfigTemplate(homeDir, c.Bool("force"))
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func writeConfigTemplate(homeDir string, force bool) (string, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(homeDir, config.ConfigFile)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return path, os.WriteFile(path, fixtures.ConfigTemplate, 0o644)
}
