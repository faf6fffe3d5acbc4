package main

import (
	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/handlepool/internal/app"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve kernels, pool stats and metrics over HTTP",
		Action: func(c *cli.Context) error {
			cfg, _ := metadata(c)
			figure.NewFigure("HandlePool", "", true).Print()

			fx.New(
				fx.Supply(cfg),
				app.Module,
				fx.Invoke(func(*app.Server) {}),
			).Run()
			return nil
		},
	}
}
