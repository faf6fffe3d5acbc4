package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/handlepool/internal/gpu"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print the selected backend and device",
		Action: func(c *cli.Context) error {
			cfg, log := metadata(c)
			m, err := gpu.NewManager(cfg, log.Named("gpu"))
			if err != nil {
				return err
			}
			defer func() {
				if err := m.Cleanup(context.Background()); err != nil {
					log.Warn("cleanup failed", zap.Error(err))
				}
			}()

			figure.NewFigure("HandlePool", "", true).Print()
			fmt.Println()
			fmt.Print(renderDeviceInfo(m.GetBackendType(), m.GetDeviceInfo()))
			return nil
		},
	}
}

func renderDeviceInfo(backend string, info gpu.DeviceInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backend:            %s\n", backend)
	fmt.Fprintf(&b, "Device:             %s\n", info.Name)
	fmt.Fprintf(&b, "Devices:            %d\n", info.DeviceCount)
	fmt.Fprintf(&b, "Compute capability: %s\n", info.ComputeCapability)
	fmt.Fprintf(&b, "Driver:             %s\n", info.DriverVersion)
	if info.CUDAVersion != "" {
		fmt.Fprintf(&b, "CUDA:               %s\n", info.CUDAVersion)
	}
	if info.TotalMemory > 0 {
		fmt.Fprintf(&b, "Memory:             %d MB free of %d MB\n", info.AvailableMemory/(1<<20), info.TotalMemory/(1<<20))
	}
	if len(info.Features) > 0 {
		fmt.Fprintf(&b, "Features:           %s\n", strings.Join(info.Features, " "))
	}
	return b.String()
}
