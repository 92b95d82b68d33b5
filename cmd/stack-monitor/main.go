// Package main (cmd/stack-monitor) runs one monitoring cycle for a
// provisioned deployment: container state, application health probe, and
// disk usage. Service or probe failures exit non-zero; disk pressure is a
// soft warning only.
package main

import (
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/urfave/cli/v2"

	"github.com/stackforge/provisioner/cmd/flags"
	"github.com/stackforge/provisioner/compose"
	"github.com/stackforge/provisioner/config"
	"github.com/stackforge/provisioner/hostcmd"
	"github.com/stackforge/provisioner/monitor"
	"github.com/stackforge/provisioner/render"
)

var monitorFlags = []cli.Flag{
	&cli.IntFlag{
		Name:    "app-port",
		Value:   3000,
		Usage:   "host port for the application service",
		EnvVars: []string{"APP_PORT"},
	},
	&cli.IntFlag{
		Name:  "disk-warn-percent",
		Value: monitor.DefaultDiskWarnPercent,
		Usage: "disk usage percentage that triggers a warning",
	},
}

func main() {
	app := &cli.App{
		Name:  "stack-monitor",
		Usage: "Check health of the provisioned stack",
		Flags: slices.Concat(flags.CommonFlags, monitorFlags),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "stack-monitor")

			cfg := config.Default()
			cfg.DeployRoot = cCtx.String(flags.DeployRootFlag.Name)
			cfg.AppPort = cCtx.Int("app-port")

			runner := hostcmd.NewExecRunner(logger)
			m := &monitor.Monitor{
				Compose:         compose.NewClient(runner, cfg.DeployRoot, logger),
				DeployRoot:      cfg.DeployRoot,
				HealthURL:       fmt.Sprintf("http://localhost:%d%s", cfg.AppPort, render.StatusPath),
				DiskWarnPercent: cCtx.Int("disk-warn-percent"),
				Log:             logger,
			}
			return m.Run(cCtx.Context)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
