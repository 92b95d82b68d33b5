// Package flags holds the CLI flag definitions and logger setup shared by
// the provision, backup, and monitor commands.
package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/stackforge/provisioner/common"
)

var DeployRootFlag = &cli.StringFlag{
	Name:    "deploy-root",
	Value:   "/opt/appstack",
	Usage:   "deployment root directory",
	EnvVars: []string{"DEPLOY_ROOT"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

// CommonFlags apply to every command.
var CommonFlags = []cli.Flag{
	DeployRootFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

// SetupLogger builds the process logger from the common flags.
func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}
