// Package main (cmd/stack-provision) provisions a complete application stack
// (API server, MySQL, Redis) on a fresh Linux host: it verifies or installs
// the container runtime, generates per-deployment credentials, issues a
// private CA with server and client certificates, renders all configuration
// artifacts, starts the container set, verifies application health, and
// registers the recurring backup and monitor jobs.
//
// The run is strictly sequential and fail-fast. The process exit code is
// zero only when the stack came up and the health probe resolved healthy or
// degraded-but-running.
package main

import (
	"log"
	"os"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/stackforge/provisioner/cmd/flags"
	"github.com/stackforge/provisioner/config"
	"github.com/stackforge/provisioner/hostcmd"
	"github.com/stackforge/provisioner/provision"
)

var provisionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "app-image",
		Value:   "appstack/api:latest",
		Usage:   "application container image reference",
		EnvVars: []string{"APP_IMAGE"},
	},
	&cli.IntFlag{
		Name:    "app-port",
		Value:   3000,
		Usage:   "host port for the application service",
		EnvVars: []string{"APP_PORT"},
	},
	&cli.IntFlag{
		Name:    "db-port",
		Value:   3306,
		Usage:   "host port for the database service",
		EnvVars: []string{"DB_PORT"},
	},
	&cli.IntFlag{
		Name:    "cache-port",
		Value:   6379,
		Usage:   "host port for the cache service",
		EnvVars: []string{"CACHE_PORT"},
	},
	&cli.StringFlag{
		Name:    "db-name",
		Value:   "appstack",
		Usage:   "application database schema name",
		EnvVars: []string{"DB_NAME"},
	},
	&cli.StringFlag{
		Name:    "db-user",
		Value:   "appstack",
		Usage:   "least-privilege application database user",
		EnvVars: []string{"DB_USER"},
	},
	&cli.StringFlag{
		Name:    "external-access-ip",
		Usage:   "optional single source address granted database and firewall access",
		EnvVars: []string{"EXTERNAL_ACCESS_IP"},
	},
	&cli.StringFlag{
		Name:    "timezone",
		Value:   "UTC",
		Usage:   "timezone passed to the containers",
		EnvVars: []string{"TZ"},
	},
	&cli.IntFlag{
		Name:    "backup-retention-days",
		Value:   7,
		Usage:   "days to keep backup archives",
		EnvVars: []string{"BACKUP_RETENTION_DAYS"},
	},
	&cli.IntFlag{
		Name:    "health-attempts",
		Value:   30,
		Usage:   "bounded readiness poll attempt count",
		EnvVars: []string{"HEALTH_ATTEMPTS"},
	},
	&cli.DurationFlag{
		Name:    "health-delay",
		Value:   2 * time.Second,
		Usage:   "fixed delay between readiness poll attempts",
		EnvVars: []string{"HEALTH_DELAY"},
	},
	&cli.BoolFlag{
		Name:    "skip-docker-install",
		Usage:   "treat a missing container runtime as a fatal error instead of installing it",
		EnvVars: []string{"SKIP_DOCKER_INSTALL"},
	},
	&cli.BoolFlag{
		Name:    "skip-firewall",
		Usage:   "do not render or apply firewall rules",
		EnvVars: []string{"SKIP_FIREWALL"},
	},
	&cli.BoolFlag{
		Name:  "force",
		Usage: "provision into a non-empty deployment root, regenerating secrets",
	},
	&cli.StringFlag{
		Name:    "s3-bucket",
		Usage:   "optional S3 bucket for off-host backup copies",
		EnvVars: []string{"BACKUP_S3_BUCKET"},
	},
	&cli.StringFlag{
		Name:    "s3-prefix",
		Value:   "backups",
		Usage:   "key prefix for off-host backup copies",
		EnvVars: []string{"BACKUP_S3_PREFIX"},
	},
	&cli.StringFlag{
		Name:    "s3-region",
		Value:   "us-east-1",
		Usage:   "region for off-host backup copies",
		EnvVars: []string{"BACKUP_S3_REGION"},
	},
	&cli.StringFlag{
		Name:    "s3-endpoint",
		Usage:   "custom endpoint for S3-compatible backup storage",
		EnvVars: []string{"BACKUP_S3_ENDPOINT"},
	},
}

func main() {
	app := &cli.App{
		Name:  "stack-provision",
		Usage: "Provision the application stack (API server, MySQL, Redis) on this host",
		Flags: slices.Concat(flags.CommonFlags, provisionFlags),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "stack-provision")

			cfg := config.Default()
			cfg.DeployRoot = cCtx.String(flags.DeployRootFlag.Name)
			cfg.AppImage = cCtx.String("app-image")
			cfg.AppPort = cCtx.Int("app-port")
			cfg.DBPort = cCtx.Int("db-port")
			cfg.CachePort = cCtx.Int("cache-port")
			cfg.DBName = cCtx.String("db-name")
			cfg.DBUser = cCtx.String("db-user")
			cfg.ExternalAccessIP = cCtx.String("external-access-ip")
			cfg.Timezone = cCtx.String("timezone")
			cfg.BackupRetentionDays = cCtx.Int("backup-retention-days")
			cfg.HealthAttempts = cCtx.Int("health-attempts")
			cfg.HealthDelay = cCtx.Duration("health-delay")
			cfg.SkipDockerInstall = cCtx.Bool("skip-docker-install")
			cfg.SkipFirewall = cCtx.Bool("skip-firewall")
			cfg.Force = cCtx.Bool("force")
			cfg.S3Bucket = cCtx.String("s3-bucket")
			cfg.S3Prefix = cCtx.String("s3-prefix")
			cfg.S3Region = cCtx.String("s3-region")
			cfg.S3Endpoint = cCtx.String("s3-endpoint")

			p := &provision.Provisioner{
				Cfg:    cfg,
				Runner: hostcmd.NewExecRunner(logger),
				Log:    logger,
			}
			p.ObserveSignals()

			outcome, err := p.Run(cCtx.Context)
			if err != nil {
				logger.Error("Provisioning failed", "outcome", outcome.String(), "err", err)
				return err
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
