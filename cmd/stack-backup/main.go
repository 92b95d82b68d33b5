// Package main (cmd/stack-backup) runs one backup cycle for a provisioned
// deployment: a logical database dump, a cache snapshot, retention pruning,
// and an optional off-host copy. It is registered in cron by the
// provisioning run and shares the deployment lock so it can never interleave
// with a re-provisioning run.
package main

import (
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"

	"github.com/stackforge/provisioner/backup"
	"github.com/stackforge/provisioner/cmd/flags"
	"github.com/stackforge/provisioner/compose"
	"github.com/stackforge/provisioner/config"
	"github.com/stackforge/provisioner/hostcmd"
	"github.com/stackforge/provisioner/secrets"
)

var backupFlags = []cli.Flag{
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
		Name:  "stack-backup",
		Usage: "Back up the provisioned stack's database and cache",
		Flags: slices.Concat(flags.CommonFlags, backupFlags),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "stack-backup")

			cfg := config.Default()
			cfg.DeployRoot = cCtx.String(flags.DeployRootFlag.Name)

			lock := flock.New(cfg.LockFile())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("failed to acquire deployment lock: %w", err)
			}
			if !locked {
				// A provisioning run owns the deployment; skip this cycle
				// instead of alarming the cron mailer.
				logger.Info("Deployment lock is held, skipping backup cycle")
				return nil
			}
			defer lock.Unlock()

			creds, values, err := secrets.ReadEnvFile(cfg.EnvFile())
			if err != nil {
				return err
			}

			retention := cfg.BackupRetentionDays
			if v, err := strconv.Atoi(values[secrets.KeyRetentionDays]); err == nil && v > 0 {
				retention = v
			}

			var uploader backup.Uploader
			if bucket := cCtx.String("s3-bucket"); bucket != "" {
				uploader, err = backup.NewS3Uploader(bucket,
					cCtx.String("s3-prefix"), cCtx.String("s3-region"), cCtx.String("s3-endpoint"), logger)
				if err != nil {
					return err
				}
			}

			runner := hostcmd.NewExecRunner(logger)
			svc := &backup.Service{
				Compose:       compose.NewClient(runner, cfg.DeployRoot, logger),
				Credentials:   creds,
				DeployRoot:    cfg.DeployRoot,
				RetentionDays: retention,
				Uploader:      uploader,
				Log:           logger,
			}
			return svc.Run(cCtx.Context)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
