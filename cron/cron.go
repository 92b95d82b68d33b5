// Package cron registers the recurring backup and monitor jobs in the host's
// crontab. Registration is idempotent: the entries live inside a
// marker-delimited block that is replaced wholesale on re-registration, so
// repeated runs never accumulate duplicates.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/stackforge/provisioner/interfaces"
)

const (
	beginMarker = "# BEGIN stack-provisioner jobs"
	endMarker   = "# END stack-provisioner jobs"
)

// Scheduler manages the provisioner's crontab block.
type Scheduler struct {
	Runner interfaces.CommandRunner
	Log    *slog.Logger
}

// Entries renders the recurring job lines for a deployment root: a daily
// backup and an hourly monitor check, each logging to a fixed path. Extra
// backup arguments (the off-host copy settings) are appended to the backup
// command so the scheduled job inherits them.
func Entries(deployRoot string, backupArgs ...string) []string {
	backupLog := filepath.Join(deployRoot, "logs", "backup.log")
	monitorLog := filepath.Join(deployRoot, "logs", "monitor.log")

	backupCmd := "stack-backup --deploy-root " + deployRoot
	if len(backupArgs) > 0 {
		backupCmd += " " + strings.Join(backupArgs, " ")
	}

	return []string{
		fmt.Sprintf("0 3 * * * %s >> %s 2>&1", backupCmd, backupLog),
		fmt.Sprintf("0 * * * * stack-monitor --deploy-root %s >> %s 2>&1", deployRoot, monitorLog),
	}
}

// Register merges the job block into the invoking user's crontab.
func (s *Scheduler) Register(ctx context.Context, deployRoot string, backupArgs ...string) error {
	existing, err := s.Runner.Run(ctx, "crontab", "-l")
	if err != nil {
		// An empty crontab makes `crontab -l` exit non-zero; start fresh.
		existing = nil
	}

	entries := Entries(deployRoot, backupArgs...)
	merged := Merge(string(existing), entries)
	if _, err := s.Runner.RunWithInput(ctx, merged, "crontab", "-"); err != nil {
		return fmt.Errorf("failed to install crontab entries: %w", err)
	}

	s.Log.Info("Recurring jobs registered", "jobs", len(entries))
	return nil
}

// Merge replaces the provisioner's marker-delimited block within an existing
// crontab, preserving all foreign lines. The result always ends in a newline
// as crontab requires.
func Merge(existing string, entries []string) string {
	var kept []string
	inBlock := false
	for _, line := range strings.Split(existing, "\n") {
		switch strings.TrimSpace(line) {
		case beginMarker:
			inBlock = true
			continue
		case endMarker:
			inBlock = false
			continue
		}
		if !inBlock {
			kept = append(kept, line)
		}
	}

	// Drop trailing blank lines from the preserved section.
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}

	block := append([]string{beginMarker}, entries...)
	block = append(block, endMarker)

	all := append(kept, block...)
	return strings.Join(all, "\n") + "\n"
}
