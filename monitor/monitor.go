// Package monitor implements the recurring health and disk check: are all
// declared services up, does the application answer its status endpoint, and
// is the deployment volume filling up.
//
// Disk pressure is a soft warning: it is logged but never affects the exit
// code. Service or probe failures exit non-zero so the scheduler's mail or
// log surface notices.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/stackforge/provisioner/compose"
	"github.com/stackforge/provisioner/healthcheck"
	"github.com/stackforge/provisioner/render"
)

// DefaultDiskWarnPercent is the usage level above which a warning is logged.
const DefaultDiskWarnPercent = 85

// Monitor performs one check cycle.
type Monitor struct {
	Compose    *compose.Client
	DeployRoot string
	HealthURL  string
	Log        *slog.Logger

	// DiskWarnPercent defaults to DefaultDiskWarnPercent.
	DiskWarnPercent int

	// Statfs is injectable for tests; defaults to syscall.Statfs.
	Statfs func(path string, st *syscall.Statfs_t) error
}

// Run executes the check cycle. It returns an error when services are down
// or the probe fails; disk warnings alone return nil.
func (m *Monitor) Run(ctx context.Context) error {
	expected := []string{render.ServiceApp, render.ServiceDB, render.ServiceCache}
	allUp, err := m.Compose.AllRunning(ctx, expected)
	if err != nil {
		return fmt.Errorf("failed to query service state: %w", err)
	}
	if !allUp {
		return fmt.Errorf("not all services are running (expected %v)", expected)
	}

	poller := &healthcheck.Poller{
		URL:      m.HealthURL,
		Attempts: 3,
		Delay:    5 * time.Second,
		Log:      m.Log,
	}
	if err := poller.Poll(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	m.checkDisk()

	m.Log.Info("Monitor check passed")
	return nil
}

// checkDisk logs a soft warning above the usage threshold.
func (m *Monitor) checkDisk() {
	statfs := m.Statfs
	if statfs == nil {
		statfs = syscall.Statfs
	}

	var st syscall.Statfs_t
	if err := statfs(m.DeployRoot, &st); err != nil {
		m.Log.Warn("Could not read disk usage", "err", err)
		return
	}
	if st.Blocks == 0 {
		return
	}

	usedPercent := int(100 - st.Bavail*100/st.Blocks)
	threshold := m.DiskWarnPercent
	if threshold == 0 {
		threshold = DefaultDiskWarnPercent
	}

	if usedPercent >= threshold {
		m.Log.Warn("Disk usage is high", "usedPercent", usedPercent, "threshold", threshold)
	} else {
		m.Log.Debug("Disk usage ok", "usedPercent", usedPercent)
	}
}
