// Package provision orchestrates the five deployment phases: environment
// check, directory and secret initialization, certificate issuance,
// configuration materialization, and activation with verification.
//
// Execution is strictly sequential and fail-fast: each phase must fully
// succeed before the next starts, data flows forward only, and nothing rolls
// back partial state. A flock-based lock in the deployment root mutually
// excludes concurrent provisioning, backup, and monitor runs.
package provision

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"go.uber.org/atomic"

	"github.com/stackforge/provisioner/compose"
	"github.com/stackforge/provisioner/config"
	"github.com/stackforge/provisioner/cron"
	"github.com/stackforge/provisioner/envcheck"
	"github.com/stackforge/provisioner/healthcheck"
	"github.com/stackforge/provisioner/interfaces"
	"github.com/stackforge/provisioner/pki"
	"github.com/stackforge/provisioner/render"
	"github.com/stackforge/provisioner/secrets"
)

// Organization used as the certificate subject for the deployment CA.
const certOrganization = "AppStack"

// Provisioner runs the full deployment workflow against one deployment root.
type Provisioner struct {
	Cfg    *config.Config
	Runner interfaces.CommandRunner
	Log    *slog.Logger

	// Entropy defaults to crypto/rand. Tests inject failing readers.
	Entropy io.Reader

	// HealthURL overrides the probed status endpoint; defaults to the
	// application port on localhost.
	HealthURL string

	// Checker defaults to an envcheck.Checker over Runner.
	Checker *envcheck.Checker

	interrupted atomic.Bool
}

// ObserveSignals marks the provisioner interrupted on SIGINT/SIGTERM. The
// flag is observed between phases; no partial-state rollback occurs.
func (p *Provisioner) ObserveSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		p.Log.Warn("Interrupt received, stopping after the current phase")
		p.interrupted.Store(true)
	}()
}

func (p *Provisioner) checkInterrupted() error {
	if p.interrupted.Load() {
		return interfaces.ErrInterrupted
	}
	return nil
}

func (p *Provisioner) entropy() io.Reader {
	if p.Entropy != nil {
		return p.Entropy
	}
	return rand.Reader
}

func (p *Provisioner) healthURL() string {
	if p.HealthURL != "" {
		return p.HealthURL
	}
	return fmt.Sprintf("http://localhost:%d%s", p.Cfg.AppPort, render.StatusPath)
}

// Run executes all phases and returns the final outcome. The error is
// non-nil exactly when the outcome is Failed.
func (p *Provisioner) Run(ctx context.Context) (interfaces.Outcome, error) {
	if err := p.Cfg.Validate(); err != nil {
		return interfaces.Failed, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(p.Cfg.DeployRoot, 0750); err != nil {
		return interfaces.Failed, fmt.Errorf("failed to create deployment root: %w", err)
	}

	lock := flock.New(p.Cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return interfaces.Failed, fmt.Errorf("failed to acquire deployment lock: %w", err)
	}
	if !locked {
		return interfaces.Failed, interfaces.ErrLocked
	}
	defer lock.Unlock()

	// Re-run guard: a root holding credentials from a previous run is
	// rejected so an already-running stack cannot be silently corrupted.
	if _, err := os.Stat(p.Cfg.EnvFile()); err == nil && !p.Cfg.Force {
		return interfaces.Failed, fmt.Errorf("%w: %s exists (use --force to overwrite)",
			interfaces.ErrAlreadyProvisioned, p.Cfg.EnvFile())
	}

	// Phase 1: environment check.
	checker := p.Checker
	if checker == nil {
		checker = &envcheck.Checker{Runner: p.Runner, Log: p.Log}
	}
	if err := checker.Check(ctx, p.Cfg.SkipDockerInstall); err != nil {
		return interfaces.Failed, err
	}
	if err := p.checkInterrupted(); err != nil {
		return interfaces.Failed, err
	}

	// Phase 2: directories and secrets.
	creds, err := p.initSecrets()
	if err != nil {
		return interfaces.Failed, err
	}
	if err := p.checkInterrupted(); err != nil {
		return interfaces.Failed, err
	}

	// Phase 3: certificate authority and leaves.
	if err := p.issueCertificates(); err != nil {
		return interfaces.Failed, err
	}
	if err := p.checkInterrupted(); err != nil {
		return interfaces.Failed, err
	}

	// Phase 4: configuration materialization.
	if err := p.renderConfigs(creds); err != nil {
		return interfaces.Failed, err
	}
	if !p.Cfg.SkipFirewall {
		if err := p.applyFirewall(ctx); err != nil {
			return interfaces.Failed, err
		}
	}
	if err := p.checkInterrupted(); err != nil {
		return interfaces.Failed, err
	}

	// Phase 5: activation and verification.
	client := compose.NewClient(p.Runner, p.Cfg.DeployRoot, p.Log)
	outcome, err := p.activate(ctx, client)
	if outcome == interfaces.Failed {
		return outcome, err
	}

	// Recurring jobs are registered only for a running stack.
	scheduler := &cron.Scheduler{Runner: p.Runner, Log: p.Log}
	if err := scheduler.Register(ctx, p.Cfg.DeployRoot, p.backupArgs()...); err != nil {
		return interfaces.Failed, err
	}

	p.summarize(outcome)
	return outcome, nil
}

// backupArgs propagates the off-host copy settings to the scheduled backup
// job.
func (p *Provisioner) backupArgs() []string {
	if p.Cfg.S3Bucket == "" {
		return nil
	}
	args := []string{
		"--s3-bucket", p.Cfg.S3Bucket,
		"--s3-prefix", p.Cfg.S3Prefix,
		"--s3-region", p.Cfg.S3Region,
	}
	if p.Cfg.S3Endpoint != "" {
		args = append(args, "--s3-endpoint", p.Cfg.S3Endpoint)
	}
	return args
}

// initSecrets creates the deployment directory tree and persists a freshly
// generated credential set.
func (p *Provisioner) initSecrets() (*secrets.CredentialSet, error) {
	for _, dir := range []string{
		filepath.Join(p.Cfg.DeployRoot, "mysql", "data"),
		filepath.Join(p.Cfg.DeployRoot, "redis", "data"),
		p.Cfg.CertsDir(),
		p.Cfg.BackupsDir(),
		p.Cfg.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	creds, err := secrets.Generate(p.entropy())
	if err != nil {
		return nil, err
	}
	if err := creds.WriteEnvFile(p.Cfg.EnvFile(), p.Cfg); err != nil {
		return nil, err
	}

	p.Log.Info("Credentials generated", "file", p.Cfg.EnvFile())
	return creds, nil
}

// issueCertificates creates the CA and both leaves, writes them with the
// permission policy, and verifies the chain before anything consumes it.
func (p *Provisioner) issueCertificates() error {
	bundle, err := pki.IssueBundle(certOrganization, []string{render.ServiceDB, "localhost", "127.0.0.1"})
	if err != nil {
		return err
	}
	if err := bundle.Verify(); err != nil {
		return err
	}
	if err := bundle.WriteTo(p.Cfg.CertsDir()); err != nil {
		return err
	}

	p.Log.Info("Certificate authority issued", "dir", p.Cfg.CertsDir())
	return nil
}

func (p *Provisioner) renderConfigs(creds *secrets.CredentialSet) error {
	artifacts, err := render.Render(render.Inputs{Config: p.Cfg, Credentials: creds})
	if err != nil {
		return err
	}
	if err := render.WriteAll(p.Cfg.DeployRoot, artifacts); err != nil {
		return err
	}

	p.Log.Info("Configuration rendered", "artifacts", len(artifacts))
	return nil
}

func (p *Provisioner) applyFirewall(ctx context.Context) error {
	rules := filepath.Join(p.Cfg.DeployRoot, "nftables.rules")
	if out, err := p.Runner.Run(ctx, "nft", "-f", rules); err != nil {
		return fmt.Errorf("failed to apply firewall rules: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	p.Log.Info("Firewall rules applied", "rules", rules)
	return nil
}

// activate starts the container set and classifies the result. On Failed the
// runtime's own diagnostic logs are surfaced before the error returns.
func (p *Provisioner) activate(ctx context.Context, client *compose.Client) (interfaces.Outcome, error) {
	if err := client.Pull(ctx); err != nil {
		return interfaces.Failed, err
	}
	if err := client.Up(ctx); err != nil {
		return interfaces.Failed, p.failWithLogs(ctx, client, err)
	}

	expected := []string{render.ServiceApp, render.ServiceDB, render.ServiceCache}
	allUp, err := client.AllRunning(ctx, expected)
	if err != nil {
		return interfaces.Failed, err
	}
	if !allUp {
		return interfaces.Failed, p.failWithLogs(ctx, client,
			fmt.Errorf("container runtime reports services missing (expected %v)", expected))
	}

	poller := &healthcheck.Poller{
		URL:      p.healthURL(),
		Attempts: p.Cfg.HealthAttempts,
		Delay:    p.Cfg.HealthDelay,
		Log:      p.Log,
	}
	if err := poller.Poll(ctx); err != nil {
		// Containers may still be up with an inconclusive probe.
		stillUp, upErr := client.AllRunning(ctx, expected)
		if upErr == nil && stillUp {
			p.Log.Warn("Containers are up but the health probe was inconclusive", "err", err)
			return interfaces.DegradedButRunning, nil
		}
		return interfaces.Failed, p.failWithLogs(ctx, client, err)
	}

	return interfaces.Healthy, nil
}

// failWithLogs dumps the runtime's diagnostic output before returning err.
// Containers are left running for operator inspection.
func (p *Provisioner) failWithLogs(ctx context.Context, client *compose.Client, err error) error {
	logs, logErr := client.Logs(ctx)
	if logErr != nil {
		p.Log.Error("Could not collect runtime logs", "err", logErr)
	} else if len(logs) > 0 {
		p.Log.Error("Runtime diagnostics", "logs", string(logs))
	}
	return err
}

// summarize reports access endpoints and reminds the operator where the
// generated credentials live.
func (p *Provisioner) summarize(outcome interfaces.Outcome) {
	p.Log.Info("Provisioning finished",
		"outcome", outcome.String(),
		"app", fmt.Sprintf("http://localhost:%d", p.Cfg.AppPort),
		"mysql", fmt.Sprintf("localhost:%d (TLS required)", p.Cfg.DBPort),
		"redis", fmt.Sprintf("localhost:%d", p.Cfg.CachePort),
		"credentials", p.Cfg.EnvFile(),
	)
	p.Log.Info("Store the credential file securely; it is the only copy of the generated secrets")
}
