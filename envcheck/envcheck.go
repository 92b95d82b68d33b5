// Package envcheck verifies the external tools a provisioning run depends on
// and installs the container runtime through the host's package manager when
// it is missing and installation is permitted.
package envcheck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/stackforge/provisioner/hostcmd"
	"github.com/stackforge/provisioner/interfaces"
)

// Checker verifies and, when permitted, installs required host tooling.
type Checker struct {
	Runner interfaces.CommandRunner
	Log    *slog.Logger

	// OSReleasePath defaults to /etc/os-release.
	OSReleasePath string

	// LookPath defaults to PATH lookup; tests inject their own.
	LookPath func(name string) bool
}

func (c *Checker) lookPath(name string) bool {
	if c.LookPath != nil {
		return c.LookPath(name)
	}
	return hostcmd.LookPath(name)
}

func (c *Checker) osReleasePath() string {
	if c.OSReleasePath != "" {
		return c.OSReleasePath
	}
	return "/etc/os-release"
}

// Check ensures the container runtime and its compose plugin are usable.
// With skipInstall set, a missing runtime is a fatal precondition error
// instead of an installation attempt.
func (c *Checker) Check(ctx context.Context, skipInstall bool) error {
	if !c.lookPath("docker") {
		if skipInstall {
			return fmt.Errorf("%w: docker (installation skipped by flag)", interfaces.ErrMissingTool)
		}
		if err := c.installDocker(ctx); err != nil {
			return err
		}
		if !c.lookPath("docker") {
			return fmt.Errorf("%w: docker still missing after installation", interfaces.ErrMissingTool)
		}
	}

	if _, err := c.Runner.Run(ctx, "docker", "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("container runtime is not responding: %w", err)
	}

	if _, err := c.Runner.Run(ctx, "docker", "compose", "version"); err != nil {
		return fmt.Errorf("%w: docker compose plugin", interfaces.ErrMissingTool)
	}

	c.Log.Info("Environment check passed")
	return nil
}

// installDocker picks an installation procedure from the host OS identity.
// An unrecognized platform aborts the run; there is no fallback path.
func (c *Checker) installDocker(ctx context.Context) error {
	id, idLike, err := c.detectOS()
	if err != nil {
		return err
	}

	c.Log.Info("Installing container runtime", "os", id)

	switch {
	case osMatches(id, idLike, "debian", "ubuntu"):
		if out, err := c.Runner.Run(ctx, "apt-get", "update"); err != nil {
			return fmt.Errorf("package index update failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
		}
		if out, err := c.Runner.Run(ctx, "apt-get", "install", "-y", "docker.io", "docker-compose-v2"); err != nil {
			return fmt.Errorf("docker installation failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
		}
	case osMatches(id, idLike, "fedora", "centos", "rhel"):
		if out, err := c.Runner.Run(ctx, "dnf", "install", "-y", "docker", "docker-compose-plugin"); err != nil {
			return fmt.Errorf("docker installation failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
		}
	default:
		return fmt.Errorf("%w: os %q", interfaces.ErrUnsupportedPlatform, id)
	}

	if out, err := c.Runner.Run(ctx, "systemctl", "enable", "--now", "docker"); err != nil {
		return fmt.Errorf("failed to start docker service: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// detectOS reads ID and ID_LIKE from the os-release file.
func (c *Checker) detectOS() (id string, idLike []string, err error) {
	data, err := os.ReadFile(c.osReleasePath())
	if err != nil {
		return "", nil, fmt.Errorf("%w: cannot read %s: %v", interfaces.ErrUnsupportedPlatform, c.osReleasePath(), err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			id = value
		case "ID_LIKE":
			idLike = strings.Fields(value)
		}
	}

	if id == "" {
		return "", nil, fmt.Errorf("%w: os-release has no ID field", interfaces.ErrUnsupportedPlatform)
	}
	return id, idLike, nil
}

func osMatches(id string, idLike []string, candidates ...string) bool {
	for _, c := range candidates {
		if id == c {
			return true
		}
		for _, like := range idLike {
			if like == c {
				return true
			}
		}
	}
	return false
}
