// Package compose drives the container runtime's compose plugin for one
// deployment. The runtime is an external collaborator: this package only
// encodes the invocations made and the outputs/exit codes consumed.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/stackforge/provisioner/interfaces"
)

// Client runs docker compose against a deployment root.
type Client struct {
	runner interfaces.CommandRunner
	root   string
	log    *slog.Logger
}

// NewClient creates a compose client for the manifest under root.
func NewClient(runner interfaces.CommandRunner, root string, log *slog.Logger) *Client {
	return &Client{runner: runner, root: root, log: log}
}

func (c *Client) args(verb string, extra ...string) []string {
	base := []string{
		"compose",
		"-f", filepath.Join(c.root, "docker-compose.yml"),
		"--project-directory", c.root,
		verb,
	}
	return append(base, extra...)
}

// Pull fetches the declared service images.
func (c *Client) Pull(ctx context.Context) error {
	c.log.Info("Pulling service images")
	if out, err := c.runner.Run(ctx, "docker", c.args("pull")...); err != nil {
		return fmt.Errorf("image pull failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Up starts the declared service set in the background.
func (c *Client) Up(ctx context.Context) error {
	c.log.Info("Starting container set")
	if out, err := c.runner.Run(ctx, "docker", c.args("up", "-d")...); err != nil {
		return fmt.Errorf("container start failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Down stops and removes the service set. Only invoked by operator request,
// never as automatic rollback.
func (c *Client) Down(ctx context.Context) error {
	if out, err := c.runner.Run(ctx, "docker", c.args("down")...); err != nil {
		return fmt.Errorf("container teardown failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RunningServices returns the names of services the runtime reports running.
func (c *Client) RunningServices(ctx context.Context) ([]string, error) {
	out, err := c.runner.Run(ctx, "docker", c.args("ps", "--services", "--filter", "status=running")...)
	if err != nil {
		return nil, fmt.Errorf("failed to query running services: %w", err)
	}

	var services []string
	for _, line := range strings.Split(string(out), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			services = append(services, s)
		}
	}
	return services, nil
}

// AllRunning reports whether every expected service is up.
func (c *Client) AllRunning(ctx context.Context, expected []string) (bool, error) {
	running, err := c.RunningServices(ctx)
	if err != nil {
		return false, err
	}

	up := make(map[string]bool, len(running))
	for _, s := range running {
		up[s] = true
	}
	for _, s := range expected {
		if !up[s] {
			return false, nil
		}
	}
	return true, nil
}

// Logs returns the runtime's recent diagnostic output, used to aid operator
// inspection after a failed activation.
func (c *Client) Logs(ctx context.Context) ([]byte, error) {
	out, err := c.runner.Run(ctx, "docker", c.args("logs", "--tail", "100")...)
	if err != nil {
		return out, fmt.Errorf("failed to collect runtime logs: %w", err)
	}
	return out, nil
}

// Exec runs a command inside a service container without a TTY.
func (c *Client) Exec(ctx context.Context, service string, cmd ...string) ([]byte, error) {
	args := append(c.args("exec", "-T", service), cmd...)
	out, err := c.runner.Run(ctx, "docker", args...)
	if err != nil {
		return out, fmt.Errorf("exec in %s failed: %w", service, err)
	}
	return out, nil
}
