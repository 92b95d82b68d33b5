// Package interfaces defines the core interfaces, outcome types, and failure
// taxonomy shared by the provisioning components. It provides the contract
// between different components without implementation details.
package interfaces

import (
	"context"
	"errors"
)

// CommandRunner abstracts invocation of external tools (docker, crontab,
// package managers) so components can be tested without a live host.
type CommandRunner interface {
	// Run executes name with args and returns combined stdout/stderr.
	// A non-zero exit status is returned as an error.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithInput is like Run but feeds input to the command's stdin.
	RunWithInput(ctx context.Context, input string, name string, args ...string) ([]byte, error)
}

// Outcome classifies the result of stack activation and verification.
type Outcome int

const (
	// Failed means containers are not up, or the health probe never
	// succeeded within its retry budget.
	Failed Outcome = iota

	// DegradedButRunning means containers are up but the health probe was
	// inconclusive.
	DegradedButRunning

	// Healthy means containers are up and the health probe succeeded.
	Healthy
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case Healthy:
		return "healthy"
	case DegradedButRunning:
		return "degraded-but-running"
	default:
		return "failed"
	}
}

// Failure taxonomy. Fatal preconditions abort immediately with no retry;
// everything else follows fail-fast semantics with no automatic rollback.
var (
	// ErrUnsupportedPlatform indicates the host OS is not recognized and no
	// installation path exists for missing tooling.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrMissingTool indicates a required external tool is absent and
	// installation was not permitted.
	ErrMissingTool = errors.New("required tool not available")

	// ErrAlreadyProvisioned indicates the deployment root already holds
	// credentials from a previous run.
	ErrAlreadyProvisioned = errors.New("deployment root already provisioned")

	// ErrLocked indicates another provisioning, backup, or monitor run holds
	// the deployment lock.
	ErrLocked = errors.New("deployment lock held by another process")

	// ErrReadinessTimeout indicates the health probe never succeeded within
	// the bounded retry budget.
	ErrReadinessTimeout = errors.New("health probe did not succeed within retry budget")

	// ErrInterrupted indicates the operator interrupted the run between
	// phases.
	ErrInterrupted = errors.New("provisioning interrupted by operator")
)
