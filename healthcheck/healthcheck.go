// Package healthcheck implements the bounded readiness poll against the
// application's liveness endpoint.
//
// The endpoint contract is owned by the application, not this tool: an HTTP
// GET to the status path must return a JSON body whose "success" field is
// boolean true. Any non-conforming response counts as not-yet-healthy rather
// than an error, up to the retry budget.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stackforge/provisioner/interfaces"
)

// Poller polls a status URL with a fixed attempt count and inter-attempt
// delay.
type Poller struct {
	// URL is the full status endpoint address.
	URL string

	// Attempts is the bounded retry budget. Success on the last allowed
	// attempt still counts as healthy.
	Attempts int

	// Delay is the fixed pause between attempts.
	Delay time.Duration

	// Client defaults to a client with a per-request timeout.
	Client *http.Client

	Log *slog.Logger
}

type statusResponse struct {
	Success *bool `json:"success"`
}

// Poll runs the readiness loop. It returns nil once the endpoint conforms,
// or interfaces.ErrReadinessTimeout after the budget is exhausted. Context
// cancellation aborts between attempts.
func (p *Poller) Poll(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if ok := p.probe(ctx, client); ok {
			p.Log.Info("Health probe succeeded", "attempt", attempt)
			return nil
		}

		if attempt < p.Attempts {
			p.Log.Debug("Health probe not ready, retrying", "attempt", attempt, "delay", p.Delay)
			select {
			case <-time.After(p.Delay):
			case <-ctx.Done():
				return fmt.Errorf("readiness poll canceled: %w", ctx.Err())
			}
		}
	}

	return fmt.Errorf("%w after %d attempts", interfaces.ErrReadinessTimeout, p.Attempts)
}

// probe performs one attempt. Transport errors, bad statuses, and
// non-conforming bodies are all treated as not-yet-healthy.
func (p *Poller) probe(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		p.Log.Debug("Failed to build health request", "err", err)
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return false
	}
	return status.Success != nil && *status.Success
}
