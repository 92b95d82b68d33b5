package hostcmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockCall records a single command invocation observed by a MockRunner.
type MockCall struct {
	Name  string
	Args  []string
	Input string
}

// Command returns the full command line of the call.
func (c MockCall) Command() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// MockRunner is a scriptable CommandRunner for tests. Responses are matched
// by command-line substring; unmatched commands succeed with empty output.
type MockRunner struct {
	mu        sync.Mutex
	calls     []MockCall
	responses []mockResponse
}

type mockResponse struct {
	pattern string
	output  []byte
	err     error
}

// NewMockRunner creates an empty mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// Respond registers output and err for any command line containing pattern.
// Later registrations take precedence over earlier ones.
func (m *MockRunner) Respond(pattern string, output []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append([]mockResponse{{pattern: pattern, output: output, err: err}}, m.responses...)
}

// Run implements interfaces.CommandRunner.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return m.RunWithInput(ctx, "", name, args...)
}

// RunWithInput implements interfaces.CommandRunner.
func (m *MockRunner) RunWithInput(ctx context.Context, input string, name string, args ...string) ([]byte, error) {
	call := MockCall{Name: name, Args: args, Input: input}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	responses := m.responses
	m.mu.Unlock()

	for _, resp := range responses {
		if strings.Contains(call.Command(), resp.pattern) {
			if resp.err != nil {
				return resp.output, fmt.Errorf("%s: %w", call.Command(), resp.err)
			}
			return resp.output, nil
		}
	}
	return nil, nil
}

// Calls returns all recorded invocations.
func (m *MockRunner) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CalledWith reports whether any recorded command line contains pattern.
func (m *MockRunner) CalledWith(pattern string) bool {
	for _, c := range m.Calls() {
		if strings.Contains(c.Command(), pattern) {
			return true
		}
	}
	return false
}
