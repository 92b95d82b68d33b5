package compose

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackforge/provisioner/hostcmd"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArgsTargetDeploymentRoot(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	client := NewClient(runner, "/opt/appstack", testLogger())

	require.NoError(t, client.Pull(context.Background()))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "docker", calls[0].Name)
	assert.Equal(t, []string{
		"compose",
		"-f", filepath.Join("/opt/appstack", "docker-compose.yml"),
		"--project-directory", "/opt/appstack",
		"pull",
	}, calls[0].Args)
}

func TestRunningServices(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("ps --services", []byte("app\nmysql\n\nredis\n"), nil)
	client := NewClient(runner, "/opt/appstack", testLogger())

	services, err := client.RunningServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "mysql", "redis"}, services)
}

func TestAllRunning(t *testing.T) {
	expected := []string{"app", "mysql", "redis"}

	runner := hostcmd.NewMockRunner()
	runner.Respond("ps --services", []byte("app\nmysql\nredis\n"), nil)
	client := NewClient(runner, "/opt/appstack", testLogger())

	up, err := client.AllRunning(context.Background(), expected)
	require.NoError(t, err)
	assert.True(t, up)

	runner.Respond("ps --services", []byte("app\nredis\n"), nil)
	up, err = client.AllRunning(context.Background(), expected)
	require.NoError(t, err)
	assert.False(t, up, "a missing service must report not-all-running")
}

func TestUpFailureIncludesOutput(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("up -d", []byte("port already allocated"), errors.New("exit status 1"))
	client := NewClient(runner, "/opt/appstack", testLogger())

	err := client.Up(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "port already allocated"),
		"runtime output must surface in the error for operator diagnosis")
}

func TestExec(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("exec -T mysql", []byte("dump-bytes"), nil)
	client := NewClient(runner, "/opt/appstack", testLogger())

	out, err := client.Exec(context.Background(), "mysql", "sh", "-c", "exec mysqldump")
	require.NoError(t, err)
	assert.Equal(t, []byte("dump-bytes"), out)
	assert.True(t, runner.CalledWith("exec -T mysql sh -c exec mysqldump"))
}
