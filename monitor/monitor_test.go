package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackforge/provisioner/compose"
	"github.com/stackforge/provisioner/hostcmd"
	"github.com/stackforge/provisioner/render"
)

func statusServer(t *testing.T) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	router.Get(render.StatusPath, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func lowUsageStatfs(_ string, st *syscall.Statfs_t) error {
	st.Blocks = 100
	st.Bavail = 80
	return nil
}

func TestRunHealthy(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("ps --services", []byte("app\nmysql\nredis\n"), nil)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	m := &Monitor{
		Compose:    compose.NewClient(runner, t.TempDir(), log),
		DeployRoot: t.TempDir(),
		HealthURL:  statusServer(t).URL + render.StatusPath,
		Log:        log,
		Statfs:     lowUsageStatfs,
	}

	require.NoError(t, m.Run(context.Background()))
	assert.Contains(t, buf.String(), "Monitor check passed")
}

func TestRunServicesDown(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("ps --services", []byte("app\n"), nil)

	log := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	m := &Monitor{
		Compose:    compose.NewClient(runner, t.TempDir(), log),
		DeployRoot: t.TempDir(),
		HealthURL:  statusServer(t).URL + render.StatusPath,
		Log:        log,
		Statfs:     lowUsageStatfs,
	}

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not all services are running")
}

func TestDiskWarningIsSoft(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("ps --services", []byte("app\nmysql\nredis\n"), nil)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	m := &Monitor{
		Compose:    compose.NewClient(runner, t.TempDir(), log),
		DeployRoot: t.TempDir(),
		HealthURL:  statusServer(t).URL + render.StatusPath,
		Log:        log,
		Statfs: func(_ string, st *syscall.Statfs_t) error {
			st.Blocks = 100
			st.Bavail = 5
			return nil
		},
	}

	require.NoError(t, m.Run(context.Background()), "disk pressure alone must not fail the check")
	assert.Contains(t, buf.String(), "Disk usage is high")
}

func TestDiskCheckCustomThreshold(t *testing.T) {
	var buf bytes.Buffer
	m := &Monitor{
		DeployRoot:      t.TempDir(),
		Log:             slog.New(slog.NewTextHandler(&buf, nil)),
		DiskWarnPercent: 50,
		Statfs: func(_ string, st *syscall.Statfs_t) error {
			st.Blocks = 100
			st.Bavail = 40
			return nil
		},
	}

	m.checkDisk()
	assert.Contains(t, buf.String(), "Disk usage is high")
}
