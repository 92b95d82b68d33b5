package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackforge/provisioner/compose"
	"github.com/stackforge/provisioner/hostcmd"
	"github.com/stackforge/provisioner/secrets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(t *testing.T, runner *hostcmd.MockRunner) *Service {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "redis", "data"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "redis", "data", "dump.rdb"), []byte("rdb-snapshot"), 0600))

	return &Service{
		Compose: compose.NewClient(runner, root, testLogger()),
		Credentials: &secrets.CredentialSet{
			DBRootPassword: "root",
			DBUserPassword: "user",
			CachePassword:  "cache",
			SessionSecret:  "session",
		},
		DeployRoot:    root,
		RetentionDays: 7,
		Log:           testLogger(),
	}
}

type recordingUploader struct {
	paths []string
}

func (u *recordingUploader) Upload(_ context.Context, path string) error {
	u.paths = append(u.paths, path)
	return nil
}

func gunzip(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func TestRunProducesArchives(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("mysqldump", []byte("-- MySQL dump\nCREATE TABLE t (id INT);\n"), nil)

	uploader := &recordingUploader{}
	svc := testService(t, runner)
	svc.Uploader = uploader
	svc.Now = func() time.Time { return time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, svc.Run(context.Background()))

	backupsDir := filepath.Join(svc.DeployRoot, "backups")
	dbArchive := filepath.Join(backupsDir, "db-20260826-030000.sql.gz")
	cacheArchive := filepath.Join(backupsDir, "redis-20260826-030000.rdb.gz")

	assert.Equal(t, []byte("-- MySQL dump\nCREATE TABLE t (id INT);\n"), gunzip(t, dbArchive))
	assert.Equal(t, []byte("rdb-snapshot"), gunzip(t, cacheArchive))
	assert.Equal(t, []string{dbArchive, cacheArchive}, uploader.paths)

	info, err := os.Stat(dbArchive)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "dump archives hold all data and must be owner-only")

	// The snapshot is forced before the copy so the archive is current.
	assert.True(t, runner.CalledWith("redis-cli"))
	assert.True(t, runner.CalledWith("SAVE"))
}

func TestRunWithoutUploader(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("mysqldump", []byte("dump"), nil)

	svc := testService(t, runner)
	require.NoError(t, svc.Run(context.Background()), "off-host copies are optional")
}

func TestRunDumpFailure(t *testing.T) {
	runner := hostcmd.NewMockRunner()
	runner.Respond("mysqldump", []byte("access denied"), os.ErrPermission)

	svc := testService(t, runner)
	err := svc.Run(context.Background())
	require.Error(t, err)

	entries, readErr := os.ReadDir(filepath.Join(svc.DeployRoot, "backups"))
	require.NoError(t, readErr)
	assert.Empty(t, entries, "a failed dump must not leave partial archives")
}

func TestPrune(t *testing.T) {
	svc := testService(t, hostcmd.NewMockRunner())
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }

	backupsDir := filepath.Join(svc.DeployRoot, "backups")
	require.NoError(t, os.MkdirAll(backupsDir, 0750))

	old := filepath.Join(backupsDir, "db-20260801-030000.sql.gz")
	recent := filepath.Join(backupsDir, "db-20260825-030000.sql.gz")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0600))
	require.NoError(t, os.WriteFile(recent, []byte("recent"), 0600))
	require.NoError(t, os.Chtimes(old, now.AddDate(0, 0, -10), now.AddDate(0, 0, -10)))
	require.NoError(t, os.Chtimes(recent, now.AddDate(0, 0, -1), now.AddDate(0, 0, -1)))

	require.NoError(t, svc.Prune())

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "archives past retention must be removed")
	_, err = os.Stat(recent)
	assert.NoError(t, err, "archives within retention must survive")
}
