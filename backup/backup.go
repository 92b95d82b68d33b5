// Package backup implements the recurring backup job: a logical database
// dump, a cache snapshot copy, age-based retention pruning, and an optional
// off-host copy to S3-compatible storage.
//
// The job is designed to run out-of-process on its own schedule. It takes
// the same deployment lock as provisioning so the two can never interleave.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stackforge/provisioner/compose"
	"github.com/stackforge/provisioner/render"
	"github.com/stackforge/provisioner/secrets"
)

// Uploader copies a finished archive off-host.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Service performs one backup run.
type Service struct {
	Compose       *compose.Client
	Credentials   *secrets.CredentialSet
	DeployRoot    string
	RetentionDays int
	Uploader      Uploader // nil disables off-host copies
	Log           *slog.Logger

	// Now is injectable for retention tests; defaults to time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run produces the database and cache archives, prunes expired ones, and
// uploads the new archives when an uploader is configured.
func (s *Service) Run(ctx context.Context) error {
	backupsDir := filepath.Join(s.DeployRoot, "backups")
	if err := os.MkdirAll(backupsDir, 0750); err != nil {
		return fmt.Errorf("failed to create backups directory: %w", err)
	}

	stamp := s.now().UTC().Format("20060102-150405")

	dbArchive, err := s.dumpDatabase(ctx, backupsDir, stamp)
	if err != nil {
		return err
	}

	cacheArchive, err := s.snapshotCache(ctx, backupsDir, stamp)
	if err != nil {
		return err
	}

	if err := s.Prune(); err != nil {
		return err
	}

	if s.Uploader != nil {
		for _, archive := range []string{dbArchive, cacheArchive} {
			if err := s.Uploader.Upload(ctx, archive); err != nil {
				return fmt.Errorf("off-host copy failed: %w", err)
			}
		}
	}

	s.Log.Info("Backup completed", "db", dbArchive, "cache", cacheArchive)
	return nil
}

// dumpDatabase runs mysqldump inside the database container and writes a
// gzipped archive.
func (s *Service) dumpDatabase(ctx context.Context, dir, stamp string) (string, error) {
	out, err := s.Compose.Exec(ctx, render.ServiceDB,
		"sh", "-c", `exec mysqldump --all-databases --single-transaction -uroot -p"$MYSQL_ROOT_PASSWORD"`)
	if err != nil {
		return "", fmt.Errorf("database dump failed: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("db-%s.sql.gz", stamp))
	if err := writeGzip(path, out); err != nil {
		return "", err
	}
	return path, nil
}

// snapshotCache forces a synchronous RDB save and copies the snapshot from
// the bind-mounted data directory.
func (s *Service) snapshotCache(ctx context.Context, dir, stamp string) (string, error) {
	_, err := s.Compose.Exec(ctx, render.ServiceCache,
		"redis-cli", "-a", s.Credentials.CachePassword, "--no-auth-warning", "SAVE")
	if err != nil {
		return "", fmt.Errorf("cache snapshot failed: %w", err)
	}

	src := filepath.Join(s.DeployRoot, "redis", "data", "dump.rdb")
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to read cache snapshot %s: %w", src, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("redis-%s.rdb.gz", stamp))
	if err := writeGzip(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func writeGzip(path string, data []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write archive %s: %w", path, err)
	}
	return nil
}

// Prune removes archives older than the retention period.
func (s *Service) Prune() error {
	backupsDir := filepath.Join(s.DeployRoot, "backups")
	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	cutoff := s.now().AddDate(0, 0, -s.RetentionDays)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupsDir, entry.Name())
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to prune %s: %w", path, err)
			}
			s.Log.Info("Pruned expired backup", "path", path)
		}
	}
	return nil
}
