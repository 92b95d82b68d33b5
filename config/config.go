// Package config defines the typed provisioning configuration threaded
// through every phase. All inputs are explicit: nothing later in the run
// reads ambient process environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every input of a provisioning run.
type Config struct {
	// DeployRoot is the directory tree owned by the invoking operator that
	// receives secrets, certificates, rendered configs, and runtime state.
	DeployRoot string

	// AppImage is the application container image reference.
	AppImage string
	// AppPort is the host port the application service binds.
	AppPort int
	// DBPort is the host port the database service binds.
	DBPort int
	// CachePort is the host port the cache service binds.
	CachePort int

	// DBName is the application database schema name.
	DBName string
	// DBUser is the least-privilege application database user.
	DBUser string

	// DBMaxConnections caps concurrent database connections.
	DBMaxConnections int
	// DBBufferPoolSize is the InnoDB buffer pool size, e.g. "512M".
	DBBufferPoolSize string
	// CacheMaxMemory is the cache memory budget, e.g. "256mb".
	CacheMaxMemory string

	// ExternalAccessIP optionally grants one remote address database and
	// firewall access. Empty disables the external user entirely.
	ExternalAccessIP string

	// Timezone is passed to the containers as TZ.
	Timezone string
	// BackupRetentionDays bounds how long backup archives are kept.
	BackupRetentionDays int

	// HealthAttempts is the bounded readiness poll attempt count.
	HealthAttempts int
	// HealthDelay is the fixed delay between readiness poll attempts.
	HealthDelay time.Duration

	// SkipDockerInstall makes a missing container runtime a fatal
	// precondition error instead of triggering installation.
	SkipDockerInstall bool
	// SkipFirewall disables rendering and applying firewall rules.
	SkipFirewall bool
	// Force allows provisioning into a non-empty deployment root,
	// regenerating secrets and overwriting artifacts.
	Force bool

	// S3Bucket optionally mirrors backup archives off-host. Empty disables
	// the upload.
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string
}

// Default returns a config with the fixed service topology parameters.
func Default() *Config {
	return &Config{
		DeployRoot:          "/opt/appstack",
		AppImage:            "appstack/api:latest",
		AppPort:             3000,
		DBPort:              3306,
		CachePort:           6379,
		DBName:              "appstack",
		DBUser:              "appstack",
		DBMaxConnections:    200,
		DBBufferPoolSize:    "512M",
		CacheMaxMemory:      "256mb",
		Timezone:            "UTC",
		BackupRetentionDays: 7,
		HealthAttempts:      30,
		HealthDelay:         2 * time.Second,
	}
}

// Validate checks the configuration before any phase runs.
func (c *Config) Validate() error {
	if c.DeployRoot == "" {
		return errors.New("deploy root must not be empty")
	}
	if !filepath.IsAbs(c.DeployRoot) {
		return fmt.Errorf("deploy root must be an absolute path, got %q", c.DeployRoot)
	}
	if c.AppPort <= 0 || c.DBPort <= 0 || c.CachePort <= 0 {
		return errors.New("service ports must be positive")
	}
	if c.DBName == "" || c.DBUser == "" {
		return errors.New("database name and user must not be empty")
	}
	if c.ExternalAccessIP != "" && net.ParseIP(c.ExternalAccessIP) == nil {
		return fmt.Errorf("external access IP %q is not a valid address", c.ExternalAccessIP)
	}
	if c.HealthAttempts < 1 {
		return errors.New("health attempts must be at least 1")
	}
	if c.HealthDelay <= 0 {
		return errors.New("health delay must be positive")
	}
	if c.BackupRetentionDays < 1 {
		return errors.New("backup retention must be at least one day")
	}
	return nil
}

// EnvFile returns the path of the generated credential file.
func (c *Config) EnvFile() string {
	return filepath.Join(c.DeployRoot, ".env")
}

// CertsDir returns the certificate directory inside the deployment root.
func (c *Config) CertsDir() string {
	return filepath.Join(c.DeployRoot, "certs")
}

// BackupsDir returns the backup archive directory.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.DeployRoot, "backups")
}

// LogsDir returns the directory recurring jobs log into.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DeployRoot, "logs")
}

// LockFile returns the path of the deployment mutual-exclusion lock.
func (c *Config) LockFile() string {
	return filepath.Join(c.DeployRoot, ".provision.lock")
}

// LoadEnvFile applies key=value overrides from an optional dotenv file. It is
// used by the backup and monitor commands to pick up the retention policy the
// provisioning run persisted.
func LoadEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("credential file %s does not exist: %w", path, err)
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credential file %s: %w", path, err)
	}
	return values, nil
}
