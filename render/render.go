// Package render materializes every configuration artifact of a deployment
// from typed inputs: the compose manifest, database and cache configs, the
// database init script, and the firewall rule set.
//
// Rendering is deterministic: identical inputs produce byte-identical
// artifacts. Secrets pass through grammar-aware escaping helpers even though
// the generator restricts them to alphanumerics.
package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/stackforge/provisioner/config"
	"github.com/stackforge/provisioner/secrets"
)

// Service names declared in the compose manifest.
const (
	ServiceApp   = "app"
	ServiceDB    = "mysql"
	ServiceCache = "redis"
)

// StatusPath is the application liveness endpoint probed during verification.
const StatusPath = "/api/status"

// Inputs fully determine the rendered artifact set.
type Inputs struct {
	Config      *config.Config
	Credentials *secrets.CredentialSet
}

// Artifact is a rendered configuration file, relative to the deployment root.
type Artifact struct {
	Path    string
	Content []byte
	Mode    os.FileMode
}

// Render produces the full artifact set. It performs no external calls; the
// only observable side effect happens later in WriteAll.
func Render(in Inputs) ([]Artifact, error) {
	if err := in.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid render inputs: %w", err)
	}

	manifest, err := composeManifest(in.Config)
	if err != nil {
		return nil, err
	}

	initSQL, err := renderTemplate("init.sql", initSQLTemplate, sqlParams(in))
	if err != nil {
		return nil, err
	}

	mysqlCnf, err := renderTemplate("hardening.cnf", mysqlCnfTemplate, in.Config)
	if err != nil {
		return nil, err
	}

	redisConf, err := renderTemplate("redis.conf", redisConfTemplate, map[string]string{
		"Password":  in.Credentials.CachePassword,
		"MaxMemory": in.Config.CacheMaxMemory,
	})
	if err != nil {
		return nil, err
	}

	artifacts := []Artifact{
		{Path: "docker-compose.yml", Content: manifest, Mode: 0644},
		{Path: filepath.Join("mysql", "conf.d", "hardening.cnf"), Content: mysqlCnf, Mode: 0644},
		{Path: filepath.Join("mysql", "initdb", "init.sql"), Content: initSQL, Mode: 0600},
		{Path: filepath.Join("redis", "redis.conf"), Content: redisConf, Mode: 0600},
	}

	if !in.Config.SkipFirewall {
		rules, err := renderTemplate("nftables.rules", nftablesTemplate, in.Config)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{Path: "nftables.rules", Content: rules, Mode: 0644})
	}

	return artifacts, nil
}

// WriteAll writes every artifact under root, creating parent directories.
func WriteAll(root string, artifacts []Artifact) error {
	for _, a := range artifacts {
		path := filepath.Join(root, a.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", a.Path, err)
		}
		if err := os.WriteFile(path, a.Content, a.Mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", a.Path, err)
		}
	}
	return nil
}

// Compose manifest, modeled as typed structs so substitution cannot inject
// through string templating.

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
}

type composeService struct {
	Image       string             `yaml:"image"`
	Restart     string             `yaml:"restart"`
	EnvFile     []string           `yaml:"env_file,omitempty"`
	Environment []string           `yaml:"environment,omitempty"`
	Command     []string           `yaml:"command,omitempty"`
	Ports       []string           `yaml:"ports,omitempty"`
	Volumes     []string           `yaml:"volumes,omitempty"`
	Networks    []string           `yaml:"networks"`
	DependsOn   []string           `yaml:"depends_on,omitempty"`
	HealthCheck *composeHealth     `yaml:"healthcheck,omitempty"`
	Deploy      *composeDeploySpec `yaml:"deploy,omitempty"`
}

type composeHealth struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type composeDeploySpec struct {
	Resources composeResources `yaml:"resources"`
}

type composeResources struct {
	Limits composeLimits `yaml:"limits"`
}

type composeLimits struct {
	Memory string `yaml:"memory"`
}

type composeNetwork struct {
	Driver   string `yaml:"driver"`
	Internal bool   `yaml:"internal,omitempty"`
}

func composeManifest(cfg *config.Config) ([]byte, error) {
	network := "appstack"

	manifest := composeFile{
		Services: map[string]composeService{
			ServiceApp: {
				Image:   cfg.AppImage,
				Restart: "always",
				EnvFile: []string{".env"},
				Environment: []string{
					fmt.Sprintf("PORT=%d", cfg.AppPort),
					fmt.Sprintf("DB_HOST=%s", ServiceDB),
					fmt.Sprintf("REDIS_HOST=%s", ServiceCache),
				},
				Ports:     []string{fmt.Sprintf("%d:%d", cfg.AppPort, cfg.AppPort)},
				Volumes:   []string{"./logs:/app/logs", "./certs/client:/app/certs:ro"},
				Networks:  []string{network},
				DependsOn: []string{ServiceDB, ServiceCache},
				HealthCheck: &composeHealth{
					Test: []string{
						"CMD-SHELL",
						fmt.Sprintf(`curl -sf http://localhost:%d%s | grep -q '"success":true'`, cfg.AppPort, StatusPath),
					},
					Interval: "30s",
					Timeout:  "5s",
					Retries:  3,
				},
			},
			ServiceDB: {
				Image:   "mysql:8.0",
				Restart: "always",
				EnvFile: []string{".env"},
				Ports:   []string{fmt.Sprintf("%d:3306", cfg.DBPort)},
				Volumes: []string{
					"./mysql/data:/var/lib/mysql",
					"./mysql/conf.d:/etc/mysql/conf.d:ro",
					"./mysql/initdb:/docker-entrypoint-initdb.d:ro",
					"./certs/server:/etc/mysql/certs:ro",
				},
				Networks: []string{network},
				Deploy: &composeDeploySpec{
					Resources: composeResources{Limits: composeLimits{Memory: "1g"}},
				},
			},
			ServiceCache: {
				Image:    "redis:7",
				Restart:  "always",
				Command:  []string{"redis-server", "/usr/local/etc/redis/redis.conf"},
				Ports:    []string{fmt.Sprintf("%d:6379", cfg.CachePort)},
				Volumes:  []string{"./redis/data:/data", "./redis/redis.conf:/usr/local/etc/redis/redis.conf:ro"},
				Networks: []string{network},
			},
		},
		Networks: map[string]composeNetwork{
			network: {Driver: "bridge"},
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(manifest); err != nil {
		return nil, fmt.Errorf("failed to encode compose manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compose manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// sqlLiteral escapes a value for use inside a single-quoted SQL string.
func sqlLiteral(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `''`)
	return v
}

type initSQLParams struct {
	DBName         string
	DBUser         string
	DBUserPassword string
	ExternalIP     string
	MonitorUser    string
}

func sqlParams(in Inputs) initSQLParams {
	return initSQLParams{
		DBName:         in.Config.DBName,
		DBUser:         in.Config.DBUser,
		DBUserPassword: in.Credentials.DBUserPassword,
		ExternalIP:     in.Config.ExternalAccessIP,
		MonitorUser:    "monitoring",
	}
}

func renderTemplate(name, text string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"sqlLiteral": sqlLiteral,
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

const initSQLTemplate = `-- Least-privilege users for the application stack.
CREATE USER IF NOT EXISTS '{{.DBUser}}'@'%' IDENTIFIED BY '{{sqlLiteral .DBUserPassword}}' REQUIRE SSL;
GRANT SELECT, INSERT, UPDATE, DELETE ON ` + "`{{.DBName}}`" + `.* TO '{{.DBUser}}'@'%';
{{if .ExternalIP}}
-- Scoped external access, restricted to a single source address.
CREATE USER IF NOT EXISTS '{{.DBUser}}_ext'@'{{.ExternalIP}}' IDENTIFIED BY '{{sqlLiteral .DBUserPassword}}' REQUIRE SSL;
GRANT SELECT, INSERT, UPDATE, DELETE ON ` + "`{{.DBName}}`" + `.* TO '{{.DBUser}}_ext'@'{{.ExternalIP}}';
{{end}}
-- Monitoring user: process and replication visibility only.
CREATE USER IF NOT EXISTS '{{.MonitorUser}}'@'%' IDENTIFIED BY '{{sqlLiteral .DBUserPassword}}' WITH MAX_USER_CONNECTIONS 3;
GRANT PROCESS, REPLICATION CLIENT ON *.* TO '{{.MonitorUser}}'@'%';

FLUSH PRIVILEGES;
`

const mysqlCnfTemplate = `[mysqld]
# Mandatory TLS for every connection.
require_secure_transport = ON
ssl-ca = /etc/mysql/certs/ca-cert.pem
ssl-cert = /etc/mysql/certs/server-cert.pem
ssl-key = /etc/mysql/certs/server-key.pem

bind-address = 0.0.0.0
max_connections = {{.DBMaxConnections}}
innodb_buffer_pool_size = {{.DBBufferPoolSize}}

# Hardening.
local_infile = OFF
skip_name_resolve = ON
`

const redisConfTemplate = `bind 0.0.0.0
requirepass {{.Password}}

maxmemory {{.MaxMemory}}
maxmemory-policy allkeys-lru

# Point-in-time snapshots plus append-only persistence.
save 900 1
save 300 10
appendonly yes
appendfsync everysec
`

const nftablesTemplate = `#!/usr/sbin/nft -f

table inet appstack {
	chain input {
		type filter hook input priority 0; policy drop;

		ct state established,related accept
		iif "lo" accept
		tcp dport 22 accept
		tcp dport {{.AppPort}} accept
{{- if .ExternalAccessIP}}
		ip saddr {{.ExternalAccessIP}} tcp dport {{.DBPort}} accept
{{- end}}
	}
}
`
