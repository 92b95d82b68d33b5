package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/stackforge/provisioner/config"
	"github.com/stackforge/provisioner/secrets"
)

func testInputs(t *testing.T) Inputs {
	t.Helper()
	cfg := config.Default()
	cfg.DeployRoot = t.TempDir()
	return Inputs{
		Config: cfg,
		Credentials: &secrets.CredentialSet{
			DBRootPassword: "rootpw00000000000000000000000000",
			DBUserPassword: "userpw00000000000000000000000000",
			CachePassword:  "cachepw0000000000000000000000000",
			SessionSecret:  "session0000000000000000000000000",
		},
	}
}

func artifactByPath(t *testing.T, artifacts []Artifact, path string) Artifact {
	t.Helper()
	for _, a := range artifacts {
		if a.Path == path {
			return a
		}
	}
	t.Fatalf("artifact %s not rendered", path)
	return Artifact{}
}

func TestRenderDeterministic(t *testing.T) {
	in := testInputs(t)

	first, err := Render(in)
	require.NoError(t, err)
	second, err := Render(in)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Path, second[i].Path)
		assert.Equal(t, first[i].Content, second[i].Content, "artifact %s is not deterministic", first[i].Path)
	}
}

func TestComposeManifest(t *testing.T) {
	artifacts, err := Render(testInputs(t))
	require.NoError(t, err)

	manifest := artifactByPath(t, artifacts, "docker-compose.yml")
	assert.Equal(t, 0644, int(manifest.Mode))

	var parsed struct {
		Services map[string]struct {
			Image       string   `yaml:"image"`
			DependsOn   []string `yaml:"depends_on"`
			HealthCheck struct {
				Test []string `yaml:"test"`
			} `yaml:"healthcheck"`
		} `yaml:"services"`
	}
	require.NoError(t, yaml.Unmarshal(manifest.Content, &parsed))

	require.Contains(t, parsed.Services, ServiceApp)
	require.Contains(t, parsed.Services, ServiceDB)
	require.Contains(t, parsed.Services, ServiceCache)
	assert.ElementsMatch(t, []string{ServiceDB, ServiceCache}, parsed.Services[ServiceApp].DependsOn)
	assert.Equal(t, "mysql:8.0", parsed.Services[ServiceDB].Image)

	health := parsed.Services[ServiceApp].HealthCheck.Test
	require.Len(t, health, 2)
	assert.Equal(t, "CMD-SHELL", health[0])
	assert.Contains(t, health[1], StatusPath)
	assert.Contains(t, health[1], `'"success":true'`)

	// No secret ever appears in the manifest; containers read them from the
	// env file instead.
	assert.NotContains(t, string(manifest.Content), "userpw")
}

func TestInitSQLEscaping(t *testing.T) {
	in := testInputs(t)
	in.Credentials.DBUserPassword = `pa'ss\word`

	artifacts, err := Render(in)
	require.NoError(t, err)

	initSQL := artifactByPath(t, artifacts, "mysql/initdb/init.sql")
	assert.Equal(t, 0600, int(initSQL.Mode), "init script embeds secrets and must be owner-only")
	assert.Contains(t, string(initSQL.Content), `pa''ss\\word`)
	assert.Contains(t, string(initSQL.Content), "REQUIRE SSL")
	assert.Contains(t, string(initSQL.Content), "'monitoring'@'%'")
}

func TestRenderExternalAccess(t *testing.T) {
	in := testInputs(t)
	in.Config.ExternalAccessIP = "203.0.113.7"

	artifacts, err := Render(in)
	require.NoError(t, err)

	initSQL := string(artifactByPath(t, artifacts, "mysql/initdb/init.sql").Content)
	assert.Contains(t, initSQL, "'appstack_ext'@'203.0.113.7'")

	rules := string(artifactByPath(t, artifacts, "nftables.rules").Content)
	assert.Contains(t, rules, "ip saddr 203.0.113.7 tcp dport 3306 accept")
}

func TestRenderNoExternalAccess(t *testing.T) {
	artifacts, err := Render(testInputs(t))
	require.NoError(t, err)

	initSQL := string(artifactByPath(t, artifacts, "mysql/initdb/init.sql").Content)
	assert.NotContains(t, initSQL, "_ext", "no external user without an external access address")

	rules := string(artifactByPath(t, artifacts, "nftables.rules").Content)
	assert.NotContains(t, rules, "ip saddr")
}

func TestRenderSkipFirewall(t *testing.T) {
	in := testInputs(t)
	in.Config.SkipFirewall = true

	artifacts, err := Render(in)
	require.NoError(t, err)

	for _, a := range artifacts {
		assert.NotEqual(t, "nftables.rules", a.Path)
	}
}

func TestRedisConf(t *testing.T) {
	artifacts, err := Render(testInputs(t))
	require.NoError(t, err)

	conf := artifactByPath(t, artifacts, "redis/redis.conf")
	assert.Equal(t, 0600, int(conf.Mode))
	assert.Contains(t, string(conf.Content), "requirepass cachepw")
	assert.Contains(t, string(conf.Content), "maxmemory 256mb")
}

func TestSQLLiteral(t *testing.T) {
	assert.Equal(t, "plain", sqlLiteral("plain"))
	assert.Equal(t, `it''s`, sqlLiteral(`it's`))
	assert.Equal(t, `a\\b`, sqlLiteral(`a\b`))
}

func TestRenderRejectsInvalidConfig(t *testing.T) {
	in := testInputs(t)
	in.Config.ExternalAccessIP = "not-an-ip"

	_, err := Render(in)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not a valid address"))
}
