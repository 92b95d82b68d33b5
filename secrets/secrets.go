// Package secrets generates the per-deployment credential set and persists
// it to the environment file consumed by the container runtime.
package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/stackforge/provisioner/config"
)

// SecretLength is the fixed length of every generated credential.
const SecretLength = 32

// secretCharset is restricted to characters safe for unquoted embedding in
// shell, INI, and SQL-literal grammars.
const secretCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Environment file keys.
const (
	KeyDBRootPassword = "MYSQL_ROOT_PASSWORD"
	KeyDBUser         = "DB_USER"
	KeyDBPassword     = "DB_PASSWORD"
	KeyDBName         = "DB_NAME"
	KeyCachePassword  = "REDIS_PASSWORD"
	KeySessionSecret  = "SESSION_SECRET"
	KeyTimezone       = "TZ"
	KeyRetentionDays  = "BACKUP_RETENTION_DAYS"
)

// CredentialSet holds the randomly generated secrets of one deployment.
type CredentialSet struct {
	DBRootPassword string
	DBUserPassword string
	CachePassword  string
	SessionSecret  string
}

// Generate produces a credential set from the given entropy source. Every
// value is generated independently; an unavailable or failing entropy source
// is a fatal error, never a weak fallback.
func Generate(entropy io.Reader) (*CredentialSet, error) {
	values := make([]string, 4)
	for i := range values {
		v, err := randomToken(entropy, SecretLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate credential: %w", err)
		}
		values[i] = v
	}

	cs := &CredentialSet{
		DBRootPassword: values[0],
		DBUserPassword: values[1],
		CachePassword:  values[2],
		SessionSecret:  values[3],
	}
	if err := cs.validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

// randomToken draws length characters from secretCharset using rejection
// sampling so no character is favored.
func randomToken(entropy io.Reader, length int) (string, error) {
	// Largest multiple of len(secretCharset) that fits in a byte.
	limit := byte(256 - 256%len(secretCharset))

	token := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(token) < length {
		if _, err := io.ReadFull(entropy, buf); err != nil {
			return "", fmt.Errorf("entropy source unavailable: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			token = append(token, secretCharset[int(b)%len(secretCharset)])
			if len(token) == length {
				break
			}
		}
	}
	return string(token), nil
}

func (cs *CredentialSet) validate() error {
	seen := map[string]bool{}
	for _, v := range []string{cs.DBRootPassword, cs.DBUserPassword, cs.CachePassword, cs.SessionSecret} {
		if len(v) != SecretLength {
			return errors.New("generated credential has wrong length")
		}
		if seen[v] {
			return errors.New("generated credentials are not distinct")
		}
		seen[v] = true
	}
	return nil
}

// EnvMap returns the key=value pairs persisted to the environment file,
// including the non-secret deployment parameters the containers consume.
func (cs *CredentialSet) EnvMap(cfg *config.Config) map[string]string {
	return map[string]string{
		KeyDBRootPassword: cs.DBRootPassword,
		KeyDBUser:         cfg.DBUser,
		KeyDBPassword:     cs.DBUserPassword,
		KeyDBName:         cfg.DBName,
		KeyCachePassword:  cs.CachePassword,
		KeySessionSecret:  cs.SessionSecret,
		KeyTimezone:       cfg.Timezone,
		KeyRetentionDays:  strconv.Itoa(cfg.BackupRetentionDays),
	}
}

// WriteEnvFile serializes the credential set to path with owner-only
// permissions.
func (cs *CredentialSet) WriteEnvFile(path string, cfg *config.Config) error {
	content, err := godotenv.Marshal(cs.EnvMap(cfg))
	if err != nil {
		return fmt.Errorf("failed to serialize credential file: %w", err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// ReadEnvFile loads a previously persisted credential set. Used by the
// backup and monitor jobs, which run after provisioning completed.
func ReadEnvFile(path string) (*CredentialSet, map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read credential file %s: %w", path, err)
	}

	cs := &CredentialSet{
		DBRootPassword: values[KeyDBRootPassword],
		DBUserPassword: values[KeyDBPassword],
		CachePassword:  values[KeyCachePassword],
		SessionSecret:  values[KeySessionSecret],
	}
	if cs.DBRootPassword == "" || cs.DBUserPassword == "" || cs.CachePassword == "" || cs.SessionSecret == "" {
		return nil, nil, fmt.Errorf("credential file %s is missing required secrets", path)
	}
	return cs, values, nil
}
