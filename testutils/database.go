package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/migadu/pgkeeper/config"
	"github.com/migadu/pgkeeper/db"
	"github.com/stretchr/testify/require"
)

// TestConfig represents minimal test configuration
type TestConfig struct {
	Database struct {
		URL string `toml:"url"`
	} `toml:"database"`
}

// TestDatabase wraps a real pool for integration tests
type TestDatabase struct {
	Handle db.Handle
	URL    string
}

// SetupTestDatabase opens a pool against PGKEEPER_TEST_DATABASE_URL, or the url in
// config-test.toml found in a parent directory. The test is skipped when neither exists.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	url := os.Getenv("PGKEEPER_TEST_DATABASE_URL")
	if url == "" {
		configPath, err := findTestConfig()
		if err != nil {
			t.Skip("No test database configured (set PGKEEPER_TEST_DATABASE_URL or add config-test.toml)")
		}
		var cfg TestConfig
		_, err = toml.DecodeFile(configPath, &cfg)
		require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
		url = cfg.Database.URL
	}
	if url == "" {
		t.Skip("config-test.toml has no database url")
	}

	dbCfg := &config.DatabaseConfig{URL: url, Environment: config.EnvDevelopment}
	profile, err := db.ProfileFromConfig(dbCfg)
	require.NoError(t, err)

	handle, err := db.Open(context.Background(), profile)
	require.NoError(t, err, "Failed to create test pool")

	return &TestDatabase{Handle: handle, URL: url}
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// Cleanup closes the pool
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Handle != nil {
		td.Handle.Close()
	}
}
