package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "badger", c.DB.Backend)
	assert.Equal(t, 16, c.Ledger.MaxCommitRetries)
	assert.Equal(t, 30*time.Second, c.Stage.Interval)
	assert.False(t, c.Stage.IncludeSingleAssetAccounts)
	assert.True(t, c.Stage.Submit)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sidechain.yaml"), []byte(`
db:
  backend: sqlite
  dir: /var/lib/sidechain
stage:
  interval: 5s
  includeSingleAssetAccounts: true
anchor:
  endpoint: ws://localhost:8546
  contract: "0x00000000000000000000000000000000000a1c0"
log:
  level: debug
  stage:
    level: warn
`), 0644))
	t.Setenv("SIDECHAIN_LEDGER_MAXCOMMITRETRIES", "3")
	t.Setenv("SIDECHAIN_ANCHOR_PASSWORD", "secret")

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.DB.Backend)
	assert.Equal(t, 5*time.Second, c.Stage.Interval)
	assert.True(t, c.Stage.IncludeSingleAssetAccounts)
	assert.Equal(t, 3, c.Ledger.MaxCommitRetries)
	assert.Equal(t, "secret", c.Anchor.Password)
	assert.Equal(t, "debug", c.Log["level"])

	out, err := c.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "backend: sqlite")
	assert.NotContains(t, out, "secret")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"Memory", Config{DB: DBConfig{Backend: "memory"}}, false},
		{"BadgerWithoutDir", Config{DB: DBConfig{Backend: "badger"}}, true},
		{"PostgresWithoutDSN", Config{DB: DBConfig{Backend: "postgres"}}, true},
		{"UnknownBackend", Config{DB: DBConfig{Backend: "leveldb"}}, true},
		{"EndpointWithoutContract", Config{DB: DBConfig{Backend: "memory"}, Anchor: AnchorConfig{Endpoint: "ws://x"}}, true},
		{"NegativeInterval", Config{DB: DBConfig{Backend: "memory"}, Stage: StageConfig{Interval: -time.Second}}, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.config.Validate()
			assert.Equal(t, test.wantErr, err != nil, "err = %v", err)
		})
	}
}
