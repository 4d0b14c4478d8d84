package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger() {
	baseLogger = zerolog.New(os.Stderr)
	viperConf = viper.New()
	isLogInit = false
}

func createConfigAndSetEnv(t *testing.T, text string) {
	path := filepath.Join(t.TempDir(), "sidechainlog.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	t.Setenv(confEnvPrefix+"_"+confFilePathKey, path)
}

func createCleanLogger(t *testing.T, configText string, moduleName string) *Logger {
	resetLogger()
	createConfigAndSetEnv(t, configText)
	return NewLogger(moduleName)
}

func TestDefaultConfig(t *testing.T) {
	resetLogger()
	logger := Default()
	assert.Equal(t, "info", logger.Level())
	assert.Equal(t, "", logger.Name())
}

func TestBasicLevel(t *testing.T) {
	logger := createCleanLogger(t, `
	level = "error"
	`, "test_logger")

	assert.Equal(t, "error", logger.Level())
	assert.Equal(t, "test_logger", logger.Name())
}

func TestSubLevel(t *testing.T) {
	logger := createCleanLogger(t, `
	level = "error"

	[ledger]
	level = "warn"
	`, "ledger")

	assert.Equal(t, "error", Default().Level())
	assert.Equal(t, "warn", logger.Level())
}

func TestIsDebugEnabled(t *testing.T) {
	logger := createCleanLogger(t, `level = "warn"`, "info_logger")
	assert.False(t, logger.IsDebugEnabled())

	logger = createCleanLogger(t, `level = "debug"`, "debug_logger")
	assert.True(t, logger.IsDebugEnabled())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := createCleanLogger(t, `level = "loud"`, "stage")
	assert.Equal(t, "info", logger.Level())
}

func TestConfigure(t *testing.T) {
	resetLogger()
	Configure(map[string]interface{}{
		"level": "warn",
		"stage": map[string]interface{}{"level": "debug"},
	})

	assert.Equal(t, "warn", NewLogger("ledger").Level())
	assert.Equal(t, "debug", NewLogger("stage").Level())
}

func TestGetOutput(t *testing.T) {
	tmpName := filepath.ToSlash(filepath.Join(t.TempDir(), "testfilelog"))

	tests := []struct {
		name    string
		arg     string
		wantOut *os.File
		wantErr bool
	}{
		{"Empty", "", nil, true},
		{"Stdout", "stdout", os.Stdout, false},
		{"Stderr", "stderr", os.Stderr, false},
		{"CustomFile", tmpName, nil, false},
		{"CannotCreate", "no/where/dir/nofile.log", nil, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := getOutput(test.arg)
			if test.wantOut != nil {
				assert.Equal(t, test.wantOut, got)
			}
			assert.Equal(t, test.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestFileOutByModule(t *testing.T) {
	dir := t.TempDir()
	baseLogName := filepath.ToSlash(filepath.Join(dir, "base.log"))
	m1LogName := filepath.ToSlash(filepath.Join(dir, "m1.log"))
	m2LogName := filepath.ToSlash(filepath.Join(dir, "m2.log"))

	configStr := fmt.Sprintf(`
out = "%s"
level = "info"

[m1]
out = "%s"

[m2]
out = "%s"`, baseLogName, m1LogName, m2LogName)
	createCleanLogger(t, configStr, "m1")

	NewLogger("m1").Info().Msg("sub1 write")
	NewLogger("m1").Info().Msg("sub1_1 write")
	NewLogger("m2").Info().Msg("sub2 write")
	// modules without a section inherit the base output
	NewLogger("other_m").Info().Msg("other write")

	baseContent, err := os.ReadFile(baseLogName)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(baseContent, []byte("other write")))

	m1Content, err := os.ReadFile(m1LogName)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(m1Content, []byte("sub1 write")))
	assert.True(t, bytes.Contains(m1Content, []byte("sub1_1 write")))

	m2Content, err := os.ReadFile(m2LogName)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(m2Content, []byte("sub2 write")))
}

func TestSkipCaller(t *testing.T) {
	assert.Contains(t, SkipCaller(1), "log_test.go:")
	assert.Equal(t, "?", SkipCaller(1000))
}
