package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DeviceName)
	assert.Equal(t, 0, cfg.HCI.Index)
	assert.Empty(t, cfg.HCI.MAC)
	assert.Equal(t, 3*time.Second, cfg.HCI.CommandTimeout)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afterglow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
device_name: Porch
hci:
  index: 1
  mac: "11:22:33:AA:BB:CC"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "Porch", cfg.DeviceName)
	assert.Equal(t, 1, cfg.HCI.Index)
	assert.Equal(t, "11:22:33:AA:BB:CC", cfg.HCI.MAC)
	assert.Equal(t, 3*time.Second, cfg.HCI.CommandTimeout, "defaults kept for missing keys")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level: loud\n"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "invalid log level")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("hci: [\n"), 0o600))
	_, err = Load(broken)
	assert.Error(t, err)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "debug", logLevel: "debug", want: logrus.DebugLevel},
		{name: "info", logLevel: "info", want: logrus.InfoLevel},
		{name: "warn", logLevel: "warn", want: logrus.WarnLevel},
		{name: "error", logLevel: "error", want: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger, err := cfg.NewLogger()
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}

	_, err := (&Config{LogLevel: "loud"}).NewLogger()
	assert.Error(t, err)
}
