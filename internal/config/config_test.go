package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8087", cfg.Listen)
	assert.Equal(t, "0 */3 * * *", cfg.SyncCron)
	assert.Equal(t, 3, cfg.SyncHorizonMonths)
	assert.True(t, cfg.ExactAlarms)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \"0.0.0.0:9000\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "0 */3 * * *", cfg.SyncCron)
	assert.Equal(t, 3, cfg.SyncHorizonMonths)
	assert.NotNil(t, cfg.Calendars)
	assert.False(t, cfg.Hydration.Enabled)
	assert.Equal(t, "0 */2 * * *", cfg.Hydration.Cron)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Calendars = []FeedConfig{
		{URL: "https://example.com/primary.ics", ID: "primary", Name: "Primary", Primary: true},
		{URL: "https://example.com/bdays.ics", ID: "bdays", Name: "Birthdays"},
	}
	cfg.Notify.WebhookURL = "https://example.com/hook"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Calendars, got.Calendars)
	assert.Equal(t, "https://example.com/hook", got.Notify.WebhookURL)
}

func TestPathsDeriveFromDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/nudge"}
	assert.Equal(t, filepath.Join("/var/lib/nudge", "nudge.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join("/var/lib/nudge", "feed-cache"), cfg.FeedCacheDir())
}
