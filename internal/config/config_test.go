package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	p := write(t, "harvest.yaml", `
concurrency: 4
site_timeout: 10m
convergence:
  patience: 6
  ceiling: 800
listing:
  navigation_timeout: 45s
  poll_attempts: 10
browser:
  headless: false
download:
  accelerated: false
archive:
  path: runs.db
`)
	cfg, err := Load(p, "")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.SiteTimeout)
	assert.Equal(t, 6, cfg.Convergence.Patience)
	assert.Equal(t, 800, cfg.Convergence.Ceiling)
	assert.Equal(t, 0.8, cfg.Convergence.NearTargetFraction)
	assert.Equal(t, 45*time.Second, cfg.SourceOptions().NavigationTimeout)
	assert.Equal(t, 10, cfg.SourceOptions().PollAttempts)
	assert.Equal(t, time.Second, cfg.SourceOptions().Interval)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 1920, cfg.Browser.WindowWidth)
	assert.Equal(t, "runs.db", cfg.Archive.Path)
	assert.Equal(t, "en-US", cfg.Browser.Language)
	assert.Len(t, cfg.Rungs(), 5)
}

func TestLoad_EnvOverrides(t *testing.T) {
	env := write(t, ".env", "HARVEST_CONCURRENCY=8\nHARVEST_ARCHIVE=from-dotenv.db\n")
	t.Cleanup(func() { os.Unsetenv("HARVEST_CONCURRENCY") })
	t.Setenv("HARVEST_ARCHIVE", "from-process.db")
	t.Setenv("HARVEST_HEADLESS", "false")
	t.Setenv("HARVEST_NAVIGATION_TIMEOUT", "5s")
	t.Setenv("HARVEST_LANGUAGE", "en-GB")

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "from-process.db", cfg.Archive.Path)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 5*time.Second, cfg.Listing.NavigationTimeout)
	assert.Equal(t, "en-GB", cfg.Browser.Language)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad yaml", yaml: "concurrency: [1"},
		{name: "zero concurrency", yaml: "concurrency: 0"},
		{name: "negative cycles", yaml: "max_cycles: -1"},
		{name: "bad env number", env: map[string]string{"HARVEST_CONCURRENCY": "many"}},
		{name: "bad env duration", env: map[string]string{"HARVEST_SITE_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = write(t, "harvest.yaml", tt.yaml)
			}
			_, err := Load(path, "")
			assert.Error(t, err)
		})
	}
}

func TestConfig_Rungs(t *testing.T) {
	cfg := Default()
	cfg.Download.Tool.Connections = 4

	rungs := cfg.Rungs()
	require.Len(t, rungs, 10)
	assert.Equal(t, 4, rungs[0].Tool.Connections)
	assert.False(t, rungs[9].Tool.External())

	cfg.Download.Tool.Name = ""
	assert.Len(t, cfg.Rungs(), 5)
}
