package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:5050", cfg.Listen)
	assert.Equal(t, "pipe", cfg.Engine.Backend)
	assert.Equal(t, 16, cfg.Sessions.LockBuckets)
	assert.Equal(t, 50000, cfg.Limits.ReadFileBytes)
	assert.Equal(t, 10000, cfg.Limits.DecompileMaxSize)
	assert.Equal(t, 30*time.Minute, cfg.GetIdleTimeout())
	assert.Equal(t, time.Minute, cfg.GetSweepInterval())
}

func TestDefaultScratchDirIsAbsolute(t *testing.T) {
	dir := Default().Shell.ScratchDir
	assert.True(t, filepath.IsAbs(dir), "scratch dir %q depends on the working directory", dir)
	assert.Equal(t, filepath.Join(os.TempDir(), "r2_root_cache"), dir)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: 127.0.0.1:6000
engine:
  backend: worker
  evals: ["asm.bytes=false"]
sessions:
  idle_timeout: 5m
limits:
  read_file_bytes: 1024
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", cfg.Listen)
	assert.Equal(t, "worker", cfg.Engine.Backend)
	assert.Equal(t, "radare2", cfg.Engine.R2Path)
	assert.Equal(t, []string{"asm.bytes=false"}, cfg.Engine.Evals)
	assert.Equal(t, 5*time.Minute, cfg.GetIdleTimeout())
	assert.Equal(t, 1024, cfg.Limits.ReadFileBytes)
	assert.Equal(t, 10000, cfg.Limits.DecompileMaxSize)
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: stdio\n"), 0o644))
	t.Setenv(EnvPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Transport)
}

func TestLoadExplicitMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"transport": "transport: carrier-pigeon\n",
		"backend":   "engine:\n  backend: ghidra\n",
		"duration":  "sessions:\n  idle_timeout: soon\n",
		"yaml":      "listen: [\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
