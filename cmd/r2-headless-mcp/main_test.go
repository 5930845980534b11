package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/config"
	"github.com/zboralski/r2-headless-mcp/internal/engine"
	"github.com/zboralski/r2-headless-mcp/internal/knowledge"
)

func TestCommandTree(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "worker", "knowledge", "cleanup"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.Flags().Lookup("listen"), "serve flags are reachable from the root")
}

func TestApplyServeFlags(t *testing.T) {
	cmd := serveCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--listen", "127.0.0.1:6060", "--transport", "stdio"}))
	c := config.Default()
	applyServeFlags(cmd, c)
	assert.Equal(t, "127.0.0.1:6060", c.Listen)
	assert.Equal(t, "stdio", c.Transport)
	assert.Equal(t, "pipe", c.Engine.Backend, "unset flags keep the config value")
}

func TestBuildEngine(t *testing.T) {
	c := config.Default()
	eng, err := buildEngine(c, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &engine.Pipe{}, eng)

	c.Engine.Backend = "telepathy"
	_, err = buildEngine(c, zap.NewNop())
	assert.Error(t, err)
}

func TestKnowledgeShow(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "libfoo.so")
	store, err := knowledge.Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(target, knowledge.Renames, "0x1000", "init_keys"))
	require.NoError(t, store.Close())

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("knowledge:\n  dir: "+dir+"\n"), 0o644))

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "knowledge", "show", target})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "init_keys")
	assert.Contains(t, out.String(), "afn init_keys @ 0x1000")
}

func TestCleanupCommand(t *testing.T) {
	scratch := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "1700000000000_libfoo.so"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(scratch, "keep"), 0o755))

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	body := "shell:\n  scratch_dir: " + scratch + "\nengine:\n  socket_dir: " + t.TempDir() + "\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(body), 0o644))

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "cleanup"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "root copies removed: 1 ("+scratch+")")
	assert.DirExists(t, filepath.Join(scratch, "keep"))
}
