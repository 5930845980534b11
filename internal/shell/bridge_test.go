package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	b := New("", t.TempDir(), nil)
	ctx := context.Background()

	res := b.Exec(ctx, "echo out; echo err 1>&2", false)
	require.True(t, res.Success)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	res = b.Exec(ctx, "exit 3", false)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecMissingSu(t *testing.T) {
	b := New("/nonexistent/su", t.TempDir(), nil)
	res := b.Exec(context.Background(), "echo test", true)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
	assert.False(t, b.HasRoot(context.Background()))
}

func TestHasRootConcurrent(t *testing.T) {
	// sh accepts -c like su does.
	b := New("sh", t.TempDir(), nil)
	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.HasRoot(context.Background())
		}(i)
	}
	wg.Wait()
	for _, ok := range results {
		assert.True(t, ok)
	}
}

func TestHasRootIgnoresCallerCancel(t *testing.T) {
	b := New("sh", t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, b.HasRoot(ctx))
	// The answer was cached even though the first caller had gone away.
	b.suPath = "/nonexistent/su"
	assert.True(t, b.HasRoot(context.Background()))
}

func TestRootCopyAndCleanup(t *testing.T) {
	src := filepath.Join(t.TempDir(), "lib native.so")
	require.NoError(t, os.WriteFile(src, []byte("\x7fELF"), 0o600))

	scratch := filepath.Join(t.TempDir(), "cache")
	b := New("sh", scratch, nil)
	dest, err := b.RootCopy(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(dest, "_lib native.so"))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF", string(data))

	n, err := b.CleanupCopies()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestRootCopyMissingSource(t *testing.T) {
	b := New("sh", t.TempDir(), nil)
	_, err := b.RootCopy(context.Background(), "/definitely/not/here")
	assert.Error(t, err)
}

func TestCleanupMissingDir(t *testing.T) {
	b := New("sh", filepath.Join(t.TempDir(), "absent"), nil)
	n, err := b.CleanupCopies()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanupKeepsDirectories(t *testing.T) {
	scratch := t.TempDir()
	copyPath := filepath.Join(scratch, "1700000000000_libfoo.so")
	require.NoError(t, os.WriteFile(copyPath, []byte("x"), 0o644))
	nested := filepath.Join(scratch, "keep")
	require.NoError(t, os.Mkdir(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "inner"), []byte("y"), 0o644))

	n, err := New("sh", scratch, nil).CleanupCopies()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(copyPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(nested, "inner"))
	assert.NoError(t, err)
}

func TestDefaultScratchDir(t *testing.T) {
	dir := New("", "", nil).ScratchDir()
	assert.True(t, filepath.IsAbs(dir), dir)
	assert.Equal(t, filepath.Join(os.TempDir(), "r2_root_cache"), dir)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "cat '/tmp/a b'", "cat "+Quote("/tmp/a b"))
	assert.Equal(t, "plain", Quote("plain"))
}
