package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, KeyFor("/tmp/a.out"), KeyFor("/tmp/./a.out"))
	assert.NotEqual(t, KeyFor("/tmp/a.out"), KeyFor("/tmp/a_out"))
	assert.NotContains(t, KeyFor("/data/app/lib.so"), "/")

	long1 := "/" + strings.Repeat("a", 400) + "/one"
	long2 := "/" + strings.Repeat("a", 400) + "/two"
	assert.LessOrEqual(t, len(KeyFor(long1)), maxKeyLen)
	assert.NotEqual(t, KeyFor(long1), KeyFor(long2))
}

func TestSaveAndLoad(t *testing.T) {
	s := openStore(t)
	target := "/tmp/libnative.so"

	require.NoError(t, s.Save(target, Renames, "0x1000", "decrypt_config"))
	require.NoError(t, s.Save(target, Renames, "0x2000", "main_loop"))
	require.NoError(t, s.Save(target, Notes, "0x1000", "xor key 0x5a"))
	require.NoError(t, s.Save(target, Renames, "0x2000", "event_loop"))

	rec, found, err := s.Record(target)
	require.NoError(t, err)
	require.True(t, found)
	want := Record{
		Renames: map[string]string{"0x1000": "decrypt_config", "0x2000": "event_loop"},
		Notes:   map[string]string{"0x1000": "xor key 0x5a"},
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	loaded, err := s.Load(target)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"afn decrypt_config @ 0x1000",
		"afn event_loop @ 0x2000",
	}, loaded.ReplayCommands)
	assert.Contains(t, loaded.Summary, "2 renames, 1 notes")
	assert.Contains(t, loaded.Summary, "0x1000: xor key 0x5a")
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)
	loaded, err := s.Load("/never/seen")
	require.NoError(t, err)
	assert.False(t, loaded.Found)
	assert.Empty(t, loaded.ReplayCommands)
	assert.Equal(t, "No knowledge history for /never/seen.", loaded.Summary)
}

func TestUnknownCategory(t *testing.T) {
	s := openStore(t)
	err := s.Save("/x", Category("bookmarks"), "0x1", "v")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestPersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Save("/bin/ls", Notes, "0x10", "entry"))
	require.NoError(t, s1.Close())

	s2, err := Open(dir, nil)
	require.NoError(t, err)
	defer s2.Close()
	rec, found, err := s2.Record("/bin/ls")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "entry", rec.Notes["0x10"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestUnsafeRenameNotReplayed(t *testing.T) {
	s := openStore(t)
	target := "/tmp/evil"
	data := `{"renames":{"0x10":"ok_name","0x20":"bad; rm -rf /"},"notes":{}}`
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), KeyFor(target)+".json"), []byte(data), 0o644))

	// Bypass any cached empty record from a prior read.
	s.mu.Lock()
	if s.cache != nil {
		delete(s.cache, KeyFor(target))
	}
	s.mu.Unlock()

	loaded, err := s.Load(target)
	require.NoError(t, err)
	assert.Equal(t, []string{"afn ok_name @ 0x10"}, loaded.ReplayCommands)
	assert.Contains(t, loaded.Summary, "bad; rm -rf /")
}

func TestCorruptFile(t *testing.T) {
	s := openStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), KeyFor("/c")+".json"), []byte("{not json"), 0o644))
	s.mu.Lock()
	if s.cache != nil {
		delete(s.cache, KeyFor("/c"))
	}
	s.mu.Unlock()
	_, err := s.Load("/c")
	assert.Error(t, err)
}
