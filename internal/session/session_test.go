package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zboralski/r2-headless-mcp/internal/engine/enginetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRegistry(t *testing.T) (*Registry, *enginetest.Fake) {
	t.Helper()
	fake := enginetest.New()
	return NewRegistry(fake, nil), fake
}

func TestLifecycle(t *testing.T) {
	reg, fake := newRegistry(t)
	h, err := fake.Create(context.Background())
	require.NoError(t, err)

	s := reg.Create("/tmp/a.out", "", h)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "/tmp/a.out", s.OpenedPath)

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "/tmp/a.out", got.TargetPath)

	removed, ok := reg.Remove(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, removed.ID)
	assert.Equal(t, 0, fake.Live())

	_, ok = reg.Get(s.ID)
	assert.False(t, ok)

	again, ok := reg.Remove(s.ID)
	assert.False(t, ok)
	assert.Nil(t, again)
	assert.Len(t, fake.Destroyed(), 1)
}

func TestUniqueIDs(t *testing.T) {
	reg, _ := newRegistry(t)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		s := reg.Create("/bin/true", "", 0)
		require.False(t, seen[s.ID], "duplicate id %s", s.ID)
		seen[s.ID] = true
	}
	assert.Equal(t, 500, reg.Count())
}

func TestGetByPath(t *testing.T) {
	reg, fake := newRegistry(t)
	h1, _ := fake.Create(context.Background())
	h2, _ := fake.Create(context.Background())
	first := reg.Create("/data/app/lib.so", "/tmp/r2_root_cache/1_lib.so", h1)
	reg.Create("/bin/ls", "", h2)

	got, ok := reg.GetByPath("/data/app/lib.so")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	got, ok = reg.GetByPath("/tmp/r2_root_cache/1_lib.so")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	_, ok = reg.GetByPath("/nope")
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	reg, fake := newRegistry(t)
	ctx := context.Background()
	h1, _ := fake.Create(ctx)
	h2, _ := fake.Create(ctx)
	h3, _ := fake.Create(ctx)
	idle := reg.Create("/a", "", h1)
	busy := reg.Create("/b", "", h2)
	fresh := reg.Create("/c", "", h3)

	old := time.Now().Add(-time.Hour).UnixNano()
	idle.lastAccess.Store(old)
	busy.lastAccess.Store(old)
	busy.Acquire()

	removed := reg.Sweep(30 * time.Minute)
	require.Len(t, removed, 1)
	assert.Equal(t, idle.ID, removed[0].ID)

	_, ok := reg.Get(busy.ID)
	assert.True(t, ok)
	_, ok = reg.Get(fresh.ID)
	assert.True(t, ok)

	busy.Release()
	busy.lastAccess.Store(old)
	removed = reg.Sweep(30 * time.Minute)
	require.Len(t, removed, 1)
	assert.Equal(t, busy.ID, removed[0].ID)
	assert.Equal(t, 1, fake.Live())
}

func TestStatsAndCloseAll(t *testing.T) {
	reg, fake := newRegistry(t)
	for i := 0; i < 3; i++ {
		h, _ := fake.Create(context.Background())
		reg.Create("/x", "", h)
	}
	st := reg.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Active)

	reg.CloseAll()
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 0, fake.Live())
}

func TestConcurrentAccess(t *testing.T) {
	reg, fake := newRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := fake.Create(context.Background())
			if err != nil {
				return
			}
			s := reg.Create("/concurrent", "", h)
			reg.Get(s.ID)
			reg.GetByPath("/concurrent")
			reg.Remove(s.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Count())
}

func TestLockPoolSerializes(t *testing.T) {
	pool := NewLockPool(4)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := pool.Lock("/same/target")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLockPoolDefaultSize(t *testing.T) {
	assert.Len(t, NewLockPool(0).buckets, DefaultBuckets)
	assert.Len(t, NewLockPool(4).buckets, 4)
}
