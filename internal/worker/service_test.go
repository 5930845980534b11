package worker

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zboralski/r2-headless-mcp/internal/engine"
	"github.com/zboralski/r2-headless-mcp/internal/engine/enginetest"
)

func TestServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	fake.Responses["?V"] = "5.9.8"
	fake.OpenFunc = func(p string) bool { return p == "/tmp/a.out" }

	svc, err := NewService(ctx, fake, zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Mux())
	defer srv.Close()

	c := NewClients(srv.Client(), srv.URL)

	out, err := c.Execute.CallUnary(ctx, connect.NewRequest(wrapperspb.String("?V")))
	require.NoError(t, err)
	assert.Equal(t, "5.9.8", out.Msg.GetValue())

	opened, err := c.Open.CallUnary(ctx, connect.NewRequest(wrapperspb.String("/tmp/a.out")))
	require.NoError(t, err)
	assert.True(t, opened.Msg.GetValue())

	opened, err = c.Open.CallUnary(ctx, connect.NewRequest(wrapperspb.String("/tmp/missing")))
	require.NoError(t, err)
	assert.False(t, opened.Msg.GetValue())

	health, err := c.Health.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Msg.GetValue())

	_, err = c.Close.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	require.NoError(t, err)
	assert.Equal(t, 0, fake.Live())
	select {
	case <-svc.Done():
	default:
		t.Fatal("service not done after close")
	}

	_, err = c.Execute.CallUnary(ctx, connect.NewRequest(wrapperspb.String("i")))
	require.Error(t, err)
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
}

func TestManagerUnknownHandle(t *testing.T) {
	m := NewManager("/nonexistent", nil, t.TempDir(), nil)
	_, err := m.Execute(context.Background(), 7, "i")
	assert.ErrorIs(t, err, engine.ErrUnknownHandle)
	assert.ErrorIs(t, m.Destroy(7), engine.ErrUnknownHandle)
}

func TestManagerStartFailure(t *testing.T) {
	m := NewManager("/nonexistent/r2-headless-mcp", nil, t.TempDir(), nil)
	_, err := m.Create(context.Background())
	require.Error(t, err)
}

func TestCleanupOrphanSockets(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"r2-worker-1-1.sock", "r2-worker-1-2.sock", "other.sock"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	assert.Equal(t, 2, CleanupOrphanSockets(dir, zap.NewNop()))
	_, err := os.Stat(filepath.Join(dir, "other.sock"))
	assert.NoError(t, err)
}
