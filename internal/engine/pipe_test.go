package engine

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"i", "i"},
		{"aei\naeim\n", "aei;aeim"},
		{"s main\r\npd 1", "s main;pd 1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, foldCommand(tt.in))
	}
}

func TestPipeUnknownHandle(t *testing.T) {
	p := NewPipe("radare2", nil, nil)
	_, err := p.Execute(context.Background(), 42, "i")
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, p.Destroy(42), ErrUnknownHandle)
}

func TestPipeMissingBinary(t *testing.T) {
	p := NewPipe("/nonexistent/radare2", nil, nil)
	_, err := p.Create(context.Background())
	require.Error(t, err)
}

func TestPipeRoundTrip(t *testing.T) {
	r2, err := exec.LookPath("radare2")
	if err != nil {
		t.Skip("radare2 not installed")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	ctx := context.Background()
	p := NewPipe(r2, nil, nil)
	h, err := p.Create(ctx)
	require.NoError(t, err)
	defer p.Destroy(h)

	out, err := p.Execute(ctx, h, "?V")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	ok, err := p.Open(ctx, h, exe)
	require.NoError(t, err)
	require.True(t, ok)

	info, err := p.Execute(ctx, h, "i")
	require.NoError(t, err)
	assert.Contains(t, info, "file")

	ok, err = p.Open(ctx, h, "/nonexistent/file.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}
