package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pipe runs one radare2 child per handle and talks to it with the r2pipe
// protocol: a command line on stdin, output terminated by a NUL byte on
// stdout.
type Pipe struct {
	r2Path string
	evals  []string
	logger *zap.Logger

	next  atomic.Uint64
	mu    sync.Mutex
	procs map[Handle]*pipeProc
}

type pipeProc struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	target string
}

// NewPipe creates a pipe backend. extraEvals are appended to DefaultEvals.
func NewPipe(r2Path string, extraEvals []string, logger *zap.Logger) *Pipe {
	if r2Path == "" {
		r2Path = "radare2"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	evals := append(append([]string{}, DefaultEvals...), extraEvals...)
	return &Pipe{
		r2Path: r2Path,
		evals:  evals,
		logger: logger,
		procs:  make(map[Handle]*pipeProc),
	}
}

// Create starts an engine on an empty malloc buffer so commands such as ?V
// work before any file is opened.
func (p *Pipe) Create(ctx context.Context) (Handle, error) {
	proc, err := p.spawn(ctx, "-")
	if err != nil {
		return 0, fmt.Errorf("create engine: %w", err)
	}
	h := Handle(p.next.Add(1))
	p.mu.Lock()
	p.procs[h] = proc
	p.mu.Unlock()
	p.logger.Info("engine created", zap.Uint64("handle", uint64(h)), zap.Int("pid", proc.cmd.Process.Pid))
	return h, nil
}

// Execute runs one command and returns its full output.
func (p *Pipe) Execute(ctx context.Context, h Handle, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	proc, err := p.get(h)
	if err != nil {
		return "", err
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.exec(command)
}

// Open restarts the handle's child on path. A child that exits during the
// handshake means the engine could not load the file: that is reported as
// false, not as an error, and the handle falls back to an empty buffer.
func (p *Pipe) Open(ctx context.Context, h Handle, path string) (bool, error) {
	if strings.ContainsAny(path, "\n\x00") {
		return false, fmt.Errorf("open %q: path contains control characters", path)
	}
	old, err := p.get(h)
	if err != nil {
		return false, err
	}

	proc, spawnErr := p.spawn(ctx, path)
	if spawnErr != nil {
		var execErr *exec.Error
		if errors.As(spawnErr, &execErr) {
			return false, fmt.Errorf("open %s: %w", path, spawnErr)
		}
		p.logger.Warn("engine open failed", zap.String("path", path), zap.Error(spawnErr))
		return false, nil
	}

	// r2 keeps a valid core even when the bin plugin refuses the file; an
	// empty file list means nothing usable was mapped.
	files, err := proc.exec("o")
	if err != nil || strings.TrimSpace(files) == "" {
		proc.stop()
		return false, nil
	}

	p.mu.Lock()
	p.procs[h] = proc
	p.mu.Unlock()
	old.mu.Lock()
	old.stop()
	old.mu.Unlock()
	p.logger.Info("engine opened file", zap.Uint64("handle", uint64(h)), zap.String("path", path))
	return true, nil
}

// Destroy stops the child and forgets the handle.
func (p *Pipe) Destroy(h Handle) error {
	p.mu.Lock()
	proc, ok := p.procs[h]
	delete(p.procs, h)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	proc.stop()
	p.logger.Info("engine destroyed", zap.Uint64("handle", uint64(h)))
	return nil
}

func (p *Pipe) get(h Handle) (*pipeProc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proc, ok := p.procs[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return proc, nil
}

func (p *Pipe) spawn(ctx context.Context, target string) (*pipeProc, error) {
	args := []string{"-q0"}
	for _, e := range p.evals {
		args = append(args, "-e", e)
	}
	args = append(args, target)

	// The child outlives the request that created it.
	cmd := exec.Command(p.r2Path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	proc := &pipeProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64*1024),
		target: target,
	}

	handshake := make(chan error, 1)
	go func() {
		_, err := proc.stdout.ReadString(0)
		handshake <- err
	}()
	select {
	case err := <-handshake:
		if err != nil {
			proc.stop()
			return nil, fmt.Errorf("handshake with %s: %w", target, err)
		}
	case <-ctx.Done():
		proc.stop()
		return nil, ctx.Err()
	}
	return proc, nil
}

func (proc *pipeProc) exec(command string) (string, error) {
	if _, err := io.WriteString(proc.stdin, foldCommand(command)+"\n"); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	out, err := proc.stdout.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("read output: %w", err)
	}
	return strings.TrimSuffix(out, "\x00"), nil
}

func (proc *pipeProc) stop() {
	if proc.cmd.Process == nil {
		return
	}
	_, _ = io.WriteString(proc.stdin, "q!\n")
	_ = proc.stdin.Close()

	done := make(chan struct{})
	go func() {
		_ = proc.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = proc.cmd.Process.Kill()
		<-done
	}
}
