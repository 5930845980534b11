// Package shell runs host commands, optionally through su, and makes
// root-only files readable by copying them into a scratch directory.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSuPath = "su"

	scratchDirName   = "r2_root_cache"
	rootCheckTimeout = 10 * time.Second
)

// DefaultScratchDir is the root copy directory under the system temp dir.
func DefaultScratchDir() string {
	return filepath.Join(os.TempDir(), scratchDirName)
}

// Result is the outcome of one command. Failures to start are reported in
// Stderr with Success false.
type Result struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output joins stdout and stderr the way an agent reads them.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Bridge executes shell commands.
type Bridge struct {
	suPath     string
	scratchDir string
	logger     *zap.Logger

	rootCheck singleflight.Group
	mu        sync.Mutex
	rootKnown bool
	root      bool
}

// New returns a Bridge. Empty arguments fall back to the defaults.
func New(suPath, scratchDir string, logger *zap.Logger) *Bridge {
	if suPath == "" {
		suPath = DefaultSuPath
	}
	if scratchDir == "" {
		scratchDir = DefaultScratchDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{suPath: suPath, scratchDir: scratchDir, logger: logger}
}

// ScratchDir is where root copies are written.
func (b *Bridge) ScratchDir() string { return b.scratchDir }

// Exec runs cmd with sh -c, or with su -c when elevated.
func (b *Bridge) Exec(ctx context.Context, cmd string, elevated bool) Result {
	bin := "sh"
	if elevated {
		bin = b.suPath
	}
	c := exec.CommandContext(ctx, bin, "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		res.Success = true
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += err.Error()
	}
	b.logger.Debug("shell command failed",
		zap.Bool("elevated", elevated),
		zap.Int("exit", res.ExitCode),
		zap.Error(err))
	return res
}

// HasRoot reports whether elevated commands work. The first answer is kept;
// concurrent first callers share one check, which runs detached from the
// caller's cancellation.
func (b *Bridge) HasRoot(ctx context.Context) bool {
	b.mu.Lock()
	if b.rootKnown {
		ok := b.root
		b.mu.Unlock()
		return ok
	}
	b.mu.Unlock()

	v, _, _ := b.rootCheck.Do("root", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rootCheckTimeout)
		defer cancel()
		res := b.Exec(checkCtx, "echo test", true)
		ok := res.Success && strings.TrimSpace(res.Stdout) == "test"
		if checkCtx.Err() == nil {
			b.mu.Lock()
			b.rootKnown, b.root = true, ok
			b.mu.Unlock()
		}
		b.logger.Info("root check", zap.Bool("available", ok))
		return ok, nil
	})
	return v.(bool)
}

// RootCopy copies path into the scratch directory with elevated rights and
// opens the copy to everyone. The copy is named <unixmilli>_<base>.
func (b *Bridge) RootCopy(ctx context.Context, path string) (string, error) {
	if err := os.MkdirAll(b.scratchDir, 0o777); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	scratch, err := filepath.Abs(b.scratchDir)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(scratch, fmt.Sprintf("%d_%s", time.Now().UnixMilli(), filepath.Base(path)))

	cmd := "cp " + Quote(path, dest) + " && chmod 777 " + Quote(dest)
	res := b.Exec(ctx, cmd, true)
	if !res.Success {
		return "", fmt.Errorf("root copy of %s failed: %s", path, strings.TrimSpace(res.Output()))
	}

	f, err := os.Open(dest)
	if err != nil {
		return "", fmt.Errorf("root copy not readable: %w", err)
	}
	f.Close()

	b.logger.Info("root copy", zap.String("source", path), zap.String("copy", dest))
	return dest, nil
}

// CleanupCopies removes the regular files in the scratch directory.
// Subdirectories and other entries are left alone.
func (b *Bridge) CleanupCopies() (int, error) {
	entries, err := os.ReadDir(b.scratchDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(b.scratchDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("removed root copies", zap.Int("count", removed), zap.String("dir", b.scratchDir))
	}
	return removed, errors.Join(errs...)
}

// Quote joins args into one shell-safe string.
func Quote(args ...string) string {
	return shellquote.Join(args...)
}
