package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zboralski/r2-headless-mcp/internal/engine"
)

const socketPattern = "r2-worker-*.sock"

// Manager is an engine.Engine that runs every handle in its own worker
// process. A crashing engine takes down one session, not the server.
type Manager struct {
	executable string
	workerArgs []string
	socketDir  string
	logger     *zap.Logger

	next    atomic.Uint64
	mu      sync.RWMutex
	workers map[engine.Handle]*WorkerClient
}

// WorkerClient wraps the Connect clients for one worker process.
type WorkerClient struct {
	Open    *connect.Client[wrapperspb.StringValue, wrapperspb.BoolValue]
	Execute *connect.Client[wrapperspb.StringValue, wrapperspb.StringValue]
	Close   *connect.Client[emptypb.Empty, emptypb.Empty]
	Health  *connect.Client[emptypb.Empty, wrapperspb.StringValue]

	cmd        *exec.Cmd
	cancel     context.CancelFunc
	ctx        context.Context
	socketPath string
}

// NewManager creates a worker manager. executable is started as
// "<executable> worker --socket <path> <workerArgs...>".
func NewManager(executable string, workerArgs []string, socketDir string, logger *zap.Logger) *Manager {
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		executable: executable,
		workerArgs: workerArgs,
		socketDir:  socketDir,
		logger:     logger,
		workers:    make(map[engine.Handle]*WorkerClient),
	}
}

// NewClients builds Connect clients against baseURL.
func NewClients(httpClient connect.HTTPClient, baseURL string) *WorkerClient {
	return &WorkerClient{
		Open:    connect.NewClient[wrapperspb.StringValue, wrapperspb.BoolValue](httpClient, baseURL+OpenProcedure),
		Execute: connect.NewClient[wrapperspb.StringValue, wrapperspb.StringValue](httpClient, baseURL+ExecuteProcedure),
		Close:   connect.NewClient[emptypb.Empty, emptypb.Empty](httpClient, baseURL+CloseProcedure),
		Health:  connect.NewClient[emptypb.Empty, wrapperspb.StringValue](httpClient, baseURL+HealthProcedure),
	}
}

// Create spawns a worker and waits for its socket.
func (m *Manager) Create(ctx context.Context) (engine.Handle, error) {
	h := engine.Handle(m.next.Add(1))
	socketPath := filepath.Join(m.socketDir, fmt.Sprintf("r2-worker-%d-%d.sock", os.Getpid(), h))
	if err := os.RemoveAll(socketPath); err != nil {
		return 0, fmt.Errorf("failed to remove old socket: %w", err)
	}

	// Workers outlive the request that spawned them.
	workerCtx, cancel := context.WithCancel(context.Background())
	args := append([]string{"worker", "--socket", socketPath}, m.workerArgs...)
	cmd := exec.CommandContext(workerCtx, m.executable, args...)

	// In tests, discard output to prevent "Test I/O incomplete" errors.
	if flag.Lookup("test.v") != nil {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}
	m.logger.Info("worker started", zap.Int("pid", cmd.Process.Pid), zap.Uint64("handle", uint64(h)))

	if err := waitForSocket(ctx, socketPath, 10*time.Second); err != nil {
		cancel()
		if killErr := cmd.Process.Kill(); killErr != nil {
			m.logger.Warn("kill worker", zap.Int("pid", cmd.Process.Pid), zap.Error(killErr))
		}
		if waitErr := cmd.Wait(); waitErr != nil && !errors.Is(waitErr, os.ErrProcessDone) {
			m.logger.Debug("wait worker", zap.Int("pid", cmd.Process.Pid), zap.Error(waitErr))
		}
		return 0, fmt.Errorf("worker socket not ready: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	w := NewClients(httpClient, "http://unix")
	w.cmd = cmd
	w.cancel = cancel
	w.ctx = workerCtx
	w.socketPath = socketPath

	m.mu.Lock()
	m.workers[h] = w
	m.mu.Unlock()

	go m.monitor(h, w)
	return h, nil
}

func (m *Manager) monitor(h engine.Handle, w *WorkerClient) {
	err := w.cmd.Wait()
	if err != nil && w.ctx.Err() == nil {
		m.logger.Warn("worker exited with error", zap.Int("pid", w.cmd.Process.Pid), zap.Uint64("handle", uint64(h)), zap.Error(err))
	} else {
		m.logger.Info("worker exited", zap.Int("pid", w.cmd.Process.Pid), zap.Uint64("handle", uint64(h)))
	}
	m.mu.Lock()
	if m.workers[h] == w {
		delete(m.workers, h)
	}
	m.mu.Unlock()
}

// Execute forwards one command to the worker.
func (m *Manager) Execute(ctx context.Context, h engine.Handle, command string) (string, error) {
	w, err := m.client(h)
	if err != nil {
		return "", err
	}
	resp, err := w.Execute.CallUnary(ctx, connect.NewRequest(wrapperspb.String(command)))
	if err != nil {
		return "", fmt.Errorf("execute on worker %d: %w", h, err)
	}
	return resp.Msg.GetValue(), nil
}

// Open asks the worker to load path.
func (m *Manager) Open(ctx context.Context, h engine.Handle, path string) (bool, error) {
	w, err := m.client(h)
	if err != nil {
		return false, err
	}
	resp, err := w.Open.CallUnary(ctx, connect.NewRequest(wrapperspb.String(path)))
	if err != nil {
		return false, fmt.Errorf("open on worker %d: %w", h, err)
	}
	return resp.Msg.GetValue(), nil
}

// Destroy closes the worker's engine and terminates the process.
func (m *Manager) Destroy(h engine.Handle) error {
	m.mu.Lock()
	w, ok := m.workers[h]
	delete(m.workers, h)
	m.mu.Unlock()
	if !ok {
		return engine.ErrUnknownHandle
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.Close.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{})); err != nil {
		m.logger.Debug("close worker", zap.Uint64("handle", uint64(h)), zap.Error(err))
	}

	w.cancel()
	var killErr error
	if w.cmd.Process != nil {
		killErr = w.cmd.Process.Kill()
	}
	// monitor also calls Wait; the second call returns the cached result.
	_ = os.Remove(w.socketPath)
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker: %w", killErr)
	}
	return nil
}

// Ping checks a worker's health endpoint.
func (m *Manager) Ping(ctx context.Context, h engine.Handle) (string, error) {
	w, err := m.client(h)
	if err != nil {
		return "", err
	}
	resp, err := w.Health.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}

func (m *Manager) client(h engine.Handle) (*WorkerClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[h]
	if !ok {
		return nil, engine.ErrUnknownHandle
	}
	return w, nil
}

// CleanupOrphanSockets removes stale worker sockets left by a previous
// server crash.
func CleanupOrphanSockets(dir string, logger *zap.Logger) int {
	matches, err := filepath.Glob(filepath.Join(dir, socketPattern))
	if err != nil {
		logger.Warn("glob orphan sockets", zap.Error(err))
		return 0
	}
	removed := 0
	for _, sock := range matches {
		if err := os.Remove(sock); err != nil {
			logger.Warn("remove orphan socket", zap.String("socket", sock), zap.Error(err))
		} else {
			removed++
		}
	}
	if removed > 0 {
		logger.Info("cleaned up orphan sockets", zap.Int("count", removed))
	}
	return removed
}

// CleanupOrphanProcesses sends SIGTERM to worker processes of a previous
// server instance. Linux only; elsewhere it does nothing.
func CleanupOrphanProcesses(executable string, logger *zap.Logger) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	killed := 0
	myPID := os.Getpid()
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == myPID {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		// cmdline uses NUL separators.
		args := strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00")
		if len(args) < 3 || filepath.Base(args[0]) != filepath.Base(executable) || args[1] != "worker" {
			continue
		}
		if !strings.Contains(string(cmdline), "r2-worker-") {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			logger.Debug("sigterm orphan worker", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		logger.Info("killed orphan worker", zap.Int("pid", pid))
		killed++
	}
	return killed
}

// waitForSocket polls until the socket accepts connections.
func waitForSocket(ctx context.Context, socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(socketPath); err == nil {
			conn, err := net.Dial("unix", socketPath)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for socket %s", socketPath)
}
