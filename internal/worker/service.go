package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zboralski/r2-headless-mcp/internal/engine"
)

// Connect procedures served by a worker process.
const (
	OpenProcedure    = "/r2mcp.worker.v1.Engine/Open"
	ExecuteProcedure = "/r2mcp.worker.v1.Engine/Execute"
	CloseProcedure   = "/r2mcp.worker.v1.Engine/Close"
	HealthProcedure  = "/r2mcp.worker.v1.Health/Check"
)

// Service exposes exactly one engine handle over Connect.
type Service struct {
	eng    engine.Engine
	logger *zap.Logger

	mu     sync.Mutex
	handle engine.Handle
	closed bool
	done   chan struct{}
}

// NewService creates the handle the worker will serve for its lifetime.
func NewService(ctx context.Context, eng engine.Engine, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h, err := eng.Create(ctx)
	if err != nil {
		return nil, err
	}
	return &Service{eng: eng, logger: logger, handle: h, done: make(chan struct{})}, nil
}

// Done is closed after a Close call released the handle.
func (s *Service) Done() <-chan struct{} { return s.done }

// Mux returns the Connect handlers mounted on an http.ServeMux.
func (s *Service) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(OpenProcedure, connect.NewUnaryHandler(OpenProcedure, s.open))
	mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, s.execute))
	mux.Handle(CloseProcedure, connect.NewUnaryHandler(CloseProcedure, s.close))
	mux.Handle(HealthProcedure, connect.NewUnaryHandler(HealthProcedure, s.health))
	return mux
}

func (s *Service) open(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[wrapperspb.BoolValue], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("worker closed"))
	}
	ok, err := s.eng.Open(ctx, s.handle, req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(wrapperspb.Bool(ok)), nil
}

func (s *Service) execute(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[wrapperspb.StringValue], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("worker closed"))
	}
	out, err := s.eng.Execute(ctx, s.handle, req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(wrapperspb.String(out)), nil
}

func (s *Service) close(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[emptypb.Empty], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		if err := s.eng.Destroy(s.handle); err != nil {
			s.logger.Warn("destroy handle", zap.Error(err))
		}
		close(s.done)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Service) health(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[wrapperspb.StringValue], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return connect.NewResponse(wrapperspb.String("closed")), nil
	}
	return connect.NewResponse(wrapperspb.String("ok")), nil
}

// Serve listens on socketPath until ctx ends or the handle is closed.
func Serve(ctx context.Context, socketPath string, eng engine.Engine, logger *zap.Logger) error {
	svc, err := NewService(ctx, eng, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	srv := &http.Server{Handler: svc.Mux(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	svc.logger.Info("worker serving", zap.String("socket", socketPath), zap.Int("pid", os.Getpid()))

	select {
	case <-ctx.Done():
	case <-svc.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	svc.mu.Lock()
	if !svc.closed {
		svc.closed = true
		_ = eng.Destroy(svc.handle)
		close(svc.done)
	}
	svc.mu.Unlock()
	return nil
}
