// Package server exposes radare2 sessions as MCP tools.
package server

import (
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/config"
	"github.com/zboralski/r2-headless-mcp/internal/engine"
	"github.com/zboralski/r2-headless-mcp/internal/knowledge"
	"github.com/zboralski/r2-headless-mcp/internal/session"
	"github.com/zboralski/r2-headless-mcp/internal/shell"
)

// Options wires a Server to its collaborators.
type Options struct {
	Engine    engine.Engine
	Registry  *session.Registry
	Locks     *session.LockPool
	Knowledge *knowledge.Store
	Shell     *shell.Bridge
	Limits    config.LimitsConfig
	Logger    *zap.Logger
}

// Server is the tool dispatcher. All methods are safe for concurrent use.
type Server struct {
	engine    engine.Engine
	registry  *session.Registry
	locks     *session.LockPool
	knowledge *knowledge.Store
	shell     *shell.Bridge
	limits    config.LimitsConfig
	logger    *zap.Logger

	tools map[string]*toolEntry
	order []string
}

// New builds a Server and its static tool table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := opts.Locks
	if locks == nil {
		locks = session.NewLockPool(session.DefaultBuckets)
	}
	registry := opts.Registry
	if registry == nil {
		registry = session.NewRegistry(opts.Engine, logger)
	}
	limits := opts.Limits
	defaults := config.Default().Limits
	if limits.ReadFileBytes <= 0 {
		limits.ReadFileBytes = defaults.ReadFileBytes
	}
	if limits.DecompileMaxSize <= 0 {
		limits.DecompileMaxSize = defaults.DecompileMaxSize
	}
	if limits.ShellOutputChars <= 0 {
		limits.ShellOutputChars = defaults.ShellOutputChars
	}
	if limits.SQLiteRows <= 0 {
		limits.SQLiteRows = defaults.SQLiteRows
	}

	s := &Server{
		engine:    opts.Engine,
		registry:  registry,
		locks:     locks,
		knowledge: opts.Knowledge,
		shell:     opts.Shell,
		limits:    limits,
		logger:    logger.Named("tools"),
		tools:     make(map[string]*toolEntry),
	}
	if s.shell == nil {
		s.shell = shell.New("", "", logger)
	}
	s.registerTools()
	return s
}

// Registry returns the session registry the server dispatches against.
func (s *Server) Registry() *session.Registry { return s.registry }
