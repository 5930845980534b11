package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/session"
)

// Output markers shared by open and analyze.
const (
	skipAnalysisMarker = "[Auto analysis skipped]"
	reusedMarker       = "[Reused existing session]"
)

func (s *Server) openFile(ctx context.Context, req *mcp.CallToolRequest, args OpenFileRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_open_file"
	autoAnalyze := args.AutoAnalyze == nil || *args.AutoAnalyze
	s.logToolInvocation(op, args.SessionID, map[string]any{
		"file_path":    args.FilePath,
		"auto_analyze": autoAnalyze,
	})

	target, err := absPath(args.FilePath)
	if err != nil {
		return s.handleToolError(invalidInput(op, err.Error()))
	}
	sess, reused, unlock, terr := s.resolveTarget(ctx, op, args.SessionID, target)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer unlock()
	sess.Acquire()
	defer sess.Release()

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n\n", sess.ID)
	if reused {
		b.WriteString(reusedMarker + "\n")
	}
	fmt.Fprintf(&b, "File: %s", sess.TargetPath)
	if sess.OpenedPath != sess.TargetPath {
		fmt.Fprintf(&b, "\nCopy: %s", sess.OpenedPath)
	}

	if autoAnalyze {
		start := time.Now()
		out, err := s.exec(ctx, sess, "aa")
		if err != nil {
			return s.handleToolError(engineFailed(op, sess.ID, err))
		}
		ms := time.Since(start).Milliseconds()
		s.logger.Info("basic analysis done", zap.String("session", sess.ID), zap.Int64("ms", ms))
		fmt.Fprintf(&b, "\n[Basic analysis (aa) completed in %dms]", ms)
		if out = strings.TrimSpace(out); out != "" {
			b.WriteString("\n" + out)
		}
	} else {
		b.WriteString("\n" + skipAnalysisMarker)
	}

	info, err := s.exec(ctx, sess, "i")
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	b.WriteString("\n\n=== File Info ===\n")
	b.WriteString(strings.TrimRight(info, "\n"))
	return textResult(b.String()), nil, nil
}

func (s *Server) analyzeFile(ctx context.Context, req *mcp.CallToolRequest, args AnalyzeFileRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_analyze_file"
	s.logToolInvocation(op, "", map[string]any{"file_path": args.FilePath})

	target, err := absPath(args.FilePath)
	if err != nil {
		return s.handleToolError(invalidInput(op, err.Error()))
	}
	sess, reused, unlock, terr := s.resolveTarget(ctx, op, "", target)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer unlock()
	sess.Acquire()
	defer sess.Release()

	start := time.Now()
	if _, err := s.exec(ctx, sess, "aaa"); err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	elapsed := time.Since(start)

	funcs, err := s.exec(ctx, sess, "afl~?")
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	info, err := s.exec(ctx, sess, "i")
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}

	var size int64
	if st, err := os.Stat(sess.OpenedPath); err == nil {
		size = st.Size()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n\n", sess.ID)
	if reused {
		b.WriteString(reusedMarker + "\n")
	}
	fmt.Fprintf(&b, "File: %s\nSize: %d bytes\nFunctions: %s\nDeep analysis (aaa) took %dms\n\n%s",
		sess.TargetPath, size, strings.TrimSpace(funcs), elapsed.Milliseconds(), strings.TrimRight(info, "\n"))
	return textResult(b.String()), nil, nil
}

// resolveTarget finds the session to use for target: an explicit id, then
// any session already bound to the path, then a new one. It returns with the
// lock for the session's TargetPath held, so a caller naming the root copy
// still queues behind every other command on that handle. The lookup is
// repeated under the lock and retried if the binding moved.
func (s *Server) resolveTarget(ctx context.Context, op, sessionID, target string) (*session.Session, bool, func(), *ToolError) {
	for {
		sess, terr := s.lookupTarget(op, sessionID, target)
		if terr != nil {
			return nil, false, nil, terr
		}
		key := target
		if sess != nil {
			key = sess.TargetPath
		}
		unlock := s.locks.Lock(key)

		again, terr := s.lookupTarget(op, sessionID, target)
		if terr != nil {
			unlock()
			return nil, false, nil, terr
		}
		if again != sess {
			unlock()
			continue
		}
		if sess != nil {
			s.logger.Info("reusing session", zap.String("session", sess.ID), zap.String("target", target))
			return sess, true, unlock, nil
		}
		sess, terr = s.openSession(ctx, op, target)
		if terr != nil {
			unlock()
			return nil, false, nil, terr
		}
		return sess, false, unlock, nil
	}
}

// lookupTarget returns the existing session for target, or nil when a new
// one is needed.
func (s *Server) lookupTarget(op, sessionID, target string) (*session.Session, *ToolError) {
	if sessionID != "" {
		sess, ok := s.registry.Get(sessionID)
		if !ok {
			return nil, sessionNotFound(op, sessionID)
		}
		if sess.TargetPath != target && sess.OpenedPath != target {
			return nil, invalidInput(op, fmt.Sprintf("session %s is bound to %s", sess.ID, sess.TargetPath))
		}
		return sess, nil
	}
	sess, _ := s.registry.GetByPath(target)
	return sess, nil
}

// openSession creates a handle for target, falling back to a root copy when
// the file cannot be opened directly, and replays saved renames.
func (s *Server) openSession(ctx context.Context, op, target string) (*session.Session, *ToolError) {
	h, err := s.engine.Create(ctx)
	if err != nil {
		return nil, engineUnavailable(op, err)
	}

	opened := target
	ok := false
	if _, statErr := os.Stat(target); statErr == nil {
		ok, err = s.engine.Open(ctx, h, target)
		if err != nil {
			s.engine.Destroy(h)
			return nil, engineUnavailable(op, err)
		}
	}
	if !ok {
		s.logger.Info("direct open failed, trying root copy", zap.String("target", target))
		copyPath, cerr := s.rootCopy(ctx, target)
		if cerr != nil {
			s.engine.Destroy(h)
			s.logger.Warn("root copy failed", zap.String("target", target), zap.Error(cerr))
			return nil, fileNotAccessible(op, target,
				fmt.Sprintf("File does not exist or no permission to access: %s", target))
		}
		ok, err = s.engine.Open(ctx, h, copyPath)
		if err != nil || !ok {
			s.engine.Destroy(h)
			return nil, fileNotAccessible(op, target,
				fmt.Sprintf("Failed to open file: %s (even after root copy to %s)", target, copyPath))
		}
		opened = copyPath
	}

	sess := s.registry.Create(target, opened, h)
	s.replayKnowledge(ctx, sess)
	return sess, nil
}

func (s *Server) rootCopy(ctx context.Context, path string) (string, error) {
	if !s.shell.HasRoot(ctx) {
		return "", errors.New("root not available")
	}
	return s.shell.RootCopy(ctx, path)
}

func (s *Server) replayKnowledge(ctx context.Context, sess *session.Session) {
	if s.knowledge == nil {
		return
	}
	loaded, err := s.knowledge.Load(sess.TargetPath)
	if err != nil {
		s.logger.Warn("knowledge load failed", zap.String("target", sess.TargetPath), zap.Error(err))
		return
	}
	applied := 0
	for _, cmd := range loaded.ReplayCommands {
		if _, err := s.exec(ctx, sess, cmd); err != nil {
			s.logger.Warn("knowledge replay failed", zap.String("session", sess.ID), zap.String("command", cmd), zap.Error(err))
			continue
		}
		applied++
	}
	if applied > 0 {
		s.logger.Info("knowledge replayed", zap.String("session", sess.ID), zap.Int("renames", applied))
	}
}

func (s *Server) closeSession(ctx context.Context, req *mcp.CallToolRequest, args SessionRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_close_session"
	s.logToolInvocation(op, args.SessionID, nil)
	sess, ok := s.registry.Get(args.SessionID)
	if !ok {
		return s.handleToolError(sessionNotFound(op, args.SessionID))
	}
	unlock := s.locks.Lock(sess.TargetPath)
	defer unlock()
	if _, ok := s.registry.Remove(sess.ID); !ok {
		return s.handleToolError(sessionNotFound(op, args.SessionID))
	}
	return textResult(fmt.Sprintf("Session closed: %s", sess.ID)), nil, nil
}

func (s *Server) listSessions(ctx context.Context, req *mcp.CallToolRequest, _ ListSessionsRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_list_sessions"
	s.logToolInvocation(op, "", nil)
	now := time.Now()
	items := make([]map[string]any, 0)
	for _, sess := range s.registry.List() {
		item := map[string]any{
			"session_id":   sess.ID,
			"target_path":  sess.TargetPath,
			"age_seconds":  int64(now.Sub(sess.CreatedAt).Seconds()),
			"idle_seconds": int64(now.Sub(sess.LastAccessedAt()).Seconds()),
			"busy":         sess.Busy(),
		}
		if sess.OpenedPath != sess.TargetPath {
			item["opened_path"] = sess.OpenedPath
		}
		items = append(items, item)
	}
	return s.jsonResult(map[string]any{
		"count":    len(items),
		"sessions": items,
	})
}

func (s *Server) testEngine(ctx context.Context, req *mcp.CallToolRequest, _ TestRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_test"
	s.logToolInvocation(op, "", nil)
	h, err := s.engine.Create(ctx)
	if err != nil {
		return s.handleToolError(engineUnavailable(op, err))
	}
	defer s.engine.Destroy(h)

	version, err := s.engine.Execute(ctx, h, "?V")
	if err != nil {
		return s.handleToolError(engineUnavailable(op, err))
	}
	help, err := s.engine.Execute(ctx, h, "?")
	if err != nil {
		return s.handleToolError(engineUnavailable(op, err))
	}
	status := "OK"
	if strings.TrimSpace(help) == "" {
		status = "FAILED (empty help output)"
	}
	return textResult(fmt.Sprintf("radare2 test\nVersion: %s\nHelp output: %d chars\nStatus: %s",
		strings.TrimSpace(version), len(help), status)), nil, nil
}

func absPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("file_path is empty")
	}
	return filepath.Abs(p)
}
