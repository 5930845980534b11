package server

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/sanitize"
	"github.com/zboralski/r2-headless-mcp/internal/session"
)

var (
	addressPattern   = regexp.MustCompile(`^[A-Za-z0-9_.:$+\-]{1,256}$`)
	registerPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,15}$`)
	configKeyPattern = regexp.MustCompile(`^[a-z0-9_.]{1,128}$`)
	// Engine command separators, redirections and interpolation.
	commandMeta      = regexp.MustCompile("[;|>@`\"'\\r\\n]")
)

// handleToolError logs the structured ToolError and returns an MCP CallToolResult with
// the serialised JSON body, so MCP clients can programmatically recover using the kind/status fields.
func (s *Server) handleToolError(terr *ToolError) (*mcp.CallToolResult, any, error) {
	s.logger.Warn("tool error",
		zap.String("op", terr.Operation),
		zap.String("kind", string(terr.Kind)),
		zap.String("message", terr.Message))
	body, _ := s.marshalJSON(terr)
	return errorResult(string(body)), nil, nil
}

func (s *Server) logToolInvocation(tool, sessionID string, details map[string]any) {
	fields := []zap.Field{zap.String("op", tool)}
	if sessionID != "" {
		fields = append(fields, zap.String("session", sessionID))
	}
	if len(details) > 0 {
		fields = append(fields, zap.Any("args", details))
	}
	s.logger.Info("tool", fields...)
}

func (s *Server) marshalJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func textResult(text string) *mcp.CallToolResult {
	if text == "" {
		text = sanitize.EmptyOutput
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) jsonResult(v any) (*mcp.CallToolResult, any, error) {
	body, err := s.marshalJSON(v)
	if err != nil {
		return s.handleToolError(internalError("marshal", err))
	}
	return textResult(string(body)), nil, nil
}

// withSession resolves id, marks the session in flight and holds its target
// lock until the returned release is called.
func (s *Server) withSession(op, id string) (*session.Session, func(), *ToolError) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, nil, sessionNotFound(op, id)
	}
	sess.Acquire()
	unlock := s.locks.Lock(sess.TargetPath)
	return sess, func() {
		unlock()
		sess.Release()
	}, nil
}

func (s *Server) exec(ctx context.Context, sess *session.Session, command string) (string, error) {
	out, err := s.engine.Execute(ctx, sess.Handle, command)
	if err != nil {
		return "", fmt.Errorf("%s: %w", command, err)
	}
	return out, nil
}

// execAll runs commands in order and stops at the first failure.
func (s *Server) execAll(ctx context.Context, sess *session.Session, commands ...string) error {
	for _, c := range commands {
		if _, err := s.exec(ctx, sess, c); err != nil {
			return err
		}
	}
	return nil
}

func validAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// validFilter accepts engine grep expressions that cannot chain or redirect.
func validFilter(filter string) bool {
	return len(filter) <= 256 && !commandMeta.MatchString(filter)
}

// parseNumber reads engine numeric output such as "42", "0x2a" or "42\n".
func parseNumber(out string) (uint64, bool) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
