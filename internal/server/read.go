package server

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zboralski/r2-headless-mcp/internal/sanitize"
)

// Per-tool output budgets. Cross-reference lists are kept tight because
// generic callees (malloc, memcpy) have thousands of callers.
const (
	rawMaxLines       = 1000
	rawMaxChars       = 20000
	listMaxChars      = 16000
	stringsMaxLines   = 500
	xrefsMaxChars     = 8000
	decompileMaxLines = 500
	decompileMaxChars = 15000
	disasmMaxLines    = 1000
	disasmMaxChars    = 30000
	infoMaxLines      = 500

	defaultFunctionLimit = 500
	defaultXrefLimit     = 50
	defaultStringMin     = 5
	defaultDisasmLines   = 10
)

var strategies = map[string]string{
	"basic":    "aa",
	"blocks":   "aab",
	"calls":    "aac",
	"refs":     "aar",
	"pointers": "aad",
	"full":     "aaa",
}

var afiSize = regexp.MustCompile(`(?m)^size:\s*(\S+)`)

func (s *Server) runCommand(ctx context.Context, req *mcp.CallToolRequest, args RunCommandRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_run_command"
	s.logToolInvocation(op, args.SessionID, map[string]any{"command": args.Command})
	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	out, err := s.exec(ctx, sess, args.Command)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(sanitize.Sanitize(out, rawMaxLines, rawMaxChars, false)), nil, nil
}

func (s *Server) listFunctions(ctx context.Context, req *mcp.CallToolRequest, args ListFunctionsRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_list_functions"
	s.logToolInvocation(op, args.SessionID, map[string]any{"filter": args.Filter, "limit": args.Limit})
	if args.Filter != "" && !validFilter(args.Filter) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid filter: %q", args.Filter)))
	}
	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	cmd := "afl"
	if args.Filter != "" {
		cmd = "afl~" + args.Filter
	}
	out, err := s.exec(ctx, sess, cmd)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(sanitize.Sanitize(out, orDefault(args.Limit, defaultFunctionLimit), listMaxChars, false)), nil, nil
}

func (s *Server) listStrings(ctx context.Context, req *mcp.CallToolRequest, args ListStringsRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_list_strings"
	mode := args.Mode
	if mode == "" {
		mode = "data"
	}
	minLen := orDefault(args.MinLength, defaultStringMin)
	s.logToolInvocation(op, args.SessionID, map[string]any{"mode": mode, "min_length": minLen, "filter": args.Filter})

	var cmd string
	switch mode {
	case "data":
		cmd = "iz"
	case "all":
		cmd = "izz"
	default:
		return s.handleToolError(invalidInput(op, fmt.Sprintf("mode must be 'data' or 'all', got %q", mode)))
	}
	if args.Filter != "" {
		if !validFilter(args.Filter) {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid filter: %q", args.Filter)))
		}
		cmd += "~" + args.Filter
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	// Minimum length is applied by the engine so huge binaries never
	// materialise the short strings at all.
	if _, err := s.exec(ctx, sess, fmt.Sprintf("e bin.str.min=%d", minLen)); err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	out, err := s.exec(ctx, sess, cmd)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	if mode == "data" {
		// Strings found in code sections are almost always opcode bytes.
		out = sanitize.FilterLines(out, []string{".text"})
	}
	if strings.TrimSpace(sanitize.FilterLines(out, sanitize.NoiseMarkers)) == "" {
		return textResult(fmt.Sprintf("No meaningful strings found (filters active: min_len=%d, exclude=.text/.eh_frame)", minLen)), nil, nil
	}
	return textResult(sanitize.Sanitize(out, stringsMaxLines, listMaxChars, true)), nil, nil
}

func (s *Server) getXrefs(ctx context.Context, req *mcp.CallToolRequest, args GetXrefsRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_get_xrefs"
	s.logToolInvocation(op, args.SessionID, map[string]any{"address": args.Address, "direction": args.Direction, "limit": args.Limit})
	if !validAddress(args.Address) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
	}
	var cmd string
	switch args.Direction {
	case "", "to":
		cmd = "axt @ " + args.Address
	case "from":
		cmd = "axf @ " + args.Address
	default:
		return s.handleToolError(invalidInput(op, fmt.Sprintf("direction must be 'to' or 'from', got %q", args.Direction)))
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	out, err := s.exec(ctx, sess, cmd)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(sanitize.Sanitize(out, orDefault(args.Limit, defaultXrefLimit), xrefsMaxChars, false)), nil, nil
}

func (s *Server) getInfo(ctx context.Context, req *mcp.CallToolRequest, args GetInfoRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_get_info"
	s.logToolInvocation(op, args.SessionID, map[string]any{"detailed": args.Detailed})
	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	cmd := "i"
	if args.Detailed {
		cmd = "iI"
	}
	out, err := s.exec(ctx, sess, cmd)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(sanitize.Sanitize(out, infoMaxLines, listMaxChars, false)), nil, nil
}

func (s *Server) decompileFunction(ctx context.Context, req *mcp.CallToolRequest, args DecompileRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_decompile_function"
	s.logToolInvocation(op, args.SessionID, map[string]any{"address": args.Address})
	if !validAddress(args.Address) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
	}
	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	info, err := s.exec(ctx, sess, "afi @ "+args.Address)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	if m := afiSize.FindStringSubmatch(info); m != nil {
		if size, ok := parseNumber(m[1]); ok && size > uint64(s.limits.DecompileMaxSize) {
			return textResult(fmt.Sprintf(
				"Function too large (Size: %d bytes); decompiling it may time out or be inaccurate.\n\n"+
					"Use r2_disassemble for a local view, or r2_run_command with 'pdf @ %s' for the function structure.",
				size, args.Address)), nil, nil
		}
	}

	code, err := s.exec(ctx, sess, "pdc @ "+args.Address)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(sanitize.Sanitize(code, decompileMaxLines, decompileMaxChars, false)), nil, nil
}

func (s *Server) disassemble(ctx context.Context, req *mcp.CallToolRequest, args DisassembleRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_disassemble"
	lines := orDefault(args.Lines, defaultDisasmLines)
	s.logToolInvocation(op, args.SessionID, map[string]any{"address": args.Address, "lines": lines})
	if !validAddress(args.Address) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
	}
	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	out, err := s.exec(ctx, sess, fmt.Sprintf("pd %d @ %s", lines, args.Address))
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(sanitize.Sanitize(out, disasmMaxLines, disasmMaxChars, false)), nil, nil
}

func (s *Server) analyzeTarget(ctx context.Context, req *mcp.CallToolRequest, args AnalyzeTargetRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_analyze_target"
	s.logToolInvocation(op, args.SessionID, map[string]any{"strategy": args.Strategy, "address": args.Address})
	base, ok := strategies[args.Strategy]
	if !ok {
		return s.handleToolError(invalidInput(op,
			fmt.Sprintf("unknown strategy %q (valid: basic, blocks, calls, refs, pointers, full)", args.Strategy)))
	}
	cmd := base
	if args.Address != "" {
		if !validAddress(args.Address) {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
		}
		cmd += " @ " + args.Address
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	start := time.Now()
	out, err := s.exec(ctx, sess, cmd)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	elapsed := time.Since(start)
	funcs, err := s.exec(ctx, sess, "afl~?")
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	size, err := s.exec(ctx, sess, "?v $SS")
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s (%s)\nTime: %dms\nFunctions: %s\nSection size: %s",
		args.Strategy, cmd, elapsed.Milliseconds(), strings.TrimSpace(funcs), strings.TrimSpace(size))
	if out = strings.TrimSpace(out); out != "" {
		b.WriteString("\n\n" + sanitize.Sanitize(out, 100, 4000, false))
	}
	return textResult(b.String()), nil, nil
}
