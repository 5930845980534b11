package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zboralski/r2-headless-mcp/internal/sanitize"
)

var hintCommands = map[string]string{
	"immbase": "ahi",
	"bits":    "ahb",
	"arch":    "aha",
	"opcode":  "ahd",
	"esil":    "ahe",
	"size":    "ahs",
	"remove":  "ah-",
}

var xrefCommands = map[string]string{
	"code":   "axc",
	"call":   "axC",
	"data":   "axd",
	"string": "axs",
}

// lineDiff renders before/after as unified-style lines: "- ", "+ " or "  ".
func lineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var b strings.Builder
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range lines {
			b.WriteString(prefix + line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) manageHints(ctx context.Context, req *mcp.CallToolRequest, args ManageHintsRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_manage_hints"
	s.logToolInvocation(op, args.SessionID, map[string]any{"action": args.Action, "address": args.Address, "value": args.Value})
	base, ok := hintCommands[args.Action]
	if !ok {
		return s.handleToolError(invalidInput(op,
			fmt.Sprintf("unknown action %q (valid: immbase, bits, arch, opcode, esil, size, remove)", args.Action)))
	}
	if !validAddress(args.Address) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
	}
	cmd := fmt.Sprintf("%s @ %s", base, args.Address)
	if args.Action != "remove" {
		value := strings.TrimSpace(args.Value)
		if value == "" {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("value is required for %s", args.Action)))
		}
		if !validFilter(value) {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid value: %q", args.Value)))
		}
		cmd = fmt.Sprintf("%s %s @ %s", base, value, args.Address)
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	peek := "pd 1 @ " + args.Address
	before, err := s.exec(ctx, sess, peek)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	if _, err := s.exec(ctx, sess, cmd); err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	after, err := s.exec(ctx, sess, peek)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Applied: %s\n\n", cmd)
	if strings.TrimSpace(before) == strings.TrimSpace(after) {
		fmt.Fprintf(&b, "Instruction unchanged:\n%s", strings.TrimSpace(after))
	} else {
		b.WriteString("Instruction diff:\n")
		b.WriteString(lineDiff(strings.TrimSpace(before)+"\n", strings.TrimSpace(after)+"\n"))
	}
	return textResult(b.String()), nil, nil
}

func (s *Server) manageXrefs(ctx context.Context, req *mcp.CallToolRequest, args ManageXrefsRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_manage_xrefs"
	s.logToolInvocation(op, args.SessionID, map[string]any{"action": args.Action, "to": args.To, "from": args.From, "type": args.Type})
	if !validAddress(args.To) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.To)))
	}
	if args.From != "" && !validAddress(args.From) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.From)))
	}

	var base string
	switch args.Action {
	case "add":
		typ := args.Type
		if typ == "" {
			typ = "code"
		}
		var ok bool
		if base, ok = xrefCommands[typ]; !ok {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("unknown xref type %q (valid: code, call, data, string)", args.Type)))
		}
	case "remove":
		base = "ax-"
	default:
		return s.handleToolError(invalidInput(op, fmt.Sprintf("action must be 'add' or 'remove', got %q", args.Action)))
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	from := args.From
	if from == "" {
		cur, err := s.exec(ctx, sess, "s")
		if err != nil {
			return s.handleToolError(engineFailed(op, sess.ID, err))
		}
		from = strings.TrimSpace(cur)
	}
	cmd := fmt.Sprintf("%s %s %s", base, args.To, from)
	if _, err := s.exec(ctx, sess, cmd); err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	refs, err := s.exec(ctx, sess, "axt @ "+args.To)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(fmt.Sprintf("Applied: %s\n\nReferences to %s:\n%s",
		cmd, args.To, sanitize.Sanitize(refs, defaultXrefLimit, xrefsMaxChars, false))), nil, nil
}

func (s *Server) configVar(ctx context.Context, req *mcp.CallToolRequest, args ConfigRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_config"
	s.logToolInvocation(op, args.SessionID, map[string]any{"action": args.Action, "key": args.Key, "value": args.Value, "pattern": args.Pattern})

	var cmds []string
	switch args.Action {
	case "get":
		if !configKeyPattern.MatchString(args.Key) {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid key: %q", args.Key)))
		}
		cmds = []string{"e " + args.Key}
	case "set":
		if !configKeyPattern.MatchString(args.Key) {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid key: %q", args.Key)))
		}
		if !validFilter(args.Value) || strings.ContainsAny(args.Value, " \t") {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid value: %q", args.Value)))
		}
		cmds = []string{fmt.Sprintf("e %s=%s", args.Key, args.Value), "e " + args.Key}
	case "search":
		pattern := args.Pattern
		if pattern == "" {
			pattern = args.Key
		}
		if pattern == "" || !validFilter(pattern) {
			return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid pattern: %q", pattern)))
		}
		cmds = []string{"e??~" + pattern}
	default:
		return s.handleToolError(invalidInput(op, fmt.Sprintf("action must be get, set or search, got %q", args.Action)))
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	var out string
	for _, c := range cmds {
		var err error
		if out, err = s.exec(ctx, sess, c); err != nil {
			return s.handleToolError(engineFailed(op, sess.ID, err))
		}
	}
	if args.Action != "search" {
		return textResult(fmt.Sprintf("%s = %s", args.Key, strings.TrimSpace(out))), nil, nil
	}
	return textResult(sanitize.Sanitize(out, 200, listMaxChars, false)), nil, nil
}
