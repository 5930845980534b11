package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zboralski/r2-headless-mcp/internal/knowledge"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.]`)

// safeName maps name onto the identifier charset radare2 flags accept.
func safeName(name string) string {
	name = unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "fcn_" + name
	}
	return name
}

// safeComment keeps a comment on one engine command.
func safeComment(text string) string {
	text = strings.NewReplacer("\r", " ", "\n", " ", ";", ",", "|", "/", "`", "'", "@", "(at)", ">", ")", "~", "-", "\"", "'").Replace(text)
	return strings.TrimSpace(text)
}

func (s *Server) renameFunction(ctx context.Context, req *mcp.CallToolRequest, args RenameFunctionRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_rename_function"
	s.logToolInvocation(op, args.SessionID, map[string]any{"name": args.Name, "address": args.Address})
	name := safeName(args.Name)
	if name == "" {
		return s.handleToolError(invalidInput(op, "name is empty after sanitising"))
	}
	if args.Address != "" && !validAddress(args.Address) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
	}
	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	addrExpr := args.Address
	if addrExpr == "" {
		cur, err := s.exec(ctx, sess, "s")
		if err != nil {
			return s.handleToolError(engineFailed(op, sess.ID, err))
		}
		addrExpr = strings.TrimSpace(cur)
	}
	resolved, err := s.exec(ctx, sess, "?v "+addrExpr)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	value, ok := parseNumber(resolved)
	if !ok || value == 0 {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("cannot resolve address %q", addrExpr)))
	}
	addr := fmt.Sprintf("0x%x", value)

	if _, err := s.exec(ctx, sess, fmt.Sprintf("afn %s @ %s", name, addr)); err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}

	msg := fmt.Sprintf("Renamed function at %s to %s", addr, name)
	if s.knowledge != nil {
		if err := s.knowledge.Save(sess.TargetPath, knowledge.Renames, addr, name); err != nil {
			return s.handleToolError(internalError(op, err))
		}
		msg += fmt.Sprintf("\nSaved to knowledge for %s", sess.TargetPath)
	}
	if name != strings.TrimSpace(args.Name) {
		msg += fmt.Sprintf("\n(name sanitised from %q)", args.Name)
	}
	return textResult(msg), nil, nil
}

func (s *Server) addComment(ctx context.Context, req *mcp.CallToolRequest, args AddCommentRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_add_comment"
	s.logToolInvocation(op, args.SessionID, map[string]any{"address": args.Address})
	if !validAddress(args.Address) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
	}
	comment := safeComment(args.Comment)
	if comment == "" {
		return s.handleToolError(invalidInput(op, "comment is empty"))
	}
	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	if _, err := s.exec(ctx, sess, fmt.Sprintf("CC %s @ %s", comment, args.Address)); err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	echo, err := s.exec(ctx, sess, "CC. @ "+args.Address)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	return textResult(fmt.Sprintf("Comment added at %s\nCurrent comment: %s", args.Address, strings.TrimSpace(echo))), nil, nil
}

func (s *Server) addKnowledgeNote(ctx context.Context, req *mcp.CallToolRequest, args AddNoteRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_add_knowledge_note"
	s.logToolInvocation(op, args.SessionID, map[string]any{"address": args.Address})
	if s.knowledge == nil {
		return s.handleToolError(internalError(op, errors.New("knowledge store disabled")))
	}
	if strings.TrimSpace(args.Address) == "" {
		return s.handleToolError(invalidInput(op, "address is empty"))
	}
	sess, ok := s.registry.Get(args.SessionID)
	if !ok {
		return s.handleToolError(sessionNotFound(op, args.SessionID))
	}
	if err := s.knowledge.Save(sess.TargetPath, knowledge.Notes, args.Address, args.Note); err != nil {
		return s.handleToolError(internalError(op, err))
	}
	return textResult(fmt.Sprintf("Note saved for %s at %s", sess.TargetPath, args.Address)), nil, nil
}

func (s *Server) getKnowledge(ctx context.Context, req *mcp.CallToolRequest, args SessionRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_get_knowledge"
	s.logToolInvocation(op, args.SessionID, nil)
	if s.knowledge == nil {
		return s.handleToolError(internalError(op, errors.New("knowledge store disabled")))
	}
	sess, ok := s.registry.Get(args.SessionID)
	if !ok {
		return s.handleToolError(sessionNotFound(op, args.SessionID))
	}
	loaded, err := s.knowledge.Load(sess.TargetPath)
	if err != nil {
		return s.handleToolError(internalError(op, err))
	}
	return textResult(loaded.Summary), nil, nil
}
