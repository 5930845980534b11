package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/knowledge"
	"github.com/zboralski/r2-headless-mcp/internal/session"
)

const (
	defaultSimulateSteps = 10
	maxSimulateSteps     = 10000

	defaultRewind           = 6
	defaultMaxSteps         = 5000
	defaultDecryptMinLength = 4
	defaultResultRegister   = "R0"
	maxDecryptLength        = 1024

	sentinelReturn = 0xdeadbeef

	fallbackStackAddr = 0x100000
	fallbackStackSize = 0xf0000
)

// Stack and frame registers across x86, x86_64, arm and arm64. Registers a
// profile lacks are ignored by the engine.
var stackRegisters = []string{"SP", "BP", "rsp", "rbp", "esp", "ebp", "sp", "fp", "x29"}

type xref struct {
	From uint64 `json:"from"`
	Type string `json:"type"`
}

type instruction struct {
	Offset *uint64 `json:"offset"`
	Addr   *uint64 `json:"addr"`
}

func (i instruction) address() (uint64, bool) {
	switch {
	case i.Addr != nil:
		return *i.Addr, true
	case i.Offset != nil:
		return *i.Offset, true
	}
	return 0, false
}

// parseRegisters reads "x0=1,x1=0x10" into aer assignments.
func parseRegisters(assignments string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(assignments, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || !registerPattern.MatchString(name) || !validAddress(value) {
			return nil, fmt.Errorf("invalid register assignment %q (want name=value)", part)
		}
		out = append(out, fmt.Sprintf("aer %s=%s", name, value))
	}
	return out, nil
}

func (s *Server) simulateExecution(ctx context.Context, req *mcp.CallToolRequest, args SimulateRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_simulate_execution"
	steps := orDefault(args.Steps, defaultSimulateSteps)
	s.logToolInvocation(op, args.SessionID, map[string]any{"address": args.Address, "steps": steps, "registers": args.Registers})
	if !validAddress(args.Address) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.Address)))
	}
	if steps > maxSimulateSteps {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("steps must be at most %d", maxSimulateSteps)))
	}
	seeds, err := parseRegisters(args.Registers)
	if err != nil {
		return s.handleToolError(invalidInput(op, err.Error()))
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	// init, seek, seed, step: each stage depends on the state left by the
	// previous one.
	stages := [][]string{
		{"aei", "aeim"},
		{"s " + args.Address, "aeip"},
		seeds,
		{fmt.Sprintf("%daes", steps)},
	}
	for _, stage := range stages {
		if err := s.execAll(ctx, sess, stage...); err != nil {
			return s.handleToolError(engineFailed(op, sess.ID, err))
		}
	}

	regs, err := s.exec(ctx, sess, "aer")
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	pcOut, err := s.exec(ctx, sess, "aer PC")
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Emulated %d steps from %s\n\n=== Registers ===\n%s", steps, args.Address, strings.TrimRight(regs, "\n"))
	if pc, ok := parseNumber(pcOut); ok {
		next, err := s.exec(ctx, sess, fmt.Sprintf("pd 1 @ 0x%x", pc))
		if err != nil {
			return s.handleToolError(engineFailed(op, sess.ID, err))
		}
		fmt.Fprintf(&b, "\n\n=== Next instruction (PC=0x%x) ===\n%s", pc, strings.TrimRight(next, "\n"))
	}
	return textResult(b.String()), nil, nil
}

type decryptJob struct {
	resultRegister string
	customInit     []string
	rewind         int
	maxSteps       int
	minLength      int
	stackPointer   uint64
}

func (s *Server) batchDecryptStrings(ctx context.Context, req *mcp.CallToolRequest, args BatchDecryptRequest) (*mcp.CallToolResult, any, error) {
	const op = "r2_batch_decrypt_strings"
	s.logToolInvocation(op, args.SessionID, map[string]any{
		"function_address": args.FunctionAddress,
		"result_register":  args.ResultRegister,
		"rewind":           args.Rewind,
		"max_steps":        args.MaxSteps,
	})
	if !validAddress(args.FunctionAddress) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid address: %q", args.FunctionAddress)))
	}
	job := decryptJob{
		resultRegister: args.ResultRegister,
		rewind:         orDefault(args.Rewind, defaultRewind),
		maxSteps:       orDefault(args.MaxSteps, defaultMaxSteps),
		minLength:      orDefault(args.MinLength, defaultDecryptMinLength),
	}
	if job.resultRegister == "" {
		job.resultRegister = defaultResultRegister
	}
	if !registerPattern.MatchString(job.resultRegister) {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("invalid result_register: %q", args.ResultRegister)))
	}
	for _, c := range strings.FieldsFunc(args.CustomInit, func(r rune) bool { return r == ';' || r == '\n' }) {
		if c = strings.TrimSpace(c); c != "" {
			job.customInit = append(job.customInit, c)
		}
	}

	sess, release, terr := s.withSession(op, args.SessionID)
	if terr != nil {
		return s.handleToolError(terr)
	}
	defer release()

	refsOut, err := s.exec(ctx, sess, "axtj @ "+args.FunctionAddress)
	if err != nil {
		return s.handleToolError(engineFailed(op, sess.ID, err))
	}
	var refs []xref
	if strings.TrimSpace(refsOut) != "" {
		if err := json.Unmarshal([]byte(strings.TrimSpace(refsOut)), &refs); err != nil {
			return s.handleToolError(engineFailed(op, sess.ID, fmt.Errorf("decode axtj: %w", err)))
		}
	}
	var sites []uint64
	for _, r := range refs {
		if strings.EqualFold(r.Type, "call") {
			sites = append(sites, r.From)
		}
	}
	if len(sites) == 0 {
		return textResult(fmt.Sprintf("No call sites found for %s (run r2_analyze_target with strategy 'calls' or 'refs' first)", args.FunctionAddress)), nil, nil
	}

	job.stackPointer = s.stackPointer(ctx, sess)
	prevMaxSteps, _ := s.exec(ctx, sess, "e esil.maxsteps")
	defer func() {
		if v := strings.TrimSpace(prevMaxSteps); v != "" {
			s.exec(context.WithoutCancel(ctx), sess, "e esil.maxsteps="+v)
		}
	}()

	type hit struct {
		site uint64
		text string
	}
	var hits []hit
	attempted := 0
	for _, site := range sites {
		if ctx.Err() != nil {
			break
		}
		attempted++
		text, err := s.decryptAt(ctx, sess, site, job)
		if err != nil {
			s.logger.Debug("call site skipped", zap.String("session", sess.ID), zap.String("site", fmt.Sprintf("0x%x", site)), zap.Error(err))
			continue
		}
		addr := fmt.Sprintf("0x%x", site)
		if s.knowledge != nil {
			if err := s.knowledge.Save(sess.TargetPath, knowledge.Notes, addr, "decrypted: "+text); err != nil {
				s.logger.Warn("knowledge save failed", zap.Error(err))
			}
		}
		if c := safeComment("decrypted: " + text); c != "" {
			if _, err := s.exec(ctx, sess, fmt.Sprintf("CC %s @ %s", c, addr)); err != nil {
				s.logger.Warn("comment failed", zap.String("site", addr), zap.Error(err))
			}
		}
		hits = append(hits, hit{site: site, text: text})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "decrypted %d/%d call sites of %s", len(hits), attempted, args.FunctionAddress)
	for _, h := range hits {
		fmt.Fprintf(&b, "\n0x%x: %q", h.site, h.text)
	}
	return textResult(b.String()), nil, nil
}

// stackPointer picks the middle of the emulator stack map, 16-byte aligned.
func (s *Server) stackPointer(ctx context.Context, sess *session.Session) uint64 {
	addr, size := uint64(fallbackStackAddr), uint64(fallbackStackSize)
	if out, err := s.exec(ctx, sess, "e esil.stack.addr"); err == nil {
		if v, ok := parseNumber(out); ok && v != 0 {
			addr = v
		}
	}
	if out, err := s.exec(ctx, sess, "e esil.stack.size"); err == nil {
		if v, ok := parseNumber(out); ok && v != 0 {
			size = v
		}
	}
	return (addr + size/2) &^ 0xf
}

// decryptAt emulates one call site and returns the accepted string.
func (s *Server) decryptAt(ctx context.Context, sess *session.Session, site uint64, job decryptJob) (string, error) {
	if err := s.execAll(ctx, sess, "aeim-", "aei", "aeim"); err != nil {
		return "", err
	}
	for _, r := range stackRegisters {
		if _, err := s.exec(ctx, sess, fmt.Sprintf("aer %s=0x%x", r, job.stackPointer)); err != nil {
			return "", err
		}
	}
	if err := s.execAll(ctx, sess, job.customInit...); err != nil {
		return "", err
	}

	start := site
	if out, err := s.exec(ctx, sess, fmt.Sprintf("pdj -%d @ 0x%x", job.rewind, site)); err == nil {
		var insns []instruction
		if json.Unmarshal([]byte(strings.TrimSpace(out)), &insns) == nil && len(insns) > 0 {
			if a, ok := insns[0].address(); ok && a < site {
				start = a
			}
		}
	}

	// Run the argument setup, then step into the callee.
	if err := s.execAll(ctx, sess,
		fmt.Sprintf("aepc 0x%x", start),
		fmt.Sprintf("aesu 0x%x", site),
		"aes",
	); err != nil {
		return "", err
	}

	// Return into a sentinel so the callee traps as soon as it returns.
	lr, _ := s.exec(ctx, sess, "aer LR")
	if _, ok := parseNumber(lr); ok {
		if _, err := s.exec(ctx, sess, fmt.Sprintf("aer LR=0x%x", sentinelReturn)); err != nil {
			return "", err
		}
	} else {
		spOut, err := s.exec(ctx, sess, "aer SP")
		if err != nil {
			return "", err
		}
		sp, ok := parseNumber(spOut)
		if !ok {
			return "", fmt.Errorf("no LR and unreadable SP %q", strings.TrimSpace(spOut))
		}
		if _, err := s.exec(ctx, sess, fmt.Sprintf("wv 0x%x @ 0x%x", sentinelReturn, sp)); err != nil {
			return "", err
		}
	}

	if err := s.execAll(ctx, sess,
		fmt.Sprintf("e esil.maxsteps=%d", job.maxSteps),
		fmt.Sprintf("aesu 0x%x", sentinelReturn),
	); err != nil {
		return "", err
	}

	regOut, err := s.exec(ctx, sess, "aer "+job.resultRegister)
	if err != nil {
		return "", err
	}
	ptr, ok := parseNumber(regOut)
	if !ok || ptr == 0 {
		return "", fmt.Errorf("result register %s empty", job.resultRegister)
	}
	str, err := s.exec(ctx, sess, fmt.Sprintf("psz @ 0x%x", ptr))
	if err != nil {
		return "", err
	}
	text := strings.TrimRight(str, "\r\n\x00")
	if !legible(text, job.minLength) {
		return "", fmt.Errorf("rejected %q", truncateRunes(text, 40))
	}
	return text, nil
}

// legible accepts printable strings of at least minLen runes where 60% or
// more are letters, digits or spaces.
func legible(text string, minLen int) bool {
	runes := []rune(text)
	if len(runes) < minLen || len(runes) > maxDecryptLength {
		return false
	}
	good := 0
	for _, r := range runes {
		if !unicode.IsPrint(r) && r != '\t' {
			return false
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			good++
		}
	}
	return good*10 >= len(runes)*6
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
