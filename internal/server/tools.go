package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/sanitize"
)

type toolFunc func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, any, error)

type toolEntry struct {
	tool     *mcp.Tool
	required []string
	call     toolFunc
}

// bind decodes the raw arguments into the handler's typed request.
func bind[T any](s *Server, name string, fn func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, any, error)) toolFunc {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, any, error) {
		var args T
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return s.handleToolError(invalidInput(name, fmt.Sprintf("invalid arguments: %v", err)))
		}
		return fn(ctx, req, args)
	}
}

func (s *Server) register(name, description string, props map[string]*jsonschema.Schema, required []string, call toolFunc) {
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}
	if required == nil {
		required = []string{}
	}
	s.tools[name] = &toolEntry{
		tool: &mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		},
		required: required,
		call:     call,
	}
	s.order = append(s.order, name)
}

// Tools returns the catalog in registration order.
func (s *Server) Tools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].tool)
	}
	return out
}

// HasTool reports whether name is in the table.
func (s *Server) HasTool(name string) bool {
	_, ok := s.tools[name]
	return ok
}

// CallTool dispatches one tool call. Every failure, including a panic in
// the handler, comes back as an error result.
func (s *Server) CallTool(ctx context.Context, name string, raw json.RawMessage) (res *mcp.CallToolResult) {
	entry, ok := s.tools[name]
	if !ok {
		res, _, _ = s.handleToolError(unknownTool(name))
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panic", zap.String("op", name), zap.Any("panic", r), zap.Stack("stack"))
			res, _, _ = s.handleToolError(internalError(name, fmt.Errorf("panic: %v", r)))
		}
	}()

	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		res, _, _ = s.handleToolError(invalidInput(name, "arguments must be a JSON object"))
		return res
	}
	for _, key := range entry.required {
		if v, ok := present[key]; !ok || string(v) == "null" {
			res, _, _ = s.handleToolError(missingArgument(name, key))
			return res
		}
	}

	req := &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Name: name, Arguments: raw}}
	res, _, err := entry.call(ctx, req)
	if err != nil {
		res, _, _ = s.handleToolError(internalError(name, err))
		return res
	}
	if res == nil || len(res.Content) == 0 {
		return textResult("")
	}
	if tc, ok := res.Content[0].(*mcp.TextContent); ok && sanitize.Truncated(tc.Text) {
		s.logger.Info("tool output truncated", zap.String("op", name), zap.Int("chars", len(tc.Text)))
	}
	return res
}

func str(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func integer(desc string, def int) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: desc, Default: json.RawMessage(strconv.Itoa(def))}
}

func boolean(desc string, def bool) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: desc, Default: json.RawMessage(strconv.FormatBool(def))}
}

func oneOf(desc string, values ...string) *jsonschema.Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &jsonschema.Schema{Type: "string", Description: desc, Enum: enum}
}

var sessionProp = str("Session ID returned by r2_open_file")

func (s *Server) registerTools() {
	// Session management
	s.register("r2_open_file",
		"[Session] Open a binary and return a session ID. Runs basic analysis (aa) unless auto_analyze is false; set it to false for files over 10MB. Unreadable files are retried through a root copy. Saved renames are replayed.",
		map[string]*jsonschema.Schema{
			"file_path":    str("Absolute path of the binary"),
			"session_id":   str("Optional: reuse an existing session"),
			"auto_analyze": boolean("Run basic analysis (aa) after opening", true),
		},
		[]string{"file_path"},
		bind(s, "r2_open_file", s.openFile))
	s.register("r2_analyze_file",
		"[Deep analysis] Run full analysis (aaa) on a binary, reusing an open session for the same path. Slow on large files; prefer r2_open_file with auto_analyze false plus r2_analyze_target.",
		map[string]*jsonschema.Schema{
			"file_path": str("Absolute path of the binary"),
		},
		[]string{"file_path"},
		bind(s, "r2_analyze_file", s.analyzeFile))
	s.register("r2_close_session",
		"[Session] Close a session and release its engine.",
		map[string]*jsonschema.Schema{"session_id": str("Session ID to close")},
		[]string{"session_id"},
		bind(s, "r2_close_session", s.closeSession))
	s.register("r2_list_sessions",
		"[Session] List open sessions with their target, age and idle time.",
		nil, nil,
		bind(s, "r2_list_sessions", s.listSessions))
	s.register("r2_test",
		"[Diagnostics] Check that radare2 starts and answers. Returns the version and a help size check.",
		nil, nil,
		bind(s, "r2_test", s.testEngine))

	// Reading
	s.register("r2_run_command",
		"[Raw] Run any radare2 command in a session, for example 'pdf @ main', 'px 100 @ 0x401000'. Output is truncated at 1000 lines or 20000 characters.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"command":    str("radare2 command"),
		},
		[]string{"session_id", "command"},
		bind(s, "r2_run_command", s.runCommand))
	s.register("r2_list_functions",
		"[Functions] List recognised functions (afl). Use filter to narrow large listings.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"filter":     str("Optional name filter, for example 'sym.Java'"),
			"limit":      integer("Maximum lines", 500),
		},
		[]string{"session_id"},
		bind(s, "r2_list_functions", s.listFunctions))
	s.register("r2_list_strings",
		"[Strings] List strings. 'data' mode (iz) skips code and unwind sections; 'all' (izz) scans the whole file.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"mode":       oneOf("Search mode", "data", "all"),
			"min_length": integer("Minimum string length", 5),
			"filter":     str("Optional substring filter"),
		},
		[]string{"session_id"},
		bind(s, "r2_list_strings", s.listStrings))
	s.register("r2_get_xrefs",
		"[Xrefs] Who references an address (axt, direction 'to') or what it references (axf, direction 'from'). Limited to 50 lines by default.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"address":    str("Address or symbol, for example 0x401000 or main"),
			"direction":  oneOf("Reference direction", "to", "from"),
			"limit":      integer("Maximum lines", 50),
		},
		[]string{"session_id", "address"},
		bind(s, "r2_get_xrefs", s.getXrefs))
	s.register("r2_get_info",
		"[Info] File type, architecture, bits and platform (i, or iI when detailed).",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"detailed":   boolean("Show binary headers (iI)", false),
		},
		[]string{"session_id"},
		bind(s, "r2_get_info", s.getInfo))
	s.register("r2_decompile_function",
		"[Decompile] Pseudo-C for the function at an address (pdc). Very large functions return an advisory instead.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"address":    str("Function address or symbol"),
		},
		[]string{"session_id", "address"},
		bind(s, "r2_decompile_function", s.decompileFunction))
	s.register("r2_disassemble",
		"[Disassemble] Disassemble instructions at an address (pd).",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"address":    str("Start address"),
			"lines":      integer("Instruction count", 10),
		},
		[]string{"session_id", "address"},
		bind(s, "r2_disassemble", s.disassemble))
	s.register("r2_analyze_target",
		"[Analysis] Run one analysis strategy: basic (aa), blocks (aab), calls (aac), refs (aar), pointers (aad) or full (aaa). Pick the lightest one that answers the question.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"strategy":   oneOf("Analysis strategy", "basic", "blocks", "calls", "refs", "pointers", "full"),
			"address":    str("Optional start address or symbol"),
		},
		[]string{"session_id", "strategy"},
		bind(s, "r2_analyze_target", s.analyzeTarget))

	// Annotations and knowledge
	s.register("r2_rename_function",
		"[Annotate] Rename the function at an address (current seek if omitted) and remember it for future sessions on the same file.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"name":       str("New name; characters outside [A-Za-z0-9_.] become '_'"),
			"address":    str("Function address; defaults to the current seek"),
		},
		[]string{"session_id", "name"},
		bind(s, "r2_rename_function", s.renameFunction))
	s.register("r2_add_comment",
		"[Annotate] Add a comment at an address (CC).",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"address":    str("Address"),
			"comment":    str("Comment text"),
		},
		[]string{"session_id", "address", "comment"},
		bind(s, "r2_add_comment", s.addComment))
	s.register("r2_add_knowledge_note",
		"[Knowledge] Save a note for an address of the session's file. Notes persist across sessions.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"address":    str("Address the note is about"),
			"note":       str("Note text"),
		},
		[]string{"session_id", "address", "note"},
		bind(s, "r2_add_knowledge_note", s.addKnowledgeNote))
	s.register("r2_get_knowledge",
		"[Knowledge] Show saved renames and notes for the session's file.",
		map[string]*jsonschema.Schema{"session_id": sessionProp},
		[]string{"session_id"},
		bind(s, "r2_get_knowledge", s.getKnowledge))

	// Engine corrections
	s.register("r2_manage_hints",
		"[Hints] Override how an instruction is analysed: immediate base (ahi), bits (ahb), arch (aha), opcode (ahd), esil (ahe), size (ahs) or remove all hints (remove). Echoes the instruction before and after.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"action":     oneOf("Hint to apply", "immbase", "bits", "arch", "opcode", "esil", "size", "remove"),
			"address":    str("Instruction address"),
			"value":      str("Hint value; unused for remove"),
		},
		[]string{"session_id", "action", "address"},
		bind(s, "r2_manage_hints", s.manageHints))
	s.register("r2_manage_xrefs",
		"[Xrefs] Add or remove a cross reference the analysis missed. Echoes the references to the target.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"action":     oneOf("Operation", "add", "remove"),
			"to":         str("Referenced address"),
			"from":       str("Referencing address; defaults to the current seek"),
			"type":       oneOf("Reference type for add", "code", "call", "data", "string"),
		},
		[]string{"session_id", "action", "to"},
		bind(s, "r2_manage_xrefs", s.manageXrefs))
	s.register("r2_config",
		"[Config] Get, set or search radare2 configuration variables (e).",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"action":     oneOf("Operation", "get", "set", "search"),
			"key":        str("Variable name, for example asm.bytes"),
			"value":      str("New value for set"),
			"pattern":    str("Search pattern"),
		},
		[]string{"session_id", "action"},
		bind(s, "r2_config", s.configVar))

	// Emulation
	s.register("r2_simulate_execution",
		"[Emulate] Emulate instructions with ESIL from an address and return the registers and the instruction at the final PC.",
		map[string]*jsonschema.Schema{
			"session_id": sessionProp,
			"address":    str("Start address"),
			"steps":      integer("Instructions to step", 10),
			"registers":  str("Initial registers, for example 'x0=1,x1=0x100'"),
		},
		[]string{"session_id", "address"},
		bind(s, "r2_simulate_execution", s.simulateExecution))
	s.register("r2_batch_decrypt_strings",
		"[Emulate] Emulate every call to a string decryption function and collect the returned strings. Results are saved as notes and comments at each call site.",
		map[string]*jsonschema.Schema{
			"session_id":       sessionProp,
			"function_address": str("Address of the decryption function"),
			"result_register":  str("Register holding the result pointer"),
			"custom_init":      str("Extra ESIL setup commands, separated by ';' or newlines"),
			"rewind":           integer("Instructions to emulate before each call site", defaultRewind),
			"max_steps":        integer("Instruction budget inside the function", defaultMaxSteps),
			"min_length":       integer("Minimum accepted string length", defaultDecryptMinLength),
		},
		[]string{"session_id", "function_address"},
		bind(s, "r2_batch_decrypt_strings", s.batchDecryptStrings))

	// Host helpers
	s.register("os_list_dir",
		"[Filesystem] List a directory. Falls back to root when permission is denied.",
		map[string]*jsonschema.Schema{"path": str("Absolute directory path")},
		[]string{"path"},
		bind(s, "os_list_dir", s.listDir))
	s.register("os_read_file",
		"[Filesystem] Read a text file, with root fallback. Large files are truncated.",
		map[string]*jsonschema.Schema{"path": str("Absolute file path")},
		[]string{"path"},
		bind(s, "os_read_file", s.readFile))
	s.register("os_shell_exec",
		"[Shell] Run a shell command; retries with root when it fails unless use_root is false.",
		map[string]*jsonschema.Schema{
			"command":  str("Shell command"),
			"use_root": boolean("Allow the root retry", true),
		},
		[]string{"command"},
		bind(s, "os_shell_exec", s.shellExec))
	s.register("sqlite_query",
		"[Data] Run a read-only SQL query against a SQLite database, copying it with root when it is not readable.",
		map[string]*jsonschema.Schema{
			"db_path": str("Database file path"),
			"query":   str("SQL query"),
			"limit":   integer("Maximum rows", 100),
		},
		[]string{"db_path", "query"},
		bind(s, "sqlite_query", s.sqliteQuery))
}
