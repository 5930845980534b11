package server

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zboralski/r2-headless-mcp/internal/sanitize"
	"github.com/zboralski/r2-headless-mcp/internal/shell"
)

const (
	listDirMaxLines = 2000
	listDirMaxChars = 60000
)

func readTruncatedNote(limit int) string {
	return fmt.Sprintf("\n\n[SYSTEM: file exceeded %d bytes and was truncated.]", limit)
}

func (s *Server) listDir(ctx context.Context, req *mcp.CallToolRequest, args ListDirRequest) (*mcp.CallToolResult, any, error) {
	const op = "os_list_dir"
	s.logToolInvocation(op, "", map[string]any{"path": args.Path})
	if strings.TrimSpace(args.Path) == "" {
		return s.handleToolError(invalidInput(op, "path is empty"))
	}

	var lines []string
	via := ""
	entries, err := os.ReadDir(args.Path)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				lines = append(lines, "[DIR]  "+e.Name())
				continue
			}
			var size int64
			if info, err := e.Info(); err == nil {
				size = info.Size()
			}
			lines = append(lines, fmt.Sprintf("[FILE] %s (%d bytes)", e.Name(), size))
		}
	} else {
		s.logger.Info("list dir failed, trying root", zap.String("path", args.Path), zap.Error(err))
		if !s.shell.HasRoot(ctx) {
			return s.handleToolError(fileNotAccessible(op, args.Path,
				fmt.Sprintf("Cannot access directory: %s\nError: %v", args.Path, err)))
		}
		res := s.shell.Exec(ctx, "ls -p "+shell.Quote(args.Path), true)
		if !res.Success {
			return s.handleToolError(fileNotAccessible(op, args.Path,
				fmt.Sprintf("Cannot access directory: %s\nError: %s", args.Path, strings.TrimSpace(res.Stderr))))
		}
		via = " (via root)"
		for _, name := range strings.Split(res.Stdout, "\n") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			if strings.HasSuffix(name, "/") {
				lines = append(lines, "[DIR]  "+strings.TrimSuffix(name, "/"))
			} else {
				lines = append(lines, "[FILE] "+name)
			}
		}
	}

	header := fmt.Sprintf("Directory: %s%s (%d entries)\n", args.Path, via, len(lines))
	return textResult(header + sanitize.Sanitize(strings.Join(lines, "\n"), listDirMaxLines, listDirMaxChars, false)), nil, nil
}

func (s *Server) readFile(ctx context.Context, req *mcp.CallToolRequest, args ReadFileRequest) (*mcp.CallToolResult, any, error) {
	const op = "os_read_file"
	limit := s.limits.ReadFileBytes
	s.logToolInvocation(op, "", map[string]any{"path": args.Path, "limit": limit})
	if strings.TrimSpace(args.Path) == "" {
		return s.handleToolError(invalidInput(op, "path is empty"))
	}

	var data []byte
	f, err := os.Open(args.Path)
	if err == nil {
		data, err = io.ReadAll(io.LimitReader(f, int64(limit)+1))
		f.Close()
	}
	if err != nil {
		s.logger.Info("read failed, trying root", zap.String("path", args.Path), zap.Error(err))
		if !s.shell.HasRoot(ctx) {
			return s.handleToolError(fileNotAccessible(op, args.Path,
				fmt.Sprintf("Cannot read file: %s\nError: %v", args.Path, err)))
		}
		res := s.shell.Exec(ctx, fmt.Sprintf("head -c %d %s", limit+1, shell.Quote(args.Path)), true)
		if !res.Success {
			return s.handleToolError(fileNotAccessible(op, args.Path,
				fmt.Sprintf("Cannot read file: %s\nError: %s", args.Path, strings.TrimSpace(res.Stderr))))
		}
		data = []byte(res.Stdout)
	}

	if len(data) <= limit {
		return textResult(string(data)), nil, nil
	}
	cut := limit
	for cut > 0 && cut > limit-utf8.UTFMax && !utf8.Valid(data[:cut]) {
		cut--
	}
	return textResult(string(data[:cut]) + readTruncatedNote(limit)), nil, nil
}

func (s *Server) shellExec(ctx context.Context, req *mcp.CallToolRequest, args ShellExecRequest) (*mcp.CallToolResult, any, error) {
	const op = "os_shell_exec"
	useRoot := args.UseRoot == nil || *args.UseRoot
	s.logToolInvocation(op, "", map[string]any{"command": args.Command, "use_root": useRoot})
	if strings.TrimSpace(args.Command) == "" {
		return s.handleToolError(invalidInput(op, "command is empty"))
	}

	via := "sh"
	res := s.shell.Exec(ctx, args.Command, false)
	if !res.Success && useRoot && s.shell.HasRoot(ctx) {
		via = "root"
		res = s.shell.Exec(ctx, args.Command, true)
	}
	text := fmt.Sprintf("[%s] exit %d\n%s", via, res.ExitCode,
		sanitize.Sanitize(res.Output(), 0, s.limits.ShellOutputChars, false))
	if !res.Success {
		return errorResult(text), nil, nil
	}
	return textResult(text), nil, nil
}

func (s *Server) sqliteQuery(ctx context.Context, req *mcp.CallToolRequest, args SQLiteQueryRequest) (*mcp.CallToolResult, any, error) {
	const op = "sqlite_query"
	limit := orDefault(args.Limit, s.limits.SQLiteRows)
	s.logToolInvocation(op, "", map[string]any{"db_path": args.DBPath, "query": args.Query, "limit": limit})
	if strings.TrimSpace(args.Query) == "" {
		return s.handleToolError(invalidInput(op, "query is empty"))
	}

	path := args.DBPath
	if f, err := os.Open(path); err == nil {
		f.Close()
	} else {
		copyPath, cerr := s.rootCopy(ctx, path)
		if cerr != nil {
			return s.handleToolError(fileNotAccessible(op, path,
				fmt.Sprintf("Cannot open database: %s\nError: %v", path, err)))
		}
		path = copyPath
	}

	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro&_pragma=query_only(1)"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return s.handleToolError(internalError(op, err))
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, args.Query)
	if err != nil {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("query failed: %v", err)))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return s.handleToolError(internalError(op, err))
	}

	var b strings.Builder
	w := bufio.NewWriter(&b)
	w.WriteString(strings.Join(cols, "\t"))
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	n := 0
	truncated := false
	for rows.Next() {
		if n == limit {
			truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return s.handleToolError(internalError(op, err))
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatCell(v)
		}
		w.WriteString("\n" + strings.Join(cells, "\t"))
		n++
	}
	if err := rows.Err(); err != nil {
		return s.handleToolError(invalidInput(op, fmt.Sprintf("query failed: %v", err)))
	}
	fmt.Fprintf(w, "\n\n(%d rows", n)
	if truncated {
		fmt.Fprintf(w, ", limit %d reached", limit)
	}
	w.WriteString(")")
	w.Flush()

	return textResult(sanitize.Sanitize(b.String(), 0, s.limits.ShellOutputChars, false)), nil, nil
}

var cellEscaper = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		if utf8.Valid(x) {
			return cellEscaper.Replace(string(x))
		}
		return fmt.Sprintf("x'%x'", x)
	case string:
		return cellEscaper.Replace(x)
	default:
		return fmt.Sprint(x)
	}
}
