package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/server"
)

type methodFunc func(ctx context.Context, params json.RawMessage) (any, *Error)

// Handler serves the HTTP front door. It is stateless between requests:
// tool calls carry their session ids explicitly.
type Handler struct {
	tools   *server.Server
	version string
	logger  *zap.Logger
	methods map[string]methodFunc
	mux     *http.ServeMux
}

// NewHandler routes JSON-RPC on /messages and /mcp, plus /health and /.
func NewHandler(tools *server.Server, version string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		tools:   tools,
		version: version,
		logger:  logger.Named("rpc"),
	}
	h.methods = map[string]methodFunc{
		"initialize":   h.initialize,
		"ping":         h.ping,
		"tools/list":   h.toolsList,
		"tools/call":   h.toolsCall,
		"prompts/list": h.promptsList,
		"prompts/get":  h.promptsGet,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", h.serveRPC)
	mux.HandleFunc("POST /mcp", h.serveRPC)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /{$}", h.info)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("rpc panic", zap.String("method", req.Method), zap.Any("panic", rec), zap.Stack("stack"))
			h.writeError(w, http.StatusOK, req.ID, CodeInternalError, fmt.Sprintf("Internal error: %v", rec))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, nil, CodeParseError, "Failed to read request body")
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		h.writeError(w, http.StatusBadRequest, nil, CodeParseError, "Empty request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("invalid json", zap.Error(err))
		h.writeError(w, http.StatusOK, nil, CodeParseError, "Parse error: "+err.Error())
		return
	}

	h.logger.Info("request", zap.String("method", req.Method), zap.String("id", string(req.ID)), zap.String("remote", r.RemoteAddr))
	if isNotification(req.Method) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	method, ok := h.methods[req.Method]
	if !ok {
		h.logger.Warn("method not found", zap.String("method", req.Method))
		h.writeError(w, http.StatusOK, req.ID, CodeMethodNotFound, "Method not found: "+req.Method)
		return
	}
	result, rerr := method(r.Context(), req.Params)
	if rerr != nil {
		h.writeError(w, http.StatusOK, req.ID, rerr.Code, rerr.Message)
		return
	}
	h.write(w, http.StatusOK, Response{JSONRPC: jsonRPCVersion, ID: responseID(req.ID), Result: result})
}

func (h *Handler) write(w http.ResponseWriter, status int, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("marshal response", zap.Error(err))
		status = http.StatusOK
		data, _ = json.Marshal(Response{
			JSONRPC: jsonRPCVersion,
			ID:      resp.ID,
			Error:   &ErrorPayload{Code: CodeInternalError, Message: "Internal error: " + err.Error()},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, msg string) {
	h.write(w, status, Response{
		JSONRPC: jsonRPCVersion,
		ID:      responseID(id),
		Error:   &ErrorPayload{Code: code, Message: msg},
	})
}

func (h *Handler) initialize(_ context.Context, params json.RawMessage) (any, *Error) {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	version := p.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	h.logger.Info("protocol negotiated", zap.String("client", p.ProtocolVersion), zap.String("using", version))
	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":   map[string]any{"listChanged": false},
			"prompts": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{"name": ServerName, "version": h.version},
	}, nil
}

func (h *Handler) ping(context.Context, json.RawMessage) (any, *Error) {
	return map[string]any{"message": "pong", "timestamp": time.Now().UnixMilli()}, nil
}

func (h *Handler) toolsList(context.Context, json.RawMessage) (any, *Error) {
	return map[string]any{"tools": h.tools.Tools()}, nil
}

// toolResult is the wire form of a tool result; isError is always present.
type toolResult struct {
	Content []mcp.Content `json:"content"`
	IsError bool          `json:"isError"`
}

func (h *Handler) toolsCall(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("Invalid params: " + err.Error())
		}
	}
	start := time.Now()
	res := h.tools.CallTool(ctx, p.Name, p.Arguments)
	h.logger.Info("tool call", zap.String("tool", p.Name), zap.Bool("is_error", res.IsError), zap.Duration("took", time.Since(start)))
	return toolResult{Content: res.Content, IsError: res.IsError}, nil
}

func (h *Handler) promptsList(context.Context, json.RawMessage) (any, *Error) {
	list := make([]*mcp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		list = append(list, p.mcpPrompt())
	}
	return map[string]any{"prompts": list}, nil
}

func (h *Handler) promptsGet(_ context.Context, params json.RawMessage) (any, *Error) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("Invalid params: " + err.Error())
		}
	}
	if p.Name == "" {
		return nil, invalidParams("Missing prompt name")
	}
	tmpl, ok := findPrompt(p.Name)
	if !ok {
		return nil, invalidParams("Unknown prompt: " + p.Name)
	}
	res, err := tmpl.render(p.Arguments)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return res, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	reg := h.tools.Registry()
	st := reg.Stats()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "R2 MCP Server Running\nActive Sessions: %d\nSession Stats: total=%d active=%d oldest=%ds",
		reg.Count(), st.Total, st.Active, st.OldestSeconds)
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{
		"name":    ServerName,
		"version": h.version,
		"status":  "running",
		"endpoints": []string{
			"/messages - Standard MCP endpoint",
			"/mcp - Alias of /messages",
			"/health - Health check",
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write json", zap.Error(err))
	}
}
