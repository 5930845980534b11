package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zboralski/r2-headless-mcp/internal/engine/enginetest"
	"github.com/zboralski/r2-headless-mcp/internal/server"
	"github.com/zboralski/r2-headless-mcp/internal/shell"
)

func newTestTools(t *testing.T) *server.Server {
	t.Helper()
	fake := enginetest.New()
	fake.Responses["?V"] = "5.9.8"
	fake.Responses["?"] = "Usage: ..."
	return server.New(server.Options{
		Engine: fake,
		Shell:  shell.New("/nonexistent/su", t.TempDir(), nil),
	})
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorPayload   `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) rpcReply {
	t.Helper()
	var r rpcReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r), rec.Body.String())
	assert.Equal(t, "2.0", r.JSONRPC)
	return r
}

func TestEmptyBody(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)
	rec := do(t, h, http.MethodPost, "/messages", "  ")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	r := decode(t, rec)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeParseError, r.Error.Code)
	assert.Equal(t, "null", string(r.ID))
}

func TestMalformedJSON(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)
	rec := do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0",`)
	assert.Equal(t, http.StatusOK, rec.Code)
	r := decode(t, rec)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeParseError, r.Error.Code)
}

func TestNotificationAcknowledged(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)
	rec := do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMethodNotFound(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)
	rec := do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	r := decode(t, rec)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeMethodNotFound, r.Error.Code)
	assert.Equal(t, "Method not found: resources/list", r.Error.Message)
	assert.Equal(t, "7", string(r.ID))
}

func TestPanicBecomesInternalError(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)
	h.methods["boom"] = func(context.Context, json.RawMessage) (any, *Error) { panic("kaboom") }
	rec := do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0","id":"a","method":"boom"}`)
	r := decode(t, rec)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInternalError, r.Error.Code)
	assert.Equal(t, "Internal error: kaboom", r.Error.Message)
	assert.Equal(t, `"a"`, string(r.ID))
}

func TestInitialize(t *testing.T) {
	h := NewHandler(newTestTools(t), "1.2.3", nil)

	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools   map[string]bool `json:"tools"`
			Prompts map[string]bool `json:"prompts"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	r := decode(t, do(t, h, http.MethodPost, "/messages",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`))
	require.Nil(t, r.Error)
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, "2025-06-18", res.ProtocolVersion)
	assert.Equal(t, map[string]bool{"listChanged": false}, res.Capabilities.Tools)
	assert.Equal(t, map[string]bool{"listChanged": false}, res.Capabilities.Prompts)
	assert.Equal(t, ServerName, res.ServerInfo.Name)
	assert.Equal(t, "1.2.3", res.ServerInfo.Version)

	r = decode(t, do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0","id":2,"method":"initialize"}`))
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, DefaultProtocolVersion, res.ProtocolVersion)
}

func TestPing(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)
	r := decode(t, do(t, h, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.Nil(t, r.Error)
	var res struct {
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, "pong", res.Message)
	assert.Positive(t, res.Timestamp)
}

func TestToolsList(t *testing.T) {
	tools := newTestTools(t)
	h := NewHandler(tools, "test", nil)
	r := decode(t, do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	var res struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &res))
	require.Len(t, res.Tools, len(tools.Tools()))
	assert.Equal(t, "r2_open_file", res.Tools[0].Name)
	assert.Equal(t, "object", res.Tools[0].InputSchema["type"])
	assert.Contains(t, res.Tools[0].InputSchema["required"], "file_path")
}

func TestToolsCall(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)

	r := decode(t, do(t, h, http.MethodPost, "/messages",
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"r2_close_session","arguments":{"session_id":"nope"}}}`))
	require.Nil(t, r.Error)
	var res map[string]any
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, true, res["isError"])
	content := res["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "text", content["type"])
	assert.Contains(t, content["text"], "Invalid session_id")

	r = decode(t, do(t, h, http.MethodPost, "/messages",
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"r2_list_sessions"}}`))
	require.NoError(t, json.Unmarshal(r.Result, &res))
	isError, present := res["isError"]
	assert.True(t, present)
	assert.Equal(t, false, isError)

	r = decode(t, do(t, h, http.MethodPost, "/messages",
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"r2_nope"}}`))
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, true, res["isError"])
}

func TestPrompts(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)

	r := decode(t, do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`))
	var list struct {
		Prompts []struct {
			Name      string `json:"name"`
			Arguments []struct {
				Name     string `json:"name"`
				Required bool   `json:"required"`
			} `json:"arguments"`
		} `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &list))
	require.Len(t, list.Prompts, len(prompts))
	assert.Equal(t, "triage_binary", list.Prompts[0].Name)

	r = decode(t, do(t, h, http.MethodPost, "/messages",
		`{"jsonrpc":"2.0","id":2,"method":"prompts/get","params":{"name":"decrypt_strings","arguments":{"session_id":"s1","function_address":"fcn.0040"}}}`))
	require.Nil(t, r.Error)
	var got struct {
		Messages []struct {
			Role    string `json:"role"`
			Content struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &got))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "text", got.Messages[0].Content.Type)
	assert.Contains(t, got.Messages[0].Content.Text, "function_address=fcn.0040")
	assert.NotContains(t, got.Messages[0].Content.Text, "{session_id}")

	for _, body := range []string{
		`{"jsonrpc":"2.0","id":3,"method":"prompts/get","params":{}}`,
		`{"jsonrpc":"2.0","id":4,"method":"prompts/get","params":{"name":"nope"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"prompts/get","params":{"name":"find_crypto"}}`,
	} {
		r = decode(t, do(t, h, http.MethodPost, "/messages", body))
		require.NotNil(t, r.Error, body)
		assert.Equal(t, CodeInvalidParams, r.Error.Code, body)
	}
}

func TestCORS(t *testing.T) {
	h := NewHandler(newTestTools(t), "test", nil)
	rec := do(t, h, http.MethodOptions, "/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Body.String())

	rec = do(t, h, http.MethodOptions, "/anything/else", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/messages", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestHealthAndInfo(t *testing.T) {
	h := NewHandler(newTestTools(t), "0.9", nil)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "R2 MCP Server Running\nActive Sessions: 0\nSession Stats: "))

	rec = do(t, h, http.MethodGet, "/", "")
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, ServerName, info["name"])
	assert.Equal(t, "0.9", info["version"])
	assert.Equal(t, "running", info["status"])
}

func TestSDKServerDelegates(t *testing.T) {
	ctx := context.Background()
	srv := NewMCPServer(newTestTools(t), "test", nil)
	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 26)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "r2_test", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "Status: OK")

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "r2_close_session", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "Missing session_id")

	prompt, err := cs.GetPrompt(ctx, &mcp.GetPromptParams{Name: "triage_binary", Arguments: map[string]string{"file_path": "/data/app/lib.so"}})
	require.NoError(t, err)
	assert.Contains(t, prompt.Messages[0].Content.(*mcp.TextContent).Text, "file_path=/data/app/lib.so")
}
