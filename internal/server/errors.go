package server

import (
	"fmt"
	"os"
)

// ErrorKind categorises errors by what the caller CAN DO, not by origin.
type ErrorKind string

const (
	ErrSessionNotFound   ErrorKind = "session_not_found"
	ErrEngineUnavailable ErrorKind = "engine_unavailable"
	ErrEngineOperation   ErrorKind = "engine_operation_failed"
	ErrInvalidInput      ErrorKind = "invalid_input"
	ErrMissingArgument   ErrorKind = "missing_argument"
	ErrFileNotAccessible ErrorKind = "file_not_accessible"
	ErrUnknownTool       ErrorKind = "unknown_tool"
	ErrInternal          ErrorKind = "internal"
)

// ErrorStatus explicitly declares retry-ability.
type ErrorStatus string

const (
	StatusPermanent ErrorStatus = "permanent"
	StatusTemporary ErrorStatus = "temporary"
)

// ToolError is the single flat error type for MCP tool responses.
type ToolError struct {
	Kind      ErrorKind      `json:"kind"`
	Status    ErrorStatus    `json:"status"`
	Message   string         `json:"message"`
	Operation string         `json:"operation"`
	Context   map[string]any `json:"context,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Operation, e.Message)
}

// --- Factory functions ---

func sessionNotFound(operation, sessionID string) *ToolError {
	return &ToolError{
		Kind:      ErrSessionNotFound,
		Status:    StatusPermanent,
		Message:   fmt.Sprintf("Invalid session_id: %s", sessionID),
		Operation: operation,
		Context:   map[string]any{"session_id": sessionID},
	}
}

func engineUnavailable(operation string, err error) *ToolError {
	return &ToolError{
		Kind:      ErrEngineUnavailable,
		Status:    StatusTemporary,
		Message:   "radare2 engine not available",
		Operation: operation,
		Context:   map[string]any{"detail": err.Error()},
	}
}

func engineFailed(operation, sessionID string, err error) *ToolError {
	return &ToolError{
		Kind:      ErrEngineOperation,
		Status:    StatusPermanent,
		Message:   err.Error(),
		Operation: operation,
		Context:   map[string]any{"session_id": sessionID},
	}
}

func invalidInput(operation, message string) *ToolError {
	return &ToolError{
		Kind:      ErrInvalidInput,
		Status:    StatusPermanent,
		Message:   message,
		Operation: operation,
	}
}

func missingArgument(operation, key string) *ToolError {
	return &ToolError{
		Kind:      ErrMissingArgument,
		Status:    StatusPermanent,
		Message:   fmt.Sprintf("Missing %s", key),
		Operation: operation,
		Context:   map[string]any{"argument": key},
	}
}

func unknownTool(name string) *ToolError {
	return &ToolError{
		Kind:      ErrUnknownTool,
		Status:    StatusPermanent,
		Message:   fmt.Sprintf("Unknown tool: %s", name),
		Operation: "tools/call",
		Context:   map[string]any{"tool": name},
	}
}

func internalError(operation string, err error) *ToolError {
	return &ToolError{
		Kind:      ErrInternal,
		Status:    StatusPermanent,
		Message:   err.Error(),
		Operation: operation,
	}
}

var fileSuggestions = []string{
	"Check if the file path is correct",
	"For Android APK analysis, try classes.dex, classes2.dex, classes3.dex",
	"Native libraries usually end in .so, .dll or .dylib",
	"Ensure the device is rooted for system files",
	"Check if the file is a valid binary format (ELF, PE, Mach-O, DEX)",
}

// fileNotAccessible carries enough filesystem context for the caller to
// pick its next path.
func fileNotAccessible(operation, path, message string) *ToolError {
	ctx := map[string]any{
		"path":        path,
		"exists":      false,
		"readable":    false,
		"suggestions": fileSuggestions,
	}
	if info, err := os.Stat(path); err == nil {
		ctx["exists"] = true
		ctx["size"] = info.Size()
		if f, err := os.Open(path); err == nil {
			ctx["readable"] = true
			f.Close()
		}
	}
	return &ToolError{
		Kind:      ErrFileNotAccessible,
		Status:    StatusPermanent,
		Message:   message,
		Operation: operation,
		Context:   ctx,
	}
}
