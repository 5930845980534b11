package server

// Session management

type OpenFileRequest struct {
	FilePath    string `json:"file_path"`
	SessionID   string `json:"session_id,omitempty"`
	AutoAnalyze *bool  `json:"auto_analyze,omitempty"`
}

type AnalyzeFileRequest struct {
	FilePath string `json:"file_path"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type TestRequest struct{}

type ListSessionsRequest struct{}

// Reading

type RunCommandRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

type ListFunctionsRequest struct {
	SessionID string `json:"session_id"`
	Filter    string `json:"filter,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ListStringsRequest struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode,omitempty"` // data, all
	MinLength int    `json:"min_length,omitempty"`
	Filter    string `json:"filter,omitempty"`
}

type GetXrefsRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Direction string `json:"direction,omitempty"` // to, from
	Limit     int    `json:"limit,omitempty"`
}

type GetInfoRequest struct {
	SessionID string `json:"session_id"`
	Detailed  bool   `json:"detailed,omitempty"`
}

type DecompileRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
}

type DisassembleRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Lines     int    `json:"lines,omitempty"`
}

type AnalyzeTargetRequest struct {
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
	Address   string `json:"address,omitempty"`
}

// Annotations

type RenameFunctionRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
}

type AddCommentRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Comment   string `json:"comment"`
}

type AddNoteRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Note      string `json:"note"`
}

// Engine corrections

type ManageHintsRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Address   string `json:"address"`
	Value     string `json:"value,omitempty"`
}

type ManageXrefsRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // add, remove
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Type      string `json:"type,omitempty"` // code, call, data, string
}

type ConfigRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // get, set, search
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// Emulation

type SimulateRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Steps     int    `json:"steps,omitempty"`
	Registers string `json:"registers,omitempty"` // "x0=1,x1=0x10"
}

type BatchDecryptRequest struct {
	SessionID       string `json:"session_id"`
	FunctionAddress string `json:"function_address"`
	ResultRegister  string `json:"result_register,omitempty"`
	CustomInit      string `json:"custom_init,omitempty"`
	Rewind          int    `json:"rewind,omitempty"`
	MaxSteps        int    `json:"max_steps,omitempty"`
	MinLength       int    `json:"min_length,omitempty"`
}

// Host helpers

type ListDirRequest struct {
	Path string `json:"path"`
}

type ReadFileRequest struct {
	Path string `json:"path"`
}

type ShellExecRequest struct {
	Command string `json:"command"`
	UseRoot *bool  `json:"use_root,omitempty"`
}

type SQLiteQueryRequest struct {
	DBPath string `json:"db_path"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
}
