package rpc

import (
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// promptTemplate is a canned workflow. Template placeholders are {name} for
// each declared argument; the text is returned, never executed.
type promptTemplate struct {
	name        string
	description string
	args        []*mcp.PromptArgument
	template    string
}

var prompts = []promptTemplate{
	{
		name:        "triage_binary",
		description: "First look at an unknown binary: open, identify, list the interesting functions and strings.",
		args: []*mcp.PromptArgument{
			{Name: "file_path", Description: "Absolute path of the binary", Required: true},
		},
		template: `Triage {file_path}:
1. Call r2_open_file with file_path={file_path}. Keep the returned session_id.
2. Call r2_get_info with detailed=true and note arch, bits, language and stripped status.
3. Call r2_list_functions with a filter such as "main", "init" or "Java_" to find entry points.
4. Call r2_list_strings with mode=data and min_length=6 and look for URLs, keys and format strings.
5. For each interesting string, call r2_get_xrefs direction=to on its address.
6. Summarise what the binary does and which functions deserve decompilation.`,
	},
	{
		name:        "find_crypto",
		description: "Locate cryptographic routines and their keys in an open session.",
		args: []*mcp.PromptArgument{
			{Name: "session_id", Description: "Session returned by r2_open_file", Required: true},
		},
		template: `In session {session_id}, look for cryptography:
1. r2_list_functions with filters "aes", "crypt", "xor", "md5", "sha", "rc4" and "key".
2. r2_run_command "/ca" to search for AES key schedules, then "/x 637c777b" for the AES S-box.
3. r2_get_xrefs direction=to on every hit to find the callers.
4. r2_decompile_function on the callers and identify key and IV sources.
5. r2_rename_function each confirmed routine (e.g. aes_decrypt_block) so the names persist.
6. Record key material with r2_add_knowledge_note.`,
	},
	{
		name:        "decrypt_strings",
		description: "Recover strings produced by a string-decryption routine using batch emulation.",
		args: []*mcp.PromptArgument{
			{Name: "session_id", Description: "Session returned by r2_open_file", Required: true},
			{Name: "function_address", Description: "Address or flag of the decryption routine", Required: true},
		},
		template: `Decrypt the strings produced by {function_address} in session {session_id}:
1. r2_analyze_target strategy=calls so every call site of {function_address} is known.
2. r2_decompile_function {function_address} and work out which register returns the plaintext pointer.
3. r2_simulate_execution on one call site with steps=50 to confirm the argument setup.
4. r2_batch_decrypt_strings function_address={function_address} with the matching result_register.
5. Review the recovered strings; they are saved as knowledge notes and comments automatically.`,
	},
	{
		name:        "android_native_lib",
		description: "Audit a JNI library pulled from an Android app.",
		args: []*mcp.PromptArgument{
			{Name: "file_path", Description: "Path of the .so inside the app's lib directory", Required: true},
		},
		template: `Audit the JNI library {file_path}:
1. os_list_dir on the library's directory to see sibling libraries. Root access is used if needed.
2. r2_open_file file_path={file_path} with auto_analyze=false, then r2_analyze_target strategy=basic.
3. r2_list_functions filter=Java_ and JNI_OnLoad to find exported entry points.
4. r2_decompile_function JNI_OnLoad and look for RegisterNatives tables.
5. r2_list_strings and r2_get_xrefs to connect strings to the native methods.
6. Rename every resolved native method with r2_rename_function.`,
	},
}

func findPrompt(name string) (promptTemplate, bool) {
	for _, p := range prompts {
		if p.name == name {
			return p, true
		}
	}
	return promptTemplate{}, false
}

func (p promptTemplate) mcpPrompt() *mcp.Prompt {
	return &mcp.Prompt{Name: p.name, Description: p.description, Arguments: p.args}
}

// render substitutes {arg} placeholders. Unsupplied optional arguments are
// left as written.
func (p promptTemplate) render(args map[string]string) (*mcp.GetPromptResult, error) {
	var pairs []string
	for _, a := range p.args {
		v, ok := args[a.Name]
		if !ok || v == "" {
			if a.Required {
				return nil, fmt.Errorf("missing prompt argument: %s", a.Name)
			}
			continue
		}
		pairs = append(pairs, "{"+a.Name+"}", v)
	}
	text := strings.NewReplacer(pairs...).Replace(p.template)
	return &mcp.GetPromptResult{
		Description: p.description,
		Messages: []*mcp.PromptMessage{
			{Role: "user", Content: &mcp.TextContent{Text: text}},
		},
	}, nil
}
