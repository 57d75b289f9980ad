package toolcatalog

// staticDef is a literal (name, description, schema) triple for one entry
// in tools.DefaultRegistry(); the schema shapes mirror the parameter names
// internal/tools/files and internal/toolhandlers' Execute methods actually
// read, so a provider following the schema always produces arguments the
// router can dispatch.
type staticDef struct {
	name        string
	description string
	schema      string
}

var staticDefs = []staticDef{
	{
		name:        "git_status",
		description: "Show the working tree status and current branch tracking info.",
		schema:      `{"type":"object","properties":{}}`,
	},
	{
		name:        "git_diff",
		description: "Show unstaged changes, optionally scoped to one path.",
		schema:      `{"type":"object","properties":{"path":{"type":"string","description":"Limit the diff to this path (relative to the project root)."}}}`,
	},
	{
		name:        "git_log",
		description: "Show recent commits, newest first.",
		schema:      `{"type":"object","properties":{"limit":{"type":"integer","description":"Maximum commits to return (default 20).","minimum":1}}}`,
	},
	{
		name:        "git_branch",
		description: "List local and remote branches with their tracking state.",
		schema:      `{"type":"object","properties":{}}`,
	},
	{
		name:        "git_commit",
		description: "Create a commit with the given message.",
		schema:      `{"type":"object","properties":{"message":{"type":"string","description":"Commit message."},"all":{"type":"boolean","description":"Stage all tracked changes before committing (default false)."}},"required":["message"]}`,
	},
	{
		name:        "search_codebase",
		description: "Search project files for a literal substring, returning matching path/line/text triples.",
		schema:      `{"type":"object","properties":{"query":{"type":"string","description":"Substring to search for."}},"required":["query"]}`,
	},
	{
		name:        "get_file_structure",
		description: "List every file path in the project tree.",
		schema:      `{"type":"object","properties":{}}`,
	},
	{
		name:        "get_file_summary",
		description: "Report byte and line counts for a single file.",
		schema:      `{"type":"object","properties":{"path":{"type":"string","description":"Path to summarize (relative to the project root)."}},"required":["path"]}`,
	},
	{
		name:        "execute_command",
		description: "Run a shell command inside the current access-mode root.",
		schema: `{"type":"object","properties":{` +
			`"command":{"type":"string","description":"Shell command to execute."},` +
			`"working_directory":{"type":"string","description":"Directory to run in, relative to the root (default: root)."},` +
			`"env":{"type":"object","description":"Environment variable overrides."},` +
			`"input":{"type":"string","description":"Stdin content to pass to the command."},` +
			`"timeout_seconds":{"type":"integer","description":"Timeout in seconds (0 = no timeout).","minimum":0}` +
			`},"required":["command"]}`,
	},
	{
		name:        "read_project_file",
		description: "Read a file from the project with optional offset and byte limit.",
		schema:      `{"type":"object","properties":{"path":{"type":"string","description":"Path to the file, relative to the current root."},"offset":{"type":"integer","minimum":0},"max_bytes":{"type":"integer","minimum":0}},"required":["path"]}`,
	},
	{
		name:        "list_project_files",
		description: "List the immediate entries of a directory in the project.",
		schema:      `{"type":"object","properties":{"path":{"type":"string","description":"Directory to list, relative to the current root (default: root)."}}}`,
	},
	{
		name:        "write_project_file",
		description: "Write content to a file in the project (overwrites by default).",
		schema:      `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"},"append":{"type":"boolean"}},"required":["path","content"]}`,
	},
	{
		name:        "edit_project_file",
		description: "Apply one or more find/replace edits to a file in the project.",
		schema: `{"type":"object","properties":{"path":{"type":"string"},"edits":{"type":"array","items":{"type":"object",` +
			`"properties":{"old_text":{"type":"string"},"new_text":{"type":"string"},"replace_all":{"type":"boolean"}},` +
			`"required":["old_text","new_text"]}}},"required":["path","edits"]}`,
	},
	{
		name:        "__native_apply_patch",
		description: "Apply a unified diff patch to one or more files in the project.",
		schema:      `{"type":"object","properties":{"patch":{"type":"string","description":"Unified diff patch (---/+++ headers required)."}},"required":["patch"]}`,
	},
}
