package tools

// FunctionDetails represents a tool's function definition (OpenAI format).
type FunctionDetails struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Definition describes one tool exposed to the completion engine.
type Definition struct {
	Type     string           `json:"type,omitempty"`
	Function *FunctionDetails `json:"function,omitempty"`
}

// WorkspaceDefinitions returns the schemas for the git workspace tools,
// matching the executors NewWorkspaceRegistry registers.
func WorkspaceDefinitions() []Definition {
	return []Definition{
		getStatusDefinition(),
		getDiffDefinition(),
		getLogDefinition(),
	}
}

// getStatusDefinition returns the schema for the 'git_status' tool.
func getStatusDefinition() Definition {
	return Definition{
		Type: "function",
		Function: &FunctionDetails{
			Name:        "git_status",
			Description: "Show the state of the task workspace working tree (git status --porcelain). Use this to see which files have been modified, added, or deleted since the last commit.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
				"required":   []string{},
			},
		},
	}
}

// getDiffDefinition returns the schema for the 'git_diff' tool.
func getDiffDefinition() Definition {
	return Definition{
		Type: "function",
		Function: &FunctionDetails{
			Name:        "git_diff",
			Description: "Show the full diff of the task workspace against the last commit (git diff HEAD). Use this to inspect the exact content of pending changes.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
				"required":   []string{},
			},
		},
	}
}

// getLogDefinition returns the schema for the 'git_log' tool.
func getLogDefinition() Definition {
	return Definition{
		Type: "function",
		Function: &FunctionDetails{
			Name:        "git_log",
			Description: "Show recent commits on the current branch of the task workspace (git log --oneline).",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"count": map[string]interface{}{
						"type":        "integer",
						"description": "How many commits to show (default: 10, max: 50).",
						"minimum":     1,
						"maximum":     50,
					},
				},
				"required": []string{},
			},
		},
	}
}
