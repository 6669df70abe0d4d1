package config

const (
	// MaxTaskTitleLength is the maximum length for task titles.
	// Limited to 255 to fit in PostgreSQL VARCHAR(255) and provide
	// reasonable UX (titles should be short and descriptive).
	MaxTaskTitleLength = 255

	// MaxMessageContentLength is the maximum length for a single user
	// message. Large pastes are expected (logs, diffs), so this is
	// generous, but unbounded bodies would blow up provider requests.
	MaxMessageContentLength = 100000

	// MaxWorkspacePathLength is the maximum length for workspace paths.
	MaxWorkspacePathLength = 500

	// MaxBranchNameLength is the maximum length for git branch names.
	MaxBranchNameLength = 255
)
