// Package git provides an interface for git operations.
package git

import "fmt"

// Identity is a git author or co-author.
type Identity struct {
	Name  string
	Email string
}

// String renders the identity in "Name <email>" form.
func (i Identity) String() string {
	return fmt.Sprintf("%s <%s>", i.Name, i.Email)
}

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CreateAndCheckoutBranch creates and switches to a new branch (git checkout -b).
	CreateAndCheckoutBranch(name string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// Diff returns the diff of the working tree against HEAD.
	Diff() (string, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// AddAll stages every change in the working tree.
	AddAll() error
	// Commit creates a commit with the given message, authored by author.
	// Co-author trailers are appended to the message body.
	Commit(message string, author Identity, coAuthors ...Identity) error
	// HeadSHA returns the full SHA of the current HEAD commit.
	HeadSHA() (string, error)
	// ResetHard resets the working tree and index to the specified ref.
	ResetHard(ref string) error
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// Push pushes the given branch to origin, creating the upstream if needed.
	Push(branch string) error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer using focused interfaces when possible.
type Runner interface {
	BranchOperations
	DiffOperations
	CommitOperations
	RemoteOperations
	// Run executes an arbitrary git command with the given arguments.
	// Returns the command output and an error if the command fails.
	Run(args ...string) (string, error)
}
