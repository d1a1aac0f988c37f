package status

import "time"

// Status is a snapshot of repository and workflow state. It is the document
// served verbatim to status consumers.
type Status struct {
	IsGitRepo     bool       `yaml:"isGitRepo" json:"isGitRepo"`
	Branch        string     `yaml:"branch,omitempty" json:"branch,omitempty"`
	ModifiedFiles []string   `yaml:"modifiedFiles,omitempty" json:"modifiedFiles,omitempty"`
	ModifiedTotal int        `yaml:"modifiedFilesTotalCount" json:"modifiedFilesTotalCount"`
	RecentCommits []Commit   `yaml:"recentCommits,omitempty" json:"recentCommits,omitempty"`
	Worktrees     []Worktree `yaml:"worktrees,omitempty" json:"worktrees,omitempty"`
	CurrentStory  *StoryInfo `yaml:"currentStory,omitempty" json:"currentStory,omitempty"`
	Active        bool       `yaml:"active" json:"active"` // a workflow run is in progress
	GeneratedAt   time.Time  `yaml:"generatedAt" json:"generatedAt"`
}

// Commit is one entry of the recent history.
type Commit struct {
	Hash    string `yaml:"hash" json:"hash"`
	Subject string `yaml:"subject" json:"subject"`
}

// Worktree is a working directory attached to the repository.
type Worktree struct {
	Path    string `yaml:"path" json:"path"`
	Branch  string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Current bool   `yaml:"current,omitempty" json:"current,omitempty"`
}

// StoryInfo describes the story a workflow run is working on.
type StoryInfo struct {
	ID         string `yaml:"id" json:"id"`
	Title      string `yaml:"title,omitempty" json:"title,omitempty"`
	Phase      string `yaml:"phase,omitempty" json:"phase,omitempty"`
	Executor   string `yaml:"executor,omitempty" json:"executor,omitempty"`
	WorkflowID string `yaml:"workflowId,omitempty" json:"workflowId,omitempty"`
}

// Entry is the on-disk cache document.
type Entry struct {
	Status         *Status `yaml:"status"`
	Timestamp      int64   `yaml:"timestamp"`
	TTL            int     `yaml:"ttl"`
	GitFingerprint *string `yaml:"gitFingerprint"`
}

// Age returns how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}
