package app

import (
	"os"
	"path/filepath"
)

// DefaultHome is the project home directory relative to the working directory.
const DefaultHome = ".orchestra"

// Paths holds all resolved paths of a project home.
type Paths struct {
	Home    string // .orchestra
	Etc     string // .orchestra/etc
	Prompts string // .orchestra/prompts
	Stories string // .orchestra/stories
	Var     string // .orchestra/var
	Locks   string // .orchestra/var/locks
	Cache   string // .orchestra/var/cache

	// Key files
	Workflow string // .orchestra/etc/workflow.yaml
	Session  string // .orchestra/var/session.json
	Journal  string // .orchestra/var/journal.ndjson
	History  string // .orchestra/var/history.db
	Setting  string // .orchestra/setting.yaml
}

// HomeDir returns flagValue, ORCHESTRA_HOME, or DefaultHome, in that order.
func HomeDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("ORCHESTRA_HOME"); env != "" {
		return env
	}
	return DefaultHome
}

// ResolvePaths returns all paths below home.
func ResolvePaths(home string) Paths {
	p := Paths{
		Home:    home,
		Etc:     filepath.Join(home, "etc"),
		Prompts: filepath.Join(home, "prompts"),
		Stories: filepath.Join(home, "stories"),
		Var:     filepath.Join(home, "var"),
	}

	p.Locks = filepath.Join(p.Var, "locks")
	p.Cache = filepath.Join(p.Var, "cache")

	p.Workflow = filepath.Join(p.Etc, "workflow.yaml")
	p.Session = filepath.Join(p.Var, "session.json")
	p.Journal = filepath.Join(p.Var, "journal.ndjson")
	p.History = filepath.Join(p.Var, "history.db")
	p.Setting = filepath.Join(home, "setting.yaml")
	return p
}

// ProjectRoot is the directory the home lives in; git queries run there.
func (p Paths) ProjectRoot() string {
	abs, err := filepath.Abs(p.Home)
	if err != nil {
		return filepath.Dir(p.Home)
	}
	return filepath.Dir(abs)
}
