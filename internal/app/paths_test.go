package app

import (
	"path/filepath"
	"testing"
)

func TestHomeDir(t *testing.T) {
	t.Setenv("ORCHESTRA_HOME", "")
	if got := HomeDir(""); got != DefaultHome {
		t.Errorf("HomeDir() = %q, want %q", got, DefaultHome)
	}
	t.Setenv("ORCHESTRA_HOME", "/env/home")
	if got := HomeDir(""); got != "/env/home" {
		t.Errorf("HomeDir() = %q, want env value", got)
	}
	if got := HomeDir("/flag/home"); got != "/flag/home" {
		t.Errorf("HomeDir(flag) = %q, want flag value", got)
	}
}

func TestResolvePaths(t *testing.T) {
	p := ResolvePaths("/proj/.orchestra")
	tests := []struct {
		name, got, want string
	}{
		{"workflow", p.Workflow, "/proj/.orchestra/etc/workflow.yaml"},
		{"locks", p.Locks, "/proj/.orchestra/var/locks"},
		{"cache", p.Cache, "/proj/.orchestra/var/cache"},
		{"session", p.Session, "/proj/.orchestra/var/session.json"},
		{"journal", p.Journal, "/proj/.orchestra/var/journal.ndjson"},
		{"history", p.History, "/proj/.orchestra/var/history.db"},
		{"stories", p.Stories, "/proj/.orchestra/stories"},
		{"setting", p.Setting, "/proj/.orchestra/setting.yaml"},
		{"root", p.ProjectRoot(), "/proj"},
	}
	for _, tt := range tests {
		if filepath.ToSlash(tt.got) != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}
