package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadSettings(t *testing.T) {
	tests := []struct {
		name        string
		setting     string
		envVars     map[string]string
		wantAgent   string
		wantTimeout time.Duration
		wantLevel   string
		wantSource  string
	}{
		{
			name:        "Default values only",
			wantAgent:   "claude",
			wantTimeout: 30 * time.Minute,
			wantLevel:   "warn",
			wantSource:  "default",
		},
		{
			name: "Environment variables only",
			envVars: map[string]string{
				"ORCHESTRA_AGENT_BIN":     "custom-agent",
				"ORCHESTRA_AGENT_TIMEOUT": "120",
				"ORCHESTRA_LOG_LEVEL":     "DEBUG",
			},
			wantAgent:   "custom-agent",
			wantTimeout: 2 * time.Minute,
			wantLevel:   "debug",
			wantSource:  "env",
		},
		{
			name:        "File only",
			setting:     "agent_bin: file-agent\nagent_timeout: 45m\n",
			wantAgent:   "file-agent",
			wantTimeout: 45 * time.Minute,
			wantLevel:   "warn",
			wantSource:  "file",
		},
		{
			name:    "File wins over environment",
			setting: "agent_bin: file-agent\n",
			envVars: map[string]string{
				"ORCHESTRA_AGENT_BIN": "env-agent",
				"ORCHESTRA_LOG_LEVEL": "info",
			},
			wantAgent:   "file-agent",
			wantTimeout: 30 * time.Minute,
			wantLevel:   "info",
			wantSource:  "file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			if tt.setting != "" {
				if err := os.WriteFile(filepath.Join(home, SettingFile), []byte(tt.setting), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := LoadSettings(home)
			if err != nil {
				t.Fatalf("LoadSettings() error = %v", err)
			}
			if cfg.AgentBin() != tt.wantAgent {
				t.Errorf("AgentBin = %q, want %q", cfg.AgentBin(), tt.wantAgent)
			}
			if cfg.AgentTimeout() != tt.wantTimeout {
				t.Errorf("AgentTimeout = %v, want %v", cfg.AgentTimeout(), tt.wantTimeout)
			}
			if cfg.LogLevel() != tt.wantLevel {
				t.Errorf("LogLevel = %q, want %q", cfg.LogLevel(), tt.wantLevel)
			}
			if cfg.ConfigSource() != tt.wantSource {
				t.Errorf("ConfigSource = %q, want %q", cfg.ConfigSource(), tt.wantSource)
			}
			if cfg.Home() != home {
				t.Errorf("Home = %q, want %q", cfg.Home(), home)
			}
		})
	}
}

func TestLoadSettings_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadSettings(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workflow() != filepath.Join(home, "etc", "workflow.yaml") {
		t.Errorf("Workflow = %q", cfg.Workflow())
	}
	if cfg.MaxModifiedFiles() != 20 || cfg.RecentCommits() != 5 || cfg.MaxTransitions() != 25 {
		t.Errorf("limits = %d/%d/%d", cfg.MaxModifiedFiles(), cfg.RecentCommits(), cfg.MaxTransitions())
	}
	if cfg.SettingPath() != "" {
		t.Errorf("SettingPath = %q, want empty", cfg.SettingPath())
	}
	if len(cfg.AgentArgs()) == 0 {
		t.Error("AgentArgs should have a default")
	}
}

func TestLoadSettings_AgentArgsList(t *testing.T) {
	home := t.TempDir()
	setting := "agent_args:\n  - run\n  - --agent={agent}\n  - \"{prompt}\"\n"
	if err := os.WriteFile(filepath.Join(home, SettingFile), []byte(setting), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadSettings(home)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"run", "--agent={agent}", "{prompt}"}
	got := cfg.AgentArgs()
	if len(got) != len(want) {
		t.Fatalf("AgentArgs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AgentArgs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if cfg.SettingPath() != filepath.Join(home, SettingFile) {
		t.Errorf("SettingPath = %q", cfg.SettingPath())
	}
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		setting string
	}{
		{"malformed yaml", "agent_bin: [\n"},
		{"bad timeout", "agent_timeout: soon\n"},
		{"zero timeout", "agent_timeout: 0\n"},
		{"negative limit", "max_modified_files: -1\n"},
		{"unknown log format", "log_format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			if err := os.WriteFile(filepath.Join(home, SettingFile), []byte(tt.setting), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadSettings(home); err == nil {
				t.Error("LoadSettings() expected error")
			}
		})
	}
}

func TestCreateDefaultSettings(t *testing.T) {
	var m map[string]any
	if err := yaml.Unmarshal(CreateDefaultSettings("/h"), &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			t.Errorf("default settings missing %q", k)
		}
	}
}
