package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

const validYAML = `name: story-delivery
phases:
  - id: 1_validation
    agent: "{quality_gate}"
    on_success: 2_development
  - id: 2_development
    agent: "{executor}"
    prompt_path: prompts/develop.md
    timeout: 45m
    on_success: 3_review
    on_failure: 3_self_healing
  - id: 3_self_healing
    agent: "{executor}"
    on_success: 3_review
  - id: 3_review
    agent: qa
`

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "valid workflow", yaml: validYAML},
		{
			name: "minimal single terminal phase",
			yaml: `name: test
phases:
  - id: only
    agent: dev`,
		},
		{name: "empty document", yaml: ``, wantErr: `workflow: "name" is required`},
		{
			name: "missing name",
			yaml: `phases:
  - id: a
    agent: dev`,
			wantErr: `workflow: "name" is required`,
		},
		{name: "missing phases", yaml: `name: test`, wantErr: `workflow: "phases" must be a non-empty array`},
		{
			name: "missing phase id",
			yaml: `name: test
phases:
  - agent: dev`,
			wantErr: `workflow.phases[0]: "id" is required`,
		},
		{
			name: "blank agent",
			yaml: `name: test
phases:
  - id: a
    agent: "  "`,
			wantErr: `workflow.phases[0]: "agent" is required`,
		},
		{
			name: "duplicate id",
			yaml: `name: test
phases:
  - id: a
    agent: dev
  - id: a
    agent: qa`,
			wantErr: `workflow.phases[1]: duplicate id "a"`,
		},
		{
			name: "undeclared transition target",
			yaml: `name: test
phases:
  - id: a
    agent: dev
    on_success: nowhere`,
			wantErr: `workflow.phases[0]: "on_success" references undeclared phase "nowhere"`,
		},
		{
			name: "undeclared failure target",
			yaml: `name: test
phases:
  - id: a
    agent: dev
    on_failure: missing`,
			wantErr: `"on_failure" references undeclared phase "missing"`,
		},
		{
			name: "unknown field rejected",
			yaml: `name: test
phases:
  - id: a
    agent: dev
    retries: 3`,
			wantErr: "workflow: parse:",
		},
		{
			name: "unknown agent placeholder",
			yaml: `name: test
phases:
  - id: a
    agent: "{language}"`,
			wantErr: "unknown agent placeholders [language]",
		},
		{
			name: "bad timeout",
			yaml: `name: test
phases:
  - id: a
    agent: dev
    timeout: soon`,
			wantErr: `invalid duration "soon"`,
		},
		{
			name: "absolute prompt path",
			yaml: `name: test
phases:
  - id: a
    agent: dev
    prompt_path: /etc/passwd`,
			wantErr: `"prompt_path" must be relative`,
		},
		{
			name: "escaping prompt path",
			yaml: `name: test
phases:
  - id: a
    agent: dev
    prompt_path: ../secrets.md`,
			wantErr: `"prompt_path" must not contain ".."`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Parse() expected error %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Parse() error = %q, want containing %q", err.Error(), tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() unexpected error = %v", err)
			}
			if def == nil {
				t.Fatal("Parse() returned nil definition without error")
			}
		})
	}
}

func TestDefinition_Transitions(t *testing.T) {
	def, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	if got := def.Initial().ID; got != "1_validation" {
		t.Errorf("Initial() = %q, want 1_validation", got)
	}
	dev, ok := def.Phase("2_development")
	if !ok {
		t.Fatal("2_development not found")
	}
	if time.Duration(dev.Timeout) != 45*time.Minute {
		t.Errorf("timeout = %v, want 45m", time.Duration(dev.Timeout))
	}
	if dev.Next(true) != "3_review" || dev.Next(false) != "3_self_healing" {
		t.Errorf("unexpected transitions %q/%q", dev.Next(true), dev.Next(false))
	}
	review, _ := def.Phase("3_review")
	if !review.Terminal() {
		t.Error("3_review should be terminal")
	}
	if _, ok := def.Phase("nope"); ok {
		t.Error("Phase(nope) should not be found")
	}
}

func TestLoad(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/home/etc/workflow.yaml", []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	def, err := Load(fsys, "/home/etc/workflow.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.Name != "story-delivery" || len(def.Phases) != 4 {
		t.Errorf("Load() = %+v", def)
	}

	if _, err := Load(fsys, "/home/etc/missing.yaml"); err == nil || !strings.Contains(err.Error(), "workflow: read") {
		t.Errorf("Load(missing) error = %v", err)
	}
}
