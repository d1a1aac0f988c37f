package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("90s", "30m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Phase is one state of the workflow state machine.
type Phase struct {
	ID         string   `yaml:"id"`
	Agent      string   `yaml:"agent"`
	OnSuccess  string   `yaml:"on_success,omitempty"`
	OnFailure  string   `yaml:"on_failure,omitempty"`
	PromptPath string   `yaml:"prompt_path,omitempty"`
	Timeout    Duration `yaml:"timeout,omitempty"`
}

// Terminal reports whether the phase has no outgoing transition.
func (p Phase) Terminal() bool {
	return p.OnSuccess == "" && p.OnFailure == ""
}

// Next returns the phase that follows p for the given outcome, or "" when
// the run ends there.
func (p Phase) Next(success bool) string {
	if success {
		return p.OnSuccess
	}
	return p.OnFailure
}

// Definition is the declarative phase table.
type Definition struct {
	Name   string  `yaml:"name"`
	Phases []Phase `yaml:"phases"`
}

// Initial returns the first declared phase.
func (d *Definition) Initial() Phase {
	return d.Phases[0]
}

// Phase looks up a phase by id.
func (d *Definition) Phase(id string) (Phase, bool) {
	for _, p := range d.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}
