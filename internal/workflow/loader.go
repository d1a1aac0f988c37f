package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Load reads and validates the workflow definition at path.
func Load(fsys afero.Fs, path string) (*Definition, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes a definition with strict field checking and validates it.
// A malformed definition is a configuration error and is never repaired.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New(`workflow: "name" is required`)
		}
		return nil, fmt.Errorf("workflow: parse: %w", err)
	}
	if err := validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func validate(def *Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New(`workflow: "name" is required`)
	}
	if len(def.Phases) == 0 {
		return errors.New(`workflow: "phases" must be a non-empty array`)
	}

	seen := make(map[string]struct{}, len(def.Phases))
	for i, p := range def.Phases {
		idx := fmt.Sprintf("workflow.phases[%d]", i)

		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf(`%s: "id" is required`, idx)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf(`%s: duplicate id "%s"`, idx, p.ID)
		}
		seen[p.ID] = struct{}{}

		if strings.TrimSpace(p.Agent) == "" {
			return fmt.Errorf(`%s: "agent" is required`, idx)
		}
		if unknown, _ := ValidatePlaceholders(p.Agent, AgentPlaceholders); len(unknown) > 0 {
			return fmt.Errorf(`%s: unknown agent placeholders %v (allowed: %v)`, idx, unknown, AgentPlaceholders)
		}

		if p.PromptPath != "" {
			if err := checkPromptPath(p.PromptPath); err != nil {
				return fmt.Errorf(`%s: %w`, idx, err)
			}
		}
	}

	for i, p := range def.Phases {
		idx := fmt.Sprintf("workflow.phases[%d]", i)
		transitions := [][2]string{{"on_success", p.OnSuccess}, {"on_failure", p.OnFailure}}
		for _, t := range transitions {
			if t[1] == "" {
				continue
			}
			if _, ok := seen[t[1]]; !ok {
				return fmt.Errorf(`%s: "%s" references undeclared phase "%s"`, idx, t[0], t[1])
			}
		}
	}
	return nil
}

// checkPromptPath rejects prompt paths that escape the project home.
func checkPromptPath(raw string) error {
	s := strings.TrimSpace(raw)
	if filepath.IsAbs(s) {
		return errors.New(`"prompt_path" must be relative to the project home`)
	}
	if strings.Contains(s, "..") {
		return errors.New(`"prompt_path" must not contain ".."`)
	}
	return nil
}
