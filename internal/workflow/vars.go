package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/YoshitsuguKoike/orchestra/internal/accumulator"
)

// AgentPlaceholders may appear in a phase's agent reference.
var AgentPlaceholders = []string{"executor", "quality_gate", "story_id"}

// PromptPlaceholders may appear in prompt templates.
var PromptPlaceholders = []string{
	"executor", "quality_gate", "story_id", "story_title",
	"phase", "attempt", "workflow_id", "context",
}

// Regular expression to match placeholders {name}
var rePH = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

// StoryVars returns the placeholder values derived from a story reference.
// Fields the story does not carry are left out, so expanding a reference to
// them fails.
func StoryVars(ref accumulator.Ref) map[string]string {
	vars := map[string]string{}
	id := ref.ID
	if id == "" && ref.Story != nil {
		id = ref.Story.ID
	}
	if id != "" {
		vars["story_id"] = id
	}
	if s := ref.Story; s != nil {
		set := func(k, v string) {
			if v = strings.TrimSpace(v); v != "" {
				vars[k] = v
			}
		}
		set("executor", s.Executor)
		set("quality_gate", s.QualityGate)
		set("story_title", s.Title)
	}
	return vars
}

// sessionVars adds per-run values to the story vars.
func sessionVars(base map[string]string, s *Session, phase, contextText string) map[string]string {
	vars := make(map[string]string, len(base)+4)
	for k, v := range base {
		vars[k] = v
	}
	vars["phase"] = phase
	vars["attempt"] = strconv.Itoa(s.AttemptCount)
	vars["workflow_id"] = s.WorkflowID
	vars["context"] = contextText
	return vars
}

// ValidatePlaceholders checks for unknown placeholders and returns lists of unknown and used placeholders
func ValidatePlaceholders(text string, allowed []string) (unknown []string, used []string) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}

	cleanText := strings.ReplaceAll(text, `\{`, "\x00ESCAPED_BRACE\x00")
	matches := rePH.FindAllString(cleanText, -1)
	seenUnknown := map[string]struct{}{}
	seenUsed := map[string]struct{}{}

	for _, ph := range matches {
		name := ph[1 : len(ph)-1]
		if _, ok := allowedSet[name]; !ok {
			if _, exists := seenUnknown[name]; !exists {
				unknown = append(unknown, name)
				seenUnknown[name] = struct{}{}
			}
			continue
		}
		if _, exists := seenUsed[name]; !exists {
			used = append(used, name)
			seenUsed[name] = struct{}{}
		}
	}
	return unknown, used
}

// Expand substitutes vars into text. Every placeholder must be allowed and
// have a value; escaped braces (\{) are kept literally.
func Expand(text string, allowed []string, vars map[string]string) (string, error) {
	unknown, used := ValidatePlaceholders(text, allowed)
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown placeholders %v (allowed: %v)", unknown, allowed)
	}
	var missing []string
	for _, name := range used {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders %v", missing)
	}

	const escaped = "\x00ESCAPED_BRACE\x00"
	out := strings.ReplaceAll(text, `\{`, escaped)
	out = rePH.ReplaceAllStringFunc(out, func(ph string) string {
		return vars[ph[1:len(ph)-1]]
	})
	return strings.ReplaceAll(out, escaped, "{"), nil
}

// ResolveAgent expands the agent reference of p for story.
func ResolveAgent(p Phase, story accumulator.Ref) (string, error) {
	agent, err := Expand(p.Agent, AgentPlaceholders, StoryVars(story))
	if err != nil {
		return "", fmt.Errorf("phase %s: agent %q: %w", p.ID, p.Agent, err)
	}
	return strings.TrimSpace(agent), nil
}
