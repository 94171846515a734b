package parser

import (
	"bytes"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bmad-dash/bmd/internal/schema"
)

var (
	titleRe     = regexp.MustCompile(`^#\s+(.+)$`)
	userStoryRe = regexp.MustCompile(
		`(?s)\*\*As\s+(?:a|an)\*\*\s+(.+?),?\s*\*\*I\s+want\*\*\s+(.+?),?\s*\*\*[Ss]o\s+that\*\*\s+(.+?)(?:\n\n|\*\*)`)
	taskRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[([ xX])\]\s+(.+?)\s*$`)
	gwtRe  = regexp.MustCompile(
		`(?s)\*\*Given\*\*\s+(.+?)\s*\n?\s*\*\*When\*\*\s+(.+?)\s*\n?\s*\*\*Then\*\*\s+(.+?)(?:\n\s*\n|\n\s*\*\*(?:Given|And)\*\*|\z)`)
	andRe = regexp.MustCompile(`^\s*\*\*And\*\*\s+(.+?)\s*$`)
)

// extractTitle returns the text of the first level-one heading.
func extractTitle(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		if m := titleRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// extractSection finds "**Name**: text" or a "## Name" block.
func extractSection(content, name string) (string, bool) {
	q := regexp.QuoteMeta(name)
	bold := regexp.MustCompile(`(?i)\*\*` + q + `\*\*[:\s]*(.+?)(?:\n\n|\*\*|\z)`)
	if m := bold.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	header := regexp.MustCompile(`(?m)##\s*` + q + `\s*\n([\s\S]*?)(?:\n##|\z)`)
	if m := header.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// extractUserStory returns the "As a / I want / so that" triple.
func extractUserStory(content string) (userType, capability, benefit string) {
	m := userStoryRe.FindStringSubmatch(content)
	if m == nil {
		return "", "", ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
}

// extractTasks reads markdown checkboxes.
func extractTasks(content, storyID string) []schema.Task {
	matches := taskRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	tasks := make([]schema.Task, 0, len(matches))
	for i, m := range matches {
		tasks = append(tasks, schema.Task{
			ID:        taskID(storyID, i),
			Title:     m[2],
			Completed: m[1] != " ",
		})
	}
	return tasks
}

// extractAcceptanceCriteria reads bold Given/When/Then blocks and any
// **And** lines that directly follow them.
func extractAcceptanceCriteria(content string) []schema.AcceptanceCriteria {
	locs := gwtRe.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]schema.AcceptanceCriteria, 0, len(locs))
	for _, loc := range locs {
		ac := schema.AcceptanceCriteria{
			Given: strings.TrimSpace(content[loc[2]:loc[3]]),
			When:  strings.TrimSpace(content[loc[4]:loc[5]]),
			Then:  strings.TrimSpace(content[loc[6]:loc[7]]),
		}
		rest := content[loc[7]:]
		lines := strings.Split(rest, "\n")
		for _, line := range lines[1:] {
			m := andRe.FindStringSubmatch(line)
			if m == nil {
				break
			}
			ac.AdditionalCriteria = append(ac.AdditionalCriteria, m[1])
		}
		out = append(out, ac)
	}
	return out
}

// splitFrontMatter separates a leading "---" YAML block from the body.
func splitFrontMatter(content string) (map[string]any, string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return nil, content
	}
	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, content
	}
	var meta map[string]any
	dec := yaml.NewDecoder(bytes.NewReader([]byte(rest[:end])))
	if err := dec.Decode(&meta); err != nil {
		return nil, content
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimLeft(body, "\r\n")
	return meta, body
}
