package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bmad-dash/bmd/internal/schema"
)

// SprintStatusFile is the file name of the sprint tracker.
const SprintStatusFile = "sprint-status.yaml"

var sprintStatusLocations = []string{
	SprintStatusFile,
	filepath.Join("implementation-artifacts", SprintStatusFile),
	filepath.Join("stories", SprintStatusFile),
}

// findSprintStatus returns the first sprint-status.yaml under docsDir.
func findSprintStatus(docsDir string) (string, bool) {
	for _, rel := range sprintStatusLocations {
		path := filepath.Join(docsDir, rel)
		if fileExists(path) {
			return path, true
		}
	}
	return "", false
}

// readSprintStatus parses sprint-status.yaml. A missing file yields nil.
func readSprintStatus(docsDir string) (*schema.SprintStatus, time.Time, error) {
	path, ok := findSprintStatus(docsDir)
	if !ok {
		return nil, time.Time{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	ss, err := decodeSprintStatus(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return ss, modTime(path), nil
}

func decodeSprintStatus(data []byte) (*schema.SprintStatus, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	ss := &schema.SprintStatus{
		TrackingSystem:    "file-based",
		DevelopmentStatus: make(map[string]schema.EpicSprintStatus),
	}
	if len(doc.Content) == 0 {
		return ss, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping at the top level")
	}

	var dev *yaml.Node
	forEachPair(root, func(key string, val *yaml.Node) {
		switch key {
		case "generated":
			ss.Generated = scalar(val)
		case "project":
			ss.Project = scalar(val)
		case "project_key":
			ss.ProjectKey = scalar(val)
		case "tracking_system":
			if v := scalar(val); v != "" {
				ss.TrackingSystem = v
			}
		case "story_location":
			ss.StoryLocation = scalar(val)
		case "development_status":
			dev = val
		}
	})
	if dev == nil || dev.Kind != yaml.MappingNode {
		return ss, nil
	}

	var (
		epicStatus = make(map[string]schema.EpicStatus)
		stories    = make(map[string]map[string]schema.StoryStatus)
		retros     = make(map[string]schema.RetrospectiveStatus)
	)
	addStory := func(epicKey, storyKey string, status schema.StoryStatus) {
		if stories[epicKey] == nil {
			stories[epicKey] = make(map[string]schema.StoryStatus)
		}
		stories[epicKey][storyKey] = status
	}

	forEachPair(dev, func(key string, val *yaml.Node) {
		switch val.Kind {
		case yaml.ScalarNode:
			value := val.Value
			switch {
			case strings.HasSuffix(key, "-retrospective"):
				retros[strings.TrimSuffix(key, "-retrospective")] = parseRetro(value)
			case strings.HasPrefix(key, "epic-"):
				epicStatus[key] = schema.ParseEpicStatus(value)
			default:
				// Story keys look like "1-2-login-form".
				head, _, _ := strings.Cut(key, "-")
				n, err := strconv.Atoi(head)
				if err != nil {
					return
				}
				addStory(fmt.Sprintf("epic-%d", n), key, schema.ParseStoryStatus(value))
			}
		case yaml.MappingNode:
			epicStatus[key] = schema.EpicBacklog
			if stories[key] == nil {
				stories[key] = make(map[string]schema.StoryStatus)
			}
			forEachPair(val, func(sk string, sv *yaml.Node) {
				if sv.Kind != yaml.ScalarNode {
					return
				}
				switch sk {
				case "status":
					epicStatus[key] = schema.ParseEpicStatus(sv.Value)
				case "retrospective":
					retros[key] = parseRetro(sv.Value)
				default:
					addStory(key, sk, schema.ParseStoryStatus(sv.Value))
				}
			})
		}
	})

	for key, status := range epicStatus {
		entry := schema.EpicSprintStatus{
			Status:        status,
			Stories:       stories[key],
			Retrospective: retros[key],
		}
		if entry.Stories == nil {
			entry.Stories = map[string]schema.StoryStatus{}
		}
		ss.DevelopmentStatus[key] = entry
	}
	for key, st := range stories {
		if _, ok := ss.DevelopmentStatus[key]; ok {
			continue
		}
		ss.DevelopmentStatus[key] = schema.EpicSprintStatus{Status: schema.EpicBacklog, Stories: st}
	}

	return ss, nil
}

func parseRetro(v string) schema.RetrospectiveStatus {
	if v == string(schema.RetrospectiveDone) {
		return schema.RetrospectiveDone
	}
	return schema.RetrospectiveOptional
}

func forEachPair(m *yaml.Node, fn func(key string, val *yaml.Node)) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		k := m.Content[i]
		if k.Kind != yaml.ScalarNode {
			continue
		}
		fn(k.Value, m.Content[i+1])
	}
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}

// epicSprint returns the sprint entry for epic n, if any.
func epicSprint(ss *schema.SprintStatus, n int) (schema.EpicSprintStatus, bool) {
	if ss == nil {
		return schema.EpicSprintStatus{}, false
	}
	es, ok := ss.DevelopmentStatus[fmt.Sprintf("epic-%d", n)]
	return es, ok
}

// epicStatusFromSprint returns the status and retrospective of epic n.
func epicStatusFromSprint(ss *schema.SprintStatus, n int) (schema.EpicStatus, schema.RetrospectiveStatus) {
	es, ok := epicSprint(ss, n)
	if !ok {
		return schema.EpicBacklog, ""
	}
	return es.Status, es.Retrospective
}

// storyStatusFromSprint looks a story up by file key, then by "E-S-" prefix,
// then by dotted number.
func storyStatusFromSprint(ss *schema.SprintStatus, epic, story int, fileKey string) schema.StoryStatus {
	es, ok := epicSprint(ss, epic)
	if !ok {
		return schema.StoryBacklog
	}
	if fileKey != "" {
		if st, ok := es.Stories[fileKey]; ok {
			return st
		}
	}

	prefix := fmt.Sprintf("%d-%d-", epic, story)
	keys := make([]string, 0, len(es.Stories))
	for k := range es.Stories {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			return es.Stories[k]
		}
	}

	if st, ok := es.Stories[fmt.Sprintf("%d.%d", epic, story)]; ok {
		return st
	}
	return schema.StoryBacklog
}
