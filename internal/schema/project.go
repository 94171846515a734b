package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"
)

// AcceptanceCriteria is one Given/When/Then block of a story.
type AcceptanceCriteria struct {
	Given              string   `json:"given"`
	When               string   `json:"when"`
	Then               string   `json:"then"`
	AdditionalCriteria []string `json:"additionalCriteria,omitempty"`
}

// Task is a checklist item inside a story.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Story is the smallest trackable unit of work.
type Story struct {
	ID                 string               `json:"id"`
	EpicID             string               `json:"epicId"`
	Number             string               `json:"number"` // dotted key, e.g. "1.2"
	Title              string               `json:"title"`
	UserType           string               `json:"userType"`
	Capability         string               `json:"capability"`
	ValueBenefit       string               `json:"valueBenefit"`
	AcceptanceCriteria []AcceptanceCriteria `json:"acceptanceCriteria"`
	Status             StoryStatus          `json:"status"`
	Tasks              []Task               `json:"tasks,omitempty"`
	FilePath           string               `json:"filePath,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
}

// Epic groups related stories.
type Epic struct {
	ID            string              `json:"id"`
	Number        int                 `json:"number"`
	Title         string              `json:"title"`
	Goal          string              `json:"goal"`
	Stories       []Story             `json:"stories"`
	Status        EpicStatus          `json:"status"`
	Retrospective RetrospectiveStatus `json:"retrospective,omitempty"`
	FilePath      string              `json:"filePath,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Document is a planning artifact such as a PRD or architecture spec.
type Document struct {
	ID        string         `json:"id"`
	Type      DocumentType   `json:"type"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	FilePath  string         `json:"filePath"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// EpicSprintStatus is the sprint-status.yaml entry for one epic.
type EpicSprintStatus struct {
	Status        EpicStatus             `json:"status" yaml:"status"`
	Stories       map[string]StoryStatus `json:"stories" yaml:"stories"`
	Retrospective RetrospectiveStatus    `json:"retrospective,omitempty" yaml:"retrospective,omitempty"`
}

// SprintStatus mirrors sprint-status.yaml.
type SprintStatus struct {
	Generated         string                      `json:"generated" yaml:"generated"`
	Project           string                      `json:"project" yaml:"project"`
	ProjectKey        string                      `json:"projectKey" yaml:"project_key"`
	TrackingSystem    string                      `json:"trackingSystem" yaml:"tracking_system"`
	StoryLocation     string                      `json:"storyLocation" yaml:"story_location"`
	DevelopmentStatus map[string]EpicSprintStatus `json:"developmentStatus" yaml:"development_status"`
}

// Project is the full structural state of one tracked folder.
type Project struct {
	// ===== Identity (immutable) =====
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`

	// ===== Descriptive =====
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// DocsPath is the folder actually watched; it may differ from Path and
	// may change over the project's life.
	DocsPath string `json:"bmadDocsPath,omitempty"`

	// ===== Structure (replaced on every refresh) =====
	CurrentPhase Phase         `json:"currentPhase"`
	Epics        []Epic        `json:"epics"`
	Documents    []Document    `json:"documents"`
	SprintStatus *SprintStatus `json:"sprintStatus,omitempty"`

	LastActivity time.Time `json:"lastActivity"`
}

// Validate checks that the project has the fields every snapshot needs.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !p.CurrentPhase.IsValid() {
		return fmt.Errorf("current phase must be between 1 and 4 (got %d)", p.CurrentPhase)
	}
	seen := make(map[string]bool, len(p.Epics))
	for _, epic := range p.Epics {
		if epic.ID == "" {
			return fmt.Errorf("epic %d: id is required", epic.Number)
		}
		if seen[epic.ID] {
			return fmt.Errorf("duplicate epic id %s", epic.ID)
		}
		seen[epic.ID] = true
		if !epic.Status.IsValid() {
			return fmt.Errorf("epic %s: invalid status %q", epic.ID, epic.Status)
		}
		for _, story := range epic.Stories {
			if story.ID == "" {
				return fmt.Errorf("story %s: id is required", story.Number)
			}
			if !story.Status.IsValid() {
				return fmt.Errorf("story %s: invalid status %q", story.ID, story.Status)
			}
		}
	}
	return nil
}

// WatchTarget returns the folder that should be watched for this project.
func (p *Project) WatchTarget() string {
	if p.DocsPath != "" {
		return p.DocsPath
	}
	return p.Path
}

// EpicIndex returns the position of the epic with the given id, or -1.
func (p *Project) EpicIndex(epicID string) int {
	for i := range p.Epics {
		if p.Epics[i].ID == epicID {
			return i
		}
	}
	return -1
}

// StoryIndex returns the position of the story with the given id, or -1.
func (e *Epic) StoryIndex(storyID string) int {
	for i := range e.Stories {
		if e.Stories[i].ID == storyID {
			return i
		}
	}
	return -1
}

// AllStories flattens the stories of every epic in epic order.
func (p *Project) AllStories() []Story {
	var n int
	for _, e := range p.Epics {
		n += len(e.Stories)
	}
	stories := make([]Story, 0, n)
	for _, e := range p.Epics {
		stories = append(stories, e.Stories...)
	}
	return stories
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Epics = cloneEpics(p.Epics)
	c.Documents = cloneDocuments(p.Documents)
	c.SprintStatus = p.SprintStatus.clone()
	return &c
}

func cloneEpics(epics []Epic) []Epic {
	if epics == nil {
		return nil
	}
	out := make([]Epic, len(epics))
	for i := range epics {
		out[i] = epics[i].clone()
	}
	return out
}

func cloneDocuments(docs []Document) []Document {
	if docs == nil {
		return nil
	}
	out := make([]Document, len(docs))
	for i, d := range docs {
		d.Metadata = maps.Clone(d.Metadata)
		out[i] = d
	}
	return out
}

func (s *SprintStatus) clone() *SprintStatus {
	if s == nil {
		return nil
	}
	ss := *s
	if s.DevelopmentStatus != nil {
		ss.DevelopmentStatus = make(map[string]EpicSprintStatus, len(s.DevelopmentStatus))
		for k, v := range s.DevelopmentStatus {
			v.Stories = maps.Clone(v.Stories)
			ss.DevelopmentStatus[k] = v
		}
	}
	return &ss
}

func (e Epic) clone() Epic {
	if e.Stories != nil {
		stories := make([]Story, len(e.Stories))
		for i, s := range e.Stories {
			stories[i] = s.clone()
		}
		e.Stories = stories
	}
	return e
}

func (s Story) clone() Story {
	if s.Tasks != nil {
		s.Tasks = append([]Task(nil), s.Tasks...)
	}
	if s.AcceptanceCriteria != nil {
		ac := make([]AcceptanceCriteria, len(s.AcceptanceCriteria))
		for i, a := range s.AcceptanceCriteria {
			a.AdditionalCriteria = append([]string(nil), a.AdditionalCriteria...)
			ac[i] = a
		}
		s.AcceptanceCriteria = ac
	}
	return s
}

// Filename returns the canonical export filename for this project: {id}.json
func (p *Project) Filename() string {
	return fmt.Sprintf("%s.json", p.ID)
}

// ReadProjectFile reads and validates a project JSON file.
func ReadProjectFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file %s: %w", path, err)
	}

	var project Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to parse project file %s: %w", path, err)
	}

	if err := project.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", path, err)
	}

	return &project, nil
}

// WriteProjectFile writes the project to dir/{id}.json with pretty-printed formatting.
func WriteProjectFile(dir string, project *Project) error {
	if err := project.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid project: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project %s: %w", project.ID, err)
	}

	path := filepath.Join(dir, project.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write project file %s: %w", path, err)
	}

	return nil
}
