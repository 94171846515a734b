package schema

import "fmt"

// EpicStatus is the workflow state of an epic.
type EpicStatus string

const (
	EpicBacklog    EpicStatus = "backlog"
	EpicInProgress EpicStatus = "in-progress"
	EpicDone       EpicStatus = "done"
)

// IsValid reports whether s is one of the known epic states.
func (s EpicStatus) IsValid() bool {
	switch s {
	case EpicBacklog, EpicInProgress, EpicDone:
		return true
	}
	return false
}

// ParseEpicStatus maps a sprint-status value to an EpicStatus.
// Unknown values fall back to backlog.
func ParseEpicStatus(s string) EpicStatus {
	switch EpicStatus(s) {
	case EpicInProgress:
		return EpicInProgress
	case EpicDone:
		return EpicDone
	default:
		return EpicBacklog
	}
}

// StoryStatus is the workflow state of a story.
type StoryStatus string

const (
	StoryBacklog     StoryStatus = "backlog"
	StoryReadyForDev StoryStatus = "ready-for-dev"
	StoryInProgress  StoryStatus = "in-progress"
	StoryReview      StoryStatus = "review"
	StoryDone        StoryStatus = "done"
)

// StoryStatuses lists every story state in board column order.
var StoryStatuses = []StoryStatus{
	StoryBacklog,
	StoryReadyForDev,
	StoryInProgress,
	StoryReview,
	StoryDone,
}

// IsValid reports whether s is one of the known story states.
func (s StoryStatus) IsValid() bool {
	for _, known := range StoryStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStoryStatus maps a sprint-status value to a StoryStatus.
// Unknown values fall back to backlog.
func ParseStoryStatus(s string) StoryStatus {
	status := StoryStatus(s)
	if status.IsValid() {
		return status
	}
	return StoryBacklog
}

// RetrospectiveStatus tracks whether an epic retrospective happened.
type RetrospectiveStatus string

const (
	RetrospectiveOptional RetrospectiveStatus = "optional"
	RetrospectiveDone     RetrospectiveStatus = "done"
)

// DocumentType is the closed set of recognized BMAD document kinds.
type DocumentType string

const (
	DocPRD            DocumentType = "prd"
	DocArchitecture   DocumentType = "architecture"
	DocUXDesign       DocumentType = "ux-design"
	DocEpic           DocumentType = "epic"
	DocStory          DocumentType = "story"
	DocTechSpec       DocumentType = "tech-spec"
	DocProjectContext DocumentType = "project-context"
	DocOther          DocumentType = "other"
)

// IsValid reports whether t is a known document kind.
func (t DocumentType) IsValid() bool {
	switch t {
	case DocPRD, DocArchitecture, DocUXDesign, DocEpic, DocStory,
		DocTechSpec, DocProjectContext, DocOther:
		return true
	}
	return false
}

// Phase is one of the four ordered stages of project maturity.
type Phase int

const (
	PhaseAnalysis Phase = iota + 1
	PhasePlanning
	PhaseSolutioning
	PhaseImplementation
)

// Phases lists every phase in order.
var Phases = []Phase{PhaseAnalysis, PhasePlanning, PhaseSolutioning, PhaseImplementation}

// IsValid reports whether p is within 1..4.
func (p Phase) IsValid() bool {
	return p >= PhaseAnalysis && p <= PhaseImplementation
}

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseAnalysis:
		return "Analysis"
	case PhasePlanning:
		return "Planning"
	case PhaseSolutioning:
		return "Solutioning"
	case PhaseImplementation:
		return "Implementation"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}
