package schema

import "time"

// Fields is a partial project update. A nil field is left untouched.
//
// There is deliberately no slot for ID, Path or CreatedAt: those never
// change once a project is imported.
type Fields struct {
	Name         *string
	Description  *string
	DocsPath     *string
	CurrentPhase *Phase
	Epics        []Epic     // nil = unset; use an empty slice to clear
	Documents    []Document // nil = unset; use an empty slice to clear
	SprintStatus *SprintStatus
	LastActivity *time.Time

	// ClearSprintStatus drops the sprint status; it wins over SprintStatus.
	ClearSprintStatus bool
}

// IsEmpty reports whether the update would change nothing.
func (f Fields) IsEmpty() bool {
	return f.Name == nil && f.Description == nil && f.DocsPath == nil &&
		f.CurrentPhase == nil && f.Epics == nil && f.Documents == nil &&
		f.SprintStatus == nil && f.LastActivity == nil && !f.ClearSprintStatus
}

// Apply shallow-merges f into p. Slices and the sprint status are copied,
// so p shares no memory with f.
func (f Fields) Apply(p *Project) {
	if f.Name != nil {
		p.Name = *f.Name
	}
	if f.Description != nil {
		p.Description = *f.Description
	}
	if f.DocsPath != nil {
		p.DocsPath = *f.DocsPath
	}
	if f.CurrentPhase != nil {
		p.CurrentPhase = *f.CurrentPhase
	}
	if f.Epics != nil {
		p.Epics = cloneEpics(f.Epics)
	}
	if f.Documents != nil {
		p.Documents = cloneDocuments(f.Documents)
	}
	if f.SprintStatus != nil {
		p.SprintStatus = f.SprintStatus.clone()
	}
	if f.ClearSprintStatus {
		p.SprintStatus = nil
	}
	if f.LastActivity != nil {
		p.LastActivity = *f.LastActivity
	}
}

// SnapshotFields builds the update that replaces every structural field of
// a project with the values of a freshly parsed snapshot.
//
// DocsPath falls back to previousDocsPath when the snapshot resolved none.
func SnapshotFields(parsed *Project, previousDocsPath string) Fields {
	docsPath := parsed.DocsPath
	if docsPath == "" {
		docsPath = previousDocsPath
	}
	epics := parsed.Epics
	if epics == nil {
		epics = []Epic{}
	}
	documents := parsed.Documents
	if documents == nil {
		documents = []Document{}
	}
	name := parsed.Name
	description := parsed.Description
	phase := parsed.CurrentPhase
	lastActivity := parsed.LastActivity

	f := Fields{
		Description:  &description,
		DocsPath:     &docsPath,
		CurrentPhase: &phase,
		Epics:        epics,
		Documents:    documents,
		SprintStatus: parsed.SprintStatus,
		LastActivity: &lastActivity,

		ClearSprintStatus: parsed.SprintStatus == nil,
	}
	if name != "" {
		f.Name = &name
	}
	return f
}
