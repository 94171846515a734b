// Package parser reads a BMAD project folder into a schema.Project snapshot.
//
// Layout
//
// A project keeps its planning documents in a docs folder, resolved in this
// order: an explicit hint (which must exist), then bmad-docs/, .bmad/ and
// docs/ under the project root.
//
//	bmad-docs/
//	├── sprint-status.yaml            (or implementation-artifacts/, stories/)
//	├── prd.md, architecture.md, ...  (or planning-artifacts/, solutioning-artifacts/)
//	├── epics.md                      (## Epic N: Title / ### Story N.M: Title)
//	├── epics/epic-1.md               (one file per epic)
//	└── stories/1-2-login-form.md     (one file per story, up to four levels deep)
//
// Epic files win over sections of epics.md with the same number. Story files
// replace the stories of their epic; a story file whose epic does not exist
// yet creates an "Epic N" placeholder. Statuses come from sprint-status.yaml,
// which may use either the flat form
//
//	development_status:
//	  epic-1: in-progress
//	  1-1-project-setup: done
//	  epic-1-retrospective: optional
//
// or the nested form
//
//	development_status:
//	  epic-1:
//	    status: in-progress
//	    1-1-project-setup: done
//
// Identity
//
// Epic, story, task and document ids are UUIDv5 values derived from the docs
// folder and the entity's number or relative path, so the same folder parsed
// twice yields the same ids. The project id is a fresh UUIDv4; callers that
// already track the project keep their own.
//
// The parser never writes to the filesystem.
package parser
