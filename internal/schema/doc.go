// Package schema defines the project data model tracked by bmd.
//
// # Overview
//
// A Project is a folder on disk holding BMAD planning documents. The parser
// turns that folder into a snapshot made of Epics (each holding Stories),
// Documents and an optional SprintStatus. The store keeps one snapshot per
// project and replaces the structural fields wholesale on every refresh.
//
// # Identity
//
// Project.ID is assigned once when a folder is imported and is never
// regenerated. Project.CreatedAt and Project.Path are immutable after
// creation. Fields is the only partial-update record and has no slot for
// any of them.
//
// # Wire format
//
// JSON tags use the camelCase names of the persisted dashboard state, so a
// snapshot exported by older dashboard builds decodes unchanged:
//
//	{
//	  "id": "9f1c...",
//	  "name": "shop",
//	  "path": "/home/me/src/shop",
//	  "bmadDocsPath": "/home/me/src/shop/bmad-docs",
//	  "currentPhase": 4,
//	  "epics": [{"id": "...", "number": 1, "status": "in-progress", "stories": [...]}],
//	  "documents": [{"id": "...", "type": "prd", "title": "Shop PRD", ...}],
//	  "lastActivity": "2026-01-10T07:36:29Z",
//	  "createdAt": "2025-12-01T10:00:00Z"
//	}
package schema
