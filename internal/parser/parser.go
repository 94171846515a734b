package parser

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bmad-dash/bmd/internal/schema"
)

// Config holds parser configuration.
type Config struct {
	// Logger for skipped files
	Logger *log.Logger

	// Now is used when a file's modification time cannot be read
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[parser] ", log.LstdFlags),
		Now:    time.Now,
	}
}

// Parser reads BMAD project folders. It holds no per-project state and is
// safe for concurrent use.
type Parser struct {
	config *Config
}

// New creates a parser with default configuration.
func New() *Parser {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a parser with custom configuration.
func NewWithConfig(config *Config) *Parser {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Parser{config: config}
}

// ParseProject reads the project at projectPath. docsPathHint, when not
// empty, names the docs folder to use instead of the well-known ones.
//
// Every failure is a *ParseError.
func (p *Parser) ParseProject(ctx context.Context, projectPath, docsPathHint string) (*schema.Project, error) {
	if !dirExists(projectPath) {
		return nil, parseErr(projectPath, ErrProjectMissing)
	}

	docsDir, err := resolveDocsDir(projectPath, docsPathHint)
	if err != nil {
		return nil, parseErr(projectPath, err)
	}

	ss, ssTime, err := readSprintStatus(docsDir)
	if err != nil {
		return nil, parseErr(projectPath, err)
	}

	docs, err := p.readDocuments(ctx, docsDir)
	if err != nil {
		return nil, parseErr(projectPath, fmt.Errorf("failed to read documents: %w", err))
	}

	epics, err := p.readEpics(ctx, docsDir, ss)
	if err != nil {
		return nil, parseErr(projectPath, fmt.Errorf("failed to read epics: %w", err))
	}

	byEpic, err := p.readStoryFiles(ctx, docsDir, ss)
	if err != nil {
		return nil, parseErr(projectPath, fmt.Errorf("failed to read stories: %w", err))
	}
	epics = attachStoryFiles(docsDir, epics, byEpic, ss)

	earliest, latest := activity(docs, epics, ssTime)
	now := p.config.Now()
	if earliest.IsZero() {
		earliest = now
	}
	if latest.IsZero() {
		latest = now
	}

	if docs == nil {
		docs = []schema.Document{}
	}
	if epics == nil {
		epics = []schema.Epic{}
	}

	return &schema.Project{
		ID:           uuid.NewString(),
		Name:         projectName(projectPath),
		Path:         projectPath,
		DocsPath:     docsDir,
		CurrentPhase: determinePhase(docs, epics, ss),
		Epics:        epics,
		Documents:    docs,
		SprintStatus: ss,
		LastActivity: latest,
		CreatedAt:    earliest,
	}, nil
}

func resolveDocsDir(projectPath, hint string) (string, error) {
	if hint != "" {
		if !dirExists(hint) {
			return "", fmt.Errorf("%w: %s", ErrDocsDirMissing, hint)
		}
		return hint, nil
	}
	dir, ok := FindDocsDir(projectPath)
	if !ok {
		return "", ErrNoDocsDir
	}
	return dir, nil
}

func projectName(path string) string {
	name := filepath.Base(filepath.Clean(path))
	if name == "." || name == string(filepath.Separator) {
		return "Unknown Project"
	}
	return name
}

// determinePhase picks the furthest phase the folder shows evidence of.
func determinePhase(docs []schema.Document, epics []schema.Epic, ss *schema.SprintStatus) schema.Phase {
	started := func(s schema.EpicStatus) bool {
		return s == schema.EpicInProgress || s == schema.EpicDone
	}
	if ss != nil {
		for _, es := range ss.DevelopmentStatus {
			if started(es.Status) {
				return schema.PhaseImplementation
			}
		}
	}
	for _, e := range epics {
		if started(e.Status) {
			return schema.PhaseImplementation
		}
	}

	hasDoc := func(types ...schema.DocumentType) bool {
		for _, d := range docs {
			for _, t := range types {
				if d.Type == t {
					return true
				}
			}
		}
		return false
	}
	switch {
	case hasDoc(schema.DocArchitecture, schema.DocTechSpec):
		return schema.PhaseSolutioning
	case hasDoc(schema.DocPRD):
		return schema.PhasePlanning
	default:
		return schema.PhaseAnalysis
	}
}

// activity returns the earliest and latest modification times across every
// file that contributed to the snapshot. Both are zero when nothing did.
func activity(docs []schema.Document, epics []schema.Epic, sprint time.Time) (earliest, latest time.Time) {
	see := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
		if t.After(latest) {
			latest = t
		}
	}
	see(sprint)
	for _, d := range docs {
		see(d.UpdatedAt)
	}
	for _, e := range epics {
		see(e.UpdatedAt)
		for _, s := range e.Stories {
			see(s.UpdatedAt)
		}
	}
	return earliest, latest
}

// fileTime returns the file's modification time, or now if it cannot be read.
func (p *Parser) fileTime(path string) time.Time {
	if t := modTime(path); !t.IsZero() {
		return t
	}
	return p.config.Now().UTC()
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime().UTC()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// skipDir reports directories that never hold planning documents.
func skipDir(name string) bool {
	return name == ".git" || name == "node_modules"
}

// walkDepth visits root and every entry at most maxDepth levels below it.
// Unreadable entries are skipped.
func walkDepth(root string, maxDepth int, fn func(path string, d fs.DirEntry) error) error {
	base := strings.Count(filepath.Clean(root), string(filepath.Separator))
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := fn(path, d); err != nil {
			return err
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - base
		if d.IsDir() && path != root && depth >= maxDepth {
			return filepath.SkipDir
		}
		return nil
	})
}
