package parser

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Scanner finds project folders below a root directory.
type Scanner interface {
	ScanCandidates(ctx context.Context, root string, maxDepth int) ([]string, error)
}

var _ Scanner = (*Parser)(nil)

// DefaultScanDepth is how far below the root ScanCandidates looks by default.
const DefaultScanDepth = 3

// docsDirNames are checked in order under the project root.
var docsDirNames = []string{"bmad-docs", ".bmad", "docs"}

// FindDocsDir returns the first well-known docs folder under projectPath.
func FindDocsDir(projectPath string) (string, bool) {
	for _, name := range docsDirNames {
		dir := filepath.Join(projectPath, name)
		if dirExists(dir) {
			return dir, true
		}
	}
	return "", false
}

// IsProject reports whether path looks like a BMAD project: it has a
// bmad-docs/ or .bmad/ folder, or a docs/ folder holding sprint-status.yaml
// or epics.md within three levels.
func IsProject(path string) bool {
	if dirExists(filepath.Join(path, "bmad-docs")) || dirExists(filepath.Join(path, ".bmad")) {
		return true
	}
	docs := filepath.Join(path, "docs")
	if !dirExists(docs) {
		return false
	}

	found := false
	_ = walkDepth(docs, 3, func(_ string, d fs.DirEntry) error {
		if d.Name() == SprintStatusFile || d.Name() == "epics.md" {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// FindDocsCandidates lists folders under projectPath, at most one level
// down, that could serve as the project's docs folder.
func FindDocsCandidates(projectPath string) []string {
	var candidates []string
	add := func(dir string) {
		if !slices.Contains(candidates, dir) {
			candidates = append(candidates, dir)
		}
	}

	for _, name := range []string{"bmad-docs", ".bmad"} {
		if dir := filepath.Join(projectPath, name); dirExists(dir) {
			add(dir)
		}
	}

	entries, err := os.ReadDir(projectPath)
	if err != nil {
		return candidates
	}
	for _, entry := range entries {
		if !entry.IsDir() || skipDir(entry.Name()) {
			continue
		}
		sub := filepath.Join(projectPath, entry.Name())
		for _, name := range []string{"bmad-docs", ".bmad"} {
			if dir := filepath.Join(sub, name); dirExists(dir) {
				add(dir)
			}
		}
		if strings.Contains(entry.Name(), "bmad") && looksLikeDocsDir(sub) {
			add(sub)
		}
	}
	return candidates
}

func looksLikeDocsDir(dir string) bool {
	return fileExists(filepath.Join(dir, "prd.md")) ||
		dirExists(filepath.Join(dir, "epics")) ||
		fileExists(filepath.Join(dir, SprintStatusFile)) ||
		fileExists(filepath.Join(dir, "architecture.md"))
}

// ScanCandidates returns every directory within maxDepth levels of root
// (root included) that IsProject accepts, in walk order.
func (p *Parser) ScanCandidates(ctx context.Context, root string, maxDepth int) ([]string, error) {
	if !dirExists(root) {
		return nil, parseErr(root, ErrProjectMissing)
	}
	if maxDepth < 0 {
		maxDepth = DefaultScanDepth
	}

	var projects []string
	err := walkDepth(root, maxDepth, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && IsProject(path) {
			projects = append(projects, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}
