// Package docs reads and writes the planning documents of a tracked project.
//
// Every path is confined to the project's docs folder. A reference names a
// document by id, by type when the project has exactly one document of that
// type ("prd", "architecture"), or by a path relative to the docs folder.
//
// Writes replace the file atomically. They do not touch the store: a running
// daemon sees the change through its watcher and refreshes the project, and
// callers without one refresh explicitly.
package docs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmad-dash/bmd/internal/schema"
)

var (
	// ErrNotFound is returned when a reference matches no document.
	ErrNotFound = errors.New("document not found")
	// ErrNoDocsDir is returned for projects without a resolved docs folder.
	ErrNoDocsDir = errors.New("project has no docs folder")
	// ErrOutsideDocs is returned for paths that leave the docs folder.
	ErrOutsideDocs = errors.New("path is outside the docs folder")
	// ErrFileType is returned when writing a file the watcher would ignore.
	ErrFileType = errors.New("only .md, .yaml and .yml files can be written")
)

// Writable lists the extensions Write accepts.
var Writable = []string{".md", ".yaml", ".yml"}

// Root returns the folder documents of p live in.
func Root(p *schema.Project) (string, error) {
	if p.DocsPath == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDocsDir, p.Name)
	}
	return filepath.Clean(p.DocsPath), nil
}

// Resolve maps ref to a file path inside the docs folder of p. The file need
// not exist.
func Resolve(p *schema.Project, ref string) (string, error) {
	root, err := Root(p)
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}

	var path string
	if d, ok := find(p, ref); ok {
		path = d.FilePath
	} else if filepath.IsAbs(ref) {
		path = filepath.Clean(ref)
	} else {
		path = filepath.Join(root, ref)
	}

	if err := contained(root, path); err != nil {
		return "", err
	}
	return path, nil
}

// find matches ref against document ids, then types.
func find(p *schema.Project, ref string) (schema.Document, bool) {
	for _, d := range p.Documents {
		if d.ID == ref {
			return d, true
		}
	}
	var match []schema.Document
	for _, d := range p.Documents {
		if string(d.Type) == ref {
			match = append(match, d)
		}
	}
	if len(match) == 1 {
		return match[0], true
	}
	return schema.Document{}, false
}

// contained checks path against root lexically and after resolving
// symlinks of the deepest existing directory.
func contained(root, path string) error {
	if !within(root, path) {
		return fmt.Errorf("%w: %s", ErrOutsideDocs, path)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve docs folder: %w", err)
	}
	dir := filepath.Dir(path)
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(realRoot, resolved) {
				return fmt.Errorf("%w: %s", ErrOutsideDocs, path)
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) || dir == root {
			return fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		dir = filepath.Dir(dir)
	}

	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil || !within(realRoot, resolved) {
			return fmt.Errorf("%w: %s", ErrOutsideDocs, path)
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Read returns the content and path of the document ref names.
func Read(p *schema.Project, ref string) (string, string, error) {
	path, err := Resolve(p, ref)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", path, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", path, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), path, nil
}

// Write replaces the document ref names with content, creating the file if
// it does not exist. Its directory must already exist. It returns the path
// written.
func Write(p *schema.Project, ref, content string) (string, error) {
	path, err := Resolve(p, ref)
	if err != nil {
		return "", err
	}
	if !slices.Contains(Writable, strings.ToLower(filepath.Ext(path))) {
		return "", fmt.Errorf("%w: %s", ErrFileType, filepath.Base(path))
	}

	mode := os.FileMode(0644)
	if fi, err := os.Stat(path); err == nil {
		if fi.IsDir() {
			return "", fmt.Errorf("%s is a directory", path)
		}
		mode = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".bmd-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return path, nil
}
