package parser

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDocsDir means none of the well-known docs folders exist.
	ErrNoDocsDir = errors.New("no bmad-docs directory found")
	// ErrDocsDirMissing means the docs folder hint does not exist.
	ErrDocsDirMissing = errors.New("docs directory does not exist")
	// ErrProjectMissing means the project folder does not exist.
	ErrProjectMissing = errors.New("project path does not exist")
)

// ParseError reports why a folder could not be read as a project.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(path string, err error) error {
	return &ParseError{Path: path, Err: err}
}
