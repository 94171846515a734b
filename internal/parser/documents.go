package parser

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmad-dash/bmd/internal/schema"
)

type docPattern struct {
	file string
	typ  schema.DocumentType
}

var knownDocuments = []docPattern{
	{"prd.md", schema.DocPRD},
	{"product-requirements.md", schema.DocPRD},
	{"architecture.md", schema.DocArchitecture},
	{"tech-spec.md", schema.DocTechSpec},
	{"ux-design.md", schema.DocUXDesign},
	{"project-context.md", schema.DocProjectContext},
}

var documentDirs = []string{"", "planning-artifacts", "solutioning-artifacts"}

var storyFileRe = regexp.MustCompile(`^(\d+)-(\d+)-.+\.md$`)

func isKnownDocument(name string) bool {
	for _, p := range knownDocuments {
		if p.file == name {
			return true
		}
	}
	return false
}

// readDocuments collects the well-known planning documents, then every other
// markdown file up to three levels deep that is not an epic or story file.
func (p *Parser) readDocuments(ctx context.Context, docsDir string) ([]schema.Document, error) {
	var docs []schema.Document
	seen := make(map[string]bool)

	for _, dir := range documentDirs {
		for _, pat := range knownDocuments {
			path := filepath.Join(docsDir, dir, pat.file)
			if !fileExists(path) {
				continue
			}
			doc, err := p.readDocument(docsDir, path, pat.typ)
			if err != nil {
				p.config.Logger.Printf("WARNING: skipping document %s: %v", path, err)
				continue
			}
			docs = append(docs, doc)
			seen[path] = true
		}
	}

	err := walkDepth(docsDir, 3, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || filepath.Ext(name) != ".md" {
			return nil
		}
		if isKnownDocument(name) || name == "epics.md" || strings.HasPrefix(name, "epic-") {
			return nil
		}
		if storyFileRe.MatchString(name) || seen[path] {
			return nil
		}
		doc, err := p.readDocument(docsDir, path, schema.DocOther)
		if err != nil {
			p.config.Logger.Printf("WARNING: skipping document %s: %v", path, err)
			return nil
		}
		docs = append(docs, doc)
		seen[path] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return docs, nil
}

func (p *Parser) readDocument(docsDir, path string, typ schema.DocumentType) (schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Document{}, err
	}
	content := string(data)
	meta, body := splitFrontMatter(content)

	title, ok := extractTitle(body)
	if !ok {
		if t, isString := meta["title"].(string); isString && t != "" {
			title = t
		} else {
			title = strings.TrimSuffix(filepath.Base(path), ".md")
		}
	}

	rel, err := filepath.Rel(docsDir, path)
	if err != nil {
		rel = path
	}
	mtime := p.fileTime(path)

	return schema.Document{
		ID:        documentID(docsDir, filepath.ToSlash(rel)),
		Type:      typ,
		Title:     title,
		Content:   content,
		FilePath:  path,
		Metadata:  meta,
		CreatedAt: mtime,
		UpdatedAt: mtime,
	}, nil
}
