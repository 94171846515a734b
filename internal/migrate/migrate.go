// Package migrate moves tracked projects in and out of bmd.
//
// Two formats are supported:
//   - the persisted blob of the desktop dashboard, either wrapped as
//     {"state":{"projects":[...],"activeProjectId":...},"version":N}
//     or as a plain {"projects":[...],"activeProjectId":...} object
//   - JSONL, one project per line (bmd export / bmd import)
package migrate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/store"
)

// Format names an import/export format.
type Format string

const (
	FormatLocalStorage Format = "localstorage"
	FormatJSONL        Format = "jsonl"
)

// DetectFormat picks a format from the file extension: .jsonl and .ndjson
// are JSONL, everything else is treated as a persisted dashboard blob.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	default:
		return FormatLocalStorage
	}
}

// persistedState is the object the dashboard kept under its storage key.
type persistedState struct {
	Projects        []*schema.Project `json:"projects"`
	ActiveProjectID *string           `json:"activeProjectId"`
}

type persistedBlob struct {
	State   *persistedState `json:"state"`
	Version int             `json:"version"`
}

// FromLocalStorage reads a persisted dashboard blob. Projects that fail
// validation are left out and reported in the returned error list; the
// snapshot holds the rest.
func FromLocalStorage(path string) (store.Snapshot, []error, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Snapshot{}, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseLocalStorage(data)
}

// ParseLocalStorage is FromLocalStorage on an in-memory blob.
func ParseLocalStorage(data []byte) (store.Snapshot, []error, error) {
	data = bytes.TrimSpace(data)

	// Some exports hold the blob as a JSON string.
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return store.Snapshot{}, nil, fmt.Errorf("invalid JSON string: %w", err)
		}
		data = []byte(inner)
	}

	var blob persistedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return store.Snapshot{}, nil, fmt.Errorf("invalid persisted state: %w", err)
	}
	state := blob.State
	if state == nil {
		var plain persistedState
		if err := json.Unmarshal(data, &plain); err != nil {
			return store.Snapshot{}, nil, fmt.Errorf("invalid persisted state: %w", err)
		}
		state = &plain
	}
	if state.Projects == nil {
		return store.Snapshot{}, nil, errors.New("persisted state has no projects field")
	}

	projects, skipped := normalize(state.Projects)
	snap := store.Snapshot{Projects: projects}
	if state.ActiveProjectID != nil {
		snap.ActiveID = *state.ActiveProjectID
	}
	return snap, skipped, nil
}

// normalize fills the defaults older snapshots lack and drops what still
// fails validation.
func normalize(in []*schema.Project) ([]*schema.Project, []error) {
	var skipped []error
	out := make([]*schema.Project, 0, len(in))
	for i, p := range in {
		if p == nil {
			continue
		}
		SetDefaults(p)
		if err := p.Validate(); err != nil {
			skipped = append(skipped, fmt.Errorf("project %d (%s): %w", i+1, p.ID, err))
			continue
		}
		out = append(out, p)
	}
	return out, skipped
}

// SetDefaults fills zero values a valid project must not have.
func SetDefaults(p *schema.Project) {
	if p.CurrentPhase == 0 {
		p.CurrentPhase = schema.PhaseAnalysis
	}
	if p.Epics == nil {
		p.Epics = []schema.Epic{}
	}
	if p.Documents == nil {
		p.Documents = []schema.Document{}
	}
	if p.Name == "" && p.Path != "" {
		p.Name = filepath.Base(p.Path)
	}
	for i := range p.Epics {
		if p.Epics[i].Status == "" {
			p.Epics[i].Status = schema.EpicBacklog
		}
		for j := range p.Epics[i].Stories {
			if p.Epics[i].Stories[j].Status == "" {
				p.Epics[i].Stories[j].Status = schema.StoryBacklog
			}
		}
	}
}

// FromJSONL reads one project per line. Blank lines are ignored.
func FromJSONL(path string) ([]*schema.Project, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}

// ReadJSONL is FromJSONL on a reader.
func ReadJSONL(r io.Reader) ([]*schema.Project, error) {
	var projects []*schema.Project
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p schema.Project
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		SetDefaults(&p)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid project at line %d: %w", lineNum, err)
		}
		projects = append(projects, &p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return projects, nil
}

// WriteJSONL writes one project per line.
func WriteJSONL(w io.Writer, projects []*schema.Project) error {
	enc := json.NewEncoder(w)
	for _, p := range projects {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("failed to encode project %s: %w", p.ID, err)
		}
	}
	return nil
}

// ToJSONL writes projects to path atomically via a temp file.
func ToJSONL(path string, projects []*schema.Project) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, projects); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Options configures Import.
type Options struct {
	From   string // input file
	Format Format // empty means DetectFormat(From)
	Backup bool   // copy the input aside before reading
}

// Result describes an import.
type Result struct {
	Snapshot      store.Snapshot
	ProjectsRead  int
	BackupCreated string
	Errors        []string
}

// Import reads projects from opts.From in the requested format.
func Import(opts Options) (*Result, error) {
	if _, err := os.Stat(opts.From); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}
	format := opts.Format
	if format == "" {
		format = DetectFormat(opts.From)
	}

	result := &Result{}
	if opts.Backup {
		backupPath := opts.From + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.From)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	switch format {
	case FormatJSONL:
		projects, err := FromJSONL(opts.From)
		if err != nil {
			return nil, err
		}
		result.Snapshot = store.Snapshot{Projects: projects}
		result.ProjectsRead = len(projects)

	case FormatLocalStorage:
		snap, skipped, err := FromLocalStorage(opts.From)
		if err != nil {
			return nil, err
		}
		result.Snapshot = snap
		result.ProjectsRead = len(snap.Projects) + len(skipped)
		for _, err := range skipped {
			result.Errors = append(result.Errors, err.Error())
		}

	default:
		return nil, fmt.Errorf("unknown import format %q", format)
	}
	return result, nil
}

// Merge adds imported projects to st. Projects whose id or path is already
// tracked are skipped and reported. The imported active project is applied
// only when st has none.
func Merge(st *store.Store, snap store.Snapshot) (added int, errs []error) {
	for _, p := range snap.Projects {
		if err := st.Add(p); err != nil {
			errs = append(errs, fmt.Errorf("skipping %s: %w", p.ID, err))
			continue
		}
		added++
	}
	if snap.ActiveID != "" {
		if _, ok := st.Active(); !ok {
			_ = st.SetActive(snap.ActiveID)
		}
	}
	return added, errs
}
