package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/bmad-dash/bmd/internal/schema"
)

var (
	// ErrNotFound is returned when a project id is not tracked.
	ErrNotFound = errors.New("project not found")
	// ErrDuplicateID is returned by Add when the id is already tracked.
	ErrDuplicateID = errors.New("project id already tracked")
	// ErrDuplicatePath is returned by Add when another project has the same path.
	ErrDuplicatePath = errors.New("project path already tracked")
	// ErrAmbiguous is returned by Resolve when a name matches several projects.
	ErrAmbiguous = errors.New("project name is ambiguous")
)

// ChangeKind describes what a committed mutation did.
type ChangeKind int

const (
	// ChangeAdded means a project started being tracked.
	ChangeAdded ChangeKind = iota
	// ChangeRemoved means a project stopped being tracked.
	ChangeRemoved
	// ChangeUpdated means a project's fields were replaced.
	ChangeUpdated
	// ChangeActive means the active project id changed.
	ChangeActive
	// ChangeLoaded means the whole store was replaced by Load.
	ChangeLoaded
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeUpdated:
		return "updated"
	case ChangeActive:
		return "active"
	case ChangeLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Change is delivered to listeners after a committed mutation.
type Change struct {
	Kind      ChangeKind
	ProjectID string

	// Project is the new snapshot (nil for ChangeRemoved, ChangeActive and
	// ChangeLoaded). Previous is the snapshot it replaced, if any.
	Project  *schema.Project
	Previous *schema.Project

	// Version is the store-wide version after the mutation.
	Version uint64
}

// WatchTargetChanged reports whether the change moved the folder that should
// be watched for the project.
func (c Change) WatchTargetChanged() bool {
	switch c.Kind {
	case ChangeAdded, ChangeRemoved, ChangeLoaded:
		return true
	case ChangeUpdated:
		return c.Previous == nil || c.Project == nil ||
			c.Previous.WatchTarget() != c.Project.WatchTarget()
	default:
		return false
	}
}

// Snapshot is the ordered, persistable content of the store.
type Snapshot struct {
	Projects []*schema.Project
	ActiveID string
	Version  uint64
}

type entry struct {
	project *schema.Project
	version uint64
}

// Store is the process-wide project store. The zero value is not usable;
// construct with New.
type Store struct {
	mu       sync.RWMutex
	order    []string
	projects map[string]*entry
	activeID string
	version  uint64

	lmu          sync.Mutex
	listeners    map[int]func(Change)
	nextListener int

	// Changes are queued under mu so they are delivered in commit order.
	qmu        sync.Mutex
	queue      []Change
	delivering bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		projects:  make(map[string]*entry),
		listeners: make(map[int]func(Change)),
	}
}

// Subscribe registers fn to be called after every committed mutation.
// The returned function removes the listener.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// enqueue records c for delivery. Callers hold s.mu.
func (s *Store) enqueue(c Change) {
	s.qmu.Lock()
	s.queue = append(s.queue, c)
	s.qmu.Unlock()
}

// deliver drains the change queue unless another goroutine is already doing
// so, in which case that goroutine delivers the queued changes in order.
// Listeners may read or mutate the store.
func (s *Store) deliver() {
	s.qmu.Lock()
	if s.delivering {
		s.qmu.Unlock()
		return
	}
	s.delivering = true
	for len(s.queue) > 0 {
		c := s.queue[0]
		s.queue[0] = Change{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		for _, fn := range s.snapshotListeners() {
			fn(c)
		}
		s.qmu.Lock()
	}
	s.queue = nil
	s.delivering = false
	s.qmu.Unlock()
}

func (s *Store) snapshotListeners() []func(Change) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	return fns
}

// Add starts tracking a project. The store keeps its own copy of p.
func (s *Store) Add(p *schema.Project) error {
	if p == nil {
		return fmt.Errorf("project is nil")
	}
	if p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if p.Path == "" {
		return fmt.Errorf("project path is required")
	}

	s.mu.Lock()
	if _, ok := s.projects[p.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	for _, e := range s.projects {
		if e.project.Path == p.Path {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicatePath, p.Path)
		}
	}
	snap := p.Clone()
	s.version++
	s.projects[snap.ID] = &entry{project: snap, version: 1}
	s.order = append(s.order, snap.ID)
	c := Change{Kind: ChangeAdded, ProjectID: snap.ID, Project: snap, Version: s.version}
	s.enqueue(c)
	s.mu.Unlock()

	s.deliver()
	return nil
}

// Remove stops tracking a project. It clears the active id if it pointed at
// the removed project. Returns false if the id was not tracked.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.projects, id)
	s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == id })
	if s.activeID == id {
		s.activeID = ""
	}
	s.version++
	c := Change{Kind: ChangeRemoved, ProjectID: id, Previous: e.project, Version: s.version}
	s.enqueue(c)
	s.mu.Unlock()

	s.deliver()
	return true
}

// Get returns the current snapshot of a project.
func (s *Store) Get(id string) (*schema.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	return e.project, true
}

// List returns the current snapshots in insertion order.
func (s *Store) List() []*schema.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.Project, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.projects[id].project)
	}
	return out
}

// Len returns the number of tracked projects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// FindByPath returns the project tracked at path, if any.
func (s *Store) FindByPath(path string) (*schema.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		if p := s.projects[id].project; p.Path == path {
			return p, true
		}
	}
	return nil, false
}

// Resolve finds a project by id, then path, then case-insensitive name.
func (s *Store) Resolve(ref string) (*schema.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.projects[ref]; ok {
		return e.project, nil
	}
	var byName []*schema.Project
	for _, id := range s.order {
		p := s.projects[id].project
		if p.Path == ref {
			return p, nil
		}
		if strings.EqualFold(p.Name, ref) {
			byName = append(byName, p)
		}
	}
	switch len(byName) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return byName[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d projects, use the id", ErrAmbiguous, ref, len(byName))
	}
}

// SetActive marks a project as the active one. An empty id clears it.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	if id != "" {
		if _, ok := s.projects[id]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if s.activeID == id {
		s.mu.Unlock()
		return nil
	}
	s.activeID = id
	s.version++
	c := Change{Kind: ChangeActive, ProjectID: id, Version: s.version}
	s.enqueue(c)
	s.mu.Unlock()

	s.deliver()
	return nil
}

// Active returns the active project, if one is set.
func (s *Store) Active() (*schema.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeID == "" {
		return nil, false
	}
	e, ok := s.projects[s.activeID]
	if !ok {
		return nil, false
	}
	return e.project, true
}

// Version returns the store-wide version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ProjectVersion returns the version of a single project.
func (s *Store) ProjectVersion(id string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.projects[id]
	if !ok {
		return 0, false
	}
	return e.version, true
}

// UpdateFields shallow-merges f into the project. Identity fields cannot be
// reached through schema.Fields. Returns false if the project is not tracked
// or f is empty.
func (s *Store) UpdateFields(id string, f schema.Fields) bool {
	if f.IsEmpty() {
		return false
	}
	return s.mutate(id, func(p *schema.Project) bool {
		f.Apply(p)
		return true
	})
}

// SetStoryStatus replaces the status of one story. It is a no-op if the
// project, epic or story is missing, or the story already has that status.
func (s *Store) SetStoryStatus(projectID, epicID, storyID string, status schema.StoryStatus) bool {
	return s.mutate(projectID, func(p *schema.Project) bool {
		ei := p.EpicIndex(epicID)
		if ei < 0 {
			return false
		}
		si := p.Epics[ei].StoryIndex(storyID)
		if si < 0 {
			return false
		}
		story := &p.Epics[ei].Stories[si]
		if story.Status == status {
			return false
		}
		story.Status = status
		return true
	})
}

// SetEpicStatus replaces the status of one epic. It is a no-op if the project
// or epic is missing, or the epic already has that status.
func (s *Store) SetEpicStatus(projectID, epicID string, status schema.EpicStatus) bool {
	return s.mutate(projectID, func(p *schema.Project) bool {
		ei := p.EpicIndex(epicID)
		if ei < 0 {
			return false
		}
		if p.Epics[ei].Status == status {
			return false
		}
		p.Epics[ei].Status = status
		return true
	})
}

// MoveStory removes a story from one epic and appends it to another,
// re-stamping its EpicID. If either epic or the story is missing, or the
// epics are the same, nothing changes.
func (s *Store) MoveStory(projectID, storyID, fromEpicID, toEpicID string) bool {
	if fromEpicID == toEpicID {
		return false
	}
	return s.mutate(projectID, func(p *schema.Project) bool {
		from := p.EpicIndex(fromEpicID)
		to := p.EpicIndex(toEpicID)
		if from < 0 || to < 0 {
			return false
		}
		si := p.Epics[from].StoryIndex(storyID)
		if si < 0 {
			return false
		}
		story := p.Epics[from].Stories[si]
		story.EpicID = toEpicID
		p.Epics[from].Stories = slices.Delete(p.Epics[from].Stories, si, si+1)
		p.Epics[to].Stories = append(p.Epics[to].Stories, story)
		return true
	})
}

// mutate runs fn against a private clone of the project and commits the
// clone only when fn reports a change.
func (s *Store) mutate(id string, fn func(p *schema.Project) bool) bool {
	s.mu.Lock()
	e, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := e.project.Clone()
	if !fn(next) {
		s.mu.Unlock()
		return false
	}
	prev := e.project
	s.version++
	s.projects[id] = &entry{project: next, version: e.version + 1}
	c := Change{Kind: ChangeUpdated, ProjectID: id, Project: next, Previous: prev, Version: s.version}
	s.enqueue(c)
	s.mu.Unlock()

	s.deliver()
	return true
}

// Snapshot returns the ordered store content for persistence.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := make([]*schema.Project, 0, len(s.order))
	for _, id := range s.order {
		projects = append(projects, s.projects[id].project)
	}
	return Snapshot{Projects: projects, ActiveID: s.activeID, Version: s.version}
}

// Load replaces the store content with snap. Projects that fail validation
// or collide on id or path are skipped and reported in the returned error;
// the rest are loaded.
func (s *Store) Load(snap Snapshot) error {
	var errs []error
	projects := make(map[string]*entry, len(snap.Projects))
	order := make([]string, 0, len(snap.Projects))
	paths := make(map[string]bool, len(snap.Projects))

	for _, p := range snap.Projects {
		if p == nil {
			continue
		}
		if p.ID == "" || p.Path == "" {
			errs = append(errs, fmt.Errorf("skipping project with missing id or path (%q, %q)", p.ID, p.Path))
			continue
		}
		if _, dup := projects[p.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateID, p.ID))
			continue
		}
		if paths[p.Path] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicatePath, p.Path))
			continue
		}
		paths[p.Path] = true
		projects[p.ID] = &entry{project: p.Clone(), version: 1}
		order = append(order, p.ID)
	}

	activeID := snap.ActiveID
	if _, ok := projects[activeID]; !ok {
		activeID = ""
	}

	s.mu.Lock()
	s.projects = projects
	s.order = order
	s.activeID = activeID
	s.version++
	c := Change{Kind: ChangeLoaded, Version: s.version}
	s.enqueue(c)
	s.mu.Unlock()

	s.deliver()
	return errors.Join(errs...)
}
