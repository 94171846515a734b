package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bmad-dash/bmd/internal/schema"
)

func testProject(id, path string) *schema.Project {
	return &schema.Project{
		ID:           id,
		Path:         path,
		Name:         id,
		CurrentPhase: schema.PhaseImplementation,
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Epics: []schema.Epic{
			{
				ID: "e1", Number: 1, Title: "One", Status: schema.EpicInProgress,
				Stories: []schema.Story{
					{ID: "s1", EpicID: "e1", Number: "1.1", Status: schema.StoryDone},
					{ID: "s2", EpicID: "e1", Number: "1.2", Status: schema.StoryBacklog},
				},
			},
			{ID: "e2", Number: 2, Title: "Two", Status: schema.EpicBacklog, Stories: []schema.Story{}},
		},
	}
}

func setupStore(t *testing.T, projects ...*schema.Project) *Store {
	t.Helper()
	s := New()
	for _, p := range projects {
		if err := s.Add(p); err != nil {
			t.Fatalf("Add(%s) error = %v", p.ID, err)
		}
	}
	return s
}

func TestStore_Add(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))

	tests := []struct {
		name    string
		project *schema.Project
		wantErr error
	}{
		{"duplicate id", testProject("p1", "/b"), ErrDuplicateID},
		{"duplicate path", testProject("p2", "/a"), ErrDuplicatePath},
		{"new project", testProject("p3", "/c"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.project)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Add() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Add() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := s.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestStore_AddCopiesInput(t *testing.T) {
	p := testProject("p1", "/a")
	s := setupStore(t, p)

	p.Name = "mutated"
	got, _ := s.Get("p1")
	if got.Name != "p1" {
		t.Errorf("store snapshot changed through caller pointer: %q", got.Name)
	}
}

func TestStore_ListOrderAndRemove(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"), testProject("p2", "/b"), testProject("p3", "/c"))
	if err := s.SetActive("p2"); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	if !s.Remove("p2") {
		t.Fatal("Remove(p2) = false")
	}
	if s.Remove("p2") {
		t.Error("second Remove(p2) = true")
	}

	var ids []string
	for _, p := range s.List() {
		ids = append(ids, p.ID)
	}
	if len(ids) != 2 || ids[0] != "p1" || ids[1] != "p3" {
		t.Errorf("List() ids = %v, want [p1 p3]", ids)
	}
	if _, ok := s.Active(); ok {
		t.Error("active project should be cleared after removing it")
	}
}

func TestStore_SetActiveUnknown(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))
	if err := s.SetActive("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive(nope) error = %v, want ErrNotFound", err)
	}
	if err := s.SetActive(""); err != nil {
		t.Errorf("SetActive(\"\") error = %v", err)
	}
}

func TestStore_Resolve(t *testing.T) {
	a, b, c := testProject("p1", "/src/shop"), testProject("p2", "/src/blog"), testProject("p3", "/other/blog")
	a.Name, b.Name, c.Name = "shop", "blog", "Blog"
	s := setupStore(t, a, b, c)

	tests := []struct {
		ref     string
		wantID  string
		wantErr error
	}{
		{"p2", "p2", nil},
		{"/other/blog", "p3", nil},
		{"SHOP", "p1", nil},
		{"blog", "", ErrAmbiguous},
		{"nope", "", ErrNotFound},
	}
	for _, tt := range tests {
		p, err := s.Resolve(tt.ref)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.ref, err, tt.wantErr)
			}
			continue
		}
		if err != nil || p.ID != tt.wantID {
			t.Errorf("Resolve(%q) = %v, %v, want %s", tt.ref, p, err, tt.wantID)
		}
	}
}

func TestStore_SetStoryStatus(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))
	before, _ := s.Get("p1")
	version := s.Version()

	if !s.SetStoryStatus("p1", "e1", "s2", schema.StoryReview) {
		t.Fatal("SetStoryStatus() = false, want true")
	}
	after, _ := s.Get("p1")
	if after == before {
		t.Error("snapshot pointer unchanged after mutation")
	}
	if got := after.Epics[0].Stories[1].Status; got != schema.StoryReview {
		t.Errorf("status = %q, want review", got)
	}
	if before.Epics[0].Stories[1].Status != schema.StoryBacklog {
		t.Error("previous snapshot was mutated in place")
	}
	if s.Version() != version+1 {
		t.Errorf("Version() = %d, want %d", s.Version(), version+1)
	}
	if v, _ := s.ProjectVersion("p1"); v != 2 {
		t.Errorf("ProjectVersion() = %d, want 2", v)
	}
}

func TestStore_NoOpOnMissingEntity(t *testing.T) {
	tests := []struct {
		name string
		op   func(s *Store) bool
	}{
		{"unknown project", func(s *Store) bool { return s.SetStoryStatus("zz", "e1", "s1", schema.StoryReview) }},
		{"unknown epic", func(s *Store) bool { return s.SetStoryStatus("p1", "zz", "s1", schema.StoryReview) }},
		{"unknown story", func(s *Store) bool { return s.SetStoryStatus("p1", "e1", "zz", schema.StoryReview) }},
		{"story wrong epic", func(s *Store) bool { return s.SetStoryStatus("p1", "e2", "s1", schema.StoryReview) }},
		{"same story status", func(s *Store) bool { return s.SetStoryStatus("p1", "e1", "s1", schema.StoryDone) }},
		{"unknown epic status", func(s *Store) bool { return s.SetEpicStatus("p1", "zz", schema.EpicDone) }},
		{"same epic status", func(s *Store) bool { return s.SetEpicStatus("p1", "e1", schema.EpicInProgress) }},
		{"empty fields", func(s *Store) bool { return s.UpdateFields("p1", schema.Fields{}) }},
		{"update unknown project", func(s *Store) bool {
			name := "x"
			return s.UpdateFields("zz", schema.Fields{Name: &name})
		}},
		{"move missing destination", func(s *Store) bool { return s.MoveStory("p1", "s1", "e1", "zz") }},
		{"move missing source", func(s *Store) bool { return s.MoveStory("p1", "s1", "zz", "e2") }},
		{"move missing story", func(s *Store) bool { return s.MoveStory("p1", "zz", "e1", "e2") }},
		{"move onto same epic", func(s *Store) bool { return s.MoveStory("p1", "s1", "e1", "e1") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupStore(t, testProject("p1", "/a"))
			before, _ := s.Get("p1")
			version := s.Version()

			var notified bool
			s.Subscribe(func(Change) { notified = true })

			if tt.op(s) {
				t.Error("operation reported a change")
			}
			after, _ := s.Get("p1")
			if after != before {
				t.Error("snapshot pointer changed")
			}
			if s.Version() != version {
				t.Errorf("Version() = %d, want %d", s.Version(), version)
			}
			if notified {
				t.Error("listener notified for a no-op")
			}
		})
	}
}

func TestStore_MoveStory(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))

	if !s.MoveStory("p1", "s1", "e1", "e2") {
		t.Fatal("MoveStory() = false")
	}
	p, _ := s.Get("p1")

	if p.Epics[0].StoryIndex("s1") >= 0 {
		t.Error("story still present in source epic")
	}
	count := 0
	for _, st := range p.Epics[1].Stories {
		if st.ID == "s1" {
			count++
			if st.EpicID != "e2" {
				t.Errorf("EpicID = %q, want e2", st.EpicID)
			}
		}
	}
	if count != 1 {
		t.Errorf("story appears %d times in destination, want 1", count)
	}
	if len(p.Epics[0].Stories) != 1 || p.Epics[0].Stories[0].ID != "s2" {
		t.Errorf("source stories = %+v, want only s2", p.Epics[0].Stories)
	}
}

func TestStore_UpdateFieldsKeepsIdentity(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))
	before, _ := s.Get("p1")

	docs := "/a/docs"
	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	if !s.UpdateFields("p1", schema.Fields{DocsPath: &docs, Epics: []schema.Epic{}}) {
		t.Fatal("UpdateFields() = false")
	}
	after, _ := s.Get("p1")
	if after.ID != before.ID || !after.CreatedAt.Equal(before.CreatedAt) || after.Path != before.Path {
		t.Error("identity fields changed")
	}
	if after.DocsPath != docs || len(after.Epics) != 0 {
		t.Errorf("fields not applied: docs=%q epics=%d", after.DocsPath, len(after.Epics))
	}
	if len(changes) != 1 || !changes[0].WatchTargetChanged() {
		t.Errorf("changes = %+v, want one watch target change", changes)
	}
}

func TestStore_SnapshotLoad(t *testing.T) {
	src := setupStore(t, testProject("p1", "/a"), testProject("p2", "/b"))
	if err := src.SetActive("p2"); err != nil {
		t.Fatal(err)
	}
	snap := src.Snapshot()

	dst := New()
	var loaded bool
	dst.Subscribe(func(c Change) { loaded = c.Kind == ChangeLoaded })

	bad := snap
	bad.Projects = append(append([]*schema.Project{}, snap.Projects...), testProject("p3", "/a"))
	err := dst.Load(bad)
	if !errors.Is(err, ErrDuplicatePath) {
		t.Errorf("Load() error = %v, want ErrDuplicatePath", err)
	}
	if !loaded {
		t.Error("listener not notified of load")
	}
	if dst.Len() != 2 {
		t.Errorf("Len() = %d, want 2", dst.Len())
	}
	active, ok := dst.Active()
	if !ok || active.ID != "p2" {
		t.Errorf("Active() = %v, %v, want p2", active, ok)
	}
}

func TestStore_ConcurrentReadersSeeWholeMutations(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, _ := s.Get("p1")
				n := 0
				for _, e := range p.Epics {
					n += len(e.Stories)
				}
				if n != 2 {
					t.Errorf("reader saw %d stories, want 2", n)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			s.MoveStory("p1", "s1", "e1", "e2")
		} else {
			s.MoveStory("p1", "s1", "e2", "e1")
		}
	}
	close(stop)
	wg.Wait()
}

func TestStore_UpdateFieldsCopiesInput(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))

	epics := []schema.Epic{{
		ID: "e1", Number: 1, Title: "One",
		Stories: []schema.Story{{ID: "s1", EpicID: "e1", Number: "1.1", Status: schema.StoryBacklog}},
	}}
	if !s.UpdateFields("p1", schema.Fields{Epics: epics}) {
		t.Fatal("UpdateFields() = false")
	}
	version := s.Version()

	epics[0].Stories[0].Status = schema.StoryDone
	epics[0].Title = "Changed"

	got, _ := s.Get("p1")
	if got.Epics[0].Stories[0].Status != schema.StoryBacklog || got.Epics[0].Title != "One" {
		t.Errorf("stored epic changed through caller's slice: %+v", got.Epics[0])
	}
	if s.Version() != version {
		t.Errorf("Version() = %d, want %d", s.Version(), version)
	}
}

func TestStore_ChangesDeliveredInOrder(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))

	var (
		mu         sync.Mutex
		last       uint64
		inversions int
		deliveries int
	)
	s.Subscribe(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		deliveries++
		if c.Version <= last {
			inversions++
		}
		last = c.Version
	})

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				desc := time.Now().String()
				s.UpdateFields("p1", schema.Fields{Description: &desc})
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if deliveries != workers*perWorker {
		t.Errorf("deliveries = %d, want %d", deliveries, workers*perWorker)
	}
	if inversions != 0 {
		t.Errorf("listener saw %d version inversions", inversions)
	}
	if last != s.Version() {
		t.Errorf("last delivered version = %d, want %d", last, s.Version())
	}
}

func TestStore_ListenerMayMutate(t *testing.T) {
	s := setupStore(t, testProject("p1", "/a"))

	var kinds []ChangeKind
	s.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
		if c.Kind == ChangeUpdated {
			if err := s.SetActive("p1"); err != nil {
				t.Errorf("SetActive() error = %v", err)
			}
		}
	})

	s.SetEpicStatus("p1", "e2", schema.EpicInProgress)
	want := []ChangeKind{ChangeUpdated, ChangeActive}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}
