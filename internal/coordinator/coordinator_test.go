package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bmad-dash/bmd/internal/events"
	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/store"
)

// fakeParser returns a fixed snapshot per path. When gate is non-nil every
// call blocks until it is closed.
type fakeParser struct {
	mu       sync.Mutex
	calls    atomic.Int32
	started  chan string
	gate     chan struct{}
	results  map[string]*schema.Project
	failures map[string]error
	hints    []string
}

func newFakeParser() *fakeParser {
	return &fakeParser{
		started:  make(chan string, 64),
		results:  make(map[string]*schema.Project),
		failures: make(map[string]error),
	}
}

func (f *fakeParser) ParseProject(ctx context.Context, projectPath, docsPathHint string) (*schema.Project, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.hints = append(f.hints, docsPathHint)
	gate := f.gate
	f.mu.Unlock()

	f.started <- projectPath
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[projectPath]; err != nil {
		return nil, err
	}
	if p, ok := f.results[projectPath]; ok {
		return p.Clone(), nil
	}
	return &schema.Project{
		ID:           "parser-generated",
		Path:         projectPath,
		CurrentPhase: schema.PhaseAnalysis,
		CreatedAt:    time.Now(),
	}, nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	active  map[string]string
	fail    map[string]bool
	starts  int
	stopAll int
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{active: make(map[string]string), fail: make(map[string]bool)}
}

func (w *fakeWatcher) StartWatch(projectID, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts++
	if w.fail[path] {
		return fmt.Errorf("cannot watch %s", path)
	}
	w.active[projectID] = path
	return nil
}

func (w *fakeWatcher) StopWatch(projectID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, projectID)
	return nil
}

func (w *fakeWatcher) StopAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopAll++
	clear(w.active)
	return nil
}

func (w *fakeWatcher) snapshot() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.active))
	for k, v := range w.active {
		out[k] = v
	}
	return out
}

type fakeNotifier struct {
	mu        sync.Mutex
	failed    []string
	started   []string
	succeeded []string
}

func (n *fakeNotifier) RefreshSucceeded(projectID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeeded = append(n.succeeded, projectID)
}

func (n *fakeNotifier) RefreshFailed(projectID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, projectID)
}

func (n *fakeNotifier) RefreshStarted(projectID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, projectID)
}

type fixture struct {
	store    *store.Store
	parser   *fakeParser
	watcher  *fakeWatcher
	notifier *fakeNotifier
	coord    *Coordinator
}

func setupCoordinator(t *testing.T, projects ...*schema.Project) *fixture {
	t.Helper()

	st := store.New()
	for _, p := range projects {
		if err := st.Add(p); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	f := &fixture{
		store:    st,
		parser:   newFakeParser(),
		watcher:  newFakeWatcher(),
		notifier: &fakeNotifier{},
	}
	cfg := &Config{InitialConcurrency: 2, Logger: log.New(io.Discard, "", 0)}
	c, err := NewWithConfig(st, f.parser, f.watcher, f.notifier, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	f.coord = c
	t.Cleanup(c.Shutdown)
	return f
}

func tracked(id, path, docsPath string) *schema.Project {
	return &schema.Project{
		ID:           id,
		Path:         path,
		DocsPath:     docsPath,
		Name:         id,
		CurrentPhase: schema.PhaseAnalysis,
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewWithConfig_Validation(t *testing.T) {
	st := store.New()
	tests := []struct {
		name    string
		store   *store.Store
		parser  Parser
		watcher Watcher
	}{
		{"nil store", nil, newFakeParser(), newFakeWatcher()},
		{"nil parser", st, nil, newFakeWatcher()},
		{"nil watcher", st, newFakeParser(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithConfig(tt.store, tt.parser, tt.watcher, nil, nil); err == nil {
				t.Error("NewWithConfig() error = nil, want error")
			}
		})
	}
}

func TestRefresh_CoalescesConcurrentRequests(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", ""))
	f.parser.gate = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.coord.Refresh(context.Background(), "p1")
		results <- err
	}()
	<-f.parser.started
	waitFor(t, func() bool { return f.coord.InFlight("p1") })

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Refresh(context.Background(), "p1")
			results <- err
		}()
	}
	// Give the joiners time to reach the singleflight group.
	time.Sleep(50 * time.Millisecond)
	close(f.parser.gate)
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("Refresh() error = %v", err)
		}
	}
	if got := f.parser.calls.Load(); got != 1 {
		t.Errorf("parser called %d times, want 1", got)
	}
	if f.coord.InFlight("p1") {
		t.Error("project still in flight after completion")
	}
}

func TestRefresh_PreservesIdentity(t *testing.T) {
	before := tracked("p1", "/src/p1", "")
	f := setupCoordinator(t, before)

	parsed := &schema.Project{
		ID:           "random-new-id",
		Path:         "/src/p1",
		DocsPath:     "/src/p1/bmad-docs",
		Name:         "Shop",
		CurrentPhase: schema.PhaseImplementation,
		CreatedAt:    time.Now(),
		LastActivity: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Epics: []schema.Epic{{ID: "e1", Number: 1, Status: schema.EpicInProgress, Stories: []schema.Story{
			{ID: "s1", EpicID: "e1", Number: "1.1", Status: schema.StoryReview},
		}}},
		Documents: []schema.Document{{ID: "d1", Type: schema.DocPRD}},
	}
	f.parser.results["/src/p1"] = parsed

	got, err := f.coord.Refresh(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got.ID != "p1" || !got.CreatedAt.Equal(before.CreatedAt) || got.Path != before.Path {
		t.Errorf("identity changed: id=%s createdAt=%v path=%s", got.ID, got.CreatedAt, got.Path)
	}
	want := parsed.Clone()
	want.ID = before.ID
	want.CreatedAt = before.CreatedAt
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("structural fields mismatch (-want +got):\n%s", diff)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.started) != 1 {
		t.Errorf("RefreshStarted called %d times, want 1", len(f.notifier.started))
	}
}

func TestRefresh_DocsPathFallsBack(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", "/src/p1/docs"))
	f.parser.results["/src/p1"] = &schema.Project{Path: "/src/p1", CurrentPhase: schema.PhasePlanning}

	got, err := f.coord.Refresh(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got.DocsPath != "/src/p1/docs" {
		t.Errorf("DocsPath = %q, want previous value", got.DocsPath)
	}
	if len(f.parser.hints) != 1 || f.parser.hints[0] != "/src/p1/docs" {
		t.Errorf("parser hints = %v, want [/src/p1/docs]", f.parser.hints)
	}
}

func TestRefresh_FailureLeavesStoreUntouched(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", ""))
	f.parser.failures["/src/p1"] = errors.New("not a project")

	before, _ := f.store.Get("p1")
	version := f.store.Version()

	_, err := f.coord.Refresh(context.Background(), "p1")
	if err == nil {
		t.Fatal("Refresh() error = nil, want error")
	}

	after, _ := f.store.Get("p1")
	if after != before || f.store.Version() != version {
		t.Error("store changed after failed refresh")
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.failed) != 1 || f.notifier.failed[0] != "p1" {
		t.Errorf("notifier failures = %v, want [p1]", f.notifier.failed)
	}
	if got := f.parser.calls.Load(); got != 1 {
		t.Errorf("parser called %d times, want 1 (no retries)", got)
	}
}

func TestRefresh_RemovedMidRefreshIsDiscarded(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", ""))
	f.parser.gate = make(chan struct{})

	done := make(chan struct{})
	var (
		got *schema.Project
		err error
	)
	go func() {
		defer close(done)
		got, err = f.coord.Refresh(context.Background(), "p1")
	}()

	<-f.parser.started
	f.store.Remove("p1")
	close(f.parser.gate)
	<-done

	if err != nil || got != nil {
		t.Errorf("Refresh() = %v, %v, want nil, nil", got, err)
	}
	if _, ok := f.store.Get("p1"); ok {
		t.Error("removed project came back")
	}
}

func TestRefresh_UnknownProject(t *testing.T) {
	f := setupCoordinator(t)
	if _, err := f.coord.Refresh(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Refresh(nope) error = %v, want ErrNotFound", err)
	}
}

func TestRefresh_CallerContextOnlyBoundsWait(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", ""))
	f.parser.gate = make(chan struct{})
	f.parser.results["/src/p1"] = &schema.Project{Name: "Renamed", CurrentPhase: schema.PhasePlanning}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.coord.Refresh(ctx, "p1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Refresh() error = %v, want DeadlineExceeded", err)
	}

	close(f.parser.gate)
	waitFor(t, func() bool {
		p, _ := f.store.Get("p1")
		return p.Name == "Renamed"
	})
}

func TestInitialLoad_OnceAndIsolated(t *testing.T) {
	f := setupCoordinator(t,
		tracked("p1", "/src/p1", ""),
		tracked("p2", "/src/p2", ""),
		tracked("p3", "/src/p3", ""),
	)
	f.parser.failures["/src/p2"] = errors.New("broken")

	res, err := f.coord.InitialLoad(context.Background())
	if err != nil {
		t.Fatalf("InitialLoad() error = %v", err)
	}
	if res.Refreshed != 2 || res.Failed != 1 {
		t.Errorf("InitialLoad() = %+v, want 2 refreshed 1 failed", res)
	}

	if _, err := f.coord.InitialLoad(context.Background()); !errors.Is(err, ErrInitialLoadDone) {
		t.Errorf("second InitialLoad() error = %v, want ErrInitialLoadDone", err)
	}
	if got := f.parser.calls.Load(); got != 3 {
		t.Errorf("parser called %d times, want 3", got)
	}

	if _, err := f.coord.RefreshAll(context.Background()); err == nil {
		t.Error("RefreshAll() error = nil, want joined failure")
	}
	if got := f.parser.calls.Load(); got != 6 {
		t.Errorf("parser called %d times after RefreshAll, want 6", got)
	}
}

func TestReconcile_Converges(t *testing.T) {
	f := setupCoordinator(t,
		tracked("p1", "/src/p1", ""),
		tracked("p2", "/src/p2", "/src/p2/docs"),
	)
	f.coord.Reconcile()

	want := map[string]string{"p1": "/src/p1", "p2": "/src/p2/docs"}
	if diff := cmp.Diff(want, f.watcher.snapshot()); diff != "" {
		t.Fatalf("watches mismatch (-want +got):\n%s", diff)
	}

	steps := []struct {
		name  string
		apply func()
		want  map[string]string
	}{
		{
			name:  "add project",
			apply: func() { _ = f.store.Add(tracked("p3", "/src/p3", "")) },
			want:  map[string]string{"p1": "/src/p1", "p2": "/src/p2/docs", "p3": "/src/p3"},
		},
		{
			name:  "remove project",
			apply: func() { f.store.Remove("p1") },
			want:  map[string]string{"p2": "/src/p2/docs", "p3": "/src/p3"},
		},
		{
			name: "clear docs path",
			apply: func() {
				empty := ""
				f.store.UpdateFields("p2", schema.Fields{DocsPath: &empty})
			},
			want: map[string]string{"p2": "/src/p2", "p3": "/src/p3"},
		},
		{
			name: "status change does not re-arm",
			apply: func() {
				name := "other"
				f.store.UpdateFields("p3", schema.Fields{Name: &name})
			},
			want: map[string]string{"p2": "/src/p2", "p3": "/src/p3"},
		},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			step.apply()
			if diff := cmp.Diff(step.want, f.watcher.snapshot()); diff != "" {
				t.Errorf("watches mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(step.want, f.coord.Bindings()); diff != "" {
				t.Errorf("bindings mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReconcile_StartFailureLeavesProjectUnwatched(t *testing.T) {
	f := setupCoordinator(t,
		tracked("p1", "/src/p1", ""),
		tracked("p2", "/gone", ""),
	)
	f.watcher.fail["/gone"] = true

	f.coord.Reconcile()

	want := map[string]string{"p1": "/src/p1"}
	if diff := cmp.Diff(want, f.coord.Bindings()); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
}

// Project tracked at /d1 moves to /d2: exactly one binding remains, on /d2.
func TestReconcile_DocsPathMove(t *testing.T) {
	f := setupCoordinator(t, tracked("p", "/proj", "/d1"))
	f.coord.Reconcile()

	if got := f.coord.Bindings()["p"]; got != "/d1" {
		t.Fatalf("binding = %q, want /d1", got)
	}

	d2 := "/d2"
	if !f.store.UpdateFields("p", schema.Fields{DocsPath: &d2}) {
		t.Fatal("UpdateFields() = false")
	}

	want := map[string]string{"p": "/d2"}
	if diff := cmp.Diff(want, f.coord.Bindings()); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, f.watcher.snapshot()); diff != "" {
		t.Errorf("watches mismatch (-want +got):\n%s", diff)
	}
}

func TestAttach_EventDrivenRefresh(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", ""))
	f.parser.results["/src/p1"] = &schema.Project{Name: "From event", CurrentPhase: schema.PhasePlanning}

	bus := events.NewBus(events.Config{Logger: log.New(io.Discard, "", 0)})
	defer bus.Close()

	if err := f.coord.Attach(bus); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := f.coord.Attach(bus); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach() error = %v, want ErrAlreadyAttached", err)
	}

	bus.Publish(events.ChangeEvent{ProjectID: "untracked", Path: "/x.md", Kind: events.KindModify})
	bus.Publish(events.ChangeEvent{ProjectID: "p1", Path: "/src/p1/prd.md", Kind: events.KindModify})

	waitFor(t, func() bool {
		p, _ := f.store.Get("p1")
		return p.Name == "From event"
	})
	if got := f.parser.calls.Load(); got != 1 {
		t.Errorf("parser called %d times, want 1", got)
	}
}

func TestAttach_EventsDroppedWhileRefreshing(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", ""))
	f.parser.gate = make(chan struct{})

	bus := events.NewBus(events.Config{Logger: log.New(io.Discard, "", 0)})
	defer bus.Close()
	if err := f.coord.Attach(bus); err != nil {
		t.Fatal(err)
	}

	bus.Publish(events.ChangeEvent{ProjectID: "p1", Kind: events.KindModify})
	<-f.parser.started
	for i := 0; i < 5; i++ {
		bus.Publish(events.ChangeEvent{ProjectID: "p1", Kind: events.KindModify})
	}
	time.Sleep(50 * time.Millisecond)
	close(f.parser.gate)

	waitFor(t, func() bool { return !f.coord.InFlight("p1") })
	if got := f.parser.calls.Load(); got != 1 {
		t.Errorf("parser called %d times, want 1", got)
	}
}

func TestShutdown(t *testing.T) {
	f := setupCoordinator(t, tracked("p1", "/src/p1", ""))
	f.coord.Reconcile()

	f.coord.Shutdown()
	f.coord.Shutdown()

	if f.watcher.stopAll != 1 {
		t.Errorf("StopAll called %d times, want 1", f.watcher.stopAll)
	}
	if len(f.coord.Bindings()) != 0 {
		t.Errorf("Bindings() = %v, want empty", f.coord.Bindings())
	}

	// Store changes after shutdown must not start new watches.
	_ = f.store.Add(tracked("p2", "/src/p2", ""))
	if len(f.watcher.snapshot()) != 0 {
		t.Errorf("watches after shutdown = %v", f.watcher.snapshot())
	}
	if _, err := f.coord.Refresh(context.Background(), "p1"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Refresh() after shutdown error = %v, want ErrShutdown", err)
	}
}

func TestNotifiers_FanOut(t *testing.T) {
	a, b := &fakeNotifier{}, &fakeNotifier{}
	st := store.New()
	if err := st.Add(tracked("p1", "/src/p1", "")); err != nil {
		t.Fatal(err)
	}
	if err := st.Add(tracked("p2", "/src/p2", "")); err != nil {
		t.Fatal(err)
	}
	parser := newFakeParser()
	parser.failures["/src/p2"] = errors.New("broken")

	cfg := &Config{InitialConcurrency: 1, Logger: log.New(io.Discard, "", 0)}
	c, err := NewWithConfig(st, parser, newFakeWatcher(), Notifiers{a, b}, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	defer c.Shutdown()

	if _, err := c.Refresh(context.Background(), "p1"); err != nil {
		t.Fatalf("Refresh(p1) error = %v", err)
	}
	if _, err := c.Refresh(context.Background(), "p2"); err == nil {
		t.Fatal("Refresh(p2) error = nil, want error")
	}

	for _, n := range []*fakeNotifier{a, b} {
		n.mu.Lock()
		if diff := cmp.Diff([]string{"p1", "p2"}, n.started); diff != "" {
			t.Errorf("started mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"p1"}, n.succeeded); diff != "" {
			t.Errorf("succeeded mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"p2"}, n.failed); diff != "" {
			t.Errorf("failed mismatch (-want +got):\n%s", diff)
		}
		n.mu.Unlock()
	}
}

type emptyParser struct{}

func (emptyParser) ParseProject(context.Context, string, string) (*schema.Project, error) {
	return nil, nil
}

func TestRefresh_EmptySnapshotIsLoggedFailure(t *testing.T) {
	st := store.New()
	if err := st.Add(tracked("p1", "/src/p1", "")); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	notifier := &fakeNotifier{}
	c, err := NewWithConfig(st, emptyParser{}, newFakeWatcher(), notifier, &Config{Logger: log.New(&buf, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	if _, err := c.Refresh(context.Background(), "p1"); err == nil {
		t.Fatal("Refresh() error = nil, want error")
	}
	if !strings.Contains(buf.String(), "WARNING: failed to refresh project p1") {
		t.Errorf("log = %q, want a WARNING line", buf.String())
	}
	if len(notifier.failed) != 1 {
		t.Errorf("notifier failures = %v, want [p1]", notifier.failed)
	}
}
