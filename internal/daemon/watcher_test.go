package daemon

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"

	"github.com/bmad-dash/bmd/internal/events"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []events.ChangeEvent
}

func (p *fakePublisher) Publish(e events.ChangeEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return true
}

func (p *fakePublisher) snapshot() []events.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.ChangeEvent(nil), p.events...)
}

func newTestWatchManager(t *testing.T, debounce time.Duration) (*WatchManager, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	m, err := NewWatchManager(pub, &WatcherConfig{Debounce: debounce, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("NewWatchManager() failed: %v", err)
	}
	t.Cleanup(func() { m.StopAll() })
	return m, pub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConvertEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    fsnotify.Event
		wantKind events.ChangeKind
		wantOK   bool
	}{
		{"create markdown", fsnotify.Event{Name: "/d/prd.md", Op: fsnotify.Create}, events.KindCreate, true},
		{"write yaml", fsnotify.Event{Name: "/d/sprint-status.yaml", Op: fsnotify.Write}, events.KindModify, true},
		{"write yml", fsnotify.Event{Name: "/d/x.YML", Op: fsnotify.Write}, events.KindModify, true},
		{"remove", fsnotify.Event{Name: "/d/epic-1.md", Op: fsnotify.Remove}, events.KindRemove, true},
		{"rename", fsnotify.Event{Name: "/d/epic-1.md", Op: fsnotify.Rename}, events.KindRemove, true},
		{"chmod ignored", fsnotify.Event{Name: "/d/prd.md", Op: fsnotify.Chmod}, "", false},
		{"other extension", fsnotify.Event{Name: "/d/notes.txt", Op: fsnotify.Write}, "", false},
		{"no extension", fsnotify.Event{Name: "/d/Makefile", Op: fsnotify.Create}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := convertEvent("p1", tt.event, nil)
			if ok != tt.wantOK {
				t.Fatalf("convertEvent() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			want := events.ChangeEvent{ProjectID: "p1", Path: tt.event.Name, Kind: tt.wantKind}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("convertEvent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConvertEvent_CustomExtensions(t *testing.T) {
	exts := extensionSet([]string{"TXT", ".md"})
	if _, ok := convertEvent("p1", fsnotify.Event{Name: "/d/notes.txt", Op: fsnotify.Write}, exts); !ok {
		t.Error("txt should be watched")
	}
	if _, ok := convertEvent("p1", fsnotify.Event{Name: "/d/sprint-status.yaml", Op: fsnotify.Write}, exts); ok {
		t.Error("yaml should not be watched with a custom extension list")
	}
}

func TestThrottle(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th := &throttle{window: 500 * time.Millisecond}
	ev := func(path string) events.ChangeEvent {
		return events.ChangeEvent{ProjectID: "p1", Path: path, Kind: events.KindModify}
	}

	if _, emit := th.offer(ev("a"), base); !emit {
		t.Fatal("first event should pass through")
	}
	if _, emit := th.offer(ev("b"), base.Add(100*time.Millisecond)); emit {
		t.Error("event inside the window should be held")
	}
	if _, emit := th.offer(ev("c"), base.Add(200*time.Millisecond)); emit {
		t.Error("event inside the window should be held")
	}
	if got := th.wait(base.Add(200 * time.Millisecond)); got != 300*time.Millisecond {
		t.Errorf("wait() = %v, want 300ms", got)
	}

	out, ok := th.flush(base.Add(500 * time.Millisecond))
	if !ok || out.Path != "c" {
		t.Errorf("flush() = %+v, %v, want newest held event c", out, ok)
	}
	if _, ok := th.flush(base.Add(600 * time.Millisecond)); ok {
		t.Error("second flush() should have nothing to emit")
	}

	// The flush restarts the window.
	if _, emit := th.offer(ev("d"), base.Add(700*time.Millisecond)); emit {
		t.Error("event inside the restarted window should be held")
	}
	if _, emit := th.offer(ev("e"), base.Add(1100*time.Millisecond)); !emit {
		t.Error("event after the window should pass through")
	}
	if _, ok := th.flush(base.Add(1200 * time.Millisecond)); ok {
		t.Error("passing an event through should drop the held one")
	}
}

func TestWatchManager_StartWatchErrors(t *testing.T) {
	m, _ := newTestWatchManager(t, 0)
	dir := t.TempDir()
	file := filepath.Join(dir, "file.md")
	if err := os.WriteFile(file, []byte("# x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{filepath.Join(dir, "missing"), file} {
		err := m.StartWatch("p1", path)
		var we *WatchError
		if !errors.As(err, &we) {
			t.Fatalf("StartWatch(%s) error = %v, want *WatchError", path, err)
		}
		if we.ProjectID != "p1" || we.Op != "start" {
			t.Errorf("WatchError = %+v", we)
		}
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestWatchManager_StopWatchIdempotent(t *testing.T) {
	m, _ := newTestWatchManager(t, 0)
	dir := t.TempDir()

	if err := m.StopWatch("never-started"); err != nil {
		t.Errorf("StopWatch() on unknown id error = %v", err)
	}
	if err := m.StartWatch("p1", dir); err != nil {
		t.Fatalf("StartWatch() failed: %v", err)
	}
	if err := m.StopWatch("p1"); err != nil {
		t.Errorf("StopWatch() error = %v", err)
	}
	if err := m.StopWatch("p1"); err != nil {
		t.Errorf("second StopWatch() error = %v", err)
	}
	if _, ok := m.Watching("p1"); ok {
		t.Error("p1 should not be watched after StopWatch")
	}
}

func TestWatchManager_StartWatchReplaces(t *testing.T) {
	m, pub := newTestWatchManager(t, 0)
	first, second := t.TempDir(), t.TempDir()

	if err := m.StartWatch("p1", first); err != nil {
		t.Fatalf("StartWatch(first) failed: %v", err)
	}
	if err := m.StartWatch("p1", second); err != nil {
		t.Fatalf("StartWatch(second) failed: %v", err)
	}
	if root, _ := m.Watching("p1"); root != second {
		t.Errorf("Watching() = %q, want %q", root, second)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	if err := os.WriteFile(filepath.Join(first, "old.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(second, "new.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(pub.snapshot()) > 0 })
	time.Sleep(50 * time.Millisecond)

	for _, e := range pub.snapshot() {
		if filepath.Dir(e.Path) != second {
			t.Errorf("event from replaced watch: %+v", e)
		}
	}
}

func TestWatchManager_PublishesRecursiveChanges(t *testing.T) {
	m, pub := newTestWatchManager(t, 0)
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "stories"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := m.StartWatch("p1", dir); err != nil {
		t.Fatalf("StartWatch() failed: %v", err)
	}

	story := filepath.Join(dir, "stories", "1-1-setup.md")
	if err := os.WriteFile(story, []byte("# Setup\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		for _, e := range pub.snapshot() {
			if e.Path == story && e.ProjectID == "p1" {
				return true
			}
		}
		return false
	})

	// Directories created after the watch started are picked up.
	nested := filepath.Join(dir, "epics")
	if err := os.Mkdir(nested, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	epic := filepath.Join(nested, "epic-1.md")
	if err := os.WriteFile(epic, []byte("# Epic\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		for _, e := range pub.snapshot() {
			if e.Path == epic {
				return true
			}
		}
		return false
	})

	ignored := filepath.Join(dir, "node_modules", "readme.md")
	if err := os.WriteFile(ignored, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	for _, e := range pub.snapshot() {
		if e.Path == ignored || filepath.Ext(e.Path) == ".txt" {
			t.Errorf("unexpected event %+v", e)
		}
	}
}

func TestWatchManager_DebounceKeepsLastEvent(t *testing.T) {
	m, pub := newTestWatchManager(t, 300*time.Millisecond)
	dir := t.TempDir()
	if err := m.StartWatch("p1", dir); err != nil {
		t.Fatalf("StartWatch() failed: %v", err)
	}

	first := filepath.Join(dir, "a.md")
	last := filepath.Join(dir, "z.md")
	if err := os.WriteFile(first, []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "b.md"), []byte{byte('0' + i)}, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(last, []byte("2"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		got := pub.snapshot()
		return len(got) > 0 && got[len(got)-1].Path == last
	})
	if got := pub.snapshot(); len(got) > 3 {
		t.Errorf("published %d events for one burst, want at most 3: %+v", len(got), got)
	}
}

func TestWatchManager_StopAll(t *testing.T) {
	m, _ := newTestWatchManager(t, 0)
	for _, id := range []string{"p1", "p2", "p3"} {
		if err := m.StartWatch(id, t.TempDir()); err != nil {
			t.Fatalf("StartWatch(%s) failed: %v", id, err)
		}
	}
	if err := m.StopAll(); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}
