package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bmad-dash/bmd/internal/events"
)

// DefaultDebounce is the per-project window after an emitted event during
// which further events are held back.
const DefaultDebounce = 500 * time.Millisecond

// Publisher receives change events from the watch manager.
type Publisher interface {
	Publish(e events.ChangeEvent) bool
}

// WatchError reports a failed watch start or stop.
type WatchError struct {
	ProjectID string
	Path      string
	Op        string
	Err       error
}

func (e *WatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to %s watch for project %s: %v", e.Op, e.ProjectID, e.Err)
	}
	return fmt.Sprintf("failed to %s watch for project %s at %s: %v", e.Op, e.ProjectID, e.Path, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}

// WatcherConfig holds watch manager configuration.
type WatcherConfig struct {
	// Debounce is the per-project throttle window
	Debounce time.Duration

	// Extensions are the file extensions that produce change events
	// (default: DefaultExtensions)
	Extensions []string

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		Debounce: DefaultDebounce,
		Logger:   log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// WatchManager keeps one recursive fsnotify watch per project and publishes
// throttled change events for planning files.
type WatchManager struct {
	pub    Publisher
	config *WatcherConfig
	exts   map[string]bool

	mu      sync.Mutex
	watches map[string]*projectWatch
}

// NewWatchManager creates a watch manager that publishes onto pub.
func NewWatchManager(pub Publisher, config *WatcherConfig) (*WatchManager, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if config == nil {
		config = DefaultWatcherConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultWatcherConfig().Logger
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	return &WatchManager{
		pub:     pub,
		config:  config,
		exts:    extensionSet(config.Extensions),
		watches: make(map[string]*projectWatch),
	}, nil
}

// StartWatch watches path recursively for projectID, replacing any watch
// the project already has.
func (m *WatchManager) StartWatch(projectID, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &WatchError{ProjectID: projectID, Path: path, Op: "start", Err: err}
	}
	if !info.IsDir() {
		return &WatchError{ProjectID: projectID, Path: path, Op: "start", Err: fmt.Errorf("not a directory")}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return &WatchError{ProjectID: projectID, Path: path, Op: "start", Err: err}
	}
	w := &projectWatch{
		id:      projectID,
		root:    path,
		fw:      fw,
		pub:     m.pub,
		logger:  m.config.Logger,
		exts:    m.exts,
		limiter: &throttle{window: m.config.Debounce},
		done:    make(chan struct{}),
	}
	if err := w.addRecursive(path); err != nil {
		fw.Close()
		return &WatchError{ProjectID: projectID, Path: path, Op: "start", Err: err}
	}

	m.mu.Lock()
	old := m.watches[projectID]
	m.watches[projectID] = w
	m.mu.Unlock()

	if old != nil {
		if err := old.stop(); err != nil {
			m.config.Logger.Printf("Error closing previous watch for %s: %v", projectID, err)
		}
	}

	w.wg.Add(1)
	go w.run()

	m.config.Logger.Printf("Watching %s for project %s", path, projectID)
	return nil
}

// StopWatch stops the watch for projectID. Stopping an unwatched project is
// not an error.
func (m *WatchManager) StopWatch(projectID string) error {
	m.mu.Lock()
	w := m.watches[projectID]
	delete(m.watches, projectID)
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	if err := w.stop(); err != nil {
		return &WatchError{ProjectID: projectID, Path: w.root, Op: "stop", Err: err}
	}
	return nil
}

// StopAll stops every watch and joins their errors.
func (m *WatchManager) StopAll() error {
	m.mu.Lock()
	watches := m.watches
	m.watches = make(map[string]*projectWatch)
	m.mu.Unlock()

	var errs []error
	for id, w := range watches {
		if err := w.stop(); err != nil {
			errs = append(errs, &WatchError{ProjectID: id, Path: w.root, Op: "stop", Err: err})
		}
	}
	return errors.Join(errs...)
}

// Watching returns the root being watched for projectID.
func (m *WatchManager) Watching(projectID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[projectID]
	if !ok {
		return "", false
	}
	return w.root, true
}

// Len returns the number of active watches.
func (m *WatchManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

type projectWatch struct {
	id      string
	root    string
	fw      *fsnotify.Watcher
	pub     Publisher
	logger  *log.Logger
	exts    map[string]bool
	limiter *throttle

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

func (w *projectWatch) stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
		w.stopErr = w.fw.Close()
		w.wg.Wait()
	})
	return w.stopErr
}

// addRecursive watches dir and every directory below it.
func (w *projectWatch) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && ignoredDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *projectWatch) run() {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !ignoredDir(info.Name()) {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Printf("Error watching new directory %s: %v", ev.Name, err)
					}
					continue
				}
			}

			ce, ok := convertEvent(w.id, ev, w.exts)
			if !ok {
				continue
			}
			now := time.Now()
			if out, emit := w.limiter.offer(ce, now); emit {
				w.publish(out)
			} else if timerC == nil {
				timer = time.NewTimer(w.limiter.wait(now))
				timerC = timer.C
			}

		case <-timerC:
			timerC = nil
			if out, ok := w.limiter.flush(time.Now()); ok {
				w.publish(out)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error for project %s: %v", w.id, err)
		}
	}
}

func (w *projectWatch) publish(e events.ChangeEvent) {
	if !w.pub.Publish(e) {
		w.logger.Printf("Dropped %s event for %s: bus closed", e.Kind, e.Path)
	}
}

// convertEvent maps an fsnotify event to a change event. Only files with a
// watched extension count; chmod is ignored. A nil exts means
// DefaultExtensions.
func convertEvent(projectID string, ev fsnotify.Event, exts map[string]bool) (events.ChangeEvent, bool) {
	if exts == nil {
		exts = defaultExtensionSet
	}
	if !exts[strings.ToLower(filepath.Ext(ev.Name))] {
		return events.ChangeEvent{}, false
	}

	var kind events.ChangeKind
	switch {
	case ev.Has(fsnotify.Create):
		kind = events.KindCreate
	case ev.Has(fsnotify.Write):
		kind = events.KindModify
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = events.KindRemove
	default:
		return events.ChangeEvent{}, false
	}

	return events.ChangeEvent{ProjectID: projectID, Path: ev.Name, Kind: kind}, true
}

// DefaultExtensions are the planning file types BMAD projects use.
var DefaultExtensions = []string{".md", ".yaml", ".yml"}

var defaultExtensionSet = extensionSet(nil)

// extensionSet lowercases exts and adds a missing leading dot.
func extensionSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}
	return set
}

func ignoredDir(name string) bool {
	return name == ".git" || name == "node_modules"
}

// throttle passes the first event through and holds later ones until the
// window since the last emitted event has passed. Only the newest held
// event is kept.
type throttle struct {
	window  time.Duration
	last    time.Time
	pending *events.ChangeEvent
}

func (t *throttle) offer(e events.ChangeEvent, now time.Time) (events.ChangeEvent, bool) {
	if t.last.IsZero() || now.Sub(t.last) >= t.window {
		t.last = now
		t.pending = nil
		return e, true
	}
	t.pending = &e
	return events.ChangeEvent{}, false
}

// wait returns how long until a held event may be flushed.
func (t *throttle) wait(now time.Time) time.Duration {
	d := t.last.Add(t.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (t *throttle) flush(now time.Time) (events.ChangeEvent, bool) {
	if t.pending == nil {
		return events.ChangeEvent{}, false
	}
	e := *t.pending
	t.pending = nil
	t.last = now
	return e, true
}
