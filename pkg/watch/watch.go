// Package watch hosts a session over files on disk. Tracked files are loaded
// into line buffers; edits saved by any editor are diffed into the buffer and
// trigger comments are processed once the file goes quiet. Generated code is
// written straight back to the file.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/changetracker"
	"github.com/alantheprice/commentgen/pkg/filediscovery"
	"github.com/alantheprice/commentgen/pkg/session"
	"github.com/alantheprice/commentgen/pkg/utils"
)

// DefaultDebounce is how long a file must stay quiet before it is processed.
const DefaultDebounce = 500 * time.Millisecond

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounceDur = d }
}

// WithJournal records every write-back in store.
func WithJournal(store *changetracker.Store) Option {
	return func(w *Watcher) { w.journal = store }
}

// WithLogger sets the logger.
func WithLogger(l *utils.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithInitialScan processes every tracked file once at start.
func WithInitialScan() Option {
	return func(w *Watcher) { w.initialScan = true }
}

// Stats counts watcher activity.
type Stats struct {
	FilesTracked  int
	FilesModified int
	FilesDeleted  int
	SelfWrites    int
	WriteBacks    int
	Processed     int
	Errors        int
}

type tracked struct {
	path string
	id   buffer.ID
	buf  *buffer.Lines
	// text is the content last seen on, or written to, disk
	text string
}

// Watcher drives a session from file-system events under one root.
type Watcher struct {
	mu          sync.Mutex
	root        string
	session     *session.Session
	discovery   *filediscovery.FileDiscovery
	watcher     *fsnotify.Watcher
	logger      *utils.Logger
	journal     *changetracker.Store
	initialScan bool

	files       map[string]*tracked
	pending     map[string]time.Time
	debounceDur time.Duration
	stats       Stats

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a watcher for root. The session should not be shared with
// another host.
func New(root string, s *session.Session, fd *filediscovery.FileDiscovery, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:        abs,
		session:     s,
		discovery:   fd,
		watcher:     fw,
		files:       make(map[string]*tracked),
		pending:     make(map[string]time.Time),
		debounceDur: DefaultDebounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = utils.GetLogger()
	}
	if w.discovery == nil {
		w.discovery = filediscovery.NewFileDiscovery(filediscovery.DiscoveryOptions{}, w.logger)
	}
	return w, nil
}

// Start loads the tracked files, registers directory watches and begins the
// event loop. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		return nil
	}

	dirs, err := w.discovery.Dirs(w.root)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := w.watcher.Add(d); err != nil {
			w.logger.Logf("watch: cannot watch %s: %v", d, err)
		}
	}
	files, err := w.discovery.Walk(w.root)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := w.track(f); err != nil {
			w.logger.Logf("watch: cannot load %s: %v", f, err)
			continue
		}
		if w.initialScan {
			w.mu.Lock()
			w.pending[f] = time.Time{}
			w.mu.Unlock()
		}
	}
	w.logger.Logf("watch: tracking %d files under %s", len(files), w.root)

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// Stop stops the event loop and releases the fsnotify watcher. Tracked
// buffers stay open in the session.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Logf("watch: error closing watcher: %v", err)
	}
	w.logger.Log("watch: stopped")
}

// Tracked returns the tracked file paths, sorted.
func (w *Watcher) Tracked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.FilesTracked = len(w.files)
	return st
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Logf("watch: fsnotify error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processDue()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if event.Op&fsnotify.Create != 0 {
				w.addDir(path)
			}
			return
		}
		w.refresh(path)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// atomic saves replace the file; only a vanished file is untracked
		if _, err := os.Stat(path); err == nil {
			w.refresh(path)
			return
		}
		w.untrack(path)
	}
}

func (w *Watcher) addDir(dir string) {
	if w.ignoredDir(dir) {
		return
	}
	dirs, err := w.discovery.Dirs(dir)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if err := w.watcher.Add(d); err == nil {
			w.logger.Debugf("watch: watching new directory %s", d)
		}
	}
	// files may have landed before the watch was registered
	files, _ := w.discovery.Walk(dir)
	for _, f := range files {
		w.refresh(f)
	}
}

func (w *Watcher) ignoredDir(dir string) bool {
	rel, err := filepath.Rel(w.root, dir)
	if err != nil {
		return true
	}
	return w.discovery.Ignored(filediscovery.GetIgnoreRules(w.root), rel, true)
}

func (w *Watcher) lookup(path string) (*tracked, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.files[path]
	return t, ok
}

// track loads path into a new buffer and opens it in the session.
func (w *Watcher) track(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return err
	}
	t := &tracked{
		path: path,
		id:   buffer.ID(filepath.ToSlash(rel)),
		text: string(data),
	}
	t.buf = buffer.FromText(t.id, path, filediscovery.LanguageFor(path), t.text)
	t.buf.OnChange(func(buffer.ID, int, int, []string) { w.writeBack(t) })

	w.mu.Lock()
	w.files[path] = t
	w.mu.Unlock()
	w.session.OpenBuffer(t.buf)
	return nil
}

func (w *Watcher) untrack(path string) {
	w.mu.Lock()
	t, ok := w.files[path]
	delete(w.files, path)
	delete(w.pending, path)
	if ok {
		w.stats.FilesDeleted++
	}
	w.mu.Unlock()
	if ok {
		_ = w.session.CloseBuffer(t.id)
		w.logger.Debugf("watch: untracked %s", path)
	}
}

// refresh reconciles a buffer with the file on disk after an external write.
func (w *Watcher) refresh(path string) {
	t, ok := w.lookup(path)
	if !ok {
		if !w.discovery.Match(w.root, path) {
			return
		}
		if err := w.track(path); err != nil {
			w.logger.Debugf("watch: cannot load %s: %v", path, err)
			return
		}
		w.schedule(path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	next := buffer.SplitText(string(data))
	current := t.buf.Lines(0, -1)
	if slices.Equal(next, current) {
		w.mu.Lock()
		w.stats.SelfWrites++
		w.mu.Unlock()
		return
	}

	start, end, repl := changedRegion(current, next)
	if err := t.buf.ApplyRemote(start, end, repl); err != nil {
		w.logger.Debugf("watch: %s: %v", path, err)
		return
	}
	w.session.Markers().Shift(t.id, start, end, len(repl))

	w.mu.Lock()
	t.text = string(data)
	w.stats.FilesModified++
	w.mu.Unlock()

	if err := w.session.HandleEvent(session.Event{Kind: session.TextChanged, Buffer: t.id, Line: start}); err != nil {
		w.logger.Debugf("watch: %v", err)
	}
	w.schedule(path)
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// processDue runs a non-forced pass over every file quiet for debounceDur.
func (w *Watcher) processDue() {
	now := time.Now()
	var due []*tracked
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) < w.debounceDur {
			continue
		}
		delete(w.pending, path)
		if t, ok := w.files[path]; ok {
			due = append(due, t)
		}
	}
	w.mu.Unlock()

	for _, t := range due {
		n, err := w.session.ProcessAll(t.id, false)
		if err != nil {
			w.logger.Debugf("watch: %v", err)
			continue
		}
		w.mu.Lock()
		w.stats.Processed++
		w.mu.Unlock()
		if n > 0 {
			w.logger.Debugf("watch: %s has %d trigger comments", t.id, n)
		}
	}
}

// writeBack saves the buffer after placement changed it.
func (w *Watcher) writeBack(t *tracked) {
	text := t.buf.Text()
	w.mu.Lock()
	before := t.text
	t.text = text
	w.stats.WriteBacks++
	w.mu.Unlock()

	if err := writeFileAtomic(t.path, []byte(text)); err != nil {
		w.logger.LogError(utils.NewExecutionError("watch", "write "+t.path, err))
		return
	}
	if w.journal != nil {
		if id, err := w.journal.Record(t.path, before, text, 1); err != nil {
			w.logger.Debugf("watch: journal: %v", err)
		} else {
			w.logger.Debugf("watch: recorded change %s for %s", id, t.path)
		}
	}
}

// writeFileAtomic replaces path through a hidden temp file so watchers never
// observe a truncated file.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".commentgen-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// changedRegion finds the smallest [start, end) of old that must be replaced
// with repl to produce next.
func changedRegion(old, next []string) (start, end int, repl []string) {
	for start < len(old) && start < len(next) && old[start] == next[start] {
		start++
	}
	oe, ne := len(old), len(next)
	for oe > start && ne > start && old[oe-1] == next[ne-1] {
		oe--
		ne--
	}
	return start, oe, next[start:ne]
}
