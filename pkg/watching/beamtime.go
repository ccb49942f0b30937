package watching

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/filesystem"
	"github.com/scingestor/scingestor/pkg/inotify"
	"github.com/scingestor/scingestor/pkg/logging"
)

// beamtimeEntry is a loaded beamtime file.
type beamtimeEntry struct {
	// beamtime is the loaded beamtime.
	beamtime *configuration.Beamtime
	// digest is the SHA-1 digest of the file contents at load time.
	digest string
	// watcher is the watcher of the beamtime's scan directory.
	watcher *ScanDirWatcher
}

// BeamtimeWatcher is the root of the watcher tree. It watches the configured
// beamtime directories for beamtime metadata files and maintains a
// ScanDirWatcher for each accepted beamtime. Missing beamtime directories are
// watched through their closest existing ancestor until they appear.
type BeamtimeWatcher struct {
	// environment is the shared watcher environment.
	environment *Environment
	// logger is the watcher logger.
	logger *logging.Logger
	// cancel signals termination to the root loops.
	cancel context.CancelFunc
	// roots tracks the root loops.
	roots sync.WaitGroup

	// lock guards beamtimes.
	lock sync.Mutex
	// beamtimes maps beamtime file paths to their entries.
	beamtimes map[string]*beamtimeEntry
}

// NewBeamtimeWatcher creates a new beamtime watcher. It must be started with
// Start.
func NewBeamtimeWatcher(environment *Environment) *BeamtimeWatcher {
	return &BeamtimeWatcher{
		environment: environment,
		logger:      environment.Logger,
		beamtimes:   make(map[string]*beamtimeEntry),
	}
}

// Start starts watching the configured beamtime directories.
func (w *BeamtimeWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	for _, root := range w.environment.Configuration.BeamtimeDirectories {
		w.roots.Add(1)
		go w.watchRoot(ctx, filepath.Clean(root))
	}
}

// Stop stops the watcher tree. Root loops are stopped first, and after a
// grace period the scan directory watchers are stopped depth-first.
func (w *BeamtimeWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.roots.Wait()
	time.Sleep(shutdownGrace)

	w.lock.Lock()
	entries := w.beamtimes
	w.beamtimes = make(map[string]*beamtimeEntry)
	w.lock.Unlock()
	for _, entry := range entries {
		entry.watcher.Stop()
	}
}

// Beamtimes returns the identifiers of the active beamtimes, sorted.
func (w *BeamtimeWatcher) Beamtimes() []string {
	w.lock.Lock()
	defer w.lock.Unlock()
	result := make([]string, 0, len(w.beamtimes))
	for _, entry := range w.beamtimes {
		result = append(result, entry.beamtime.ID)
	}
	sort.Strings(result)
	return result
}

// ScanDirWatcher returns the scan directory watcher of a beamtime, or nil.
func (w *BeamtimeWatcher) ScanDirWatcher(beamtimeID string) *ScanDirWatcher {
	w.lock.Lock()
	defer w.lock.Unlock()
	for _, entry := range w.beamtimes {
		if entry.beamtime.ID == beamtimeID {
			return entry.watcher
		}
	}
	return nil
}

// watchRoot watches a single beamtime directory.
func (w *BeamtimeWatcher) watchRoot(ctx context.Context, root string) {
	defer w.roots.Done()
	notifier := w.environment.Notifier

	// Track the current subscription, which is either on the root itself or on
	// its closest existing ancestor.
	var events <-chan inotify.Event
	id := -1
	var watched string
	subscribe := func() {
		if id >= 0 {
			notifier.RmWatch(id)
			events, id = nil, -1
		}
		if filesystem.IsDirectory(root) {
			watched = root
			events, id = notifier.AddWatch(root, beamtimeDirectoryMask)
			w.logger.Infof("Watching beamtime directory %s", root)
			w.scanRoot(root)
			return
		}
		watched = filesystem.ExistingAncestor(root)
		if watched == "" {
			w.logger.Warnf("Beamtime directory %s has no existing ancestor", root)
			return
		}
		events, id = notifier.AddWatch(watched, ancestorMask)
		w.logger.Warnf("Beamtime directory %s does not exist, watching %s", root, watched)
	}
	subscribe()
	defer func() {
		if id >= 0 {
			notifier.RmWatch(id)
		}
	}()

	// Create the recheck ticker, if any.
	var recheck <-chan time.Time
	if interval := w.environment.Configuration.RecheckBeamtimeFileDuration(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		recheck = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if watched != root {
				// Promote the subscription if a directory appeared on the way to
				// the root, and demote it if the ancestor itself vanished.
				if selfGone(event) || (event.IsDir() && (event.Has("IN_CREATE") || event.Has("IN_MOVED_TO"))) {
					subscribe()
				}
				continue
			}
			if selfGone(event) {
				w.logger.Warnf("Beamtime directory %s removed", root)
				w.unloadRoot(root)
				subscribe()
				continue
			}
			if event.IsDir() || event.Name == "" {
				continue
			}
			path := filepath.Join(root, event.Name)
			if event.Has("IN_DELETE") || event.Has("IN_MOVED_FROM") {
				w.unload(path)
			} else if event.Has("IN_CLOSE_WRITE") || event.Has("IN_MOVED_TO") {
				w.load(path, false)
			} else if event.Has("IN_CREATE") {
				w.load(path, true)
			}
		case <-recheck:
			if watched != root {
				subscribe()
			} else {
				w.scanRoot(root)
			}
		}
	}
}

// scanRoot loads every beamtime file in a beamtime directory and unloads the
// beamtimes whose files vanished.
func (w *BeamtimeWatcher) scanRoot(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		w.logger.Warnf("Unable to read beamtime directory %s: %v", root, err)
		return
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		present[path] = true
		w.load(path, false)
	}

	w.lock.Lock()
	var vanished []string
	for path := range w.beamtimes {
		if filepath.Dir(path) == root && !present[path] {
			vanished = append(vanished, path)
		}
	}
	w.lock.Unlock()
	for _, path := range vanished {
		w.unload(path)
	}
}

// load loads a beamtime file and starts watching its scan directory. An
// already loaded file is only restarted if its contents changed or its
// watcher exited. If quiet is set, load failures are only logged at debug
// level, which is used for files that may still be being written.
func (w *BeamtimeWatcher) load(path string, quiet bool) {
	c := w.environment.Configuration

	// Filter files.
	beamtimeID, ok := c.BeamtimeFileID(filepath.Base(path))
	if !ok {
		return
	}
	if !c.BeamtimeAllowed(beamtimeID) {
		w.logger.Debugf("Beamtime %s excluded", beamtimeID)
		return
	}

	// Skip unchanged files.
	digest, err := filesystem.SHA1(path)
	if err != nil {
		w.logger.Warnf("Unable to read beamtime file %s: %v", path, err)
		return
	} else if digest == "" {
		return
	}
	w.lock.Lock()
	existing := w.beamtimes[path]
	w.lock.Unlock()
	if existing != nil && existing.digest == digest && !finished(existing.watcher.Done()) {
		return
	}

	// Load the beamtime.
	beamtime, err := configuration.LoadBeamtime(c, path)
	if err != nil {
		if quiet {
			w.logger.Debugf("Unable to load beamtime file %s: %v", path, err)
		} else {
			w.logger.Warnf("Unable to load beamtime file %s: %v", path, err)
		}
		return
	}

	// Replace any previous watcher.
	if existing != nil {
		w.logger.Infof("Beamtime file %s changed, restarting", path)
		existing.watcher.Stop()
	} else {
		w.logger.Infof("Beamtime %s found in %s", beamtime.ID, path)
	}
	watcher := NewScanDirWatcher(w.environment, beamtime, beamtime.ScanDirectory(c), 0)
	watcher.Start()
	w.lock.Lock()
	w.beamtimes[path] = &beamtimeEntry{beamtime: beamtime, digest: digest, watcher: watcher}
	w.lock.Unlock()
}

// unload stops watching a beamtime.
func (w *BeamtimeWatcher) unload(path string) {
	w.lock.Lock()
	entry, ok := w.beamtimes[path]
	delete(w.beamtimes, path)
	w.lock.Unlock()
	if ok {
		w.logger.Infof("Beamtime %s removed", entry.beamtime.ID)
		entry.watcher.Stop()
	}
}

// unloadRoot stops watching every beamtime of a beamtime directory.
func (w *BeamtimeWatcher) unloadRoot(root string) {
	w.lock.Lock()
	var paths []string
	for path := range w.beamtimes {
		if filepath.Dir(path) == root {
			paths = append(paths, path)
		}
	}
	w.lock.Unlock()
	for _, path := range paths {
		w.unload(path)
	}
}
