package watching

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/logging"
)

// ScanDirWatcher watches a scan directory. It creates a DatasetWatcher for the
// beamtime's dataset list when it appears in the directory and a child
// ScanDirWatcher for each subdirectory, up to the configured depth.
type ScanDirWatcher struct {
	// environment is the shared watcher environment.
	environment *Environment
	// beamtime is the beamtime that the directory belongs to.
	beamtime *configuration.Beamtime
	// path is the watched directory.
	path string
	// depth is the directory's depth below the beamtime's scan root.
	depth int
	// logger is the watcher logger.
	logger *logging.Logger
	// cancel signals termination to the run loop.
	cancel context.CancelFunc
	// done is closed when the run loop exits.
	done chan struct{}
	// exited carries the paths of dataset lists whose watchers exited while
	// the directory watcher was running.
	exited chan string

	// lock guards the fields below.
	lock sync.Mutex
	// datasets maps dataset list paths to their watchers.
	datasets map[string]*DatasetWatcher
	// children maps subdirectory paths to their watchers.
	children map[string]*ScanDirWatcher
}

// NewScanDirWatcher creates a watcher for a scan directory at the specified
// depth. The watcher must be started with Start.
func NewScanDirWatcher(environment *Environment, beamtime *configuration.Beamtime, path string, depth int) *ScanDirWatcher {
	logger := environment.Logger.Sublogger(beamtime.ID)
	logger.Infof("Create ScanDirWatcher %s: %s", filepath.Base(path), path)
	return &ScanDirWatcher{
		environment: environment,
		beamtime:    beamtime,
		path:        path,
		depth:       depth,
		logger:      logger,
		done:        make(chan struct{}),
		exited:      make(chan string),
		datasets:    make(map[string]*DatasetWatcher),
		children:    make(map[string]*ScanDirWatcher),
	}
}

// Path returns the watched directory.
func (w *ScanDirWatcher) Path() string {
	return w.path
}

// Start starts the watcher's run loop.
func (w *ScanDirWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// Done returns a channel that is closed once the watcher has exited.
func (w *ScanDirWatcher) Done() <-chan struct{} {
	return w.done
}

// Stop stops the watcher along with every watcher below it and waits for them
// to exit.
func (w *ScanDirWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// finished returns whether a watcher has exited.
func finished(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// DatasetWatchers returns the paths of the active dataset lists in the
// watcher's subtree, sorted.
func (w *ScanDirWatcher) DatasetWatchers() []string {
	w.lock.Lock()
	var result []string
	for path, watcher := range w.datasets {
		if !finished(watcher.Done()) {
			result = append(result, path)
		}
	}
	children := make([]*ScanDirWatcher, 0, len(w.children))
	for _, child := range w.children {
		children = append(children, child)
	}
	w.lock.Unlock()

	for _, child := range children {
		result = append(result, child.DatasetWatchers()...)
	}
	sort.Strings(result)
	return result
}

// ScanDirWatchers returns the paths of the active directories in the
// watcher's subtree, including its own, sorted.
func (w *ScanDirWatcher) ScanDirWatchers() []string {
	if finished(w.done) {
		return nil
	}
	result := []string{w.path}
	w.lock.Lock()
	children := make([]*ScanDirWatcher, 0, len(w.children))
	for _, child := range w.children {
		children = append(children, child)
	}
	w.lock.Unlock()
	for _, child := range children {
		result = append(result, child.ScanDirWatchers()...)
	}
	sort.Strings(result)
	return result
}

// run implements the watcher's run loop.
func (w *ScanDirWatcher) run(ctx context.Context) {
	defer close(w.done)

	// Trackers of exited dataset watchers are released on exit.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Request the subscription and list the directory. The OS watch is added
	// asynchronously, so entries created in between are only seen by the
	// second listing.
	notifier := w.environment.Notifier
	events, id := notifier.AddWatch(w.path, scanDirectoryMask)
	defer notifier.RmWatch(id)
	defer w.stopAll()
	if err := w.list(ctx); err != nil {
		w.logger.Warnf("Unable to read scan directory %s: %v", w.path, err)
		return
	}
	relist := time.NewTimer(directoryRelistDelay)
	defer relist.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-relist.C:
			if err := w.list(ctx); err != nil {
				w.logger.Warnf("Unable to read scan directory %s: %v", w.path, err)
			}
		case path := <-w.exited:
			// A list replaced while its watcher was busy is picked up here.
			w.prune()
			w.addDataset(ctx, filepath.Base(path))
		case event := <-events:
			if selfGone(event) {
				w.logger.Infof("Scan directory %s removed", w.path)
				return
			}
			w.prune()
			if event.IsDir() {
				if event.Has("IN_CREATE") || event.Has("IN_MOVED_TO") {
					w.addChild(event.Name)
				}
			} else if event.Name == w.beamtime.DatasetListName &&
				(event.Has("IN_CREATE") || event.Has("IN_CLOSE_WRITE") || event.Has("IN_MOVED_TO")) {
				w.addDataset(ctx, event.Name)
			}
		}
	}
}

// list processes the existing entries of the directory.
func (w *ScanDirWatcher) list(ctx context.Context) error {
	entries, err := os.ReadDir(w.path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addChild(entry.Name())
		} else if entry.Name() == w.beamtime.DatasetListName {
			w.addDataset(ctx, entry.Name())
		}
	}
	return nil
}

// addDataset starts a dataset watcher for a list in the directory, unless one
// is already active for the same file. An active watcher for a file that has
// since been replaced is interrupted, and a new one is started once it exits.
func (w *ScanDirWatcher) addDataset(ctx context.Context, name string) {
	path := filepath.Join(w.path, name)
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if existing, ok := w.datasets[path]; ok && !finished(existing.Done()) {
		if !existing.watches(info) {
			w.logger.Infof("Dataset list %s replaced", path)
			existing.interrupt()
		}
		return
	}

	w.logger.Infof("Creating DatasetWatcher %s", path)
	watcher, err := NewDatasetWatcher(w.environment, w.beamtime, path)
	if err != nil {
		w.logger.Errorf("Unable to watch dataset list %s: %v", path, err)
		return
	}
	watcher.Start()
	w.datasets[path] = watcher
	go w.track(ctx, path, watcher)
}

// track reports the exit of a dataset watcher to the run loop.
func (w *ScanDirWatcher) track(ctx context.Context, path string, watcher *DatasetWatcher) {
	select {
	case <-watcher.Done():
	case <-ctx.Done():
		return
	}
	select {
	case w.exited <- path:
	case <-ctx.Done():
	}
}

// addChild starts a child watcher for a subdirectory, unless one is already
// active or the subdirectory is excluded.
func (w *ScanDirWatcher) addChild(name string) {
	path := filepath.Join(w.path, name)
	if !depthAllowed(w.environment.Configuration, w.depth+1) {
		return
	}
	if blacklisted(w.environment.Configuration, path) {
		w.logger.Debugf("Skipping blacklisted scan directory %s", path)
		return
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if existing, ok := w.children[path]; ok && !finished(existing.Done()) {
		return
	}
	child := NewScanDirWatcher(w.environment, w.beamtime, path, w.depth+1)
	child.Start()
	w.children[path] = child
}

// prune forgets watchers that exited on their own.
func (w *ScanDirWatcher) prune() {
	w.lock.Lock()
	defer w.lock.Unlock()
	for path, watcher := range w.datasets {
		if finished(watcher.Done()) {
			delete(w.datasets, path)
		}
	}
	for path, child := range w.children {
		if finished(child.Done()) {
			delete(w.children, path)
		}
	}
}

// stopAll stops the dataset watchers of the directory and then its child
// watchers.
func (w *ScanDirWatcher) stopAll() {
	w.lock.Lock()
	datasets := w.datasets
	children := w.children
	w.datasets = make(map[string]*DatasetWatcher)
	w.children = make(map[string]*ScanDirWatcher)
	w.lock.Unlock()

	for _, watcher := range datasets {
		watcher.Stop()
	}
	for _, child := range children {
		child.Stop()
	}
}
