package watching

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/ingestion"
	"github.com/scingestor/scingestor/pkg/logging"
	"github.com/scingestor/scingestor/pkg/scicat"
	"github.com/scingestor/scingestor/pkg/state"
	"github.com/scingestor/scingestor/pkg/timeutil"
)

// DatasetWatcher watches a single dataset list and ingests its scans as they
// appear. Ingestion is performed sequentially on the watcher's Goroutine, so a
// scan is never ingested concurrently with itself.
type DatasetWatcher struct {
	// environment is the shared watcher environment.
	environment *Environment
	// path is the dataset list path.
	path string
	// file identifies the list file that the watcher was created for, if it
	// existed at the time.
	file os.FileInfo
	// ingestor is the list's ingestor.
	ingestor *ingestion.Ingestor
	// logger is the watcher logger.
	logger *logging.Logger
	// cancel signals termination to the run loop.
	cancel context.CancelFunc
	// done is closed when the run loop exits.
	done chan struct{}

	// logStamp is the state of the ingested log after the last pass. It's only
	// accessed by the run loop.
	logStamp fileStamp
}

// fileStamp summarizes a file's size and modification time.
type fileStamp struct {
	// size is the file size.
	size int64
	// modified is the modification time.
	modified time.Time
}

// stampOf returns the stamp of a file, or a zero stamp if it can't be read.
func stampOf(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{size: info.Size(), modified: info.ModTime()}
}

// equal returns whether two stamps match.
func (s fileStamp) equal(other fileStamp) bool {
	return s.size == other.size && s.modified.Equal(other.modified)
}

// NewDatasetWatcher creates a watcher for a dataset list. The watcher must be
// started with Start.
func NewDatasetWatcher(environment *Environment, beamtime *configuration.Beamtime, path string) (*DatasetWatcher, error) {
	logger := environment.Logger.Sublogger(beamtime.ID).Sublogger(filepath.Base(filepath.Dir(path)))
	ingestor, err := ingestion.New(environment.Configuration, beamtime, path, environment.Catalog, logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create ingestor")
	}
	file, _ := os.Stat(path)
	return &DatasetWatcher{
		environment: environment,
		path:        path,
		file:        file,
		ingestor:    ingestor,
		logger:      logger,
		done:        make(chan struct{}),
	}, nil
}

// Path returns the dataset list path.
func (w *DatasetWatcher) Path() string {
	return w.path
}

// Ingestor returns the watcher's ingestor.
func (w *DatasetWatcher) Ingestor() *ingestion.Ingestor {
	return w.ingestor
}

// Start starts the watcher's run loop.
func (w *DatasetWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// Done returns a channel that is closed once the watcher has exited, either
// because it was stopped or because its dataset list vanished.
func (w *DatasetWatcher) Done() <-chan struct{} {
	return w.done
}

// Stop stops the watcher and waits for it to exit. An ingestion in progress
// is completed first.
func (w *DatasetWatcher) Stop() {
	w.interrupt()
	<-w.done
}

// interrupt signals the watcher to exit without waiting for it.
func (w *DatasetWatcher) interrupt() {
	if w.cancel != nil {
		w.cancel()
	}
}

// watches returns whether the watcher was created for the specified file.
func (w *DatasetWatcher) watches(info os.FileInfo) bool {
	return w.file != nil && info != nil && os.SameFile(w.file, info)
}

// run implements the watcher's run loop.
func (w *DatasetWatcher) run(ctx context.Context) {
	defer close(w.done)

	// Remove leftovers of an interrupted log update.
	if err := w.ingestor.ClearTmpfile(); err != nil {
		w.logger.Warn("Unable to clear temporary ingested log:", err)
	}

	// Subscribe to the list itself and to the directory holding the ingested
	// log, which may be updated by other processes.
	notifier := w.environment.Notifier
	lists, listID := notifier.AddWatch(w.path, datasetListMask)
	defer notifier.RmWatch(listID)
	logPath := w.ingestor.IngestedLogPath()
	logs, logID := notifier.AddWatch(filepath.Dir(logPath), ingestedLogMask)
	defer notifier.RmWatch(logID)
	logName := filepath.Base(logPath)

	// Events are coalesced to avoid rechecking the list once per write.
	coalescer := state.NewCoalescer(w.environment.Configuration.GetEventTimeoutDuration(), listEventLatency)
	defer coalescer.Terminate()

	// Create the full recheck ticker, if any.
	var recheck <-chan time.Time
	if interval := w.environment.Configuration.RecheckDatasetListDuration(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		recheck = ticker.C
	}

	// Perform the initial pass.
	w.process(ctx, false)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-lists:
			if selfGone(event) {
				w.logger.Infof("Dataset list %s removed", w.path)
				return
			}
			coalescer.Strobe()
		case event := <-logs:
			// Replacements of the log by the watcher's own passes leave it as
			// recorded after the pass and are ignored.
			if event.Name == logName && !stampOf(logPath).equal(w.logStamp) {
				coalescer.Strobe()
			}
		case <-coalescer.Signals():
			w.process(ctx, false)
		case <-recheck:
			w.process(ctx, true)
		}
	}
}

// process checks the dataset list and ingests waiting scans.
func (w *DatasetWatcher) process(ctx context.Context, reingest bool) {
	defer func() {
		w.logStamp = stampOf(w.ingestor.IngestedLogPath())
	}()
	w.logger.Debugf("Checking dataset list %s", w.path)
	waiting, _, err := w.ingestor.CheckList(reingest)
	if err != nil {
		w.logger.Error("Unable to check dataset list:", err)
		return
	}
	ingestWaiting(ctx, w.environment.Catalog, w.ingestor, waiting, w.environment.Configuration.IngestionDelayDuration(), w.logger)
}

// ingestWaiting ingests the specified scans in order, pausing between them.
// It returns early if ctx is cancelled or if the catalog rejects the
// ingestor's credentials. Cancellation is only observed between scans.
// Authentication failures leave the scans waiting for the next pass.
func ingestWaiting(
	ctx context.Context,
	catalog ingestion.Catalog,
	ingestor *ingestion.Ingestor,
	waiting []ingestion.Scan,
	delay time.Duration,
	logger *logging.Logger,
) (ingested int) {
	if len(waiting) == 0 {
		return
	}
	if _, err := catalog.Token(ctx); err != nil {
		logger.Error("Unable to authenticate:", err)
		return
	}

	pause := time.NewTimer(0)
	timeutil.StopAndDrainTimer(pause)
	defer timeutil.StopAndDrainTimer(pause)

	for s, scan := range waiting {
		// Pace requests.
		if s > 0 && !timeutil.Sleep(ctx, pause, delay) {
			return
		} else if ctx.Err() != nil {
			return
		}

		// Ingest or reingest the scan. The request itself isn't bound to ctx so
		// that a stop request lets it finish.
		var err error
		if record, ok := ingestor.Record(scan.Name); ok && record.Succeeded() {
			logger.Infof("Reingesting %s", scan.Name)
			err = ingestor.Reingest(context.Background(), scan)
		} else {
			logger.Infof("Ingesting %s", scan.Name)
			err = ingestor.Ingest(context.Background(), scan)
		}
		if err != nil {
			logger.Errorf("Unable to ingest %s: %v", scan.Name, err)
			if scicat.IsUnauthorized(err) || errors.Is(err, scicat.ErrNoToken) {
				return
			}
			continue
		}
		ingested++
	}
	return
}
