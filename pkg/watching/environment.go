package watching

import (
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/ingestion"
	"github.com/scingestor/scingestor/pkg/inotify"
	"github.com/scingestor/scingestor/pkg/logging"
)

const (
	// shutdownGrace is the delay between stopping watcher loops and tearing
	// down their subscriptions.
	shutdownGrace = 200 * time.Millisecond
	// listEventLatency bounds how long a burst of dataset list events can
	// postpone a check of the list.
	listEventLatency = 2 * time.Second
	// directoryRelistDelay is the delay after which a scan directory is listed
	// a second time.
	directoryRelistDelay = 500 * time.Millisecond

	// datasetListMask is the event mask for dataset lists.
	datasetListMask = inotify.InCloseWrite | inotify.InModify | inotify.InMoveSelf | inotify.InDeleteSelf
	// ingestedLogMask is the event mask for ingested log directories.
	ingestedLogMask = inotify.InCloseWrite | inotify.InMovedTo
	// scanDirectoryMask is the event mask for scan directories.
	scanDirectoryMask = inotify.InCreate | inotify.InCloseWrite | inotify.InMovedTo |
		inotify.InMoveSelf | inotify.InDelete | inotify.InDeleteSelf
	// beamtimeDirectoryMask is the event mask for beamtime directories.
	beamtimeDirectoryMask = inotify.InCreate | inotify.InCloseWrite | inotify.InMovedTo |
		inotify.InMovedFrom | inotify.InDelete | inotify.InMoveSelf | inotify.InDeleteSelf
	// ancestorMask is the event mask for existing ancestors of missing
	// beamtime directories.
	ancestorMask = inotify.InCreate | inotify.InMovedTo | inotify.InMoveSelf | inotify.InDeleteSelf
)

// Environment is shared by all watchers of a tree.
type Environment struct {
	// Configuration is the ingestor configuration.
	Configuration *configuration.Configuration
	// Notifier is the inotify multiplexer.
	Notifier inotify.Notifier
	// Catalog is the SciCat API.
	Catalog ingestion.Catalog
	// Logger is the root logger of the tree.
	Logger *logging.Logger
}

// selfGone returns whether an event reports that the watched path itself
// vanished.
func selfGone(event inotify.Event) bool {
	return event.Name == "" &&
		(event.Has("IN_DELETE_SELF") || event.Has("IN_MOVE_SELF") || event.Has("IN_IGNORED"))
}

// blacklisted returns whether a scan directory matches the scan directory
// blacklist. Entries are either paths or doublestar patterns.
func blacklisted(c *configuration.Configuration, path string) bool {
	path = filepath.Clean(path)
	for _, entry := range c.ScandirBlacklist {
		if filepath.Clean(entry) == path {
			return true
		}
		if matched, err := doublestar.Match(entry, path); err == nil && matched {
			return true
		}
	}
	return false
}

// depthAllowed returns whether a scan directory at the specified depth below
// the beamtime's scan root may be watched.
func depthAllowed(c *configuration.Configuration, depth int) bool {
	return c.MaxScandirDepth < 0 || depth <= c.MaxScandirDepth
}
