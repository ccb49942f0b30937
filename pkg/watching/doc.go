// Package watching implements the ingestor's watcher tree. A BeamtimeWatcher
// discovers beamtime metadata files, a ScanDirWatcher per beamtime follows its
// scan directory hierarchy, and a DatasetWatcher per dataset list drives
// ingestion of the scans listed in it. The package also provides a one-shot
// pass over the same tree that doesn't subscribe to any events.
package watching
