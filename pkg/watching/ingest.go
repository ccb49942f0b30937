package watching

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/ingestion"
)

// Ingest performs a single pass over the configured beamtime directories
// without subscribing to any events. Every dataset list found is checked in
// full and its waiting scans are ingested or reingested. Individual failures
// are logged and skipped. It returns the number of scans that were ingested
// successfully.
func Ingest(ctx context.Context, environment *Environment) (int, error) {
	c := environment.Configuration

	// Authenticate once up front.
	if _, err := environment.Catalog.Token(ctx); err != nil {
		return 0, errors.Wrap(err, "unable to authenticate")
	}

	ingested := 0
	for _, root := range c.BeamtimeDirectories {
		entries, err := os.ReadDir(root)
		if err != nil {
			environment.Logger.Warnf("Unable to read beamtime directory %s: %v", root, err)
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ingested, ctx.Err()
			}
			if entry.IsDir() {
				continue
			}
			beamtimeID, ok := c.BeamtimeFileID(entry.Name())
			if !ok || !c.BeamtimeAllowed(beamtimeID) {
				continue
			}
			beamtime, err := configuration.LoadBeamtime(c, filepath.Join(root, entry.Name()))
			if err != nil {
				environment.Logger.Warnf("Unable to load beamtime file %s: %v", entry.Name(), err)
				continue
			}
			ingested += ingestBeamtime(ctx, environment, beamtime)
		}
	}
	return ingested, nil
}

// ingestBeamtime performs a single pass over the dataset lists of a beamtime.
func ingestBeamtime(ctx context.Context, environment *Environment, beamtime *configuration.Beamtime) int {
	c := environment.Configuration
	logger := environment.Logger.Sublogger(beamtime.ID)
	scanRoot := filepath.Clean(beamtime.ScanDirectory(c))
	rootDepth := depthOf(scanRoot)

	// Collect dataset lists.
	var lists []string
	err := filepath.WalkDir(scanRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("Unable to read %s: %v", path, err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if path == scanRoot {
				return nil
			}
			if !depthAllowed(c, depthOf(path)-rootDepth) || blacklisted(c, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Name() == beamtime.DatasetListName {
			lists = append(lists, path)
		}
		return nil
	})
	if err != nil {
		logger.Warnf("Unable to walk scan directory %s: %v", scanRoot, err)
	}

	// Process them.
	ingested := 0
	for _, path := range lists {
		if ctx.Err() != nil {
			break
		}
		listLogger := logger.Sublogger(filepath.Base(filepath.Dir(path)))
		ingestor, err := ingestion.New(c, beamtime, path, environment.Catalog, listLogger)
		if err != nil {
			listLogger.Errorf("Unable to create ingestor for %s: %v", path, err)
			continue
		}
		if err := ingestor.ClearTmpfile(); err != nil {
			listLogger.Warn("Unable to clear temporary ingested log:", err)
		}
		waiting, _, err := ingestor.CheckList(true)
		if err != nil {
			listLogger.Errorf("Unable to check dataset list %s: %v", path, err)
			continue
		}
		ingested += ingestWaiting(ctx, environment.Catalog, ingestor, waiting, c.IngestionDelayDuration(), listLogger)
	}
	return ingested
}

// depthOf returns the number of elements in a clean path.
func depthOf(path string) int {
	depth := 0
	for path != filepath.Dir(path) {
		path = filepath.Dir(path)
		depth++
	}
	return depth
}
