package watching

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/inotify"
	"github.com/scingestor/scingestor/pkg/logging"
	"github.com/scingestor/scingestor/pkg/scicat/scicattest"
)

// postedPIDs returns the pids of created datasets in order.
func (h *harness) postedPIDs() []string {
	var pids []string
	for _, request := range h.server.Requests() {
		if request.Is("POST", "RawDatasets") {
			pids = append(pids, gjson.GetBytes(request.Body, "pid").String())
		}
	}
	return pids
}

// startDatasetWatcher creates a dataset list in raw/special and starts a
// watcher for it.
func (h *harness) startDatasetWatcher(scans ...string) (*DatasetWatcher, string) {
	beamtime := h.loadBeamtime(testBeamtime)
	list := filepath.Join(h.mkdir("raw", "special"), beamtime.DatasetListName)
	h.writeList(list, scans...)
	watcher, err := NewDatasetWatcher(h.environment, beamtime, list)
	if err != nil {
		h.t.Fatal("unable to create dataset watcher:", err)
	}
	watcher.Start()
	h.t.Cleanup(watcher.Stop)
	if !h.notifier.WaitForSubscriptions(list, 1, waitTimeout) {
		h.t.Fatal("dataset list not watched")
	}
	return watcher, list
}

// TestDatasetWatcherIngestsAppendedScans tests that scans appended to a list
// are ingested after the list is written.
func TestDatasetWatcherIngestsAppendedScans(t *testing.T) {
	h := newHarness(t, nil)
	_, list := h.startDatasetWatcher("myscan_00001", "myscan_00002")
	h.waitForPosts(2)

	h.writeList(list, "myscan_00001", "myscan_00002", "myscan_00003")
	h.notifier.Emit(list, "", inotify.InCloseWrite)
	h.waitForPosts(3)

	expected := []string{"99001234/myscan_00001", "99001234/myscan_00002", "99001234/myscan_00003"}
	if diff := cmp.Diff(expected, h.postedPIDs()); diff != "" {
		t.Error("unexpected creations (-want +got):\n", diff)
	}
	if logins := h.server.Logins(); logins != 1 {
		t.Error("unexpected login count:", logins)
	}
}

// TestDatasetWatcherRecheck tests that the periodic recheck picks up list
// changes without events.
func TestDatasetWatcherRecheck(t *testing.T) {
	h := newHarness(t, func(c *configuration.Configuration) {
		c.RecheckDatasetListInterval = 0.05
	})
	_, list := h.startDatasetWatcher("myscan_00001")
	h.waitForPosts(1)

	h.writeList(list, "myscan_00001", "myscan_00002")
	h.waitForPosts(2)
}

// TestDatasetWatcherStopsWhenListRemoved tests that a watcher exits and
// releases its subscriptions once its list vanishes.
func TestDatasetWatcherStopsWhenListRemoved(t *testing.T) {
	h := newHarness(t, nil)
	watcher, list := h.startDatasetWatcher("myscan_00001")
	h.waitForPosts(1)

	if err := os.Remove(list); err != nil {
		t.Fatal("unable to remove list:", err)
	}
	h.notifier.Emit(list, "", inotify.InDeleteSelf)
	select {
	case <-watcher.Done():
	case <-time.After(waitTimeout):
		t.Fatal("watcher did not exit")
	}
	if count := h.notifier.Total(); count != 0 {
		t.Error("subscriptions left behind:", count)
	}
}

// TestDatasetWatcherRetriesAuthentication tests that a watcher without valid
// credentials stays up and ingests once they become available.
func TestDatasetWatcherRetriesAuthentication(t *testing.T) {
	h := newHarness(t, nil)
	credentials := h.environment.Configuration.IngestorCredentialFile
	if err := os.Remove(credentials); err != nil {
		t.Fatal("unable to remove credentials:", err)
	}
	watcher, list := h.startDatasetWatcher("myscan_00001")

	// Give the initial pass a chance to fail.
	time.Sleep(50 * time.Millisecond)
	if finished(watcher.Done()) {
		t.Fatal("watcher exited without credentials")
	} else if count := h.server.Count("POST", "RawDatasets"); count != 0 {
		t.Fatal("datasets created without credentials:", count)
	}

	writeFile(t, credentials, scicattest.Password)
	h.notifier.Emit(list, "", inotify.InCloseWrite)
	h.waitForPosts(1)
}

// TestDatasetWatcherIngestsInListOrder tests that a pass creates datasets in
// list order rather than name order.
func TestDatasetWatcherIngestsInListOrder(t *testing.T) {
	h := newHarness(t, func(c *configuration.Configuration) {
		c.IngestionDelayTime = 0.01
	})
	h.startDatasetWatcher("myscan_00003", "myscan_00001", "myscan_00004", "myscan_00002")
	h.waitForPosts(4)

	expected := []string{
		"99001234/myscan_00003", "99001234/myscan_00001",
		"99001234/myscan_00004", "99001234/myscan_00002",
	}
	if diff := cmp.Diff(expected, h.postedPIDs()); diff != "" {
		t.Error("unexpected creations (-want +got):\n", diff)
	}
}

// slowGeneration makes dataset metadata generation take a while, so that
// list changes arrive while a scan is being ingested.
func slowGeneration(c *configuration.Configuration) {
	c.DatasetMetadataGenerator = "sleep 0.3; " + testDatasetGenerator
	c.NXSDatasetMetadataGenerator = c.DatasetMetadataGenerator
}

// startListInDirectory writes a dataset list into raw/special and starts a
// directory watcher that picks it up.
func (h *harness) startListInDirectory(scans ...string) (*ScanDirWatcher, string) {
	special := h.mkdir("raw", "special")
	list := filepath.Join(special, h.loadBeamtime(testBeamtime).DatasetListName)
	h.writeList(list, scans...)
	watcher, _ := h.startScanDirWatcher()
	if !h.notifier.WaitForSubscriptions(list, 1, waitTimeout) {
		h.t.Fatal("dataset list not watched")
	}
	return watcher, list
}

// TestDatasetWatcherListReplaced tests that a list atomically replaced while
// its watcher is busy gets a new watcher that ingests the new scans.
func TestDatasetWatcherListReplaced(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(t, slowGeneration)
	watcher, list := h.startListInDirectory("myscan_00001")

	// Replace the list by renaming a new file over it.
	replacement := list + ".new"
	h.writeList(replacement, "myscan_00001", "myscan_00002")
	if err := os.Rename(replacement, list); err != nil {
		t.Fatal("unable to replace list:", err)
	}
	h.notifier.Emit(filepath.Dir(list), filepath.Base(list), inotify.InMovedTo)

	h.waitForPosts(2)
	expected := []string{"99001234/myscan_00001", "99001234/myscan_00002"}
	if diff := cmp.Diff(expected, h.postedPIDs()); diff != "" {
		t.Error("unexpected creations (-want +got):\n", diff)
	}
	waitFor(t, "replacement dataset watcher", func() bool {
		return cmp.Equal([]string{list}, watcher.DatasetWatchers())
	})
	if !strings.Contains(logs.String(), "Dataset list "+list+" replaced") {
		t.Error("replacement not logged")
	}
}

// TestDatasetWatcherListRecreated tests that a list deleted and recreated
// while its watcher is busy is watched again once the old watcher exits.
func TestDatasetWatcherListRecreated(t *testing.T) {
	h := newHarness(t, slowGeneration)
	watcher, list := h.startListInDirectory("myscan_00001")

	if err := os.Remove(list); err != nil {
		t.Fatal("unable to remove list:", err)
	}
	h.writeList(list, "myscan_00001", "myscan_00002")
	h.notifier.Emit(list, "", inotify.InDeleteSelf)

	h.waitForPosts(2)
	waitFor(t, "recreated dataset watcher", func() bool {
		return cmp.Equal([]string{list}, watcher.DatasetWatchers())
	})
}

// TestDatasetWatcherIgnoresOwnLogUpdates tests that replacements of the
// ingested log by the watcher itself don't trigger further passes, while
// external modifications do.
func TestDatasetWatcherIgnoresOwnLogUpdates(t *testing.T) {
	logs := captureLogs(t)
	logging.SetLevel(logging.LevelDebug)
	h := newHarness(t, nil)
	watcher, _ := h.startDatasetWatcher("myscan_00001")
	h.waitForPosts(1)
	logPath := watcher.Ingestor().IngestedLogPath()
	passes := func() int {
		return strings.Count(logs.String(), "Checking dataset list")
	}
	waitFor(t, "ingested log update", func() bool {
		contents, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(contents), "myscan_00001")
	})

	// Deliver the event for the watcher's own update of the log.
	h.notifier.Emit(filepath.Dir(logPath), filepath.Base(logPath), inotify.InMovedTo)
	time.Sleep(100 * time.Millisecond)
	if count := passes(); count != 1 {
		t.Fatal("unexpected number of passes after own log update:", count)
	}

	// Modify the log externally.
	file, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal("unable to open ingested log:", err)
	}
	if _, err := file.WriteString("\n"); err != nil {
		t.Fatal("unable to modify ingested log:", err)
	}
	if err := file.Close(); err != nil {
		t.Fatal("unable to close ingested log:", err)
	}
	h.notifier.Emit(filepath.Dir(logPath), filepath.Base(logPath), inotify.InCloseWrite)
	waitFor(t, "pass after external log update", func() bool {
		return passes() == 2
	})
}
