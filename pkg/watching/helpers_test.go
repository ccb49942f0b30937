package watching

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/inotify/inotifytest"
	"github.com/scingestor/scingestor/pkg/logging"
	"github.com/scingestor/scingestor/pkg/scicat"
	"github.com/scingestor/scingestor/pkg/scicat/scicattest"
)

const (
	// testBeamtime is the beamtime used by tests.
	testBeamtime = "99001234"
	// testDatasetGenerator writes dataset metadata for a scan.
	testDatasetGenerator = `printf '{"pid": "{beamtimeid}/{scanname}", "proposalId": "{beamtimeid}", ` +
		`"datasetName": "{scanname}"}' > {metapath}/{scanname}{scpostfix}`
	// testDatablockGenerator writes origdatablock metadata for a scan.
	testDatablockGenerator = `printf '{"size": 1, "dataFileList": []}' > {metapath}/{scanname}{dbpostfix}`
	// waitTimeout bounds how long tests wait for asynchronous effects.
	waitTimeout = 10 * time.Second
)

// lockedBuffer is a buffer that is safe for concurrent usage.
type lockedBuffer struct {
	// lock guards buffer.
	lock sync.Mutex
	// buffer is the underlying buffer.
	buffer bytes.Buffer
}

// Write implements io.Writer.Write.
func (b *lockedBuffer) Write(data []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buffer.Write(data)
}

// String returns the buffer contents.
func (b *lockedBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buffer.String()
}

// captureLogs redirects log output to a buffer for the duration of a test.
func captureLogs(t *testing.T) *lockedBuffer {
	buffer := &lockedBuffer{}
	previousOutput := log.Writer()
	previousFlags := log.Flags()
	previousLevel := logging.CurrentLevel()
	logging.SetOutput(buffer)
	log.SetFlags(0)
	logging.SetLevel(logging.LevelInfo)
	t.Cleanup(func() {
		logging.SetLevel(previousLevel)
		log.SetFlags(previousFlags)
		logging.SetOutput(previousOutput)
	})
	return buffer
}

// harness is a watcher environment backed by a fake notifier and a fake
// SciCat.
type harness struct {
	// t is the test.
	t *testing.T
	// server is the fake SciCat.
	server *scicattest.Server
	// notifier is the fake notifier.
	notifier *inotifytest.Fake
	// root is the beamtime directory.
	root string
	// environment is the watcher environment.
	environment *Environment
}

// newHarness creates a harness. The configure callback may adjust the
// configuration.
func newHarness(t *testing.T, configure func(*configuration.Configuration)) *harness {
	server := scicattest.NewServer()
	t.Cleanup(server.Close)

	root := t.TempDir()
	credentials := filepath.Join(t.TempDir(), "pwd")
	writeFile(t, credentials, scicattest.Password)

	c := configuration.Default()
	c.BeamtimeDirectories = []string{root}
	c.ScicatURL = server.URL
	c.IngestorCredentialFile = credentials
	c.DatasetPIDPrefix = ""
	c.MaxRequestTriesNumber = 2
	c.GetEventTimeout = 0.01
	c.IngestionDelayTime = 0
	c.DatasetMetadataGenerator = testDatasetGenerator
	c.NXSDatasetMetadataGenerator = testDatasetGenerator
	c.DatablockMetadataGenerator = testDatablockGenerator
	if configure != nil {
		configure(c)
	}

	client := scicat.NewClient(c, nil)
	client.SetRetryStep(time.Millisecond)
	notifier := inotifytest.NewFake()
	return &harness{
		t:        t,
		server:   server,
		notifier: notifier,
		root:     root,
		environment: &Environment{
			Configuration: c,
			Notifier:      notifier,
			Catalog:       client,
			Logger:        logging.RootLogger.Sublogger("test"),
		},
	}
}

// writeBeamtime writes a beamtime file into the beamtime directory.
func (h *harness) writeBeamtime(id string) string {
	path := filepath.Join(h.root, "beamtime-metadata-"+id+".json")
	writeFile(h.t, path, `{"beamtimeId": "`+id+`", "proposalId": "`+id+`", "beamline": "p00"}`)
	return path
}

// loadBeamtime writes and loads a beamtime.
func (h *harness) loadBeamtime(id string) *configuration.Beamtime {
	beamtime, err := configuration.LoadBeamtime(h.environment.Configuration, h.writeBeamtime(id))
	if err != nil {
		h.t.Fatal("unable to load beamtime:", err)
	}
	return beamtime
}

// mkdir creates a directory below the beamtime directory.
func (h *harness) mkdir(elements ...string) string {
	path := filepath.Join(append([]string{h.root}, elements...)...)
	if err := os.MkdirAll(path, 0755); err != nil {
		h.t.Fatal("unable to create directory:", err)
	}
	return path
}

// writeList writes a dataset list.
func (h *harness) writeList(path string, scans ...string) {
	writeFile(h.t, path, strings.Join(scans, "\n")+"\n")
}

// waitForPosts waits until the fake SciCat received a number of dataset
// creations.
func (h *harness) waitForPosts(count int) {
	waitFor(h.t, "dataset creations", func() bool {
		return h.server.Count("POST", "RawDatasets") >= count
	})
}

// writeFile writes a file.
func writeFile(t *testing.T, path, contents string) {
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal("unable to write file:", err)
	}
}

// waitFor polls a condition until it holds or the wait times out.
func waitFor(t *testing.T, description string, condition func() bool) {
	deadline := time.Now().Add(waitTimeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
