package ingestion

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/logging"
	"github.com/scingestor/scingestor/pkg/must"
)

// temporarySuffix is appended to the ingested log path to form the path of
// its temporary copy.
const temporarySuffix = ".tmp"

// Record is a line of the ingested log.
type Record struct {
	// Scan is the scan name.
	Scan string
	// Timestamp is the time of the last successful ingestion in seconds since
	// the Unix epoch, or 0 if the last attempt failed validation.
	Timestamp float64
	// ScanMTime is the modification time of the dataset metadata file.
	ScanMTime float64
	// DatablockMTime is the modification time of the origdatablock metadata
	// file.
	DatablockMTime float64
	// ScanSHA1 is the digest of the dataset metadata file.
	ScanSHA1 string
	// DatablockSHA1 is the digest of the origdatablock metadata file.
	DatablockSHA1 string
	// PID is the dataset pid (without DOI prefix) that the scan was last
	// ingested as. It's empty for records written by older versions.
	PID string
}

// Succeeded returns whether the record describes a successful ingestion.
func (r Record) Succeeded() bool {
	return r.Timestamp != 0
}

// formatSeconds formats fractional seconds for the ingested log.
func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// String formats the record as an ingested log line (without newline).
func (r Record) String() string {
	fields := []string{
		r.Scan,
		formatSeconds(r.Timestamp),
		formatSeconds(r.ScanMTime),
		formatSeconds(r.DatablockMTime),
		orDash(r.ScanSHA1),
		orDash(r.DatablockSHA1),
	}
	if r.PID != "" {
		fields = append(fields, r.PID)
	}
	return strings.Join(fields, " ")
}

// orDash substitutes a placeholder for empty digests so that later fields
// keep their positions.
func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

// fromDash reverses orDash.
func fromDash(value string) string {
	if value == "-" {
		return ""
	}
	return value
}

// ParseRecord parses an ingested log line. Missing trailing fields are left
// zero or empty. It returns false for blank lines.
func ParseRecord(line string) (Record, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Record{}, false
	}
	record := Record{Scan: fields[0]}
	seconds := []*float64{&record.Timestamp, &record.ScanMTime, &record.DatablockMTime}
	for i, target := range seconds {
		if len(fields) > i+1 {
			*target, _ = strconv.ParseFloat(fields[i+1], 64)
		}
	}
	digests := []*string{&record.ScanSHA1, &record.DatablockSHA1, &record.PID}
	for i, target := range digests {
		if len(fields) > i+4 {
			*target = fromDash(fields[i+4])
		}
	}
	return record, true
}

// ParseIngestedLog parses ingested log contents. Later records for a scan
// supersede earlier ones. Records are returned in order of each scan's first
// appearance.
func ParseIngestedLog(data []byte) []Record {
	var order []string
	latest := make(map[string]Record)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		record, ok := ParseRecord(scanner.Text())
		if !ok {
			continue
		}
		if _, seen := latest[record.Scan]; !seen {
			order = append(order, record.Scan)
		}
		latest[record.Scan] = record
	}
	result := make([]Record, len(order))
	for i, scan := range order {
		result[i] = latest[scan]
	}
	return result
}

// IngestedLog is the per-dataset-list log of ingested scans. It's only ever
// appended to, and every append is performed on a temporary copy that is then
// renamed over the log, so the log is never observed half-written. It is safe
// for concurrent usage within a process.
type IngestedLog struct {
	// path is the log path.
	path string
	// logger is the logger for best-effort cleanup.
	logger *logging.Logger
	// lock serializes modifications.
	lock sync.Mutex
}

// NewIngestedLog creates a handle for the ingested log at the specified path.
func NewIngestedLog(path string, logger *logging.Logger) *IngestedLog {
	return &IngestedLog{path: path, logger: logger}
}

// Path returns the log path.
func (l *IngestedLog) Path() string {
	return l.path
}

// temporaryPath returns the path of the temporary copy.
func (l *IngestedLog) temporaryPath() string {
	return l.path + temporarySuffix
}

// Read reads the log. A missing log is treated as empty.
func (l *IngestedLog) Read() ([]Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "unable to read ingested log")
	}
	return ParseIngestedLog(data), nil
}

// ClearTmpfile removes any temporary copy left behind by an interrupted run.
func (l *IngestedLog) ClearTmpfile() error {
	if err := os.Remove(l.temporaryPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unable to remove temporary ingested log")
	}
	return nil
}

// beginBatch creates a fresh temporary copy of the log. It must be called
// with the lock held.
func (l *IngestedLog) beginBatch() error {
	// Open the destination.
	temporary, err := os.OpenFile(l.temporaryPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "unable to create temporary ingested log")
	}
	defer must.Close(temporary, l.logger)

	// Copy any existing contents.
	source, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "unable to open ingested log")
	}
	defer must.Close(source, l.logger)
	if _, err := io.Copy(temporary, source); err != nil {
		return errors.Wrap(err, "unable to copy ingested log")
	}
	return nil
}

// record appends lines to the temporary copy. It must be called with the lock
// held.
func (l *IngestedLog) record(records []Record) error {
	temporary, err := os.OpenFile(l.temporaryPath(), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "unable to open temporary ingested log")
	}
	var buffer bytes.Buffer
	for _, record := range records {
		buffer.WriteString(record.String())
		buffer.WriteByte('\n')
	}
	if _, err := temporary.Write(buffer.Bytes()); err != nil {
		must.Close(temporary, l.logger)
		return errors.Wrap(err, "unable to append to temporary ingested log")
	}
	if err := temporary.Close(); err != nil {
		return errors.Wrap(err, "unable to close temporary ingested log")
	}
	return nil
}

// updateFromTmpfile replaces the log with its temporary copy, if any. It must
// be called with the lock held.
func (l *IngestedLog) updateFromTmpfile() error {
	if err := os.Rename(l.temporaryPath(), l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unable to replace ingested log")
	}
	return nil
}

// Append appends records to the log.
func (l *IngestedLog) Append(records ...Record) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.beginBatch(); err != nil {
		return err
	}
	if err := l.record(records); err != nil {
		return err
	}
	return l.updateFromTmpfile()
}
