package ingestion

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Scan is an entry of a dataset list.
type Scan struct {
	// Name is the scan name.
	Name string
	// Paths are additional detector paths, relative to the scan directory,
	// whose files belong to the scan's origdatablock.
	Paths []string
}

// ParseScanList parses dataset list contents. Blank lines and lines starting
// with '#' are ignored. Scan names are NFC-normalized, and a scan listed more
// than once is reported once, at the position of its last occurrence.
func ParseScanList(data []byte) []Scan {
	// Parse all entries.
	var entries []Scan
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(norm.NFC.String(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		entry := Scan{Name: fields[0]}
		if len(fields) > 1 {
			entry.Paths = fields[1:]
		}
		entries = append(entries, entry)
	}

	// Collapse duplicates to their last occurrence.
	last := make(map[string]int, len(entries))
	for i, entry := range entries {
		last[entry.Name] = i
	}
	result := make([]Scan, 0, len(last))
	for i, entry := range entries {
		if last[entry.Name] == i {
			result = append(result, entry)
		}
	}
	return result
}

// ReadScanList reads and parses a dataset list. A missing list is treated as
// empty.
func ReadScanList(path string) ([]Scan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "unable to read dataset list")
	}
	return ParseScanList(data), nil
}
