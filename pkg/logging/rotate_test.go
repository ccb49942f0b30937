package logging

import (
	"os"
	"path/filepath"
	"testing"
)

// TestRotatingWriter verifies that the writer rotates to a single backup.
func TestRotatingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestor.log")
	writer, err := NewRotatingWriter(path, 16)
	if err != nil {
		t.Fatal("unable to create rotating writer:", err)
	}
	defer writer.Close()

	if _, err := writer.Write([]byte("0123456789\n")); err != nil {
		t.Fatal("first write failed:", err)
	}
	if _, err := writer.Write([]byte("abcdefghij\n")); err != nil {
		t.Fatal("second write failed:", err)
	}

	if data, err := os.ReadFile(path + ".1"); err != nil {
		t.Fatal("unable to read rotated file:", err)
	} else if string(data) != "0123456789\n" {
		t.Error("rotated file content mismatch:", string(data))
	}
	if data, err := os.ReadFile(path); err != nil {
		t.Fatal("unable to read log file:", err)
	} else if string(data) != "abcdefghij\n" {
		t.Error("log file content mismatch:", string(data))
	}
}
