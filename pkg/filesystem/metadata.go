package filesystem

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ModificationTime returns the modification time of a path in fractional
// seconds since the Unix epoch, or 0 if the path doesn't exist.
func ModificationTime(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "unable to query modification time")
	}
	return TimeToSeconds(info.ModTime()), nil
}

// TimeToSeconds converts a time to fractional seconds since the Unix epoch.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// SecondsToTime converts fractional seconds since the Unix epoch to a time.
func SecondsToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second)))
}

// SHA1 returns the hex-encoded SHA-1 digest of a file's contents, or an empty
// string if the file doesn't exist.
func SHA1(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrap(err, "unable to open file")
	}
	defer file.Close()

	hasher := sha1.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", errors.Wrap(err, "unable to hash file")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Exists returns whether or not a path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDirectory returns whether or not a path exists and is a directory.
func IsDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// MirrorPath maps an absolute path into a mirror root, e.g. a scan directory
// /gpfs/current/raw into /var/lib/scingestor/gpfs/current/raw. If root is
// empty, path is returned unchanged.
func MirrorPath(root, path string) string {
	if root == "" {
		return path
	}
	return filepath.Join(root, filepath.Clean("/"+path))
}

// ExistingAncestor walks up from path until it finds a directory that exists.
// It returns an empty string if no ancestor exists.
func ExistingAncestor(path string) string {
	path = filepath.Clean(path)
	for {
		if IsDirectory(path) {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return ""
		}
		path = parent
	}
}
