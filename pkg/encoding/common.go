// Package encoding decodes the files read by the ingestor: its YAML
// configuration and the JSON metadata documents written by beamline tools.
package encoding

import (
	"os"

	"github.com/pkg/errors"
)

// loadAndUnmarshal reads a file and decodes its contents with the specified
// callback. Non-existence errors are returned unwrapped so that callers can
// detect them with os.IsNotExist.
func loadAndUnmarshal(path string, unmarshal func([]byte) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return errors.Wrap(err, "unable to load file")
	}
	if err := unmarshal(data); err != nil {
		return errors.Wrapf(err, "unable to decode %s", path)
	}
	return nil
}
