package encoding

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// LoadAndUnmarshalJSON loads a JSON document. Numbers are preserved as
// json.Number when decoding into generic containers so that metadata can be
// compared and forwarded without loss of precision.
func LoadAndUnmarshalJSON(path string, value interface{}) error {
	return loadAndUnmarshal(path, func(data []byte) error {
		return UnmarshalJSON(data, value)
	})
}

// UnmarshalJSON decodes a single JSON value, preserving numbers as
// json.Number. Trailing data after the value is an error, since it usually
// indicates a generator that was interrupted or wrote twice.
func UnmarshalJSON(data []byte, value interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(value); err != nil {
		return err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}
