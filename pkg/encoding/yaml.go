package encoding

import (
	"gopkg.in/yaml.v3"
)

// LoadAndUnmarshalYAML loads a YAML document. Unknown keys are ignored since
// configuration files are shared with other deployments of the ingestor.
func LoadAndUnmarshalYAML(path string, value interface{}) error {
	return loadAndUnmarshal(path, func(data []byte) error {
		return yaml.Unmarshal(data, value)
	})
}
