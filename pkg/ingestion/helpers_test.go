package ingestion

import (
	"encoding/json"
	"sort"
	"testing"
)

// mustJSON encodes a value for inspection with gjson.
func mustJSON(t *testing.T, value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatal("unable to encode value:", err)
	}
	return string(data)
}

// topLevelKeys returns the sorted top-level keys of a JSON object.
func topLevelKeys(data string) []string {
	var object map[string]interface{}
	if err := json.Unmarshal([]byte(data), &object); err != nil {
		return nil
	}
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
