package ingestion

import (
	"encoding/json"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/encoding"
)

// ErrValidation indicates that generated dataset metadata doesn't belong to
// the beamtime being ingested.
var ErrValidation = errors.New("dataset metadata validation failed")

const (
	// fieldPID is the dataset identifier field.
	fieldPID = "pid"
	// fieldProposalID is the dataset proposal field.
	fieldProposalID = "proposalId"
	// fieldDatasetID links origdatablocks and attachments to datasets.
	fieldDatasetID = "datasetId"
	// fieldOwnerGroup is the dataset owner group field.
	fieldOwnerGroup = "ownerGroup"
	// fieldAccessGroups is the dataset access groups field.
	fieldAccessGroups = "accessGroups"
	// fieldScientificMetadata is the dataset's free-form metadata field.
	fieldScientificMetadata = "scientificMetadata"
	// fieldSize is the origdatablock size field.
	fieldSize = "size"
)

// document is a decoded JSON object.
type document map[string]interface{}

// loadDocument loads a JSON object from disk.
func loadDocument(path string) (document, error) {
	var result document
	if err := encoding.LoadAndUnmarshalJSON(path, &result); err != nil {
		return nil, errors.Wrapf(err, "unable to load %s", path)
	}
	if result == nil {
		return nil, errors.Errorf("%s does not contain a JSON object", path)
	}
	return result, nil
}

// clone returns a shallow copy of the document.
func (d document) clone() document {
	result := make(document, len(d))
	for key, value := range d {
		result[key] = value
	}
	return result
}

// str returns a string field, or an empty string.
func (d document) str(key string) string {
	switch value := d[key].(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

// marshal encodes the document.
func (d document) marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode document")
	}
	return data, nil
}

// validateDataset checks that dataset metadata belongs to a beamtime.
func validateDataset(dataset document, beamtimeID string) error {
	if proposal := dataset.str(fieldProposalID); proposal != beamtimeID {
		return errors.Wrapf(ErrValidation, "proposalId %q does not match beamtime %s", proposal, beamtimeID)
	}
	if pid := dataset.str(fieldPID); !strings.HasPrefix(pid, beamtimeID+"/") || len(pid) == len(beamtimeID)+1 {
		return errors.Wrapf(ErrValidation, "pid %q does not belong to beamtime %s", pid, beamtimeID)
	}
	return nil
}

// fullPID computes the catalog pid of a dataset from its pid without DOI
// prefix.
func fullPID(prefix, pid string) string {
	return prefix + "/" + pid
}

// empty returns whether a decoded JSON value is null or an empty string, array
// or object.
func empty(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	default:
		return false
	}
}

// changedFields returns the sorted top-level fields of local that differ from
// remote, ignoring the specified fields. Fields only present remotely are
// maintained by the catalog and are not reported, and neither are empty local
// fields that the catalog omits.
func changedFields(local, remote document, ignored map[string]bool) []string {
	var changed []string
	for key, value := range local {
		if ignored[key] || key == fieldPID {
			continue
		}
		remoteValue, ok := remote[key]
		if !ok && empty(value) {
			continue
		}
		if !cmp.Equal(value, remoteValue, cmpopts.EquateEmpty(), numberComparer) {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

// numberComparer compares JSON numbers by value so that, e.g., 1 and 1.0 are
// equal.
var numberComparer = cmp.Comparer(func(a, b json.Number) bool {
	if a == b {
		return true
	}
	x, errX := a.Float64()
	y, errY := b.Float64()
	return errX == nil && errY == nil && x == y
})

// mergePatch computes an RFC 7386 merge patch that updates the specified
// fields of remote to their values in local.
func mergePatch(local, remote document, fields []string) ([]byte, error) {
	original := make(document, len(fields))
	modified := make(document, len(fields))
	for _, field := range fields {
		if value, ok := remote[field]; ok {
			original[field] = value
		}
		modified[field] = local[field]
	}
	originalData, err := original.marshal()
	if err != nil {
		return nil, err
	}
	modifiedData, err := modified.marshal()
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(originalData, modifiedData)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compute merge patch")
	}
	return patch, nil
}
