package configuration

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/encoding"
)

// Beamtime is a beamtime metadata file along with the values derived from it
// and the configuration. It is created once per discovered beamtime file and
// shared read-only by the watchers and ingestors below it.
type Beamtime struct {
	// ID is the beamtime identifier.
	ID string
	// ProposalID is the proposal identifier.
	ProposalID string
	// Beamline is the beamline name.
	Beamline string
	// CorePath is the optional alternative mount of the beamtime tree.
	CorePath string
	// File is the path of the beamtime metadata file.
	File string
	// Document is the full decoded metadata document.
	Document map[string]interface{}

	// DatasetListName is the expected scan list file name.
	DatasetListName string
	// IngestedLogName is the ingested log file name.
	IngestedLogName string
	// VarDirectory is the expanded ingestor var directory (possibly empty).
	VarDirectory string
}

// LoadBeamtime loads a beamtime metadata file and derives its per-beamtime
// values from the configuration.
func LoadBeamtime(configuration *Configuration, path string) (*Beamtime, error) {
	// Decode the document.
	var document map[string]interface{}
	if err := encoding.LoadAndUnmarshalJSON(path, &document); err != nil {
		return nil, errors.Wrap(err, "unable to load beamtime metadata")
	}

	// Extract the fields consumed by the ingestor.
	beamtime := &Beamtime{
		File:       path,
		Document:   document,
		ID:         stringField(document, "beamtimeId"),
		ProposalID: stringField(document, "proposalId"),
		Beamline:   stringField(document, "beamline"),
		CorePath:   stringField(document, "corePath"),
	}
	if beamtime.ID == "" {
		return nil, errors.New("beamtime metadata has no beamtimeId")
	}

	// Compute derived values.
	values := map[string]string{
		PlaceholderBeamtimeID: beamtime.ID,
		PlaceholderBeamline:   beamtime.Beamline,
	}
	beamtime.DatasetListName = Expand(configuration.DatasetsFilenamePattern, values)
	beamtime.IngestedLogName = Expand(configuration.IngestedDatasetsFilenamePattern, values)
	beamtime.VarDirectory = Expand(configuration.IngestorVarDirectory, values)

	// Success.
	return beamtime, nil
}

// stringField extracts a string-valued field from a document, tolerating
// numeric identifiers.
func stringField(document map[string]interface{}, key string) string {
	switch value := document[key].(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

// ScanDirectory returns the root of the beamtime's scan directory tree.
func (b *Beamtime) ScanDirectory(configuration *Configuration) string {
	if configuration.UseCorepathAsScandir && b.CorePath != "" {
		return b.CorePath
	}
	return filepath.Dir(b.File)
}

// OwnerGroup returns the default owner group of the beamtime's datasets.
func (b *Beamtime) OwnerGroup() string {
	return b.ID + "-dmgt"
}

// AccessGroups returns the default access groups of the beamtime's datasets.
func (b *Beamtime) AccessGroups() []string {
	groups := []string{b.ID + "-clbt", b.ID + "-part"}
	if b.Beamline != "" {
		groups = append(groups, b.Beamline+"dmgt", b.Beamline+"staff")
	}
	return groups
}
