package configuration

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/encoding"
)

// ErrNoBeamtimeDirectories indicates that a configuration lists no beamtime
// directories to watch.
var ErrNoBeamtimeDirectories = errors.New("no beamtime directories configured")

// UpdateStrategy selects how already-ingested datasets are updated.
type UpdateStrategy string

const (
	// UpdateStrategyPatch patches changed dataset fields in place and replaces
	// changed origdatablocks.
	UpdateStrategyPatch UpdateStrategy = "patch"
	// UpdateStrategyNo never modifies existing dataset documents, though
	// origdatablocks are still replaced.
	UpdateStrategyNo UpdateStrategy = "no"
	// UpdateStrategyMixed behaves like UpdateStrategyPatch for metadata changes
	// and like UpdateStrategyCreate for datafile-only changes.
	UpdateStrategyMixed UpdateStrategy = "mixed"
	// UpdateStrategyCreate creates a new dataset version for every change.
	UpdateStrategyCreate UpdateStrategy = "create"
)

// Valid returns whether or not the strategy is recognized.
func (s UpdateStrategy) Valid() bool {
	switch s {
	case UpdateStrategyPatch, UpdateStrategyNo, UpdateStrategyMixed, UpdateStrategyCreate:
		return true
	default:
		return false
	}
}

// Configuration is the YAML configuration object type.
type Configuration struct {
	// BeamtimeDirectories are the roots scanned for beamtime metadata files.
	BeamtimeDirectories []string `yaml:"beamtime_dirs"`
	// BeamtimeFilenamePrefix is the beamtime metadata file name prefix.
	BeamtimeFilenamePrefix string `yaml:"beamtime_filename_prefix"`
	// BeamtimeFilenamePostfix is the beamtime metadata file name suffix.
	BeamtimeFilenamePostfix string `yaml:"beamtime_filename_postfix"`
	// DatasetsFilenamePattern is the scan list file name template.
	DatasetsFilenamePattern string `yaml:"datasets_filename_pattern"`
	// IngestedDatasetsFilenamePattern is the ingested log file name template.
	IngestedDatasetsFilenamePattern string `yaml:"ingested_datasets_filename_pattern"`

	// ScanMetadataPostfix is the suffix of dataset metadata files.
	ScanMetadataPostfix string `yaml:"scan_metadata_postfix"`
	// DatablockMetadataPostfix is the suffix of origdatablock metadata files.
	DatablockMetadataPostfix string `yaml:"datablock_metadata_postfix"`
	// AttachmentMetadataPostfix is the suffix of attachment metadata files.
	AttachmentMetadataPostfix string `yaml:"attachment_metadata_postfix"`

	// ScicatURL is the base URL of the SciCat API.
	ScicatURL string `yaml:"scicat_url"`
	// ScicatUsersLoginPath is the login endpoint path.
	ScicatUsersLoginPath string `yaml:"scicat_users_login_path"`
	// ScicatDatasetsPath is the datasets endpoint path.
	ScicatDatasetsPath string `yaml:"scicat_datasets_path"`
	// ScicatDatablocksPath is the origdatablocks endpoint path.
	ScicatDatablocksPath string `yaml:"scicat_datablocks_path"`
	// ScicatAttachmentsPath is the attachments path below a dataset.
	ScicatAttachmentsPath string `yaml:"scicat_attachments_path"`
	// ScicatProposalsPath is the proposals endpoint path.
	ScicatProposalsPath string `yaml:"scicat_proposals_path"`

	// IngestorUsername is the SciCat account used for ingestion.
	IngestorUsername string `yaml:"ingestor_username"`
	// IngestorCredentialFile contains the password of IngestorUsername.
	IngestorCredentialFile string `yaml:"ingestor_credential_file"`
	// IngestorVarDirectory mirrors scan directories for ingested logs (and
	// metadata, if MetadataInVarDirectory is set). It may contain
	// {beamtimeid}.
	IngestorVarDirectory string `yaml:"ingestor_var_dir"`
	// IngestorLogDirectory is a deprecated alias of IngestorVarDirectory.
	IngestorLogDirectory string `yaml:"ingestor_log_dir"`

	// RequestHeaders are added to every SciCat request.
	RequestHeaders map[string]string `yaml:"request_headers"`
	// MaxRequestTriesNumber bounds attempts per SciCat request.
	MaxRequestTriesNumber int `yaml:"max_request_tries_number"`
	// RequestTimeout is the per-request timeout in seconds.
	RequestTimeout float64 `yaml:"request_timeout"`
	// InotifyTimeout is the inotify read timeout in seconds.
	InotifyTimeout float64 `yaml:"inotify_timeout"`
	// GetEventTimeout is the event debounce window in seconds.
	GetEventTimeout float64 `yaml:"get_event_timeout"`
	// IngestionDelayTime is the pause between scans in seconds.
	IngestionDelayTime float64 `yaml:"ingestion_delay_time"`
	// RecheckBeamtimeFileInterval is the beamtime rescan period in seconds.
	RecheckBeamtimeFileInterval float64 `yaml:"recheck_beamtime_file_interval"`
	// RecheckDatasetListInterval is the scan list rescan period in seconds.
	RecheckDatasetListInterval float64 `yaml:"recheck_dataset_list_interval"`

	// MaxScandirDepth caps scan directory recursion. Negative is unbounded.
	MaxScandirDepth int `yaml:"max_scandir_depth"`
	// ScandirBlacklist lists scan directories (or glob patterns) to skip.
	ScandirBlacklist []string `yaml:"scandir_blacklist"`
	// UseCorepathAsScandir roots scan directory watching at corePath.
	UseCorepathAsScandir bool `yaml:"use_corepath_as_scandir"`

	// DatasetUpdateStrategy selects reingestion behavior.
	DatasetUpdateStrategy UpdateStrategy `yaml:"dataset_update_strategy"`
	// MetadataKeywordsWithoutChecks are dataset fields ignored when comparing.
	MetadataKeywordsWithoutChecks []string `yaml:"metadata_keywords_without_checks"`
	// MetadataInVarDirectory places generated metadata in the var directory.
	MetadataInVarDirectory bool `yaml:"metadata_in_var_dir"`
	// RelativePathInDatablock makes origdatablock paths relative.
	RelativePathInDatablock bool `yaml:"relative_path_in_datablock"`
	// RelativePathGeneratorSwitch is appended to the datablock generator when
	// RelativePathInDatablock is set.
	RelativePathGeneratorSwitch string `yaml:"relative_path_generator_switch"`
	// OwnerAccessGroupsFromProposal takes ownership from the proposal.
	OwnerAccessGroupsFromProposal bool `yaml:"owner_access_groups_from_proposal"`
	// IngestDatasetAttachment enables attachment ingestion.
	IngestDatasetAttachment bool `yaml:"ingest_dataset_attachment"`

	// DatasetPIDPrefix is the DOI prefix of dataset pids.
	DatasetPIDPrefix string `yaml:"dataset_pid_prefix"`
	// BeamtimeIDBlacklist lists beamtimes never ingested.
	BeamtimeIDBlacklist []string `yaml:"beamtime_id_blacklist"`
	// BeamtimeIDWhitelist, if non-empty, lists the only beamtimes ingested.
	BeamtimeIDWhitelist []string `yaml:"beamtime_id_whitelist"`

	// ChmodJSONFiles is an octal permission string applied to generated JSON.
	ChmodJSONFiles string `yaml:"chmod_json_files"`

	// NXSDatasetMetadataGenerator generates dataset metadata from NeXus files.
	NXSDatasetMetadataGenerator string `yaml:"nxs_dataset_metadata_generator"`
	// DatasetMetadataGenerator generates dataset metadata without NeXus files.
	DatasetMetadataGenerator string `yaml:"dataset_metadata_generator"`
	// DatablockMetadataGenerator generates origdatablock metadata files.
	DatablockMetadataGenerator string `yaml:"datablock_metadata_generator"`
	// DatablockMetadataStreamGenerator prints origdatablock metadata.
	DatablockMetadataStreamGenerator string `yaml:"datablock_metadata_stream_generator"`
	// AttachmentMetadataGenerator generates attachment metadata files.
	AttachmentMetadataGenerator string `yaml:"attachment_metadata_generator"`
}

// Default returns a configuration populated with default values.
func Default() *Configuration {
	return &Configuration{
		BeamtimeFilenamePrefix:          "beamtime-metadata-",
		BeamtimeFilenamePostfix:         ".json",
		DatasetsFilenamePattern:         "scicat-datasets-{beamtimeid}.lst",
		IngestedDatasetsFilenamePattern: "scicat-ingested-datasets-{beamtimeid}.lst",
		ScanMetadataPostfix:             ".scan.json",
		DatablockMetadataPostfix:        ".origdatablock.json",
		AttachmentMetadataPostfix:       ".attachment.json",
		ScicatURL:                       "http://localhost:3000/api/v3",
		ScicatUsersLoginPath:            "Users/login",
		ScicatDatasetsPath:              "RawDatasets",
		ScicatDatablocksPath:            "OrigDatablocks",
		ScicatAttachmentsPath:           "attachments",
		ScicatProposalsPath:             "Proposals",
		IngestorUsername:                "ingestor",
		MaxRequestTriesNumber:           10,
		RequestTimeout:                  30,
		InotifyTimeout:                  1,
		GetEventTimeout:                 0.1,
		IngestionDelayTime:              5,
		RecheckBeamtimeFileInterval:     1000,
		RecheckDatasetListInterval:      1000,
		MaxScandirDepth:                 -1,
		DatasetUpdateStrategy:           UpdateStrategyPatch,
		MetadataKeywordsWithoutChecks: []string{
			"id", "_id", "createdAt", "updatedAt", "createdBy", "updatedBy",
			"history", "datasetlifecycle", "techniques", "classification",
			"numberOfFiles", "size", "version",
		},
		RelativePathGeneratorSwitch: " -r {relpath} ",
		DatasetPIDPrefix:            "10.3204",
		NXSDatasetMetadataGenerator: "nxsfileinfo metadata -k4 " +
			"-o {metapath}/{scanname}{scpostfix} " +
			"-b {beamtimefile} -p {beamtimeid}/{scanname} " +
			"-w {ownergroup} -c {accessgroups} " +
			"{scanpath}/{scanname}.nxs",
		DatasetMetadataGenerator: "nxsfileinfo metadata " +
			"-o {metapath}/{scanname}{scpostfix} " +
			"-b {beamtimefile} -p {beamtimeid}/{scanname} " +
			"-w {ownergroup} -c {accessgroups} " +
			"-x {scanname}",
		DatablockMetadataGenerator: "nxsfileinfo origdatablock " +
			"-s *.pyc,*{dbpostfix},*{scpostfix},*~ " +
			"-p {doiprefix}/{beamtimeid}/{scanname} " +
			"-w {ownergroup} -c {accessgroups} " +
			"-o {metapath}/{scanname}{dbpostfix} " +
			"{scanpath}/{scanname}",
		DatablockMetadataStreamGenerator: "nxsfileinfo origdatablock " +
			"-s *.pyc,*{dbpostfix},*{scpostfix},*~ " +
			"-w {ownergroup} -c {accessgroups} " +
			"-p {doiprefix}/{beamtimeid}/{scanname} " +
			"{scanpath}/{scanname}",
		AttachmentMetadataGenerator: "nxsfileinfo attachment " +
			"-w {ownergroup} -c {accessgroups} " +
			"-o {metapath}/{scanname}{atpostfix} " +
			"{plotfile}",
	}
}

// Load loads a configuration file and populates a Configuration structure on
// top of the default values. An empty path yields the defaults. The result is
// validated before being returned.
func Load(path string) (*Configuration, error) {
	// Create a configuration with default values that we can decode into.
	result := Default()

	// Attempt to load the configuration from disk.
	if path != "" {
		if err := encoding.LoadAndUnmarshalYAML(path, result); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrap(err, "configuration file does not exist")
			}
			return nil, errors.Wrap(err, "unable to load configuration")
		}
	}

	// Apply aliases.
	if result.IngestorVarDirectory == "" {
		result.IngestorVarDirectory = result.IngestorLogDirectory
	}

	// Validate the result.
	if err := result.Validate(); err != nil {
		return result, err
	}

	// Success.
	return result, nil
}

// Validate ensures that the configuration is usable.
func (c *Configuration) Validate() error {
	if len(c.BeamtimeDirectories) == 0 {
		return ErrNoBeamtimeDirectories
	}
	if !c.DatasetUpdateStrategy.Valid() {
		return errors.Errorf("invalid dataset update strategy: %s", c.DatasetUpdateStrategy)
	}
	if _, err := c.JSONFileMode(); err != nil {
		return err
	}
	if c.MaxRequestTriesNumber < 1 {
		return errors.New("max_request_tries_number must be positive")
	}
	return nil
}

// JSONFileMode parses ChmodJSONFiles. It returns 0 if no mode is configured.
// Python-style ("0o662"), C-style ("0662") and bare ("662") octal strings are
// accepted.
func (c *Configuration) JSONFileMode() (os.FileMode, error) {
	value := strings.TrimSpace(c.ChmodJSONFiles)
	if value == "" {
		return 0, nil
	}
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0o"), "0O")
	mode, err := strconv.ParseUint(value, 8, 32)
	if err != nil || mode > 0777 {
		return 0, errors.Errorf("invalid chmod_json_files value: %s", c.ChmodJSONFiles)
	}
	return os.FileMode(mode), nil
}

// seconds converts fractional seconds to a duration.
func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

// RequestTimeoutDuration returns RequestTimeout as a duration.
func (c *Configuration) RequestTimeoutDuration() time.Duration {
	return seconds(c.RequestTimeout)
}

// InotifyTimeoutDuration returns InotifyTimeout as a duration.
func (c *Configuration) InotifyTimeoutDuration() time.Duration {
	return seconds(c.InotifyTimeout)
}

// GetEventTimeoutDuration returns GetEventTimeout as a duration.
func (c *Configuration) GetEventTimeoutDuration() time.Duration {
	return seconds(c.GetEventTimeout)
}

// IngestionDelayDuration returns IngestionDelayTime as a duration.
func (c *Configuration) IngestionDelayDuration() time.Duration {
	return seconds(c.IngestionDelayTime)
}

// RecheckBeamtimeFileDuration returns RecheckBeamtimeFileInterval as a
// duration.
func (c *Configuration) RecheckBeamtimeFileDuration() time.Duration {
	return seconds(c.RecheckBeamtimeFileInterval)
}

// RecheckDatasetListDuration returns RecheckDatasetListInterval as a duration.
func (c *Configuration) RecheckDatasetListDuration() time.Duration {
	return seconds(c.RecheckDatasetListInterval)
}

// BeamtimeAllowed returns whether a beamtime passes the blacklist and
// whitelist.
func (c *Configuration) BeamtimeAllowed(beamtimeID string) bool {
	for _, id := range c.BeamtimeIDBlacklist {
		if id == beamtimeID {
			return false
		}
	}
	if len(c.BeamtimeIDWhitelist) == 0 {
		return true
	}
	for _, id := range c.BeamtimeIDWhitelist {
		if id == beamtimeID {
			return true
		}
	}
	return false
}

// BeamtimeFileID extracts the beamtime identifier from a file name matching
// the beamtime metadata pattern. It returns false if the name doesn't match.
func (c *Configuration) BeamtimeFileID(name string) (string, bool) {
	if len(name) <= len(c.BeamtimeFilenamePrefix)+len(c.BeamtimeFilenamePostfix) {
		return "", false
	}
	if !strings.HasPrefix(name, c.BeamtimeFilenamePrefix) || !strings.HasSuffix(name, c.BeamtimeFilenamePostfix) {
		return "", false
	}
	return name[len(c.BeamtimeFilenamePrefix) : len(name)-len(c.BeamtimeFilenamePostfix)], true
}
