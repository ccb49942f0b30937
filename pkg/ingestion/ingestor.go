package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/filesystem"
	"github.com/scingestor/scingestor/pkg/logging"
	"github.com/scingestor/scingestor/pkg/scicat"
)

// Catalog is the subset of the SciCat API used for ingestion. It's
// implemented by *scicat.Client.
type Catalog interface {
	// Token returns an access token, logging in if necessary.
	Token(ctx context.Context) (string, error)
	// DatasetExists returns whether a dataset exists.
	DatasetExists(ctx context.Context, pid string) (bool, error)
	// GetDataset fetches a dataset document.
	GetDataset(ctx context.Context, pid string) (map[string]interface{}, error)
	// CreateDataset creates a dataset and returns its pid.
	CreateDataset(ctx context.Context, document []byte) (string, error)
	// PatchDataset applies a merge patch to a dataset.
	PatchDataset(ctx context.Context, pid string, patch []byte) error
	// FindOrigDatablock returns the identifier of an origdatablock of a
	// dataset, or an empty string if there is none.
	FindOrigDatablock(ctx context.Context, datasetID string) (string, error)
	// FindOrigDatablocks returns the origdatablock identifiers of a dataset.
	FindOrigDatablocks(ctx context.Context, datasetID string) ([]string, error)
	// CreateOrigDatablock creates an origdatablock and returns its identifier.
	CreateOrigDatablock(ctx context.Context, document []byte) (string, error)
	// DeleteOrigDatablock deletes an origdatablock.
	DeleteOrigDatablock(ctx context.Context, id string) error
	// CreateAttachment attaches a document to a dataset.
	CreateAttachment(ctx context.Context, pid string, document []byte) error
	// GetProposal returns the ownership fields of a proposal.
	GetProposal(ctx context.Context, proposalID string) (*scicat.Proposal, error)
}

// Ingestor ingests the scans of a single dataset list. Its operations must not
// be called concurrently, except for the snapshot accessors.
type Ingestor struct {
	// configuration is the ingestor configuration.
	configuration *configuration.Configuration
	// beamtime is the beamtime that the dataset list belongs to.
	beamtime *configuration.Beamtime
	// listPath is the dataset list path.
	listPath string
	// scanDirectory is the directory containing the dataset list and scans.
	scanDirectory string
	// metadataDirectory is the directory holding generated metadata.
	metadataDirectory string
	// ingested is the ingested log.
	ingested *IngestedLog
	// catalog is the SciCat API.
	catalog Catalog
	// logger is the ingestor logger.
	logger *logging.Logger
	// hostname is the local host name.
	hostname string
	// fileMode is the mode applied to generated metadata, or 0.
	fileMode os.FileMode
	// ignored are the fields ignored when comparing dataset metadata.
	ignored map[string]bool

	// snapshotLock guards waiting and records.
	snapshotLock sync.Mutex
	// waiting are the scans found waiting by the last CheckList.
	waiting []Scan
	// records are the ingested log records read by the last CheckList.
	records []Record
}

// New creates an ingestor for a dataset list.
func New(
	c *configuration.Configuration,
	beamtime *configuration.Beamtime,
	listPath string,
	catalog Catalog,
	logger *logging.Logger,
) (*Ingestor, error) {
	mode, err := c.JSONFileMode()
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "unable to query hostname")
	}

	// Compute locations. Ingested logs live in the var directory mirror of the
	// scan directory if a var directory is configured, and so does metadata if
	// requested.
	scanDirectory := filepath.Dir(listPath)
	logDirectory := scanDirectory
	metadataDirectory := scanDirectory
	if beamtime.VarDirectory != "" {
		logDirectory = filesystem.MirrorPath(beamtime.VarDirectory, scanDirectory)
		if c.MetadataInVarDirectory {
			metadataDirectory = logDirectory
		}
	}
	if logDirectory != scanDirectory {
		if err := os.MkdirAll(logDirectory, 0755); err != nil {
			return nil, errors.Wrap(err, "unable to create var directory")
		}
	}

	ignored := make(map[string]bool, len(c.MetadataKeywordsWithoutChecks))
	for _, key := range c.MetadataKeywordsWithoutChecks {
		ignored[key] = true
	}

	return &Ingestor{
		configuration:     c,
		beamtime:          beamtime,
		listPath:          listPath,
		scanDirectory:     scanDirectory,
		metadataDirectory: metadataDirectory,
		ingested:          NewIngestedLog(filepath.Join(logDirectory, beamtime.IngestedLogName), logger),
		catalog:           catalog,
		logger:            logger,
		hostname:          hostname,
		fileMode:          mode,
		ignored:           ignored,
	}, nil
}

// IngestedLogPath returns the path of the ingested log.
func (i *Ingestor) IngestedLogPath() string {
	return i.ingested.Path()
}

// ClearTmpfile removes any stale temporary ingested log.
func (i *Ingestor) ClearTmpfile() error {
	return i.ingested.ClearTmpfile()
}

// WaitingDatasets returns the scans found waiting by the last CheckList.
func (i *Ingestor) WaitingDatasets() []Scan {
	i.snapshotLock.Lock()
	defer i.snapshotLock.Unlock()
	return append([]Scan(nil), i.waiting...)
}

// IngestedDatasets returns the ingested log records read by the last
// CheckList.
func (i *Ingestor) IngestedDatasets() []Record {
	i.snapshotLock.Lock()
	defer i.snapshotLock.Unlock()
	return append([]Record(nil), i.records...)
}

// Record returns the latest ingested log record of a scan.
func (i *Ingestor) Record(scan string) (Record, bool) {
	i.snapshotLock.Lock()
	defer i.snapshotLock.Unlock()
	for _, record := range i.records {
		if record.Scan == scan {
			return record, true
		}
	}
	return Record{}, false
}

// CheckList reads the dataset list and the ingested log and determines which
// scans are waiting. Without reingest, a scan is waiting if it has never been
// attempted. With reingest, a scan is also waiting if its last attempt failed,
// any of its metadata files is missing, or a metadata file has changed since
// its last ingestion. Waiting scans are returned in list order.
func (i *Ingestor) CheckList(reingest bool) ([]Scan, []Record, error) {
	// Read the inputs.
	scans, err := ReadScanList(i.listPath)
	if err != nil {
		return nil, nil, err
	}
	records, err := i.ingested.Read()
	if err != nil {
		return nil, nil, err
	}
	known := make(map[string]Record, len(records))
	for _, record := range records {
		known[record.Scan] = record
	}

	// Partition the list.
	var waiting []Scan
	for _, scan := range scans {
		record, ok := known[scan.Name]
		if !ok {
			waiting = append(waiting, scan)
		} else if reingest {
			stale, err := i.stale(scan.Name, record)
			if err != nil {
				i.logger.Warnf("Unable to check %s: %v", scan.Name, err)
				continue
			}
			if stale {
				waiting = append(waiting, scan)
			}
		}
	}

	// Record the snapshot.
	i.snapshotLock.Lock()
	i.waiting = waiting
	i.records = records
	i.snapshotLock.Unlock()

	// Done.
	return waiting, records, nil
}

// stale returns whether an ingested scan needs to be reingested.
func (i *Ingestor) stale(scan string, record Record) (bool, error) {
	if !record.Succeeded() {
		return true, nil
	}
	paths := i.artifactsFor(scan)
	if i.configuration.IngestDatasetAttachment && !filesystem.Exists(paths.attachment) {
		return true, nil
	}
	changed, err := fileChanged(paths.dataset, record.ScanMTime, record.ScanSHA1)
	if err != nil || changed {
		return changed, err
	}
	changed, err = fileChanged(paths.datablock, record.DatablockMTime, record.DatablockSHA1)
	if err != nil || changed {
		return changed, err
	}
	nexusTime, err := filesystem.ModificationTime(paths.nexus)
	if err != nil {
		return false, err
	}
	return nexusTime > record.ScanMTime, nil
}

// fileChanged returns whether a file is missing or differs from its recorded
// modification time or digest.
func fileChanged(path string, mtime float64, digest string) (bool, error) {
	current, err := filesystem.ModificationTime(path)
	if err != nil {
		return false, err
	}
	if current == 0 || current != mtime {
		return true, nil
	}
	if digest == "" {
		return false, nil
	}
	sum, err := filesystem.SHA1(path)
	if err != nil {
		return false, err
	}
	return sum != digest, nil
}

// ownership returns the owner and access groups of the beamtime's datasets.
func (i *Ingestor) ownership(ctx context.Context) (string, []string, error) {
	if !i.configuration.OwnerAccessGroupsFromProposal {
		return i.beamtime.OwnerGroup(), i.beamtime.AccessGroups(), nil
	}
	proposalID := i.beamtime.ProposalID
	if proposalID == "" {
		proposalID = i.beamtime.ID
	}
	proposal, err := i.catalog.GetProposal(ctx, proposalID)
	if err != nil {
		return "", nil, err
	}
	return proposal.OwnerGroup, proposal.AccessGroups, nil
}

// prepared is a scan whose metadata has been generated and loaded.
type prepared struct {
	// scan is the scan.
	scan Scan
	// paths are the metadata file paths.
	paths artifacts
	// dataset is the dataset metadata, with ownership applied.
	dataset document
	// datablock is the origdatablock metadata.
	datablock document
	// datablockGenerated indicates that the origdatablock was regenerated.
	datablockGenerated bool
}

// prepare generates and loads a scan's metadata. The origdatablock metadata is
// regenerated if forced.
func (i *Ingestor) prepare(ctx context.Context, scan Scan, forceDatablock bool) (*prepared, error) {
	owner, access, err := i.ownership(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to determine dataset ownership")
	}
	if err := i.ensureMetadataDirectory(); err != nil {
		return nil, err
	}

	// Generate metadata.
	paths := i.artifactsFor(scan.Name)
	values := i.templateValues(scan.Name, owner, access)
	if _, err := i.generateDataset(ctx, paths, values); err != nil {
		return nil, err
	}
	generated, err := i.generateDatablock(ctx, scan, paths, values, forceDatablock)
	if err != nil {
		return nil, err
	}
	if _, err := i.generateAttachment(ctx, paths, values); err != nil {
		return nil, err
	}

	// Load metadata.
	dataset, err := loadDocument(paths.dataset)
	if err != nil {
		return nil, err
	}
	datablock, err := loadDocument(paths.datablock)
	if err != nil {
		return nil, err
	}

	// Local pids are relative to the DOI prefix, which the catalog adds.
	if prefix := i.configuration.DatasetPIDPrefix; prefix != "" {
		if pid := dataset.str(fieldPID); strings.HasPrefix(pid, prefix+"/") {
			dataset[fieldPID] = strings.TrimPrefix(pid, prefix+"/")
		}
	}

	// Generators may not know the proposal's ownership, so it always wins.
	if i.configuration.OwnerAccessGroupsFromProposal {
		dataset[fieldOwnerGroup] = owner
		groups := make([]interface{}, len(access))
		for g, group := range access {
			groups[g] = group
		}
		dataset[fieldAccessGroups] = groups
	}

	return &prepared{
		scan:               scan,
		paths:              paths,
		dataset:            dataset,
		datablock:          datablock,
		datablockGenerated: generated,
	}, nil
}

// newRecord computes the ingested log record of a prepared scan.
func (i *Ingestor) newRecord(p *prepared, pid string, succeeded bool) (Record, error) {
	record := Record{Scan: p.scan.Name, PID: pid}
	if succeeded {
		record.Timestamp = filesystem.TimeToSeconds(time.Now())
	}
	var err error
	if record.ScanMTime, err = filesystem.ModificationTime(p.paths.dataset); err != nil {
		return Record{}, err
	}
	if record.DatablockMTime, err = filesystem.ModificationTime(p.paths.datablock); err != nil {
		return Record{}, err
	}
	if record.ScanSHA1, err = filesystem.SHA1(p.paths.dataset); err != nil {
		return Record{}, err
	}
	if record.DatablockSHA1, err = filesystem.SHA1(p.paths.datablock); err != nil {
		return Record{}, err
	}
	return record, nil
}

// commit appends a record to the ingested log and the snapshot.
func (i *Ingestor) commit(record Record) error {
	if err := i.ingested.Append(record); err != nil {
		return err
	}
	i.snapshotLock.Lock()
	defer i.snapshotLock.Unlock()
	for r := range i.records {
		if i.records[r].Scan == record.Scan {
			i.records[r] = record
			return nil
		}
	}
	i.records = append(i.records, record)
	return nil
}

// validate validates prepared metadata, recording a failed attempt if it's
// invalid.
func (i *Ingestor) validate(p *prepared) error {
	err := validateDataset(p.dataset, i.beamtime.ID)
	if err == nil {
		return nil
	}
	record, recordErr := i.newRecord(p, "", false)
	if recordErr == nil {
		recordErr = i.commit(record)
	}
	if recordErr != nil {
		i.logger.Warnf("Unable to record failed attempt for %s: %v", p.scan.Name, recordErr)
	}
	return err
}

// Ingest performs the first-time ingestion of a scan. If the dataset already
// exists in the catalog, the scan is reingested instead.
func (i *Ingestor) Ingest(ctx context.Context, scan Scan) error {
	if _, err := i.catalog.Token(ctx); err != nil {
		return errors.Wrap(err, "unable to authenticate")
	}

	// Prepare and validate metadata.
	p, err := i.prepare(ctx, scan, false)
	if err != nil {
		return err
	}
	if err := i.validate(p); err != nil {
		return err
	}

	// Avoid creating duplicates.
	pid := p.dataset.str(fieldPID)
	if exists, err := i.catalog.DatasetExists(ctx, fullPID(i.configuration.DatasetPIDPrefix, pid)); err != nil {
		return errors.Wrap(err, "unable to check dataset existence")
	} else if exists {
		i.logger.Infof("Dataset %s already exists, updating", pid)
		record, _ := i.Record(scan.Name)
		if record.PID == "" {
			record.PID = pid
		}
		return i.update(ctx, p, record, false)
	}

	// Create the dataset.
	if err := i.create(ctx, p, pid); err != nil {
		return err
	}
	record, err := i.newRecord(p, pid, true)
	if err != nil {
		return err
	}
	return i.commit(record)
}

// Reingest updates an already ingested scan according to the configured
// update strategy.
func (i *Ingestor) Reingest(ctx context.Context, scan Scan) error {
	record, ok := i.Record(scan.Name)
	if !ok || !record.Succeeded() {
		return i.Ingest(ctx, scan)
	}
	if _, err := i.catalog.Token(ctx); err != nil {
		return errors.Wrap(err, "unable to authenticate")
	}

	// Regenerate origdatablock metadata if it was touched since ingestion.
	paths := i.artifactsFor(scan.Name)
	datablockTime, err := filesystem.ModificationTime(paths.datablock)
	if err != nil {
		return err
	}
	p, err := i.prepare(ctx, scan, datablockTime != 0 && datablockTime != record.DatablockMTime)
	if err != nil {
		return err
	}
	if err := i.validate(p); err != nil {
		return err
	}
	if record.PID == "" {
		record.PID = p.dataset.str(fieldPID)
	}
	return i.update(ctx, p, record, true)
}

// create creates a dataset under the specified pid (without DOI prefix),
// followed by its origdatablock and attachment.
func (i *Ingestor) create(ctx context.Context, p *prepared, pid string) error {
	// Create the dataset.
	dataset := p.dataset.clone()
	dataset[fieldPID] = pid
	body, err := dataset.marshal()
	if err != nil {
		return err
	}
	created, err := i.catalog.CreateDataset(ctx, body)
	if err != nil {
		return errors.Wrap(err, "unable to create dataset")
	}
	if created == "" {
		created = fullPID(i.configuration.DatasetPIDPrefix, pid)
	}
	i.logger.Infof("Created dataset %s", created)

	// Create the origdatablock and attachment.
	if err := i.createDatablock(ctx, p, created); err != nil {
		return err
	}
	return i.createAttachment(ctx, p, created)
}

// createDatablock creates the origdatablock of a dataset.
func (i *Ingestor) createDatablock(ctx context.Context, p *prepared, datasetID string) error {
	datablock := p.datablock.clone()
	datablock[fieldDatasetID] = datasetID
	body, err := datablock.marshal()
	if err != nil {
		return err
	}
	if _, err := i.catalog.CreateOrigDatablock(ctx, body); err != nil {
		return errors.Wrap(err, "unable to create origdatablock")
	}
	if size, err := strconv.ParseUint(datablock.str(fieldSize), 10, 64); err == nil {
		i.logger.Infof("Created origdatablock of %s (%s)", datasetID, humanize.Bytes(size))
	} else {
		i.logger.Infof("Created origdatablock of %s", datasetID)
	}
	return nil
}

// replaceDatablocks replaces all origdatablocks of a dataset.
func (i *Ingestor) replaceDatablocks(ctx context.Context, p *prepared, datasetID string) error {
	existing, err := i.catalog.FindOrigDatablocks(ctx, datasetID)
	if err != nil {
		return errors.Wrap(err, "unable to find origdatablocks")
	}
	for _, id := range existing {
		if err := i.catalog.DeleteOrigDatablock(ctx, id); err != nil {
			return errors.Wrapf(err, "unable to delete origdatablock %s", id)
		}
	}
	return i.createDatablock(ctx, p, datasetID)
}

// createAttachment attaches the attachment metadata to a dataset, if
// attachments are enabled.
func (i *Ingestor) createAttachment(ctx context.Context, p *prepared, datasetID string) error {
	if !i.configuration.IngestDatasetAttachment {
		return nil
	}
	attachment, err := loadDocument(p.paths.attachment)
	if err != nil {
		return err
	}
	attachment[fieldDatasetID] = datasetID
	body, err := attachment.marshal()
	if err != nil {
		return err
	}
	if err := i.catalog.CreateAttachment(ctx, datasetID, body); err != nil {
		return errors.Wrap(err, "unable to create attachment")
	}
	return nil
}

// datasetChanges determines which dataset fields differ from the catalog
// version. Digests are consulted first, then modification times, and only
// then the catalog document. known indicates whether record describes the
// catalog state.
func (i *Ingestor) datasetChanges(ctx context.Context, p *prepared, record Record, known bool) (document, []string, error) {
	if known {
		changed, err := fileChanged(p.paths.dataset, record.ScanMTime, record.ScanSHA1)
		if err != nil {
			return nil, nil, err
		}
		if !changed {
			return nil, nil, nil
		}
		if record.ScanSHA1 != "" {
			if sum, err := filesystem.SHA1(p.paths.dataset); err != nil {
				return nil, nil, err
			} else if sum == record.ScanSHA1 && !i.configuration.OwnerAccessGroupsFromProposal {
				return nil, nil, nil
			}
		}
	}
	remote, err := i.catalog.GetDataset(ctx, fullPID(i.configuration.DatasetPIDPrefix, record.PID))
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to fetch dataset")
	}
	return remote, changedFields(p.dataset, remote, i.ignored), nil
}

// datablockChanged determines whether the origdatablock must be replaced.
func (i *Ingestor) datablockChanged(ctx context.Context, p *prepared, record Record, known bool) (bool, error) {
	if p.datablockGenerated && known {
		return true, nil
	}
	if !known {
		existing, err := i.catalog.FindOrigDatablock(ctx, fullPID(i.configuration.DatasetPIDPrefix, record.PID))
		if err != nil {
			return false, errors.Wrap(err, "unable to find origdatablock")
		}
		return existing == "", nil
	}
	return fileChanged(p.paths.datablock, record.DatablockMTime, record.DatablockSHA1)
}

// update brings an existing dataset up to date according to the update
// strategy. known indicates whether record describes the catalog state.
func (i *Ingestor) update(ctx context.Context, p *prepared, record Record, known bool) error {
	// If the recorded dataset vanished from the catalog, then recreate it.
	pid := record.PID
	full := fullPID(i.configuration.DatasetPIDPrefix, pid)
	exists, err := i.catalog.DatasetExists(ctx, full)
	if err != nil {
		return errors.Wrap(err, "unable to check dataset existence")
	}
	if !exists {
		i.logger.Warnf("Dataset %s is missing from the catalog, recreating it", full)
		if err := i.create(ctx, p, pid); err != nil {
			return err
		}
		return i.finishUpdate(p, pid)
	}

	// Determine changes.
	remote, fields, err := i.datasetChanges(ctx, p, record, known)
	if err != nil {
		return err
	}
	datablockChanged, err := i.datablockChanged(ctx, p, record, known)
	if err != nil {
		return err
	}
	if len(fields) == 0 && !datablockChanged {
		i.logger.Debugf("No changes in %s", p.scan.Name)
		return i.finishUpdate(p, pid)
	}
	i.logger.Infof("Updating %s (changed fields: %s, origdatablock changed: %t)",
		p.scan.Name, strings.Join(fields, ","), datablockChanged,
	)

	// Apply the strategy.
	switch strategy := i.configuration.DatasetUpdateStrategy; {
	case strategy == configuration.UpdateStrategyCreate,
		strategy == configuration.UpdateStrategyMixed && len(fields) == 0:
		if pid, err = i.nextVersion(ctx, p.dataset.str(fieldPID), pid); err != nil {
			return err
		}
		if err := i.create(ctx, p, pid); err != nil {
			return err
		}
	case strategy == configuration.UpdateStrategyNo:
		if len(fields) > 0 {
			i.logger.Infof("Leaving dataset %s unchanged", full)
		}
		if datablockChanged {
			if err := i.replaceDatablocks(ctx, p, full); err != nil {
				return err
			}
		}
	default:
		if len(fields) > 0 {
			if err := i.patch(ctx, p, remote, full, fields); err != nil {
				return err
			}
		}
		if datablockChanged {
			if err := i.replaceDatablocks(ctx, p, full); err != nil {
				return err
			}
		}
	}

	return i.finishUpdate(p, pid)
}

// finishUpdate records a successful update.
func (i *Ingestor) finishUpdate(p *prepared, pid string) error {
	record, err := i.newRecord(p, pid, true)
	if err != nil {
		return err
	}
	return i.commit(record)
}

// patch patches changed dataset fields.
func (i *Ingestor) patch(ctx context.Context, p *prepared, remote document, pid string, fields []string) error {
	body, err := mergePatch(p.dataset, remote, fields)
	if err != nil {
		return err
	}
	if err := i.catalog.PatchDataset(ctx, pid, body); err != nil {
		return errors.Wrap(err, "unable to patch dataset")
	}
	if len(fields) == 1 && fields[0] == fieldScientificMetadata {
		i.logger.Infof("Patched scientific metadata of %s", pid)
	} else {
		i.logger.Infof("Patched dataset %s", pid)
	}
	return nil
}

// nextVersion computes the pid of a new version of a dataset. Versions of a
// dataset with pid base are base, base/2, base/3 and so on.
func (i *Ingestor) nextVersion(ctx context.Context, base, current string) (string, error) {
	version := 1
	if suffix := strings.TrimPrefix(current, base+"/"); suffix != current {
		if n, err := strconv.Atoi(suffix); err == nil {
			version = n
		}
	}
	for {
		version++
		candidate := base + "/" + strconv.Itoa(version)
		exists, err := i.catalog.DatasetExists(ctx, fullPID(i.configuration.DatasetPIDPrefix, candidate))
		if err != nil {
			return "", errors.Wrap(err, "unable to check dataset existence")
		} else if !exists {
			return candidate, nil
		}
	}
}
