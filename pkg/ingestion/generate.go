package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/filesystem"
	"github.com/scingestor/scingestor/pkg/must"
	"github.com/scingestor/scingestor/pkg/process"
)

// nexusExtension is the file extension of NeXus scan files.
const nexusExtension = ".nxs"

// artifacts are the metadata file paths of a scan.
type artifacts struct {
	// nexus is the path of the scan's NeXus file.
	nexus string
	// dataset is the path of the dataset metadata file.
	dataset string
	// datablock is the path of the origdatablock metadata file.
	datablock string
	// attachment is the path of the attachment metadata file.
	attachment string
}

// artifactsFor computes the metadata file paths of a scan.
func (i *Ingestor) artifactsFor(scan string) artifacts {
	return artifacts{
		nexus:      filepath.Join(i.scanDirectory, scan+nexusExtension),
		dataset:    filepath.Join(i.metadataDirectory, scan+i.configuration.ScanMetadataPostfix),
		datablock:  filepath.Join(i.metadataDirectory, scan+i.configuration.DatablockMetadataPostfix),
		attachment: filepath.Join(i.metadataDirectory, scan+i.configuration.AttachmentMetadataPostfix),
	}
}

// templateValues computes the placeholder values for a scan's generator
// commands.
func (i *Ingestor) templateValues(scan string, owner string, access []string) map[string]string {
	relative := scan
	if path, err := filepath.Rel(i.beamtime.ScanDirectory(i.configuration), filepath.Join(i.scanDirectory, scan)); err == nil {
		relative = path
	}
	plot := filepath.Join(i.scanDirectory, scan+nexusExtension)
	if !filesystem.Exists(plot) {
		plot = filepath.Join(i.scanDirectory, scan)
	}
	return map[string]string{
		configuration.PlaceholderBeamtimeID:   i.beamtime.ID,
		configuration.PlaceholderBeamline:     i.beamtime.Beamline,
		configuration.PlaceholderBeamtimeFile: i.beamtime.File,
		configuration.PlaceholderScanPath:     i.scanDirectory,
		configuration.PlaceholderScanName:     scan,
		configuration.PlaceholderMetaPath:     i.metadataDirectory,
		configuration.PlaceholderScanPostfix:  i.configuration.ScanMetadataPostfix,
		configuration.PlaceholderDBPostfix:    i.configuration.DatablockMetadataPostfix,
		configuration.PlaceholderAtPostfix:    i.configuration.AttachmentMetadataPostfix,
		configuration.PlaceholderDOIPrefix:    i.configuration.DatasetPIDPrefix,
		configuration.PlaceholderRelPath:      relative,
		configuration.PlaceholderOwnerGroup:   owner,
		configuration.PlaceholderAccessGroups: strings.Join(access, ","),
		configuration.PlaceholderHostname:     i.hostname,
		configuration.PlaceholderPlotFile:     plot,
	}
}

// run runs a generator command, forwarding its error output to the debug log.
func (i *Ingestor) run(ctx context.Context, command, output string) ([]byte, error) {
	i.logger.Debugf("Generating %s: %s", filepath.Base(output), command)
	return process.RunShell(ctx, command, i.logger.DebugWriter())
}

// finish checks that a generator produced its output and applies the
// configured permissions to it.
func (i *Ingestor) finish(output string) error {
	if !filesystem.Exists(output) {
		return errors.Errorf("generator did not create %s", output)
	}
	if i.fileMode != 0 {
		must.Chmod(output, i.fileMode, i.logger)
	}
	return nil
}

// generateDataset (re)generates the dataset metadata file if it's missing or
// older than the scan's NeXus file. It returns whether the generator ran.
func (i *Ingestor) generateDataset(ctx context.Context, paths artifacts, values map[string]string) (bool, error) {
	// Decide whether generation is needed.
	datasetTime, err := filesystem.ModificationTime(paths.dataset)
	if err != nil {
		return false, err
	}
	nexusTime, err := filesystem.ModificationTime(paths.nexus)
	if err != nil {
		return false, err
	}
	if datasetTime != 0 && datasetTime >= nexusTime {
		return false, nil
	}

	// Pick the generator.
	template := i.configuration.DatasetMetadataGenerator
	if nexusTime != 0 {
		template = i.configuration.NXSDatasetMetadataGenerator
	}

	// Generate.
	if _, err := i.run(ctx, configuration.Expand(template, values), paths.dataset); err != nil {
		return false, errors.Wrap(err, "unable to generate dataset metadata")
	}
	return true, i.finish(paths.dataset)
}

// generateDatablock (re)generates the origdatablock metadata file if it's
// missing or if force is set. It returns whether the generator ran.
func (i *Ingestor) generateDatablock(ctx context.Context, scan Scan, paths artifacts, values map[string]string, force bool) (bool, error) {
	if !force && filesystem.Exists(paths.datablock) {
		return false, nil
	}

	// Compute the command. Additional detector paths are passed as extra
	// arguments.
	var command string
	if i.configuration.RelativePathInDatablock {
		command = configuration.Expand(
			i.configuration.DatablockMetadataStreamGenerator+i.configuration.RelativePathGeneratorSwitch,
			values,
		)
	} else {
		command = configuration.Expand(i.configuration.DatablockMetadataGenerator, values)
	}
	for _, path := range scan.Paths {
		command += " " + filepath.Join(i.scanDirectory, path)
	}

	// Generate. The stream generator prints the document instead of writing
	// it.
	output, err := i.run(ctx, command, paths.datablock)
	if err != nil {
		return false, errors.Wrap(err, "unable to generate origdatablock metadata")
	}
	if i.configuration.RelativePathInDatablock {
		if err := filesystem.WriteFileAtomic(paths.datablock, output, 0644); err != nil {
			return false, errors.Wrap(err, "unable to write origdatablock metadata")
		}
	}
	return true, i.finish(paths.datablock)
}

// generateAttachment generates the attachment metadata file if attachments
// are enabled and it's missing. It returns whether the generator ran.
func (i *Ingestor) generateAttachment(ctx context.Context, paths artifacts, values map[string]string) (bool, error) {
	if !i.configuration.IngestDatasetAttachment || filesystem.Exists(paths.attachment) {
		return false, nil
	}
	if _, err := i.run(ctx, configuration.Expand(i.configuration.AttachmentMetadataGenerator, values), paths.attachment); err != nil {
		return false, errors.Wrap(err, "unable to generate attachment metadata")
	}
	return true, i.finish(paths.attachment)
}

// ensureMetadataDirectory creates the metadata directory when metadata is
// kept in the var directory.
func (i *Ingestor) ensureMetadataDirectory() error {
	if i.metadataDirectory == i.scanDirectory {
		return nil
	}
	if err := os.MkdirAll(i.metadataDirectory, 0755); err != nil {
		return errors.Wrap(err, "unable to create metadata directory")
	}
	return nil
}
