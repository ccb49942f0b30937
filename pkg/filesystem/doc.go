// Package filesystem provides the file-level helpers used by the ingestor:
// atomic writes, modification times and content hashes of metadata
// artifacts, and mirroring of scan directories into the ingestor's variable
// directory.
package filesystem
