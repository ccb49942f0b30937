// Package ingestion implements ingestion of the scans of a dataset list into
// SciCat, including metadata generation, change detection and the ingested
// log that records which scans have been processed.
package ingestion
