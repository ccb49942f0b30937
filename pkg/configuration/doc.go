// Package configuration provides loading facilities for the ingestor's YAML
// configuration file, along with the defaults of every recognized key and the
// per-beamtime values derived from it. A loaded Configuration is treated as
// immutable and shared by reference between all watchers.
package configuration
