package configuration

import (
	"strings"
)

// Template placeholders recognized in file name patterns and generator
// commands.
const (
	PlaceholderBeamtimeID   = "beamtimeid"
	PlaceholderBeamline     = "beamline"
	PlaceholderBeamtimeFile = "beamtimefile"
	PlaceholderScanPath     = "scanpath"
	PlaceholderScanName     = "scanname"
	PlaceholderMetaPath     = "metapath"
	PlaceholderScanPostfix  = "scpostfix"
	PlaceholderDBPostfix    = "dbpostfix"
	PlaceholderAtPostfix    = "atpostfix"
	PlaceholderDOIPrefix    = "doiprefix"
	PlaceholderRelPath      = "relpath"
	PlaceholderOwnerGroup   = "ownergroup"
	PlaceholderAccessGroups = "accessgroups"
	PlaceholderHostname     = "hostname"
	PlaceholderPlotFile     = "plotfile"
)

// Expand replaces every "{key}" in template with the corresponding value.
// Unknown placeholders are left untouched.
func Expand(template string, values map[string]string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	replacements := make([]string, 0, 2*len(values))
	for key, value := range values {
		replacements = append(replacements, "{"+key+"}", value)
	}
	return strings.NewReplacer(replacements...).Replace(template)
}
