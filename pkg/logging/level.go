package logging

// Level represents a log level. Its value hierarchy is designed to be ordered
// and comparable by value.
type Level uint

const (
	// LevelDisabled indicates that logging is completely disabled.
	LevelDisabled Level = iota
	// LevelCritical indicates that only conditions which stop the ingestor
	// from working at all are logged.
	LevelCritical
	// LevelError indicates that failed ingestion attempts are logged (in
	// addition to critical conditions).
	LevelError
	// LevelWarning indicates that both errors and recoverable problems (such as
	// vanished paths or failed watches) are logged.
	LevelWarning
	// LevelInfo indicates that basic execution information, e.g. watcher
	// creation and ingested scans, is logged (in addition to all errors).
	LevelInfo
	// LevelDebug indicates that advanced execution information, e.g. raw
	// inotify events and SciCat requests, is logged.
	LevelDebug
)

// NameToLevel converts a string-based representation of a log level to the
// appropriate Level value. It returns a boolean indicating whether or not the
// conversion was valid. If the name is invalid, LevelDisabled is returned.
func NameToLevel(name string) (Level, bool) {
	switch name {
	case "disabled":
		return LevelDisabled, true
	case "critical":
		return LevelCritical, true
	case "error":
		return LevelError, true
	case "warning", "warn":
		return LevelWarning, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	default:
		return LevelDisabled, false
	}
}

// String provides a human-readable representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDisabled:
		return "disabled"
	case LevelCritical:
		return "critical"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}
