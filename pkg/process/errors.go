package process

import (
	"fmt"
	"strings"
)

const (
	// posixCommandNotFoundFragment is a fragment of the error output returned
	// on some POSIX shells when a command is not found. The capitalization of
	// the word "command" is inconsistent between shells, so only part of the
	// word is used.
	posixCommandNotFoundFragment = "ommand not found"
	// stderrExcerptLength is the maximum length of standard error included in
	// a ShellError message.
	stderrExcerptLength = 512
)

// OutputIsPOSIXCommandNotFound returns whether or not a process' error output
// represents a command not found error on POSIX systems.
func OutputIsPOSIXCommandNotFound(output string) bool {
	return strings.Contains(output, posixCommandNotFoundFragment)
}

// ShellError describes a shell command that exited unsuccessfully.
type ShellError struct {
	// Command is the command line.
	Command string
	// ExitCode is the exit code, or -1 if the process didn't exit normally.
	ExitCode int
	// Stderr is the captured standard error output.
	Stderr string
}

// NotFound returns whether the failure was caused by a missing executable.
func (e *ShellError) NotFound() bool {
	return IsPOSIXShellCommandNotFound(e.ExitCode) || OutputIsPOSIXCommandNotFound(e.Stderr)
}

// Error implements error.Error.
func (e *ShellError) Error() string {
	excerpt := strings.TrimSpace(e.Stderr)
	if len(excerpt) > stderrExcerptLength {
		excerpt = excerpt[:stderrExcerptLength] + "..."
	}
	switch {
	case e.NotFound():
		return fmt.Sprintf("command not found: %s: %s", e.Command, excerpt)
	case IsPOSIXShellInvalidCommand(e.ExitCode):
		return fmt.Sprintf("command not executable: %s: %s", e.Command, excerpt)
	default:
		return fmt.Sprintf("command exited with code %d: %s: %s", e.ExitCode, e.Command, excerpt)
	}
}
