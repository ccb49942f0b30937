package cmd

import (
	"fmt"
	"os"
)

const (
	// FatalExitCode is the exit code used when a command fails.
	FatalExitCode = 1
	// ArgumentErrorExitCode is the exit code used when command line arguments
	// can't be parsed.
	ArgumentErrorExitCode = 255
)

// Exit terminates the process. It's a variable so that tests can intercept
// termination.
var Exit = os.Exit

// Error prints an error message to standard error.
func Error(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
}

// Fatal prints an error message to standard error and then terminates the
// process with an error exit code.
func Fatal(err error) {
	Error(err)
	Exit(FatalExitCode)
}
