package process

import (
	"os/exec"

	"github.com/pkg/errors"
)

const (
	// posixShellInvalidCommandExitCode is the exit code returned by most (all?)
	// POSIX shells when the provided command is invalid, e.g. due to an file
	// without executable permissions. It seems to have originated with the
	// Bourne shell and then been brought over to bash, zsh, and others.
	posixShellInvalidCommandExitCode = 126

	// posixShellCommandNotFoundExitCode is the exit code returned by most
	// (all?) POSIX shells when the provided command isn't found.
	posixShellCommandNotFoundExitCode = 127
)

// ExitCodeForError extracts the exit code of a process from the error
// returned by exec.Cmd.Run or exec.Cmd.Wait.
func ExitCodeForError(err error) (int, error) {
	if err == nil {
		return 0, errors.New("nil error")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, errors.New("error is not an exit error")
	}
	return exitErr.ExitCode(), nil
}

// IsPOSIXShellInvalidCommand returns whether or not an exit code represents an
// "invalid" error from a POSIX shell.
func IsPOSIXShellInvalidCommand(code int) bool {
	return code == posixShellInvalidCommandExitCode
}

// IsPOSIXShellCommandNotFound returns whether or not an exit code represents a
// "command not found" error from a POSIX shell.
func IsPOSIXShellCommandNotFound(code int) bool {
	return code == posixShellCommandNotFoundExitCode
}
