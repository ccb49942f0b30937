package process

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// Shell is the shell used to run command templates.
const Shell = "/bin/sh"

// RunShell runs a command line through the POSIX shell and returns its
// standard output. Standard error is captured for error reporting and also
// copied to stderrLog if non-nil. A non-zero exit is reported as a
// *ShellError.
func RunShell(ctx context.Context, command string, stderrLog io.Writer) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	process := exec.CommandContext(ctx, Shell, "-c", command)
	process.Stdout = &stdout
	if stderrLog != nil {
		process.Stderr = io.MultiWriter(&stderr, stderrLog)
	} else {
		process.Stderr = &stderr
	}

	if err := process.Run(); err != nil {
		code, codeErr := ExitCodeForError(err)
		if codeErr != nil {
			return nil, errors.Wrapf(err, "unable to run command: %s", command)
		}
		return nil, &ShellError{Command: command, ExitCode: code, Stderr: stderr.String()}
	}
	return stdout.Bytes(), nil
}
