package process

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

func TestExitCodeForNilError(t *testing.T) {
	if _, err := ExitCodeForError(nil); err == nil {
		t.Error("exit code was returned for nil error")
	}
}

func TestExitCodeForInvalidError(t *testing.T) {
	if _, err := ExitCodeForError(errors.New("not an exec error")); err == nil {
		t.Error("exit code was returned for invalid error")
	}
}

func TestRunShell(t *testing.T) {
	output, err := RunShell(context.Background(), "echo myscan_00001", nil)
	if err != nil {
		t.Fatal("unable to run command:", err)
	}
	if string(output) != "myscan_00001\n" {
		t.Error("unexpected output:", string(output))
	}
}

func TestRunShellExitCode(t *testing.T) {
	_, err := RunShell(context.Background(), "echo failure >&2; exit 3", nil)
	var shellErr *ShellError
	if !errors.As(err, &shellErr) {
		t.Fatal("expected shell error, got:", err)
	}
	if shellErr.ExitCode != 3 {
		t.Error("unexpected exit code:", shellErr.ExitCode)
	}
	if shellErr.Stderr != "failure\n" {
		t.Error("unexpected standard error:", shellErr.Stderr)
	}
	if shellErr.NotFound() {
		t.Error("failure misclassified as command not found")
	}
}

func TestRunShellCommandNotFound(t *testing.T) {
	_, err := RunShell(context.Background(), "scingestor-test-nonexistent-command", nil)
	var shellErr *ShellError
	if !errors.As(err, &shellErr) {
		t.Fatal("expected shell error, got:", err)
	}
	if !shellErr.NotFound() {
		t.Error("missing command not classified as not found:", shellErr)
	}
}
