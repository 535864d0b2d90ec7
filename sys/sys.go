package sys

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	CodeFailed = 1

	CodeInvalidArgs = iota + 3
	CodeInvalidEnv
	CodeNotFound
	CodeFailedDependency
	CodeMissingArtifact
	CodeFailedExport
	CodeFailedInspect
	CodeFailedInvoke
)

func Fail(err error, action ...string) error {
	message := "failed to " + strings.Join(action, " ")
	return fmt.Errorf("%s: %w", message, err)
}

func Fatal(err error, code int, action ...string) {
	var message string
	if len(action) > 0 {
		message = "failed to " + strings.Join(action, " ") + ": "
	}
	log.Errorf("%s%s", message, err)
	os.Exit(code)
}

// RunError carries the stderr of a failed command so callers can inspect it.
type RunError struct {
	Name   string
	Err    error
	Stderr string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed: %s\n%s", e.Name, e.Err, e.Stderr)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func Run(ctx context.Context, name string, arg ...string) (string, error) {
	return RunIn(ctx, "", name, arg...)
}

// RunIn is Run with the working directory set to dir.
func RunIn(ctx context.Context, dir, name string, arg ...string) (string, error) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	log.WithField("cmd", name).Debugf("exec %s", strings.Join(arg, " "))
	if err := cmd.Run(); err != nil {
		return "", &RunError{Name: name, Err: err, Stderr: stderr.String()}
	}
	return strings.TrimSpace(stdout.String()), nil
}
