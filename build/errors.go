package build

import (
	"errors"
	"fmt"

	"github.com/buildpack/fnpack/manifest"
	"github.com/buildpack/fnpack/sys"
)

type Kind int

const (
	KindInput Kind = iota
	KindArtifactMissing
	KindBaseImage
	KindDependency
	KindLayer
)

func (k Kind) String() string {
	switch k {
	case KindArtifactMissing:
		return "artifact missing"
	case KindBaseImage:
		return "base image"
	case KindDependency:
		return "dependency"
	case KindLayer:
		return "layer"
	}
	return "input"
}

// Code maps the kind to the process exit code.
func (k Kind) Code() int {
	switch k {
	case KindArtifactMissing:
		return sys.CodeMissingArtifact
	case KindBaseImage:
		return sys.CodeNotFound
	case KindDependency:
		return sys.CodeFailedDependency
	case KindInput:
		return sys.CodeInvalidArgs
	}
	return sys.CodeFailed
}

// Error is the first failure of a build. Subject names the offending input.
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	cause := e.Err
	var depErr *manifest.DependencyError
	if errors.As(e.Err, &depErr) && depErr.Dependency == e.Subject {
		cause = depErr.Err
	}
	return fmt.Sprintf("%s %q: %s", e.Kind, e.Subject, cause)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err, or false when it did not come from a build.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func fail(kind Kind, subject string, err error) error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}
