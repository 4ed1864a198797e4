package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/nous/manifest"
)

var (
	// ErrInstallIncomplete is matched by every *InstallError.
	ErrInstallIncomplete = errors.New("lifecycle: install incomplete")
	// ErrUnknownGeneration is returned when a signal names a generation the
	// controller has never observed.
	ErrUnknownGeneration = errors.New("lifecycle: unknown generation")
	// ErrRetired is returned when a retired generation is observed again.
	ErrRetired = errors.New("lifecycle: generation retired")
	// ErrInstallInProgress is returned when the same generation is observed
	// while its install is still running.
	ErrInstallInProgress = errors.New("lifecycle: install in progress")
	// ErrSuperseded is returned when a generation was evicted while its
	// install was running.
	ErrSuperseded = errors.New("lifecycle: generation superseded during install")
)

// ResourceFailure is one shell resource that could not be installed.
type ResourceFailure struct {
	Resource manifest.ResourceID
	Err      error
}

// InstallError lists the shell resources that failed. The generation stays
// in Installing.
type InstallError struct {
	Generation string
	Failures   []ResourceFailure
}

func (e *InstallError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Resource, f.Err))
	}
	return fmt.Sprintf("lifecycle: install %s incomplete (%d failed): %s",
		e.Generation, len(e.Failures), strings.Join(parts, "; "))
}

func (e *InstallError) Unwrap() []error {
	errs := []error{ErrInstallIncomplete}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
