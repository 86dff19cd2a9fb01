package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/wolfeidau/bundler/internal/loader"
	"github.com/wolfeidau/bundler/internal/resolve"
)

// ResolutionError reports a specifier that could not be mapped to a file.
// It fails the owning edge only; the rest of the build continues.
type ResolutionError struct {
	// Importer is the module containing the specifier, empty for entry points.
	Importer  resolve.Identity
	Specifier string
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.Importer.Path == "" {
		return fmt.Sprintf("entry %q: %v", e.Specifier, e.Err)
	}
	return fmt.Sprintf("%s: cannot resolve %q: %v", e.Importer, e.Specifier, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// LoaderError reports a module whose file could not be read or whose loader
// pipeline failed. The module's own imports are not followed.
type LoaderError struct {
	Module resolve.Identity
	Err    error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Module, e.Err)
}

func (e *LoaderError) Unwrap() error {
	return e.Err
}

// Stage returns the rule and loader responsible for the failure, if known.
func (e *LoaderError) Stage() (rule, name string, ok bool) {
	var se *loader.StageError
	if errors.As(e.Err, &se) {
		return se.Rule, se.Loader, true
	}
	return "", "", false
}

// Diagnostics aggregates the per-module errors of a build pass.
type Diagnostics []error

// Err joins the diagnostics into one error, or returns nil when there are none.
func (d Diagnostics) Err() error {
	return errors.Join(d...)
}

// Counts returns the number of resolution and loader errors.
func (d Diagnostics) Counts() (resolution, load int) {
	for _, err := range d {
		var re *ResolutionError
		var le *LoaderError
		switch {
		case errors.As(err, &re):
			resolution++
		case errors.As(err, &le):
			load++
		}
	}
	return resolution, load
}

func (d Diagnostics) sort() {
	slices.SortStableFunc(d, func(a, b error) int {
		return strings.Compare(a.Error(), b.Error())
	})
}
