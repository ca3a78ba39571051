package registry

import (
	"fmt"
	"strings"
)

// InvalidFilenameError is returned for a migration file whose name does not
// start with a 14-digit timestamp followed by an underscore, a name and one of
// the accepted extensions.
type InvalidFilenameError struct {
	Filename   string
	Extensions []string
}

func (e *InvalidFilenameError) Error() string {
	return fmt.Sprintf("invalid migration filename %q: want <14-digit timestamp>_<name>.{%s}",
		e.Filename, strings.Join(e.Extensions, ","))
}

// DuplicateTimestampError is returned when two migrations share a timestamp.
type DuplicateTimestampError struct {
	Timestamp uint64
	Filenames []string
}

func (e *DuplicateTimestampError) Error() string {
	return fmt.Sprintf("duplicate migration timestamp %014d: %s", e.Timestamp, strings.Join(e.Filenames, ", "))
}

// InvalidAnnotationError is returned for an annotation outside the recognized set.
type InvalidAnnotationError struct {
	Filename string
	Value    string
	Reason   string
}

func (e *InvalidAnnotationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unrecognized annotation"
	}
	if e.Filename == "" {
		return fmt.Sprintf("%s %q", reason, e.Value)
	}
	return fmt.Sprintf("%s: %s %q", e.Filename, reason, e.Value)
}

// ValidationError collects every problem found while loading migrations.
// A load that returns it must not be used at all.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("migration validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
