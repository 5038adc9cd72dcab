package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a source has no record for the identifier.
	ErrNotFound = errors.New("identity not found")
	// ErrUnavailable reports that a source could not answer (timeout, 5xx,
	// transport failure).
	ErrUnavailable = errors.New("identity source unavailable")
	// ErrCandidateInvalid reports a disambiguation choice outside the
	// offered candidate set.
	ErrCandidateInvalid = errors.New("identity candidate not offered")
	// ErrEmptyIdentifier reports a blank identifier.
	ErrEmptyIdentifier = errors.New("identifier is required")
	// ErrExists reports a registration for a username already taken in the
	// local store.
	ErrExists = errors.New("identity already exists")
)

// SourceError names the source behind a lookup failure.
type SourceError struct {
	Source Source
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Unavailable wraps cause as an ErrUnavailable for source.
func Unavailable(source Source, cause error) error {
	if cause == nil {
		return &SourceError{Source: source, Err: ErrUnavailable}
	}
	return &SourceError{Source: source, Err: fmt.Errorf("%w: %v", ErrUnavailable, cause)}
}

// FailedSource extracts the source named by err, if any.
func FailedSource(err error) (Source, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Source, true
	}
	return "", false
}
