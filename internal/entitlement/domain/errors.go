package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSubject  = errors.New("invalid_subject")
	ErrSubjectNotFound = errors.New("subject_not_found")
)

// ProjectionWriteError reports a failed update of a single projection.
type ProjectionWriteError struct {
	Projection string
	Err        error
}

func (e *ProjectionWriteError) Error() string {
	return fmt.Sprintf("projection_write_failed: %s: %v", e.Projection, e.Err)
}

func (e *ProjectionWriteError) Unwrap() error {
	return e.Err
}
