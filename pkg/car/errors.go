package car

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHeader reports a header that cannot be parsed as a version 1
	// archive header. No frames are produced after it.
	ErrInvalidHeader = errors.New("car: invalid header")
	// ErrTruncatedFrame reports a section whose declared length runs past the
	// end of the stream.
	ErrTruncatedFrame = errors.New("car: truncated frame")
	// ErrInvalidFrame reports a section that is present but malformed: a bad
	// length prefix, an unparseable CID or a length over the configured limit.
	ErrInvalidFrame = errors.New("car: invalid frame")
	// ErrMisaligned reports a resume offset that does not land on a frame.
	ErrMisaligned = errors.New("car: offset is not a frame boundary")
)

// ReadError is returned when the underlying reader fails for a reason other
// than reaching the end of the stream.
type ReadError struct {
	Offset int64
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("car: read at offset %d: %v", e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
