package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound is returned when a node or job id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrDanglingReference is returned when an edge endpoint does not exist.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrCycle is returned when an EVOLVES_FROM edge would close a cycle or
	// give a node a second outgoing EVOLVES_FROM edge.
	ErrCycle = errors.New("evolution cycle")

	// ErrInvalidArgument is returned for caller errors; never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackendUnavailable is returned after retries against a graph,
	// vector or embedding backend are exhausted.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrEmbeddingPending marks a node that exists in the graph but is
	// excluded from similarity search until its embedding is written.
	ErrEmbeddingPending = errors.New("embedding pending")
)

// ParseError is a per-file parse failure. It is recorded as a job warning
// and never aborts an indexing run.
type ParseError struct {
	Path   string
	Line   int // 0 when unknown
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

// ErrorKind is the machine-readable classification surfaced to callers.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindDanglingReference  ErrorKind = "dangling_reference"
	KindCycle              ErrorKind = "cycle"
	KindInvalidArgument    ErrorKind = "invalid_argument"
	KindParseError         ErrorKind = "parse_error"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindInternal           ErrorKind = "internal"
)

// Kind classifies an error into the caller-facing taxonomy.
func Kind(err error) ErrorKind {
	var pe *ParseError
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDanglingReference):
		return KindDanglingReference
	case errors.Is(err, ErrCycle):
		return KindCycle
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.As(err, &pe):
		return KindParseError
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	}
	return KindInternal
}
