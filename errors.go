package aicf

import (
	"fmt"

	"aicf-core/internal/wire"
)

// Kind identifies the category of an Error, letting callers switch on
// failure class without string matching.
type Kind int

// The closed set of error kinds AICF-Core can return. Read-side parse
// findings (CorruptLine, CorruptHeader, Truncated, PayloadArityError) are
// not returned as errors — see ParseIssue.
const (
	_ Kind = iota
	KindInvalidPath
	KindInvalidRecord
	KindFieldTooLarge
	KindDuplicateID
	KindConcurrentModification
	KindLockTimeout
	KindQuotaExceeded
	KindRateLimited
	KindIOError
	KindCancelled
	KindPIIPolicyViolation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidPath:
		return "InvalidPath"
	case KindInvalidRecord:
		return "InvalidRecord"
	case KindFieldTooLarge:
		return "FieldTooLarge"
	case KindDuplicateID:
		return "DuplicateID"
	case KindConcurrentModification:
		return "ConcurrentModification"
	case KindLockTimeout:
		return "LockTimeout"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindRateLimited:
		return "RateLimited"
	case KindIOError:
		return "IOError"
	case KindCancelled:
		return "Cancelled"
	case KindPIIPolicyViolation:
		return "PIIPolicyViolation"
	default:
		return "Unknown"
	}
}

// Error is the single error type returned across the public API. Op names
// the failing operation (e.g. "writerengine.write", "pathvalidate.validate"),
// Path is the file or record path involved when relevant, and Err is the
// underlying cause (may be nil for errors originating in this package).
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Path, e.Err)
		}
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, aicf.KindError(aicf.KindInvalidPath)) style checks
// via KindError, or more simply compare e.Kind after errors.As.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindError returns a sentinel *Error carrying only a Kind, suitable for
// errors.Is(err, aicf.KindError(aicf.KindInvalidPath)) comparisons.
func KindError(k Kind) *Error { return &Error{Kind: k} }

// E constructs an *Error. path and err may be empty/nil.
func E(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// ParseIssueKind identifies a non-fatal finding surfaced while streaming
// records, distinct from Kind/Error since parse issues never abort a scan.
// Aliased from internal/wire, which owns the parser that produces them.
type ParseIssueKind = wire.IssueKind

// Re-exported parse issue kinds, for callers that only import the root
// package.
const (
	IssueCorruptLine       = wire.IssueCorruptLine
	IssueCorruptHeader     = wire.IssueCorruptHeader
	IssuePayloadArityError = wire.IssuePayloadArityError
	IssueTruncated         = wire.IssueTruncated
)

// ParseIssue is yielded alongside records by the streaming reader when a
// line is malformed. It is not an error: the scan continues past the next
// well-formed header, per the format's recovery contract. Path identifies
// which store file the issue came from; wire.Issue itself is file-agnostic.
type ParseIssue struct {
	wire.Issue
	Path string
}

func (i ParseIssue) String() string {
	return fmt.Sprintf("%s at %s:%d: %s", i.Kind, i.Path, i.Line, i.Message)
}
