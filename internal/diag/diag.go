// Package diag implements the FLE error taxonomy (spec.md §7) and a small
// FLE_TRACE-gated trace logger. Every error that reaches cmd/fle is rendered as a
// single "Error: <message>" line, so every constructor here produces a
// complete, self-describing message rather than relying on callers to add
// context afterwards.
package diag

import (
	"errors"
	"fmt"
	"os"

	"github.com/opentracing/opentracing-go"
)

// Kind is one of the closed set of error categories from spec.md §7.
type Kind int

const (
	BadContainer Kind = iota
	UnsupportedReloc
	UndefinedSymbol
	UndefinedSection
	MultipleDefinition
	NoEntry
	RelocationOverflow
	MapFailed
	NotExecutable
)

func (k Kind) String() string {
	switch k {
	case BadContainer:
		return "BadContainer"
	case UnsupportedReloc:
		return "UnsupportedReloc"
	case UndefinedSymbol:
		return "UndefinedSymbol"
	case UndefinedSection:
		return "UndefinedSection"
	case MultipleDefinition:
		return "MultipleDefinition"
	case NoEntry:
		return "NoEntry"
	case RelocationOverflow:
		return "RelocationOverflow"
	case MapFailed:
		return "MapFailed"
	case NotExecutable:
		return "NotExecutable"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged FLE error. It supports errors.Is/As against
// its Kind so callers further up the pipeline can branch on category
// without string matching.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, SomeKind) work by comparing Kind via a sentinel
// wrapper, matching the pattern errors.Is expects from a bare value.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Wrap annotates err with a location, following depp-elf2dos's
// wrapError/wrapErrorf convention: repeated wraps collapse into one
// "outer: inner: ..." chain instead of nesting indefinitely.
func Wrap(err error, loc string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", loc, err)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Sentinel returns a bare *Error of the given kind for use with errors.Is.
func Sentinel(kind Kind) error { return &Error{Kind: kind} }

var traceEnabled = os.Getenv("FLE_TRACE") != ""

// Tracef prints a pipeline-stage trace line to stderr when FLE_TRACE is
// set. This is deliberately not a structured-logging framework: nothing in
// the retrieved example pack pulls one in, so a guarded fmt.Fprintf is the
// grounded choice (see DESIGN.md).
func Tracef(format string, args ...interface{}) {
	if !traceEnabled {
		return
	}
	fmt.Fprintf(os.Stderr, "fle: "+format+"\n", args...)
}

// StartSpan opens an OpenTracing span for one pipeline stage (load, link,
// emit, map, jump — SPEC_FULL.md §5) against opentracing.GlobalTracer().
// With no tracer installed this is the library's built-in no-op, so the
// call costs nothing by default; callers defer span.Finish() and are free
// to set tags/errors on the returned span before doing so.
func StartSpan(stage string) opentracing.Span {
	span := opentracing.GlobalTracer().StartSpan(stage)
	Tracef("span: %s", stage)
	return span
}
