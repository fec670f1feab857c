// Package errkind defines the error taxonomy every adapter (signalcli,
// store, llmvision) converts its low-level failures into at its
// outermost call site, and the StageError wrapper the pipeline engine
// uses to decide retry and notification behaviour. No panics cross a
// stage or adapter boundary — this is the typed result value that
// replaces them.
package errkind

import "fmt"

// Kind is one of the taxonomic error categories from the error
// handling design. It names a failure mode, not a Go type.
type Kind string

const (
	SidecarTransport Kind = "SIDECAR_TRANSPORT"
	SidecarParse     Kind = "SIDECAR_PARSE"
	DBConnect        Kind = "DB_CONNECT"
	DBInsertMessage  Kind = "DB_INSERT_MESSAGE"
	DBInsertReceipt  Kind = "DB_INSERT_RECEIPT"
	LLMTransport     Kind = "LLM_TRANSPORT"
	LLMDecode        Kind = "LLM_DECODE"
	TransformSchema  Kind = "TRANSFORM_SCHEMA"
	Cancelled        Kind = "CANCELLED"
)

// Retryable reports whether the engine may retry a stage that failed
// with this kind, per spec §5/§7. LLM_DECODE and TRANSFORM_SCHEMA are
// never retried; DB and transport kinds are.
func (k Kind) Retryable() bool {
	switch k {
	case LLMDecode, TransformSchema, SidecarParse, Cancelled:
		return false
	default:
		return true
	}
}

// StageError is the typed result a stage returns instead of raising an
// exception. Kind drives retry/notification behaviour; Err carries the
// underlying cause for logs.
type StageError struct {
	Kind Kind
	Err  error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *StageError) Unwrap() error { return e.Err }

// New wraps err with a Kind.
func New(kind Kind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

// Wrapf wraps a formatted error with a Kind.
func Wrapf(kind Kind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
