package model

import "fmt"

type DecodeErrorKind string

const (
	KindUnrecognizedLine  DecodeErrorKind = "UnrecognizedLine"
	KindInvalidPayload    DecodeErrorKind = "InvalidPayload"
	KindMissingField      DecodeErrorKind = "MissingField"
	KindInvalidAuthority  DecodeErrorKind = "InvalidAuthority"
	KindInvalidCredential DecodeErrorKind = "InvalidCredential"
	KindInvalidPort       DecodeErrorKind = "InvalidPort"
	KindEmptyHost         DecodeErrorKind = "EmptyHost"

	// KindDuplicate is not produced by decoders; the compiler uses it to report
	// links that collapsed into an earlier entry.
	KindDuplicate DecodeErrorKind = "Duplicate"
)

// DecodeError is the per-link failure value returned by decoders. It is a
// normal result, never a reason to abort the batch.
type DecodeError struct {
	Kind    DecodeErrorKind
	Line    int
	Message string
	Snippet string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Kind, e.Message)
	}
	return fmt.Sprintf("line %d: %s: %s: %v", e.Line, e.Kind, e.Message, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *DecodeError) Diagnostic() Diagnostic {
	d := Diagnostic{
		Line:    e.Line,
		Kind:    e.Kind,
		Message: e.Message,
		Snippet: e.Snippet,
	}
	if e.Cause != nil {
		d.Message = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return d
}

// Diagnostic is a recoverable, per-line warning reported next to the output.
type Diagnostic struct {
	Line    int             `json:"line"`
	Kind    DecodeErrorKind `json:"kind"`
	Message string          `json:"message"`
	Snippet string          `json:"snippet,omitempty"`
}
