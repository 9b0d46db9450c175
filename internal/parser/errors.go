package parser

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by this package wraps exactly one of these,
// so callers can branch with errors.Is.
var (
	ErrFormatTooSmall = errors.New("file too small")
	ErrBinaryRead     = errors.New("binary parsing error")
	ErrXMLParse       = errors.New("XML parsing error")
	ErrUTF8           = errors.New("UTF-8 encoding error")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidData    = errors.New("invalid data")
)

// ParseError carries the failure kind, what was being decoded, and the cause.
type ParseError struct {
	Kind    error  // one of the Err* kinds above
	Context string // field, channel or row being decoded
	Err     error  // underlying cause, may be nil
}

func (e *ParseError) Error() string {
	switch {
	case e.Context != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Context, e.Err)
	case e.Context != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Context)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, context string, cause error) *ParseError {
	return &ParseError{Kind: kind, Context: context, Err: cause}
}

func binaryReadError(context string, cause error) *ParseError {
	return newError(ErrBinaryRead, "failed to read "+context, cause)
}

// KindOf returns the kind wrapped by err, or nil if err did not come from this package.
func KindOf(err error) error {
	for _, kind := range []error{ErrFormatTooSmall, ErrBinaryRead, ErrXMLParse, ErrUTF8, ErrMissingField, ErrInvalidData} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
