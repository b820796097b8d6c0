// Package apperr holds the engine's error taxonomy (spec.md §7) so that
// every internal package (filterexpr, updateops, pipeline, ...) and the
// public mondodb package can construct and recognize the same coded
// errors without an import cycle back through the public API.
package apperr

import "fmt"

// Stable numeric codes, part of the public contract (spec.md §7).
const (
	CodeDuplicateKey      = 11000
	CodeBadQuery          = 2
	CodeTypeMismatch      = 14
	CodeBadUpdate         = 9
	CodeInvalidPipeline   = 40324
	CodeInvalidIdentifier = 15
	CodeCancelled         = 11601
)

// CodedError is implemented by every error type in this taxonomy.
type CodedError interface {
	error
	Code() int
}

// DuplicateKeyError: _id already present in collection (code 11000). The
// message carries the literal substring "E11000" and the phrase
// "duplicate key" per spec.md §7.
type DuplicateKeyError struct {
	Namespace string
	Key       any
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("E11000 duplicate key error collection: %s dup key: { _id: %v }", e.Namespace, e.Key)
}

// Code implements CodedError.
func (e *DuplicateKeyError) Code() int { return CodeDuplicateKey }

// BadQueryError: unknown query operator, malformed operand, invalid
// $regex pattern (code 2).
type BadQueryError struct{ Message string }

func (e *BadQueryError) Error() string { return e.Message }

// Code implements CodedError.
func (e *BadQueryError) Code() int { return CodeBadQuery }

// TypeMismatchError: $inc/$mul on non-numeric, $push/$addToSet/$pop on
// non-array (code 14).
type TypeMismatchError struct{ Message string }

func (e *TypeMismatchError) Error() string { return e.Message }

// Code implements CodedError.
func (e *TypeMismatchError) Code() int { return CodeTypeMismatch }

// BadUpdateError: unknown update operator, conflicting paths, mixed
// operator/plain-field update, or operator keys in a replacement (code 9).
type BadUpdateError struct{ Message string }

func (e *BadUpdateError) Error() string { return e.Message }

// Code implements CodedError.
func (e *BadUpdateError) Code() int { return CodeBadUpdate }

// InvalidPipelineError: unknown stage, invalid $limit/$skip (code 40324).
type InvalidPipelineError struct{ Message string }

func (e *InvalidPipelineError) Error() string { return e.Message }

// Code implements CodedError.
func (e *InvalidPipelineError) Code() int { return CodeInvalidPipeline }

// InvalidIdentifierError: malformed ObjectId hex string (code 15).
type InvalidIdentifierError struct{ Message string }

func (e *InvalidIdentifierError) Error() string { return e.Message }

// Code implements CodedError.
func (e *InvalidIdentifierError) Code() int { return CodeInvalidIdentifier }

// CancelledError: operation aborted at a suspension point (code 11601).
type CancelledError struct{ Message string }

func (e *CancelledError) Error() string {
	if e.Message == "" {
		return "operation was cancelled"
	}
	return e.Message
}

// Code implements CodedError.
func (e *CancelledError) Code() int { return CodeCancelled }

var (
	_ CodedError = (*DuplicateKeyError)(nil)
	_ CodedError = (*BadQueryError)(nil)
	_ CodedError = (*TypeMismatchError)(nil)
	_ CodedError = (*BadUpdateError)(nil)
	_ CodedError = (*InvalidPipelineError)(nil)
	_ CodedError = (*InvalidIdentifierError)(nil)
	_ CodedError = (*CancelledError)(nil)
)

// Code extracts the stable numeric code from err by walking Unwrap, or
// returns 0 if err does not carry one.
func Code(err error) int {
	for err != nil {
		if c, ok := err.(CodedError); ok {
			return c.Code()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
