package mondodb

import "github.com/dot-do/mondodb-sub005/internal/apperr"

// Error codes, stable across releases: downstream wire-protocol layers and
// tests key off these (spec.md §7).
const (
	CodeDuplicateKey      = apperr.CodeDuplicateKey
	CodeBadQuery          = apperr.CodeBadQuery
	CodeTypeMismatch      = apperr.CodeTypeMismatch
	CodeBadUpdate         = apperr.CodeBadUpdate
	CodeInvalidPipeline   = apperr.CodeInvalidPipeline
	CodeInvalidIdentifier = apperr.CodeInvalidIdentifier
	CodeCancelled         = apperr.CodeCancelled
)

// The public error types are aliases of the internal taxonomy so every
// layer of the engine (filter evaluator, update interpreter, pipeline
// executor, storage collaborator) raises exactly the errors callers of
// this package see and type-assert against.
type (
	// DuplicateKeyError reports an _id collision within a collection
	// (code 11000). Surfaces via insertOne, insertMany, bulkWrite, or an
	// upsert race.
	DuplicateKeyError = apperr.DuplicateKeyError
	// BadQueryError reports an unknown query operator or malformed
	// operand (code 2).
	BadQueryError = apperr.BadQueryError
	// TypeMismatchError reports an update operator applied to a value of
	// the wrong type (code 14).
	TypeMismatchError = apperr.TypeMismatchError
	// BadUpdateError reports a malformed update document (code 9).
	BadUpdateError = apperr.BadUpdateError
	// InvalidPipelineError reports an unknown aggregation stage or an
	// invalid $limit/$skip value (code 40324).
	InvalidPipelineError = apperr.InvalidPipelineError
	// InvalidIdentifierError reports a malformed ObjectId hex string
	// (code 15).
	InvalidIdentifierError = apperr.InvalidIdentifierError
	// CancelledError reports an operation aborted at a suspension point
	// (code 11601).
	CancelledError = apperr.CancelledError
	// CodedError is implemented by every error type in this taxonomy.
	CodedError = apperr.CodedError
)

// ErrorCode extracts the stable numeric code from err, or 0 if err does
// not carry one (spec.md §7).
func ErrorCode(err error) int {
	return apperr.Code(err)
}
