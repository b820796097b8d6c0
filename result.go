package mondodb

// Write-result records (spec.md §4.7). Each operation returns the
// record that distinguishes matchedCount from modifiedCount so callers
// can tell "found but no-op update" from "nothing matched" apart.

// InsertOneResult is returned by Collection.InsertOne.
type InsertOneResult struct {
	InsertedID any
}

// InsertManyResult is returned by Collection.InsertMany.
type InsertManyResult struct {
	InsertedCount int64
	InsertedIDs   []any
}

// UpdateResult is returned by UpdateOne, UpdateMany, and ReplaceOne.
// MatchedCount counts documents the filter selected; ModifiedCount
// counts those that were actually changed (a no-op $set, for example,
// matches without modifying). UpsertedCount is 1 when an upsert inserted
// a new document, 0 otherwise; UpsertedID is non-nil in the same case.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    any
}

// DeleteResult is returned by DeleteOne and DeleteMany.
type DeleteResult struct {
	DeletedCount int64
}

// WriteError is one failed operation within a bulk write (spec.md §4.8).
type WriteError struct {
	Index   int
	Code    int
	Message string
}

func (e *WriteError) Error() string { return e.Message }

// BulkWriteResult is returned by Collection.BulkWrite. In ordered mode,
// the counts reflect only the operations executed before the first
// fatal error; in unordered mode, every operation runs and WriteErrors
// collects every failure.
type BulkWriteResult struct {
	InsertedCount int64
	InsertedIDs   map[int]any
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedCount int64
	UpsertedIDs   map[int]any
	WriteErrors   []*WriteError
}
