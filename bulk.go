package mondodb

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
)

// WriteModel is one operation within a BulkWrite call (spec.md §4.8).
// Exactly one of the constructor functions below should be used to
// build each element.
type WriteModel struct {
	kind        string
	doc         bson.D
	filter      bson.D
	update      bson.D
	replacement bson.D
	upsert      bool
	many        bool
}

// NewInsertOneModel builds an insertOne bulk operation.
func NewInsertOneModel(doc bson.D) WriteModel { return WriteModel{kind: "insert", doc: doc} }

// NewUpdateOneModel builds an updateOne bulk operation.
func NewUpdateOneModel(filter, update bson.D, upsert bool) WriteModel {
	return WriteModel{kind: "update", filter: filter, update: update, upsert: upsert}
}

// NewUpdateManyModel builds an updateMany bulk operation.
func NewUpdateManyModel(filter, update bson.D, upsert bool) WriteModel {
	return WriteModel{kind: "update", filter: filter, update: update, upsert: upsert, many: true}
}

// NewReplaceOneModel builds a replaceOne bulk operation.
func NewReplaceOneModel(filter, replacement bson.D, upsert bool) WriteModel {
	return WriteModel{kind: "replace", filter: filter, replacement: replacement, upsert: upsert}
}

// NewDeleteOneModel builds a deleteOne bulk operation.
func NewDeleteOneModel(filter bson.D) WriteModel { return WriteModel{kind: "delete", filter: filter} }

// NewDeleteManyModel builds a deleteMany bulk operation.
func NewDeleteManyModel(filter bson.D) WriteModel {
	return WriteModel{kind: "delete", filter: filter, many: true}
}

// BulkWrite executes models against the collection. In ordered mode
// (the default), the first fatal error halts execution and the result
// reflects only what ran so far; in unordered mode every model runs
// regardless of earlier failures and every failure is collected into
// WriteErrors (spec.md §4.8).
func (c *Collection) BulkWrite(ctx context.Context, models []WriteModel, ordered bool) (*BulkWriteResult, error) {
	res := &BulkWriteResult{InsertedIDs: map[int]any{}, UpsertedIDs: map[int]any{}}
	for i, m := range models {
		if err := c.runOneBulkModel(ctx, i, m, res); err != nil {
			if ordered {
				return res, err
			}
		}
	}
	if len(res.WriteErrors) > 0 {
		return res, &BulkWriteException{WriteErrors: res.WriteErrors}
	}
	return res, nil
}

func (c *Collection) runOneBulkModel(ctx context.Context, index int, m WriteModel, res *BulkWriteResult) error {
	switch m.kind {
	case "insert":
		r, err := c.InsertOne(ctx, m.doc)
		if err != nil {
			res.WriteErrors = append(res.WriteErrors, toWriteError(index, err))
			return err
		}
		res.InsertedCount++
		res.InsertedIDs[index] = r.InsertedID
		return nil
	case "update":
		opts := Update().SetUpsert(m.upsert)
		var r *UpdateResult
		var err error
		if m.many {
			r, err = c.UpdateMany(ctx, m.filter, m.update, opts)
		} else {
			r, err = c.UpdateOne(ctx, m.filter, m.update, opts)
		}
		if err != nil {
			res.WriteErrors = append(res.WriteErrors, toWriteError(index, err))
			return err
		}
		res.MatchedCount += r.MatchedCount
		res.ModifiedCount += r.ModifiedCount
		if r.UpsertedID != nil {
			res.UpsertedCount++
			res.UpsertedIDs[index] = r.UpsertedID
		}
		return nil
	case "replace":
		opts := Update().SetUpsert(m.upsert)
		r, err := c.ReplaceOne(ctx, m.filter, m.replacement, opts)
		if err != nil {
			res.WriteErrors = append(res.WriteErrors, toWriteError(index, err))
			return err
		}
		res.MatchedCount += r.MatchedCount
		res.ModifiedCount += r.ModifiedCount
		if r.UpsertedID != nil {
			res.UpsertedCount++
			res.UpsertedIDs[index] = r.UpsertedID
		}
		return nil
	case "delete":
		var r *DeleteResult
		var err error
		if m.many {
			r, err = c.DeleteMany(ctx, m.filter)
		} else {
			r, err = c.DeleteOne(ctx, m.filter)
		}
		if err != nil {
			res.WriteErrors = append(res.WriteErrors, toWriteError(index, err))
			return err
		}
		res.DeletedCount += r.DeletedCount
		return nil
	default:
		err := &apperr.BadQueryError{Message: "unknown bulk write model kind"}
		res.WriteErrors = append(res.WriteErrors, toWriteError(index, err))
		return err
	}
}

func toWriteError(index int, err error) *WriteError {
	return &WriteError{Index: index, Code: apperr.Code(err), Message: err.Error()}
}

// BulkWriteException wraps the write errors accumulated by BulkWrite.
type BulkWriteException struct {
	WriteErrors []*WriteError
}

func (e *BulkWriteException) Error() string {
	if len(e.WriteErrors) == 0 {
		return "bulk write exception"
	}
	return e.WriteErrors[0].Message
}
