package mondodb

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
	"github.com/dot-do/mondodb-sub005/internal/dbcursor"
	"github.com/dot-do/mondodb-sub005/internal/docpath"
	"github.com/dot-do/mondodb-sub005/internal/filterexpr"
	"github.com/dot-do/mondodb-sub005/internal/oid"
	"github.com/dot-do/mondodb-sub005/internal/pipeline"
	"github.com/dot-do/mondodb-sub005/internal/store"
	"github.com/dot-do/mondodb-sub005/internal/updateops"
)

// Collection is the public facade over one named collection (spec.md
// §4.9): every CRUD, findAndModify, count/distinct, and aggregate
// operation the engine exposes hangs off this type.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Namespace returns "database.collection", mirroring the teacher's
// fully-qualified-name convention for error messages and logging.
func (c *Collection) Namespace() string { return c.db.name + "." + c.name }

type indexRegKey struct {
	db *Database
	ns string
}

var indexRegistry = struct {
	mu sync.Mutex
	m  map[indexRegKey][]IndexModel
}{m: map[indexRegKey][]IndexModel{}}

func indexKey(c *Collection) indexRegKey { return indexRegKey{db: c.db, ns: c.Namespace()} }

// ---- read path ----

func (c *Collection) scanCandidates(ctx context.Context, filter bson.D) ([]bson.D, *filterexpr.Filter, error) {
	f, err := filterexpr.Compile(filter)
	if err != nil {
		return nil, nil, err
	}
	hint := store.PushdownHint{}
	for k, v := range f.Pushdown.EqualityKeys {
		hint.EqualityField = k
		hint.EqualityValue = v
		break
	}
	it, err := c.db.store.Query(ctx, c.name, hint)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	var docs []bson.D
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		docs = append(docs, row.Doc)
	}
	return docs, f, nil
}

// allDocs returns every document in the collection, unfiltered; used
// by aggregation's $lookup to resolve a foreign collection.
func (c *Collection) allDocs(ctx context.Context) ([]bson.D, error) {
	docs, _, err := c.scanCandidates(ctx, bson.D{})
	return docs, err
}

// Documents implements pipeline.Lookup against the owning database, so
// $lookup can resolve any sibling collection by name.
func (d *Database) Documents(ctx context.Context, collection string) ([]bson.D, error) {
	return d.Collection(collection).allDocs(ctx)
}

func (c *Collection) matched(ctx context.Context, filter bson.D) ([]bson.D, error) {
	docs, f, err := c.scanCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Find returns a cursor over every document matching filter.
func (c *Collection) Find(ctx context.Context, filter bson.D, opts ...*FindOptions) (*dbcursor.Cursor, error) {
	docs, err := c.matched(ctx, filter)
	if err != nil {
		return nil, err
	}
	cur := dbcursor.New(dbcursor.NewSliceSource(docs))
	for _, o := range opts {
		if o == nil {
			continue
		}
		if len(o.sort) > 0 {
			cur.SetSort(o.sort)
		}
		if o.skip > 0 {
			cur.SetSkip(o.skip)
		}
		if o.hasLimit {
			cur.SetLimit(o.limit)
		}
		if len(o.projection) > 0 {
			cur.SetProjection(o.projection)
		}
	}
	return cur, nil
}

// ErrNoDocuments is returned by FindOne and the findOneAnd* operations
// when no document matches the filter. It is not part of the coded
// error taxonomy (spec.md §7) since an empty result is not a failure.
var ErrNoDocuments = errors.New("mondodb: no documents in result")

// FindOne returns the first document matching filter, or ErrNoDocuments.
func (c *Collection) FindOne(ctx context.Context, filter bson.D, opts ...*FindOptions) (bson.D, error) {
	o := append(append([]*FindOptions{}, opts...), Find().SetLimit(1))
	cur, err := c.Find(ctx, filter, o...)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	d, ok, err := cur.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoDocuments
	}
	return d, nil
}

// CountDocuments returns the exact count of documents matching filter.
func (c *Collection) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	docs, err := c.matched(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// EstimatedDocumentCount returns the collection's total document count
// ignoring any filter, the way a real engine would read it off
// collection metadata rather than scanning.
func (c *Collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	docs, err := c.allDocs(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Distinct returns the distinct values of field across documents
// matching filter.
func (c *Collection) Distinct(ctx context.Context, field string, filter bson.D) ([]any, error) {
	docs, err := c.matched(ctx, filter)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, d := range docs {
		v, found := docpath.Get(d, field)
		if !found {
			continue
		}
		if arr, ok := toArray(v); ok {
			for _, el := range arr {
				out = appendDistinct(out, el)
			}
			continue
		}
		out = appendDistinct(out, v)
	}
	return out, nil
}

func appendDistinct(vals []any, v any) []any {
	for _, existing := range vals {
		if bsonval.Equal(existing, v) {
			return vals
		}
	}
	return append(vals, v)
}

func toArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return []any(a), true
	case []any:
		return a, true
	default:
		return nil, false
	}
}

// ---- aggregate ----

// Aggregate compiles and runs rawPipeline, returning a cursor over its
// output (spec.md §4.5).
func (c *Collection) Aggregate(ctx context.Context, rawPipeline bson.A, opts ...*AggregateOptions) (*dbcursor.Cursor, error) {
	docs, err := c.allDocs(ctx)
	if err != nil {
		return nil, err
	}
	stages, err := pipeline.Compile(rawPipeline)
	if err != nil {
		return nil, err
	}
	out, err := pipeline.Run(ctx, stages, docs, c.db)
	if err != nil {
		return nil, err
	}
	return dbcursor.New(dbcursor.NewSliceSource(out)), nil
}

// ---- write path ----

func genIDIfAbsent(doc bson.D) bson.D {
	if _, found := docpath.Get(doc, "_id"); found {
		return doc
	}
	return append(bson.D{{Key: "_id", Value: oid.New()}}, doc...)
}

// InsertOne inserts a single document, generating an _id if absent.
func (c *Collection) InsertOne(ctx context.Context, doc bson.D) (*InsertOneResult, error) {
	doc = genIDIfAbsent(doc)
	id, _ := docpath.Get(doc, "_id")
	oidVal, err := toOID(id)
	if err != nil {
		return nil, err
	}
	if err := c.db.store.Insert(ctx, c.name, oidVal, doc); err != nil {
		return nil, err
	}
	return &InsertOneResult{InsertedID: id}, nil
}

// InsertMany inserts every document in docs, in order. It stops at the
// first failure (most commonly a duplicate _id) — bulk semantics with
// continue-on-error belong to BulkWrite.
func (c *Collection) InsertMany(ctx context.Context, docs []bson.D) (*InsertManyResult, error) {
	ids := make([]any, 0, len(docs))
	for _, d := range docs {
		res, err := c.InsertOne(ctx, d)
		if err != nil {
			return &InsertManyResult{InsertedCount: int64(len(ids)), InsertedIDs: ids}, err
		}
		ids = append(ids, res.InsertedID)
	}
	return &InsertManyResult{InsertedCount: int64(len(ids)), InsertedIDs: ids}, nil
}

// toOID validates that v can serve as a document identifier. spec.md §3
// places no type restriction on _id beyond "caller-supplied or
// auto-assigned" — a string, number, or ObjectID are all valid — so this
// only rejects the cases a row store keyed by identifier genuinely can't
// support: a missing value, or an array/document whose Go representation
// isn't comparable and so can't serve as a lookup key.
func toOID(v any) (oid.ID, error) {
	if bsonval.IsMissing(v) || v == nil {
		return nil, &apperr.InvalidIdentifierError{Message: "_id must be present"}
	}
	switch v.(type) {
	case bson.D, bson.A, []any, []bson.E:
		return nil, &apperr.InvalidIdentifierError{Message: "_id must be a scalar identifier"}
	default:
		return v, nil
	}
}

// UpdateOne applies update to the first document matching filter.
func (c *Collection) UpdateOne(ctx context.Context, filter, update bson.D, opts ...*UpdateOptions) (*UpdateResult, error) {
	return c.update(ctx, filter, update, false, opts...)
}

// UpdateMany applies update to every document matching filter.
func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.D, opts ...*UpdateOptions) (*UpdateResult, error) {
	return c.update(ctx, filter, update, true, opts...)
}

// ReplaceOne replaces the first document matching filter with
// replacement (a plain document, never an operator document).
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement bson.D, opts ...*UpdateOptions) (*UpdateResult, error) {
	if len(replacement) > 0 && replacement[0].Key != "" && replacement[0].Key[0] == '$' {
		return nil, &apperr.BadUpdateError{Message: "replacement document must not contain update operators"}
	}
	return c.update(ctx, filter, replacement, false, opts...)
}

func mergeUpdateOpts(opts []*UpdateOptions) UpdateOptions {
	var out UpdateOptions
	for _, o := range opts {
		if o == nil {
			continue
		}
		out = *o
	}
	return out
}

func (c *Collection) update(ctx context.Context, filter, update bson.D, many bool, opts ...*UpdateOptions) (*UpdateResult, error) {
	o := mergeUpdateOpts(opts)
	docs, err := c.matched(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		if o.upsert {
			return c.doUpsert(ctx, filter, update)
		}
		return &UpdateResult{}, nil
	}
	res := &UpdateResult{}
	for _, d := range docs {
		updated, changed, err := updateops.Apply(d, update)
		if err != nil {
			return nil, err
		}
		res.MatchedCount++
		if changed {
			id, _ := docpath.Get(updated, "_id")
			oidVal, err := toOID(id)
			if err != nil {
				return nil, err
			}
			if err := c.db.store.Replace(ctx, c.name, oidVal, updated); err != nil {
				return nil, err
			}
			res.ModifiedCount++
		}
		if !many {
			break
		}
	}
	return res, nil
}

// doUpsert synthesizes a new document from the filter's
// equality-extractable keys plus the update's $set payload (or the
// replacement document itself), per spec.md §4.7's upsert rule.
func (c *Collection) doUpsert(ctx context.Context, filter, update bson.D) (*UpdateResult, error) {
	f, err := filterexpr.Compile(filter)
	if err != nil {
		return nil, err
	}
	base := bson.D{}
	for k, v := range f.Pushdown.EqualityKeys {
		base = append(base, bson.E{Key: k, Value: v})
	}
	merged, _, err := updateops.Apply(base, update)
	if err != nil {
		return nil, err
	}
	insRes, err := c.InsertOne(ctx, merged)
	if err != nil {
		return nil, err
	}
	return &UpdateResult{UpsertedCount: 1, UpsertedID: insRes.InsertedID}, nil
}

// DeleteOne removes the first document matching filter.
func (c *Collection) DeleteOne(ctx context.Context, filter bson.D, opts ...*DeleteOptions) (*DeleteResult, error) {
	return c.delete(ctx, filter, false)
}

// DeleteMany removes every document matching filter.
func (c *Collection) DeleteMany(ctx context.Context, filter bson.D, opts ...*DeleteOptions) (*DeleteResult, error) {
	return c.delete(ctx, filter, true)
}

func (c *Collection) delete(ctx context.Context, filter bson.D, many bool) (*DeleteResult, error) {
	docs, err := c.matched(ctx, filter)
	if err != nil {
		return nil, err
	}
	count := int64(0)
	for _, d := range docs {
		id, _ := docpath.Get(d, "_id")
		oidVal, err := toOID(id)
		if err != nil {
			return nil, err
		}
		if err := c.db.store.Delete(ctx, c.name, oidVal); err != nil {
			return nil, err
		}
		count++
		if !many {
			break
		}
	}
	return &DeleteResult{DeletedCount: count}, nil
}

// ---- findOneAnd* ----

// FindOneAndUpdate atomically updates the first matching document and
// returns either its pre- or post-update state per
// FindOneAndUpdateOptions.SetReturnDocument.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update bson.D, opts ...*FindOneAndUpdateOptions) (bson.D, error) {
	var o FindOneAndUpdateOptions
	for _, opt := range opts {
		if opt != nil {
			o = *opt
		}
	}
	docs, err := c.matched(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		if !o.upsert {
			return nil, ErrNoDocuments
		}
		res, err := c.doUpsert(ctx, filter, update)
		if err != nil {
			return nil, err
		}
		if !o.returnNewDoc {
			return nil, nil
		}
		return c.FindOne(ctx, bson.D{{Key: "_id", Value: res.UpsertedID}})
	}
	original := docs[0]
	updated, _, err := updateops.Apply(original, update)
	if err != nil {
		return nil, err
	}
	id, _ := docpath.Get(updated, "_id")
	oidVal, err := toOID(id)
	if err != nil {
		return nil, err
	}
	if err := c.db.store.Replace(ctx, c.name, oidVal, updated); err != nil {
		return nil, err
	}
	if o.returnNewDoc {
		return updated, nil
	}
	return original, nil
}

// FindOneAndReplace atomically replaces the first matching document.
func (c *Collection) FindOneAndReplace(ctx context.Context, filter, replacement bson.D, opts ...*FindOneAndUpdateOptions) (bson.D, error) {
	if len(replacement) > 0 && replacement[0].Key != "" && replacement[0].Key[0] == '$' {
		return nil, &apperr.BadUpdateError{Message: "replacement document must not contain update operators"}
	}
	return c.FindOneAndUpdate(ctx, filter, replacement, opts...)
}

// FindOneAndDelete atomically removes the first matching document and
// returns its pre-delete state.
func (c *Collection) FindOneAndDelete(ctx context.Context, filter bson.D) (bson.D, error) {
	docs, err := c.matched(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	d := docs[0]
	id, _ := docpath.Get(d, "_id")
	oidVal, err := toOID(id)
	if err != nil {
		return nil, err
	}
	if err := c.db.store.Delete(ctx, c.name, oidVal); err != nil {
		return nil, err
	}
	return d, nil
}

// ---- collection/index admin ----

// Drop removes the collection and all its documents.
func (c *Collection) Drop(ctx context.Context) error {
	indexRegistry.mu.Lock()
	delete(indexRegistry.m, indexKey(c))
	indexRegistry.mu.Unlock()
	return c.db.store.DropCollection(ctx, c.name)
}

// RenameCollection renames the collection to newName.
func (c *Collection) RenameCollection(ctx context.Context, newName string) error {
	if err := c.db.store.RenameCollection(ctx, c.name, newName); err != nil {
		return err
	}
	indexRegistry.mu.Lock()
	old := indexKey(c)
	idx := indexRegistry.m[old]
	delete(indexRegistry.m, old)
	c.name = newName
	indexRegistry.m[indexKey(c)] = idx
	indexRegistry.mu.Unlock()
	return nil
}

// CreateIndex records model for ListIndexes and returns its name.
// Index-backed query planning is out of scope (spec.md Non-goals).
func (c *Collection) CreateIndex(ctx context.Context, model IndexModel) (string, error) {
	names, err := c.CreateIndexes(ctx, []IndexModel{model})
	if err != nil {
		return "", err
	}
	return names[0], nil
}

// CreateIndexes records every model for ListIndexes.
func (c *Collection) CreateIndexes(ctx context.Context, models []IndexModel) ([]string, error) {
	indexRegistry.mu.Lock()
	defer indexRegistry.mu.Unlock()
	names := make([]string, len(models))
	for i, m := range models {
		if m.Name == "" {
			m.Name = defaultIndexName(m.Keys)
		}
		names[i] = m.Name
		indexRegistry.m[indexKey(c)] = append(indexRegistry.m[indexKey(c)], m)
	}
	return names, nil
}

func defaultIndexName(keys bson.D) string {
	name := ""
	for _, k := range keys {
		if name != "" {
			name += "_"
		}
		name += k.Key
	}
	return name
}

// DropIndex removes a previously created index by name.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	indexRegistry.mu.Lock()
	defer indexRegistry.mu.Unlock()
	key := indexKey(c)
	kept := indexRegistry.m[key][:0]
	for _, m := range indexRegistry.m[key] {
		if m.Name != name {
			kept = append(kept, m)
		}
	}
	indexRegistry.m[key] = kept
	return nil
}

// DropIndexes removes every index except the default _id index.
func (c *Collection) DropIndexes(ctx context.Context) error {
	indexRegistry.mu.Lock()
	delete(indexRegistry.m, indexKey(c))
	indexRegistry.mu.Unlock()
	return nil
}

// ListIndexes returns every recorded index plus the implicit _id index.
func (c *Collection) ListIndexes(ctx context.Context) ([]IndexModel, error) {
	indexRegistry.mu.Lock()
	defer indexRegistry.mu.Unlock()
	out := []IndexModel{{Keys: bson.D{{Key: "_id", Value: 1}}, Name: "_id_", Unique: true}}
	out = append(out, indexRegistry.m[indexKey(c)]...)
	return out, nil
}
