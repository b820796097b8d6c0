package mondodb

import "go.mongodb.org/mongo-driver/v2/bson"

// FindOptions configures Find/FindOne, built with the functional-options
// "SetX" chain the mongo-driver itself uses (options.Find().SetSort(...)).
type FindOptions struct {
	sort       bson.D
	skip       int
	limit      int
	hasLimit   bool
	projection bson.D
	collation  bson.D
	hint       any
	comment    string
}

// Find returns a zero-value FindOptions ready for chaining.
func Find() *FindOptions { return &FindOptions{} }

func (o *FindOptions) SetSort(sort bson.D) *FindOptions { o.sort = sort; return o }
func (o *FindOptions) SetSkip(n int) *FindOptions       { o.skip = n; return o }
func (o *FindOptions) SetLimit(n int) *FindOptions      { o.limit = n; o.hasLimit = true; return o }
func (o *FindOptions) SetProjection(p bson.D) *FindOptions { o.projection = p; return o }

// SetCollation records a collation document. The engine does not
// implement locale-aware comparison (spec.md's string ordering is
// always byte-wise); this is accepted so callers migrating from a
// real MongoDB driver compile unchanged, and is otherwise ignored.
func (o *FindOptions) SetCollation(c bson.D) *FindOptions { o.collation = c; return o }

// SetHint records an index hint. Index selection is out of scope
// (spec.md Non-goals: "query planning beyond trivial pushdown"); hints
// are accepted for API compatibility and otherwise ignored.
func (o *FindOptions) SetHint(h any) *FindOptions { o.hint = h; return o }

// SetComment attaches a free-form comment, surfaced nowhere internally
// but accepted for driver-API compatibility.
func (o *FindOptions) SetComment(c string) *FindOptions { o.comment = c; return o }

// UpdateOptions configures UpdateOne/UpdateMany/ReplaceOne.
type UpdateOptions struct {
	upsert            bool
	arrayFilters      []bson.D
	bypassValidation  bool
	let               bson.D
}

// Update returns a zero-value UpdateOptions ready for chaining.
func Update() *UpdateOptions { return &UpdateOptions{} }

func (o *UpdateOptions) SetUpsert(v bool) *UpdateOptions { o.upsert = v; return o }

// SetArrayFilters records $[identifier]-style positional array filters.
// They are accepted for API compatibility but not evaluated. The update
// interpreter does not implement positional path segments ($, $[] or
// $[identifier]): each segment of an update path is a field name or a
// numeric array index.
func (o *UpdateOptions) SetArrayFilters(filters []bson.D) *UpdateOptions {
	o.arrayFilters = filters
	return o
}

func (o *UpdateOptions) SetBypassDocumentValidation(v bool) *UpdateOptions {
	o.bypassValidation = v
	return o
}

// SetLet records update-level `let` variables (used by aggregation-
// pipeline-style updates, which this engine does not implement —
// updates are always an operator or replacement document per
// spec.md §4.2).
func (o *UpdateOptions) SetLet(vars bson.D) *UpdateOptions { o.let = vars; return o }

// DeleteOptions configures DeleteOne/DeleteMany.
type DeleteOptions struct {
	collation bson.D
}

// Delete returns a zero-value DeleteOptions ready for chaining.
func Delete() *DeleteOptions { return &DeleteOptions{} }

func (o *DeleteOptions) SetCollation(c bson.D) *DeleteOptions { o.collation = c; return o }

// FindOneAndUpdateOptions configures FindOneAndUpdate.
type FindOneAndUpdateOptions struct {
	upsert         bool
	returnNewDoc   bool
	sort           bson.D
	projection     bson.D
	arrayFilters   []bson.D
}

// FindOneAndUpdate returns a zero-value FindOneAndUpdateOptions.
func FindOneAndUpdate() *FindOneAndUpdateOptions { return &FindOneAndUpdateOptions{} }

func (o *FindOneAndUpdateOptions) SetUpsert(v bool) *FindOneAndUpdateOptions { o.upsert = v; return o }
func (o *FindOneAndUpdateOptions) SetReturnDocument(returnAfter bool) *FindOneAndUpdateOptions {
	o.returnNewDoc = returnAfter
	return o
}
func (o *FindOneAndUpdateOptions) SetSort(s bson.D) *FindOneAndUpdateOptions { o.sort = s; return o }
func (o *FindOneAndUpdateOptions) SetProjection(p bson.D) *FindOneAndUpdateOptions {
	o.projection = p
	return o
}
func (o *FindOneAndUpdateOptions) SetArrayFilters(f []bson.D) *FindOneAndUpdateOptions {
	o.arrayFilters = f
	return o
}

// AggregateOptions configures Aggregate.
type AggregateOptions struct {
	let     bson.D
	comment string
}

// Aggregate returns a zero-value AggregateOptions.
func Aggregate() *AggregateOptions { return &AggregateOptions{} }

func (o *AggregateOptions) SetLet(vars bson.D) *AggregateOptions { o.let = vars; return o }
func (o *AggregateOptions) SetComment(c string) *AggregateOptions { o.comment = c; return o }

// IndexModel describes an index to create. createIndex/createIndexes
// are pass-through here (spec.md Non-goals: "index statistics"); the
// engine records names for listIndexes but performs no index-backed
// query planning.
type IndexModel struct {
	Keys    bson.D
	Name    string
	Unique  bool
}
