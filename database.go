// Package mondodb is an embedded, MongoDB-compatible document database
// engine: the query/update/aggregation execution core over an external,
// SQL-like row store (spec.md §1). It implements the value model, path
// engine, filter evaluator, update interpreter, aggregation pipeline,
// cursor, and collection/database facade; it assumes a persistent row
// store, identifier generation, and wire protocol live outside this
// package (spec.md §2).
package mondodb

import (
	"context"

	"github.com/dot-do/mondodb-sub005/internal/store"
)

// Database is a named grouping of collections backed by one storage
// collaborator (spec.md §4.9).
type Database struct {
	name  string
	store store.Store
}

// NewDatabase opens a Database over st. Constructing a Database never
// touches the store; collections and their documents are resolved
// lazily per call, the way the teacher's client wraps a live
// connection rather than eagerly enumerating collections.
func NewDatabase(name string, st store.Store) *Database {
	return &Database{name: name, store: st}
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// Collection returns a handle to a named collection. Collections need
// no explicit creation step; the first write to a collection name
// implicitly creates it in the row store, matching MongoDB's
// collection-on-first-write behavior.
func (d *Database) Collection(name string) *Collection {
	return &Collection{db: d, name: name}
}

// ListCollectionNames returns every collection name the storage
// collaborator currently reports through CollectionNames; a dropped
// collection is not among them.
func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	return d.store.CollectionNames(ctx)
}

// DropDatabase drops every collection in the database.
func (d *Database) DropDatabase(ctx context.Context) error {
	names, err := d.store.CollectionNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.store.DropCollection(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
