// Package store defines the storage collaborator contract (spec.md
// §6): an external, SQL-like row store of (collection, _id, document)
// tuples that the engine pushes filtering down to on a best-effort
// basis. The persistent implementation itself — real SQL, real
// indexes — is out of scope; this package provides the interface the
// rest of the engine programs against, grounded on the
// buildWhereClause/buildOrderBy/buildJSONBUpdateClause pushdown shape
// the retrieval pack's Postgres/JSONB Mongo-compatible adapter uses,
// plus an in-memory reference implementation for tests.
package store

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
	"github.com/dot-do/mondodb-sub005/internal/docpath"
	"github.com/dot-do/mondodb-sub005/internal/oid"
)

// PushdownHint is what the engine can hand the row store to narrow the
// rows it has to scan: a single-key equality predicate and, where the
// store can do it cheaply, a simple ORDER BY. Anything not expressible
// here is residual and re-checked in-engine after the row store returns
// its best-effort candidate set.
type PushdownHint struct {
	EqualityField string
	EqualityValue any
	OrderBy       string
	OrderDesc     bool
	Limit         int
	HasLimit      bool
}

// Row is one stored tuple: the collection it belongs to, its _id, and
// its document body.
type Row struct {
	Collection string
	ID         oid.ID
	Doc        bson.D
}

// RowIterator walks a candidate row set the store pushed down.
type RowIterator interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// Store is the persistent row store collaborator (spec.md §6). It
// knows nothing about filter/update/aggregation semantics; the engine
// applies those in-memory over whatever candidate rows Query returns.
type Store interface {
	Query(ctx context.Context, collection string, hint PushdownHint) (RowIterator, error)
	Insert(ctx context.Context, collection string, id oid.ID, doc bson.D) error
	Replace(ctx context.Context, collection string, id oid.ID, doc bson.D) error
	Delete(ctx context.Context, collection string, id oid.ID) error
	DropCollection(ctx context.Context, collection string) error
	RenameCollection(ctx context.Context, from, to string) error
	CollectionNames(ctx context.Context) ([]string, error)
}

// memRecord pairs a stored document with the original identifier value
// it was inserted under — the map key is id's canonical form (oid.Key),
// which is not always the same Go value (e.g. int32(5) and int64(5)
// canonicalize to the same key but must still report back whichever
// form was actually stored).
type memRecord struct {
	id  oid.ID
	doc bson.D
}

// MemStore is an in-memory Store reference implementation, standing in
// for the real persistent row store this package only defines the
// contract for. It is concurrency-safe the way the engine's
// single-writer-per-collection model expects (spec.md §5): a simple
// mutex is enough since this is a reference, not a production backend.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[any]memRecord
	// order preserves insertion order per collection so unhinted scans
	// behave deterministically across calls, the way a real table's
	// natural scan order would for a given storage engine. Entries are
	// canonical keys (oid.Key), matching data's map key space.
	order map[string][]any
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data:  map[string]map[any]memRecord{},
		order: map[string][]any{},
	}
}

func (s *MemStore) Query(ctx context.Context, collection string, hint PushdownHint) (RowIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, &apperr.CancelledError{}
	}
	keys := s.order[collection]
	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		rec, ok := s.data[collection][key]
		if !ok {
			continue
		}
		if hint.EqualityField != "" {
			keep := false
			for _, c := range docpath.Candidates(rec.doc, hint.EqualityField) {
				if bsonval.Equal(c, hint.EqualityValue) || (hint.EqualityValue == nil && bsonval.IsMissing(c)) {
					keep = true
					break
				}
			}
			if !keep {
				continue
			}
		}
		rows = append(rows, Row{Collection: collection, ID: rec.id, Doc: append(bson.D{}, rec.doc...)})
	}
	if hint.OrderBy != "" {
		sortRows(rows, hint.OrderBy, hint.OrderDesc)
	}
	if hint.HasLimit && hint.Limit < len(rows) {
		rows = rows[:hint.Limit]
	}
	return &memRowIterator{rows: rows}, nil
}

func sortRows(rows []Row, field string, desc bool) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0; j-- {
			vj1, _ := docpath.Get(rows[j-1].Doc, field)
			vj, _ := docpath.Get(rows[j].Doc, field)
			c := bsonval.Compare(vj, vj1)
			swap := c < 0
			if desc {
				swap = c > 0
			}
			if !swap {
				break
			}
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

type memRowIterator struct {
	rows []Row
	pos  int
}

func (it *memRowIterator) Next(ctx context.Context) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, false, &apperr.CancelledError{}
	}
	if it.pos >= len(it.rows) {
		return Row{}, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}

func (it *memRowIterator) Close() error {
	it.pos = len(it.rows)
	return nil
}

func (s *MemStore) Insert(ctx context.Context, collection string, id oid.ID, doc bson.D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[collection] == nil {
		s.data[collection] = map[any]memRecord{}
	}
	key := oid.Key(id)
	if _, exists := s.data[collection][key]; exists {
		return &apperr.DuplicateKeyError{Namespace: collection, Key: oid.Hex(id)}
	}
	s.data[collection][key] = memRecord{id: id, doc: append(bson.D{}, doc...)}
	s.order[collection] = append(s.order[collection], key)
	return nil
}

func (s *MemStore) Replace(ctx context.Context, collection string, id oid.ID, doc bson.D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[collection] == nil {
		return nil
	}
	key := oid.Key(id)
	s.data[collection][key] = memRecord{id: id, doc: append(bson.D{}, doc...)}
	return nil
}

func (s *MemStore) Delete(ctx context.Context, collection string, id oid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := oid.Key(id)
	delete(s.data[collection], key)
	keys := s.order[collection]
	for i, existing := range keys {
		if existing == key {
			s.order[collection] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) DropCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, collection)
	delete(s.order, collection)
	return nil
}

func (s *MemStore) RenameCollection(ctx context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[to] = s.data[from]
	s.order[to] = s.order[from]
	delete(s.data, from)
	delete(s.order, from)
	return nil
}

func (s *MemStore) CollectionNames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	return names, nil
}
