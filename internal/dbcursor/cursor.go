// Package dbcursor implements the cursor abstraction (spec.md §4.6,
// component 7): a single-use pull iterator over a query result, with
// sort/skip/limit/project chainable before the first advance and
// applied in a fixed order regardless of call order.
package dbcursor

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dot-do/mondodb-sub005/internal/apperr"
	"github.com/dot-do/mondodb-sub005/internal/bsonval"
	"github.com/dot-do/mondodb-sub005/internal/docpath"
)

// Source supplies the raw, unsorted, unfiltered documents a Cursor
// iterates. The database facade's query path implements this against
// the storage collaborator's row iterator (spec.md §6); tests can
// supply a plain slice-backed Source.
type Source interface {
	Next(ctx context.Context) (bson.D, bool, error)
	Close() error
}

// SliceSource adapts an in-memory []bson.D to Source, for call sites
// that already materialized their result set (e.g. aggregation pipeline
// output, which the pipeline executor fully materializes internally).
type SliceSource struct {
	docs []bson.D
	pos  int
}

// NewSliceSource builds a Source over an in-memory document slice.
func NewSliceSource(docs []bson.D) *SliceSource { return &SliceSource{docs: docs} }

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (bson.D, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, &apperr.CancelledError{}
	}
	if s.pos >= len(s.docs) {
		return nil, false, nil
	}
	d := s.docs[s.pos]
	s.pos++
	return d, true, nil
}

// Close implements Source.
func (s *SliceSource) Close() error { s.pos = len(s.docs); return nil }

// projectSpec is a compiled $project-shaped document, reused so cursor
// projection applies the same inclusion/exclusion semantics as the
// aggregation $project stage without importing the pipeline package
// (which itself depends on cursor-free materialized slices).
type projectSpec struct {
	fields    []string
	exclusion bool
	excludeID bool
}

// Cursor is a single-use pull iterator. Sort/skip/limit/project may
// only be set before the first call to Next/HasNext/ToArray; once
// advanced, it materializes its (possibly blocking) working set and
// chained calls have no further effect.
type Cursor struct {
	src     Source
	sortBy  bson.D
	skipN   int
	limitN  int
	hasLim  bool
	proj    *projectSpec
	started bool
	closed  bool
	buf     []bson.D
	pos     int
}

// New wraps src in a fresh, unstarted Cursor.
func New(src Source) *Cursor {
	return &Cursor{src: src}
}

// SetSort chains a sort specification; applied before skip/limit/project
// regardless of the order these Set* calls are made (spec.md §4.6).
func (c *Cursor) SetSort(spec bson.D) *Cursor {
	if !c.started {
		c.sortBy = spec
	}
	return c
}

// SetSkip chains a skip count.
func (c *Cursor) SetSkip(n int) *Cursor {
	if !c.started {
		c.skipN = n
	}
	return c
}

// SetLimit chains a limit count. A negative n is treated as abs(n) — this
// cursor has no batch/cursor-close-after-first-batch distinction for the
// negative-limit case to affect, so only the magnitude matters.
func (c *Cursor) SetLimit(n int) *Cursor {
	if !c.started {
		if n < 0 {
			n = -n
		}
		c.limitN = n
		c.hasLim = true
	}
	return c
}

// SetProjection chains a $project-shaped inclusion/exclusion document.
func (c *Cursor) SetProjection(spec bson.D) *Cursor {
	if !c.started || c.proj == nil {
		ps := compileProjection(spec)
		c.proj = &ps
	}
	return c
}

func compileProjection(spec bson.D) projectSpec {
	ps := projectSpec{}
	sawInclude, sawExclude := false, false
	for _, e := range spec {
		include := bsonval.Truthy(e.Value)
		if e.Key == "_id" && !include {
			ps.excludeID = true
			continue
		}
		if include {
			sawInclude = true
		} else {
			sawExclude = true
		}
		ps.fields = append(ps.fields, e.Key)
	}
	if sawExclude && !sawInclude {
		ps.exclusion = true
	}
	return ps
}

// materialize runs the full sort → skip → limit → project pipeline the
// first time the cursor is advanced. Sort forces full materialization
// of the source (it is a blocking stage, spec.md §5); without a sort,
// skip/limit could in principle stream, but materializing once here
// keeps the cursor's application-order contract simple and uniform.
func (c *Cursor) materialize(ctx context.Context) error {
	if c.started {
		return nil
	}
	c.started = true
	var docs []bson.D
	for {
		d, ok, err := c.src.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		docs = append(docs, d)
	}
	if len(c.sortBy) > 0 {
		docs = sortDocs(docs, c.sortBy)
	}
	if c.skipN > 0 {
		if c.skipN >= len(docs) {
			docs = nil
		} else {
			docs = docs[c.skipN:]
		}
	}
	if c.hasLim && c.limitN < len(docs) {
		docs = docs[:c.limitN]
	}
	if c.proj != nil {
		for i, d := range docs {
			docs[i] = applyProjection(d, *c.proj)
		}
	}
	c.buf = docs
	return nil
}

func applyProjection(d bson.D, ps projectSpec) bson.D {
	if ps.exclusion {
		out := append(bson.D{}, d...)
		for _, f := range ps.fields {
			out = docpath.Unset(out, f)
		}
		if ps.excludeID {
			out = docpath.Unset(out, "_id")
		}
		return out
	}
	out := bson.D{}
	if !ps.excludeID {
		if id, ok := docpath.Get(d, "_id"); ok {
			out = append(out, bson.E{Key: "_id", Value: id})
		}
	}
	for _, f := range ps.fields {
		if v, ok := docpath.Get(d, f); ok {
			out = append(out, bson.E{Key: f, Value: v})
		}
	}
	return out
}

func sortDocs(docs []bson.D, spec bson.D) []bson.D {
	out := append([]bson.D{}, docs...)
	less := func(i, j int) bool {
		for _, s := range spec {
			dir, _ := bsonval.AsFloat64(s.Value)
			vi, foundI := docpath.Get(out[i], s.Key)
			vj, foundJ := docpath.Get(out[j], s.Key)
			if !foundI {
				vi = bsonval.Missing{}
			}
			if !foundJ {
				vj = bsonval.Missing{}
			}
			c := bsonval.Compare(vi, vj)
			if c == 0 {
				continue
			}
			if dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	}
	insertionSortStable(out, less)
	return out
}

// insertionSortStable is used instead of sort.SliceStable so this leaf
// package has no dependency beyond what cursor behavior itself needs;
// cursor result sets are expected to be modest (already limited/skipped
// upstream in realistic pipelines).
func insertionSortStable(docs []bson.D, less func(i, j int) bool) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}

// HasNext reports whether Next would return another document, without
// consuming it. A closed cursor always reports false.
func (c *Cursor) HasNext(ctx context.Context) (bool, error) {
	if c.closed {
		return false, nil
	}
	if err := c.materialize(ctx); err != nil {
		return false, err
	}
	return c.pos < len(c.buf), nil
}

// Next advances the cursor and returns its next document. On a closed
// or exhausted cursor, it returns (nil, false, nil) — "no more"
// without fault (spec.md §4.6).
func (c *Cursor) Next(ctx context.Context) (bson.D, bool, error) {
	if c.closed {
		return nil, false, nil
	}
	if err := c.materialize(ctx); err != nil {
		return nil, false, err
	}
	if c.pos >= len(c.buf) {
		return nil, false, nil
	}
	d := c.buf[c.pos]
	c.pos++
	return d, true, nil
}

// ToArray drains the cursor into a slice.
func (c *Cursor) ToArray(ctx context.Context) ([]bson.D, error) {
	if err := c.materialize(ctx); err != nil {
		return nil, err
	}
	out := append([]bson.D{}, c.buf[c.pos:]...)
	c.pos = len(c.buf)
	return out, nil
}

// Close releases the cursor's underlying source. After Close, Next and
// HasNext behave as though exhausted rather than erroring.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.src.Close()
}
